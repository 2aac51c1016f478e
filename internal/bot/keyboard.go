package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"XUI-Telegram-bot/internal/catalog"
	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/ledger"
	"XUI-Telegram-bot/internal/pricing"
	"XUI-Telegram-bot/internal/settlement"
)

// Префиксы callback-данных.
const (
	cbFamily      = "fam:"
	cbTrial       = "trial:"
	cbPlan        = "plan:"
	cbBulkPlan    = "bulk:"
	cbCoin        = "coin:"
	cbSkipDisc    = "skip_discount"
	cbPayWallet   = "pay:wallet"
	cbPayCrypto   = "pay:crypto"
	cbRenew       = "renew"
	cbMenu        = "menu"
	cbCheckJoined = "check_channels"
)

func GetReplyKeyboard(isAdmin bool) tgbotapi.ReplyKeyboardMarkup {
	rows := [][]tgbotapi.KeyboardButton{
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/buy"),
			tgbotapi.NewKeyboardButton("/renew"),
			tgbotapi.NewKeyboardButton("/trial"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/wallet"),
			tgbotapi.NewKeyboardButton("/referral"),
			tgbotapi.NewKeyboardButton("/tariffs"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/guide"),
			tgbotapi.NewKeyboardButton("/support"),
			tgbotapi.NewKeyboardButton("/cancel"),
		),
	}
	if isAdmin {
		rows = append(rows,
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_stats"),
				tgbotapi.NewKeyboardButton("/admin_bulk"),
				tgbotapi.NewKeyboardButton("/admin_backup"),
			),
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_charge"),
				tgbotapi.NewKeyboardButton("/admin_referral"),
				tgbotapi.NewKeyboardButton("/admin_maintenance"),
			),
		)
	}
	return tgbotapi.NewReplyKeyboard(rows...)
}

func familyKeyboard(prefix string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(catalog.FamilyA.Title(), prefix+string(catalog.FamilyA)),
			tgbotapi.NewInlineKeyboardButtonData(catalog.FamilyB.Title(), prefix+string(catalog.FamilyB)),
		),
	)
}

// menuRow возвращает в главное меню из любого шага диалога.
func menuRow() []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("« Главное меню", cbMenu))
}

func skipDiscountKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Без кода скидки", cbSkipDisc)),
		menuRow(),
	)
}

// plansKeyboard показывает цены уже со скидкой.
func plansKeyboard(plans []catalog.Plan, prefix string, discountPct int) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range plans {
		label := p.Label
		if p.Price > 0 {
			label = fmt.Sprintf("%s - %d томан", p.Label, ledger.ApplyDiscount(p.Price, discountPct))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, prefix+p.Key)))
	}
	rows = append(rows, menuRow())
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// paymentKeyboard предлагает кошелёк, только если баланса хватает на заказ.
func paymentKeyboard(walletOK bool) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	if walletOK {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("Кошелёк", cbPayWallet))
	}
	row = append(row, tgbotapi.NewInlineKeyboardButtonData("Криптовалюта", cbPayCrypto))
	return tgbotapi.NewInlineKeyboardMarkup(row, menuRow())
}

func coinKeyboard() tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, sym := range pricing.SupportedCoins {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(sym, cbCoin+sym))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row, menuRow())
}

func invoiceKeyboard(inv pricing.Invoice) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Оплатить", inv.PaymentLink())),
	)
}

func renewKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Продлить", cbRenew)),
	)
}

func channelsKeyboard(channels []string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, ch := range channels {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(ch, "https://t.me/"+trimAt(ch)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Я подписался", cbCheckJoined)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// decisionKeyboard кнопки админа под чеком
func decisionKeyboard(req db.PaymentRequest) tgbotapi.InlineKeyboardMarkup {
	approve := settlement.Command{Action: settlement.ActionApprove, RequestID: req.ID}
	reject := settlement.Command{Action: settlement.ActionReject, RequestID: req.ID}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Подтвердить", approve.String()),
			tgbotapi.NewInlineKeyboardButtonData("❌ Отклонить", reject.String()),
		),
	)
}

func trimAt(ch string) string {
	if len(ch) > 0 && ch[0] == '@' {
		return ch[1:]
	}
	return ch
}
