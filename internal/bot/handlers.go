package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"XUI-Telegram-bot/internal/admin"
	"XUI-Telegram-bot/internal/catalog"
	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/ledger"
	"XUI-Telegram-bot/internal/session"
	"XUI-Telegram-bot/internal/settlement"
)

const helpText = `Доступные команды:
/buy - Купить сервис
/renew - Продлить подписку
/trial - Бесплатный тест на сутки
/wallet - Кошелёк
/referral - Пригласить друзей
/tariffs - Тарифы
/guide - Инструкции по подключению
/support - Поддержка
/cancel - Выйти в главное меню`

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message
	if msg.IsCommand() && msg.Command() == "start" {
		b.handleStart(ctx, msg)
		return
	}
	b.ensureUser(ctx, msg.From, nil)
	if !b.allowed(msg.From.ID, msg.Chat.ID) {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	b.handleText(ctx, msg)
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, referrerID *int64) bool {
	created, err := db.EnsureUser(b.db.WithContext(ctx), from.ID, from.UserName, referrerID)
	if err != nil {
		b.log.Error("ensure user", zap.Int64("user", from.ID), zap.Error(err))
	}
	return created
}

// handleStart регистрирует пользователя. Аргумент ref_<id> записывает пригласившего.
func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	uid := msg.From.ID
	var referrerID *int64
	if arg := strings.TrimSpace(msg.CommandArguments()); strings.HasPrefix(arg, "ref_") {
		if id, err := strconv.ParseInt(strings.TrimPrefix(arg, "ref_"), 10, 64); err == nil && id != uid {
			if _, err := db.GetUser(b.db.WithContext(ctx), id); err == nil {
				referrerID = &id
			}
		}
	}
	if b.ensureUser(ctx, msg.From, referrerID) && referrerID != nil {
		b.reply(*referrerID, "По вашей ссылке зарегистрировался новый пользователь!", nil)
	}
	if err := b.machine.Reset(ctx, uid); err != nil {
		b.log.Warn("reset session", zap.Int64("user", uid), zap.Error(err))
	}
	if !b.allowed(uid, msg.Chat.ID) {
		return
	}
	b.reply(msg.Chat.ID, "Добро пожаловать! Для покупки используйте /buy, справка: /help", GetReplyKeyboard(b.cfg.IsAdmin(uid)))
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	uid, chatID := msg.From.ID, msg.Chat.ID
	cmd := msg.Command()
	if b.limiter.IsLimited(uid, cmd) {
		b.reply(chatID, "Пожалуйста, не так быстро! Подождите пару секунд...", nil)
		return
	}
	switch cmd {
	case "cancel", "menu":
		if err := b.machine.Reset(ctx, uid); err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, "Главное меню", GetReplyKeyboard(b.cfg.IsAdmin(uid)))
	case "help":
		b.reply(chatID, helpText, GetReplyKeyboard(b.cfg.IsAdmin(uid)))
	case "buy":
		b.reply(chatID, "Выберите тип сервиса:", familyKeyboard(cbFamily))
	case "trial":
		b.reply(chatID, "Тестовая подписка на сутки. Выберите тип сервиса:", familyKeyboard(cbTrial))
	case "renew":
		b.showSubscription(ctx, uid, chatID)
	case "wallet":
		b.showWallet(ctx, uid, chatID)
	case "referral":
		b.showReferral(ctx, uid, chatID)
	case "tariffs":
		b.reply(chatID, tariffsText(), nil)
	case "guide":
		b.reply(chatID, guideText, nil)
	case "support":
		b.reply(chatID, "Поддержка: "+b.cfg.SupportURL, nil)
	default:
		if b.cfg.IsAdmin(uid) && b.handleAdmin(ctx, msg) {
			return
		}
		b.reply(chatID, "Неизвестная команда. Используйте /help для списка всех возможностей.", nil)
	}
}

// handleText разбирает свободный ввод по текущему шагу диалога.
func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	uid, chatID := msg.From.ID, msg.Chat.ID
	s, err := b.machine.Current(ctx, uid)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	text := msg.Text
	switch s.State {
	case session.AwaitingCustomName:
		if _, err := b.machine.SubmitName(ctx, uid, text); err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, "Если у вас есть код скидки, отправьте его. Иначе нажмите кнопку ниже.", skipDiscountKeyboard())

	case session.AwaitingDiscountCode:
		pct, err := b.coord.RedeemDiscount(ctx, uid, text)
		if err != nil {
			b.reply(chatID, settlement.UserMessage(err), skipDiscountKeyboard())
			return
		}
		s, err := b.machine.ApplyDiscount(ctx, uid, strings.TrimSpace(text), pct)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Скидка %d%% применена.", pct), nil)
		b.showPlans(chatID, s)

	case session.AwaitingReceipt:
		if b.limiter.IsLimited(uid, "receipt") {
			return
		}
		s, err := b.machine.SubmitReceipt(ctx, uid, text)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		req, err := b.coord.SubmitReceipt(ctx, uid, s.Order)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.notifyAdminsReceipt(req, msg.From.UserName)
		b.reply(chatID, "Чек получен и отправлен на проверку. Мы сообщим, когда платёж будет подтверждён.", nil)

	case session.BulkAwaitingQuantity:
		if _, err := b.machine.BulkQuantity(ctx, uid, text); err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, "Введите префикс имён (латиница, цифры, _ или -):", nil)

	case session.BulkAwaitingPrefix:
		s, err := b.machine.BulkPrefix(ctx, uid, text)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Создаём %d конфигураций...", s.Order.Quantity), nil)
		links, err := b.coord.BulkCreate(ctx, uid, s.Order.PlanKey, s.Order.CustomName, s.Order.Quantity)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Готово: создано %d.", len(links)), nil)

	case session.AwaitingChargeAmount, session.AwaitingFakePurchaseAmount:
		b.handleTestAmount(ctx, uid, chatID, s.State, text)

	default:
		b.reply(chatID, "Используйте кнопки меню или /help.", GetReplyKeyboard(b.cfg.IsAdmin(uid)))
	}
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.From == nil || cq.Message == nil {
		b.answer(cq.ID, "")
		return
	}
	uid, chatID, data := cq.From.ID, cq.Message.Chat.ID, cq.Data
	if settlement.IsCommand(data) {
		b.handleDecision(ctx, cq)
		return
	}
	b.answer(cq.ID, "")
	if data == cbCheckJoined {
		if missing := b.missingChannels(uid); len(missing) > 0 {
			b.reply(chatID, "Подписка не найдена. Подпишитесь и нажмите кнопку ещё раз.", channelsKeyboard(missing))
			return
		}
		b.reply(chatID, "Спасибо! Теперь бот доступен.", GetReplyKeyboard(b.cfg.IsAdmin(uid)))
		return
	}
	b.ensureUser(ctx, cq.From, nil)
	if !b.allowed(uid, chatID) {
		return
	}

	switch {
	case strings.HasPrefix(data, cbFamily):
		family := catalog.Family(strings.TrimPrefix(data, cbFamily))
		if _, err := b.machine.StartPurchase(ctx, uid, family); err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, "Введите имя для сервиса (буквы и цифры, не короче 4 символов):", nil)

	case strings.HasPrefix(data, cbTrial):
		if b.limiter.IsLimited(uid, "trial") {
			return
		}
		family := catalog.Family(strings.TrimPrefix(data, cbTrial))
		if !family.Valid() {
			return
		}
		b.reply(chatID, "Создаём тестовую подписку...", nil)
		if err := b.coord.FreeTrial(ctx, uid, family); err != nil {
			b.replyErr(chatID, err)
		}

	case data == cbSkipDisc:
		s, err := b.machine.SkipDiscount(ctx, uid)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.showPlans(chatID, s)

	case strings.HasPrefix(data, cbPlan):
		s, err := b.machine.SelectPlan(ctx, uid, strings.TrimPrefix(data, cbPlan))
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		plan, price, err := b.coord.Price(s.Order)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		balance, err := b.coord.Wallet().Balance(ctx, uid)
		if err != nil {
			b.log.Warn("wallet balance", zap.Int64("user", uid), zap.Error(err))
		}
		walletOK := err == nil && balance >= price
		text := fmt.Sprintf("Тариф: %s\nК оплате: %d томан\n\nВыберите способ оплаты:", plan.Label, price)
		if !walletOK {
			text += fmt.Sprintf("\n\nНа кошельке %d томан, для оплаты с кошелька не хватает средств.", balance)
		}
		b.reply(chatID, text, paymentKeyboard(walletOK))

	case data == cbPayWallet:
		if b.limiter.IsLimited(uid, "buy") {
			return
		}
		s, err := b.machine.ChooseWallet(ctx, uid)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, "Оплата с кошелька, обрабатываем заказ...", nil)
		if err := b.coord.PayFromWallet(ctx, uid, s.Order); err != nil {
			b.replyErr(chatID, err)
		}

	case data == cbPayCrypto:
		if _, err := b.machine.ChooseCrypto(ctx, uid); err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, "Выберите монету:", coinKeyboard())

	case strings.HasPrefix(data, cbCoin):
		b.issueInvoice(ctx, uid, chatID, strings.TrimPrefix(data, cbCoin))

	case data == cbRenew:
		b.startRenewal(ctx, uid, chatID)

	case strings.HasPrefix(data, cbBulkPlan):
		if !b.cfg.IsAdmin(uid) {
			return
		}
		if _, err := b.machine.BulkPlan(ctx, uid, strings.TrimPrefix(data, cbBulkPlan)); err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Сколько конфигураций создать? (1-%d)", session.MaxBulkQuantity), nil)

	case data == cbMenu:
		_ = b.machine.Reset(ctx, uid)
		b.reply(chatID, "Главное меню", GetReplyKeyboard(b.cfg.IsAdmin(uid)))
	}
}

func (b *Bot) issueInvoice(ctx context.Context, uid, chatID int64, symbol string) {
	s, err := b.machine.Current(ctx, uid)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	if s.State != session.AwaitingCryptoChoice {
		b.replyErr(chatID, session.ErrUnexpectedInput)
		return
	}
	inv, err := b.coord.Quote(ctx, s.Order, symbol)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	if _, err := b.machine.SetInvoice(ctx, uid, inv.Symbol, inv.ID, inv.Amount.String()); err != nil {
		b.replyErr(chatID, err)
		return
	}
	text := fmt.Sprintf("Счёт %s\nСумма: %d томан\nК оплате: %s %s (сеть %s)\nАдрес: %s\n\nПосле оплаты отправьте хэш транзакции (TxID).",
		inv.ID, inv.PriceToman, inv.Amount.String(), inv.Symbol, inv.Network, inv.Address)
	if inv.NeedsEmptyMemo() {
		text += "\n\nВнимание: поле memo оставьте пустым."
	}
	b.reply(chatID, text, invoiceKeyboard(inv))
}

func (b *Bot) startRenewal(ctx context.Context, uid, chatID int64) {
	user, err := db.GetUser(b.db.WithContext(ctx), uid)
	if err != nil || user.Remarks == "" {
		b.replyErr(chatID, settlement.ErrNoSubscription)
		return
	}
	family := catalog.Family(user.ServiceType)
	if !family.Valid() {
		family = catalog.FamilyA
	}
	if _, err := b.machine.StartRenewal(ctx, uid, family, user.Remarks); err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, "Продление "+user.Remarks+". Если у вас есть код скидки, отправьте его.", skipDiscountKeyboard())
}

// handleDecision обрабатывает кнопку админа под чеком. Сообщение с чеком
// редактируется, чтобы показать итог.
func (b *Bot) handleDecision(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	adminID := cq.From.ID
	if !b.cfg.IsAdmin(adminID) {
		b.answer(cq.ID, "Недостаточно прав")
		return
	}
	cmd, err := settlement.ParseCommand(cq.Data)
	if err != nil {
		b.answer(cq.ID, "Некорректная команда")
		return
	}
	req, err := b.coord.Decide(ctx, adminID, cmd)
	var verdict string
	switch {
	case errors.Is(err, settlement.ErrAlreadyActioned):
		b.answer(cq.ID, settlement.UserMessage(err))
		return
	case err != nil && req.Status == db.PaymentFailed:
		verdict = "⚠️ Подтверждено, но выдать доступ не удалось: " + err.Error()
	case err != nil:
		b.log.Error("decide payment", zap.Uint("request", cmd.RequestID), zap.Error(err))
		b.answer(cq.ID, "Ошибка: "+err.Error())
		return
	case req.Status == db.PaymentRejected:
		verdict = "❌ Отклонено"
	default:
		verdict = "✅ Подтверждено и выполнено"
	}
	b.answer(cq.ID, verdict)
	edit := tgbotapi.NewEditMessageText(cq.Message.Chat.ID, cq.Message.MessageID,
		fmt.Sprintf("%s\n\n%s (админ %d)", cq.Message.Text, verdict, adminID))
	if _, err := b.api.Send(edit); err != nil {
		b.log.Warn("edit receipt message", zap.Error(err))
	}
}

func (b *Bot) notifyAdminsReceipt(req db.PaymentRequest, username string) {
	kind := "покупка"
	if req.IsRenewal {
		kind = "продление"
	}
	label := req.PlanKey
	if p, ok := catalog.GetPlan(req.PlanKey); ok {
		label = p.Label
	}
	text := fmt.Sprintf("Заявка #%d (%s)\nПользователь: %d @%s\nИмя: %s\nТариф: %s\nСумма: %d томан (скидка %d%%)\nСчёт: %s\nК оплате: %s %s\nTxID: %s",
		req.ID, kind, req.UserID, username, req.Remark, label, req.Amount, req.DiscountPct,
		req.InvoiceID, req.CryptoAmount, req.CryptoSymbol, req.TxID)
	for _, id := range b.cfg.AdminIDs {
		b.reply(id, text, decisionKeyboard(req))
	}
}

func (b *Bot) handleAdmin(ctx context.Context, msg *tgbotapi.Message) bool {
	uid, chatID := msg.From.ID, msg.Chat.ID
	switch msg.Command() {
	case "admin_bulk":
		if _, err := b.machine.StartBulk(ctx, uid); err != nil {
			b.replyErr(chatID, err)
			return true
		}
		b.reply(chatID, "Выберите тариф для массового создания:", plansKeyboard(catalog.All(), cbBulkPlan, 0))
	case "admin_charge":
		if _, err := b.machine.StartAdminTest(ctx, uid, session.AwaitingChargeAmount); err != nil {
			b.replyErr(chatID, err)
			return true
		}
		b.reply(chatID, "Введите сумму пополнения вашего кошелька (томан):", nil)
	case "admin_referral":
		if _, err := b.machine.StartAdminTest(ctx, uid, session.AwaitingFakePurchaseAmount); err != nil {
			b.replyErr(chatID, err)
			return true
		}
		b.reply(chatID, "Введите сумму покупки приглашённого (томан):", nil)
	case "admin_maintenance":
		on := !b.maintenance.Load()
		b.maintenance.Store(on)
		b.reply(chatID, fmt.Sprintf("Режим обслуживания: %v", on), nil)
		b.log.Info("maintenance toggled", zap.Int64("admin", uid), zap.Bool("on", on))
	default:
		return admin.HandleAdminCommand(ctx, b.api, b.db.WithContext(ctx), msg)
	}
	return true
}

func (b *Bot) handleTestAmount(ctx context.Context, uid, chatID int64, state session.State, text string) {
	_, amount, err := b.machine.SubmitAmount(ctx, uid, text)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	if state == session.AwaitingChargeAmount {
		balance, err := b.coord.AdminTestCharge(ctx, uid, amount)
		if err != nil {
			b.replyErr(chatID, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Кошелёк пополнен. Баланс: %d томан", balance), nil)
		return
	}
	res, err := b.coord.AdminTestReferral(ctx, uid, amount)
	if err != nil && !res.Milestone {
		b.replyErr(chatID, err)
		return
	}
	out := fmt.Sprintf("Комиссия: %d томан\nБаланс: %d томан\nПриглашено: %d", res.Amount, res.Balance, res.Referrals)
	if res.Milestone {
		out += "\nПорог достигнут, подарочный тариф выдан."
		if err != nil {
			out += " Ошибка выдачи: " + err.Error()
		}
	}
	b.reply(chatID, out, nil)
}

func (b *Bot) showPlans(chatID int64, s session.Session) {
	b.reply(chatID, "Выберите тариф:", plansKeyboard(catalog.Purchasable(s.Order.Family), cbPlan, s.Order.DiscountPct))
}

func (b *Bot) showSubscription(ctx context.Context, uid, chatID int64) {
	user, err := db.GetUser(b.db.WithContext(ctx), uid)
	if err != nil || user.Remarks == "" {
		b.reply(chatID, "У вас нет активных подписок. Для покупки используйте /buy.", nil)
		return
	}
	text := fmt.Sprintf("Ваша подписка: %s (%s)", user.Remarks, catalog.Family(user.ServiceType).Title())
	if user.ExpireDate != nil {
		text += "\nДействует до: " + user.ExpireDate.Format("2006-01-02 15:04")
	}
	b.reply(chatID, text, renewKeyboard())
}

func (b *Bot) showWallet(ctx context.Context, uid, chatID int64) {
	balance, err := b.coord.Wallet().Balance(ctx, uid)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Баланс кошелька: %d томан\n\nКошелёк пополняется бонусами за приглашённых друзей.", balance), nil)
}

func (b *Bot) showReferral(ctx context.Context, uid, chatID int64) {
	user, err := db.GetUser(b.db.WithContext(ctx), uid)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	link := fmt.Sprintf("https://t.me/%s?start=ref_%d", b.username, uid)
	text := fmt.Sprintf("Ваша ссылка: %s\n\nЗа каждую покупку приглашённого вы получаете %d%% на кошелёк. За %d приглашений - подарочный тариф.\n\nПриглашено: %d\nБаланс: %d томан",
		link, ledger.CommissionPercent, ledger.MilestoneReferrals, user.SuccessfulReferrals, user.WalletBalance)
	b.reply(chatID, text, nil)
}

func tariffsText() string {
	var sb strings.Builder
	for _, f := range []catalog.Family{catalog.FamilyA, catalog.FamilyB} {
		sb.WriteString(f.Title() + ":\n")
		for _, p := range catalog.Purchasable(f) {
			sb.WriteString(fmt.Sprintf("  %s - %d томан, %d дней\n", p.Label, p.Price, p.Days))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

const guideText = `Как подключиться:

V2Ray: Android - v2rayNG, iOS - Streisand или V2Box, Windows - Nekoray.
Скопируйте ссылку из сообщения или отсканируйте QR-код в приложении.

WireGuard: установите официальное приложение WireGuard и импортируйте конфигурацию по ссылке или QR-коду.`

func (b *Bot) reply(chatID int64, text string, markup interface{}) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn("send message", zap.Int64("chat", chatID), zap.Error(err))
	}
}

// replyErr показывает пользователю безопасный текст ошибки.
func (b *Bot) replyErr(chatID int64, err error) {
	var verr *session.ValidationError
	if !errors.As(err, &verr) && !errors.Is(err, session.ErrUnexpectedInput) {
		b.log.Info("request failed", zap.Int64("chat", chatID), zap.Error(err))
	}
	b.reply(chatID, settlement.UserMessage(err), nil)
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Debug("answer callback", zap.Error(err))
	}
}
