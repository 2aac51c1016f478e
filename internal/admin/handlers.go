package admin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"

	"XUI-Telegram-bot/config"
	"XUI-Telegram-bot/internal/catalog"
	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/ledger"
	"XUI-Telegram-bot/internal/logger"
)

// Sender это часть BotAPI, нужная админ-командам
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

func IsAdmin(userID int64) bool {
	return config.AppCfg.IsAdmin(userID)
}

// HandleAdminCommand выполняет /admin_stats, /admin_user и /admin_backup.
// Возвращает false, если команда не из этого набора.
func HandleAdminCommand(ctx context.Context, bot Sender, conn *gorm.DB, msg *tgbotapi.Message) bool {
	if msg == nil || msg.From == nil || !IsAdmin(msg.From.ID) {
		return false
	}
	cmd := msg.Command()
	switch cmd {
	case "admin_stats":
		handleStats(bot, conn, msg)
	case "admin_user":
		handleUser(bot, conn, msg)
	case "admin_backup":
		handleBackup(ctx, bot, msg)
	default:
		return false
	}
	logger.LogAdminAction(msg.From.ID, cmd, msg.Text)
	return true
}

// Stats сводка для /admin_stats и HTTP /stats
type Stats struct {
	Users          int64 `json:"users"`
	ActiveSubs     int64 `json:"active_subscriptions"`
	PendingPayment int64 `json:"pending_requests"`
	WalletSpent    int64 `json:"wallet_spent"`
	Commissions    int64 `json:"commissions"`
}

func CollectStats(conn *gorm.DB, now time.Time) Stats {
	return Stats{
		Users:          db.CountUsers(conn),
		ActiveSubs:     db.CountActiveSubscriptions(conn, now),
		PendingPayment: db.CountPendingPayments(conn),
		WalletSpent:    -(db.SumLedger(conn, ledger.ReasonPurchase) + db.SumLedger(conn, ledger.ReasonRenewal)),
		Commissions:    db.SumLedger(conn, ledger.ReasonCommission),
	}
}

func handleStats(bot Sender, conn *gorm.DB, msg *tgbotapi.Message) {
	s := CollectStats(conn, time.Now())
	text := fmt.Sprintf(
		"Пользователей: %d\nАктивных подписок: %d\nЗаявок на проверке: %d\nОплачено с кошельков: %d томан\nНачислено комиссий: %d томан",
		s.Users, s.ActiveSubs, s.PendingPayment, s.WalletSpent, s.Commissions)
	bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text))
}

func handleUser(bot Sender, conn *gorm.DB, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 1 {
		bot.Send(tgbotapi.NewMessage(msg.Chat.ID, "Использование: /admin_user <userID>"))
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		bot.Send(tgbotapi.NewMessage(msg.Chat.ID, "userID должен быть числом"))
		return
	}
	user, err := db.GetUser(conn, userID)
	if errors.Is(err, db.ErrNotFound) {
		bot.Send(tgbotapi.NewMessage(msg.Chat.ID, "Пользователь не найден"))
		return
	}
	if err != nil {
		bot.Send(tgbotapi.NewMessage(msg.Chat.ID, "Ошибка БД: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(msg.Chat.ID, FormatUser(user)))
}

// FormatUser собирает карточку пользователя для админа
func FormatUser(u db.User) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID: %d (@%s)\n", u.UserID, u.Username))
	plan := u.PlanKey
	if p, ok := catalog.GetPlan(u.PlanKey); ok {
		plan = p.Label
	}
	if u.Remarks != "" {
		sb.WriteString(fmt.Sprintf("Сервис: %s, %s, тариф %s\n", u.Remarks, u.ServiceType, plan))
	} else {
		sb.WriteString("Сервис: нет\n")
	}
	if u.ExpireDate != nil {
		sb.WriteString("Действует до: " + u.ExpireDate.Format("2006-01-02 15:04") + "\n")
	}
	sb.WriteString(fmt.Sprintf("Кошелёк: %d томан\nПокупок: %d\nПриглашено: %d\nТест: %v",
		u.WalletBalance, u.PurchaseCount, u.SuccessfulReferrals, u.HasTest))
	if u.ReferrerID != nil {
		sb.WriteString(fmt.Sprintf("\nПригласил: %d", *u.ReferrerID))
	}
	return sb.String()
}

func handleBackup(ctx context.Context, bot Sender, msg *tgbotapi.Message) {
	filename, err := BackupDatabase(ctx, config.AppCfg.DatabaseURL, config.AppCfg.BackupDir, "backup")
	if err != nil {
		bot.Send(tgbotapi.NewMessage(msg.Chat.ID, "Ошибка резервного копирования: "+err.Error()))
		return
	}
	file := tgbotapi.NewDocument(msg.Chat.ID, tgbotapi.FilePath(filename))
	file.Caption = "Резервная копия БД: " + filepath.Base(filename)
	bot.Send(file)
}
