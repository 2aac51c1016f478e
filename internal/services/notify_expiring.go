package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/logger"
)

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NotifyExpiringSubscriptions напоминает пользователям о скором окончании подписки.
// Каждому пользователю напоминание отправляется один раз до следующей покупки или продления.
func NotifyExpiringSubscriptions(ctx context.Context, bot Sender, conn *gorm.DB, daysBefore int, now time.Time) int {
	conn = conn.WithContext(ctx)
	users, err := db.UsersExpiringBetween(conn, now, now.Add(time.Duration(daysBefore)*24*time.Hour))
	if err != nil {
		logger.Error("load expiring users", zap.Error(err))
		return 0
	}
	sent := 0
	for _, user := range users {
		text := fmt.Sprintf("Ваша подписка %s истекает %s. Продлить: /renew", user.Remarks, user.ExpireDate.Format("2006-01-02"))
		if _, err := bot.Send(tgbotapi.NewMessage(user.UserID, text)); err != nil {
			logger.Warn("send expiry reminder", zap.Int64("user", user.UserID), zap.Error(err))
			continue
		}
		if err := db.MarkNotified(conn, user.UserID); err != nil {
			logger.Error("mark notified", zap.Int64("user", user.UserID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}
