package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"XUI-Telegram-bot/internal/admin"
	"XUI-Telegram-bot/internal/logger"
)

// Purger чистит сессии в памяти. Redis удаляет их сам по TTL.
type Purger interface {
	Purge() int
}

type Forgetter interface {
	Forget()
}

type Jobs struct {
	Bot         Sender
	DB          *gorm.DB
	Sessions    Purger
	Limiter     Forgetter
	Monitor     *StatusMonitor
	DatabaseURL string
	BackupDir   string
}

// StartScheduler регистрирует фоновые задачи и запускает cron.
func StartScheduler(ctx context.Context, j Jobs) (*cron.Cron, error) {
	c := cron.New()
	add := func(spec, name string, fn func()) error {
		_, err := c.AddFunc(spec, func() {
			defer logger.NotifyOnPanic("cron " + name)
			fn()
		})
		return err
	}

	if err := add("@every 1m", "housekeeping", func() {
		if j.Sessions != nil {
			if n := j.Sessions.Purge(); n > 0 {
				logger.Info("expired sessions purged", zap.Int("count", n))
			}
		}
		if j.Limiter != nil {
			j.Limiter.Forget()
		}
	}); err != nil {
		return nil, err
	}
	if j.Monitor != nil {
		if err := add("@every 5m", "panel status", func() { j.Monitor.Check(ctx) }); err != nil {
			return nil, err
		}
	}
	// Напоминания о скором окончании подписки (раз в сутки в 10:00)
	if err := add("0 10 * * *", "expiry reminders", func() {
		n := NotifyExpiringSubscriptions(ctx, j.Bot, j.DB, 3, time.Now())
		logger.Info("expiry reminders sent", zap.Int("count", n))
	}); err != nil {
		return nil, err
	}
	// Автоматический бэкап БД раз в сутки
	if err := add("0 3 * * *", "backup", func() {
		admin.AutoBackupDatabase(ctx, j.DatabaseURL, j.BackupDir)
	}); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
