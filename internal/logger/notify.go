package logger

import (
	"fmt"
	"sync"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender это часть BotAPI, нужная для уведомлений.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var (
	mu          sync.RWMutex
	botInstance Sender
	adminIDs    []int64
)

// InitNotifier инициализирует Telegram-уведомления об ошибках
func InitNotifier(bot Sender, admins []int64) {
	mu.Lock()
	defer mu.Unlock()
	botInstance = bot
	adminIDs = append([]int64(nil), admins...)
}

// NotifyAdmin отправляет критическое уведомление всем админам и пишет его в лог
func NotifyAdmin(msg string) {
	log.Warn("operator_alert", zap.String("text", msg))
	mu.RLock()
	defer mu.RUnlock()
	if botInstance == nil {
		return
	}
	for _, id := range adminIDs {
		if _, err := botInstance.Send(tgbotapi.NewMessage(id, "[ALERT] "+msg)); err != nil {
			log.Error("notify admin", zap.Int64("admin_id", id), zap.Error(err))
		}
	}
}

// NotifyOnPanic ловит панику, логирует и уведомляет
func NotifyOnPanic(context string) {
	if r := recover(); r != nil {
		log.Error("panic", zap.String("context", context), zap.Any("recovered", r))
		NotifyAdmin("Panic in " + context + ": " + toString(r))
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprintf("%v", t)
	}
}
