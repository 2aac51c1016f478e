package bot

import (
	"context"
	"sync"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"XUI-Telegram-bot/config"
	"XUI-Telegram-bot/internal/logger"
	"XUI-Telegram-bot/internal/session"
	"XUI-Telegram-bot/internal/settlement"
)

// API содержит методы BotAPI, которые использует бот.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
}

type Deps struct {
	API         API
	DB          *gorm.DB
	Machine     *session.Machine
	Coordinator *settlement.Coordinator
	Config      *config.AppConfig
	// BotUsername нужен для реферальной ссылки.
	BotUsername string
}

type Bot struct {
	api         API
	db          *gorm.DB
	machine     *session.Machine
	coord       *settlement.Coordinator
	cfg         *config.AppConfig
	username    string
	limiter     *RateLimiter
	locks       *settlement.KeyedMutex
	maintenance atomic.Bool
	log         *zap.Logger
	wg          sync.WaitGroup
}

func New(d Deps) *Bot {
	return &Bot{
		api:      d.API,
		db:       d.DB,
		machine:  d.Machine,
		coord:    d.Coordinator,
		cfg:      d.Config,
		username: d.BotUsername,
		limiter:  NewRateLimiter(d.Config.IsAdmin),
		locks:    settlement.NewKeyedMutex(),
		log:      logger.L("bot"),
	}
}

// Limiter нужен планировщику для чистки старых записей.
func (b *Bot) Limiter() *RateLimiter {
	return b.limiter
}

// Run обрабатывает апдейты до закрытия канала или отмены ctx. События разных
// пользователей обрабатываются параллельно, одного пользователя по очереди.
// После отмены новые апдейты не берутся, а начатые дорабатывают до конца:
// их контекст не отменяется вместе с ctx, чтобы оплата не обрывалась после списания.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer b.wg.Wait()
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.dispatch(work, update)
			}()
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	defer logger.NotifyOnPanic("update handler")
	userID := senderID(update)
	if userID == 0 {
		return
	}
	unlock := b.locks.Lock(userID)
	defer unlock()
	b.HandleUpdate(ctx, update)
}

func senderID(update tgbotapi.Update) int64 {
	switch {
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		return update.CallbackQuery.From.ID
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID
	}
	return 0
}
