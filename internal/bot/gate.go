package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// SetMaintenance включает или выключает режим обслуживания.
func (b *Bot) SetMaintenance(on bool) {
	b.maintenance.Store(on)
}

func (b *Bot) InMaintenance() bool {
	return b.maintenance.Load()
}

// allowed проверяет режим обслуживания и подписку на каналы. Админы проходят всегда.
func (b *Bot) allowed(userID, chatID int64) bool {
	if b.cfg.IsAdmin(userID) {
		return true
	}
	if b.maintenance.Load() {
		b.reply(chatID, "Бот на техническом обслуживании. Попробуйте позже.", nil)
		return false
	}
	if missing := b.missingChannels(userID); len(missing) > 0 {
		b.reply(chatID, "Чтобы пользоваться ботом, подпишитесь на наши каналы:", channelsKeyboard(missing))
		return false
	}
	return true
}

// missingChannels возвращает каналы, в которых пользователь не состоит.
// Ошибка запроса считается отсутствием подписки.
func (b *Bot) missingChannels(userID int64) []string {
	var missing []string
	for _, ch := range b.cfg.Channels {
		member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
			ChatConfigWithUser: tgbotapi.ChatConfigWithUser{SuperGroupUsername: "@" + trimAt(ch), UserID: userID},
		})
		if err != nil {
			b.log.Warn("get chat member", zap.String("channel", ch), zap.Int64("user", userID), zap.Error(err))
			missing = append(missing, ch)
			continue
		}
		if member.HasLeft() || member.WasKicked() {
			missing = append(missing, ch)
		}
	}
	return missing
}
