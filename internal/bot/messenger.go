package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/skip2/go-qrcode"
)

const qrSize = 512

// Messenger доставляет результаты расчётов пользователю через Telegram.
type Messenger struct {
	api API
}

func NewMessenger(api API) *Messenger {
	return &Messenger{api: api}
}

func (m *Messenger) SendText(chatID int64, text string) error {
	_, err := m.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

// SendCredential отправляет ссылку текстом и QR-кодом.
func (m *Messenger) SendCredential(chatID int64, caption, link string) error {
	if _, err := m.api.Send(tgbotapi.NewMessage(chatID, caption)); err != nil {
		return err
	}
	png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "config.png", Bytes: png})
	photo.Caption = "QR-код для импорта в приложение"
	_, err = m.api.Send(photo)
	return err
}

func (m *Messenger) SendDocument(chatID int64, filename string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = caption
	_, err := m.api.Send(doc)
	return err
}
