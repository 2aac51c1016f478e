package settlement

import (
	"errors"

	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/ledger"
	"XUI-Telegram-bot/internal/panel"
	"XUI-Telegram-bot/internal/pricing"
	"XUI-Telegram-bot/internal/session"
)

var (
	ErrAlreadyActioned = errors.New("payment request already actioned")
	ErrTrialUsed       = errors.New("free trial already used")
	ErrNoSubscription  = errors.New("no subscription to renew")
	ErrUnknownPlan     = errors.New("unknown plan")
	// Деньги списаны с кошелька, но доступ не выдан. Возврат делает админ.
	ErrPaidNotFulfilled = errors.New("wallet charged but provisioning failed")
)

// UserMessage переводит ошибку в текст для пользователя. Подробности панели наружу не попадают.
func UserMessage(err error) string {
	var verr *session.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Prompt
	case errors.Is(err, ErrPaidNotFulfilled):
		return "Оплата списана, но выдать доступ не удалось. Администратор уведомлён и вернёт средства."
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "Недостаточно средств в кошельке."
	case errors.Is(err, ledger.ErrDiscountInvalid):
		return "Код скидки недействителен или уже использован."
	case errors.Is(err, ErrTrialUsed):
		return "Вы уже получали тестовую подписку."
	case errors.Is(err, ErrNoSubscription):
		return "Действующая подписка не найдена."
	case errors.Is(err, db.ErrDuplicateTxID):
		return "Этот хэш транзакции уже отправлен в другой заявке. Если это ошибка, напишите в поддержку."
	case errors.Is(err, ErrAlreadyActioned):
		return "Эта заявка уже обработана."
	case errors.Is(err, ErrUnknownPlan):
		return "Тариф не найден."
	case errors.Is(err, session.ErrUnexpectedInput):
		return "Сейчас это действие недоступно. Вернитесь в главное меню."
	case errors.Is(err, pricing.ErrMarketUnavailable):
		return "Не удалось получить курс. Попробуйте через несколько минут."
	case errors.Is(err, panel.ErrTokenAcquisition):
		return "Сервис временно недоступен. Попробуйте позже."
	case errors.Is(err, panel.ErrRemarkTaken):
		return "Это имя уже занято. Начните заново и выберите другое."
	case errors.Is(err, panel.ErrClientNotFound):
		return "Ваша подписка не найдена на сервере. Напишите в поддержку."
	case errors.Is(err, panel.ErrNoSuitableInbound), errors.Is(err, panel.ErrProvisioningFailed):
		return "Не удалось выдать доступ. Администратор уже уведомлён."
	}
	return "Произошла ошибка. Попробуйте позже."
}

// isIntegration отбирает ошибки панели, о которых нужно сообщить оператору.
func isIntegration(err error) bool {
	return errors.Is(err, panel.ErrTokenAcquisition) ||
		errors.Is(err, panel.ErrNoSuitableInbound) ||
		errors.Is(err, panel.ErrClientNotFound) ||
		errors.Is(err, panel.ErrProvisioningFailed)
}
