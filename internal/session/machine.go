package session

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"XUI-Telegram-bot/internal/catalog"
)

const MaxBulkQuantity = 200

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Machine проводит пользователя по состояниям диалога. Неверный ввод
// возвращает *ValidationError и не меняет состояние.
type Machine struct {
	store    Store
	now      func() time.Time
	validate *validator.Validate
}

func NewMachine(store Store) *Machine {
	v := validator.New()
	_ = v.RegisterValidation("remarkprefix", func(fl validator.FieldLevel) bool {
		return prefixPattern.MatchString(fl.Field().String())
	})
	return &Machine{store: store, now: time.Now, validate: v}
}

// Current возвращает активную сессию или пустую, если диалога нет.
func (m *Machine) Current(ctx context.Context, userID int64) (Session, error) {
	s, ok, err := m.store.Get(ctx, userID)
	if err != nil || !ok {
		return Session{UserID: userID}, err
	}
	return s, nil
}

// Reset выходит в главное меню из любого состояния.
func (m *Machine) Reset(ctx context.Context, userID int64) error {
	return m.store.Delete(ctx, userID)
}

// StartPurchase начинает покупку, заменяя любой незавершённый диалог.
func (m *Machine) StartPurchase(ctx context.Context, userID int64, family catalog.Family) (Session, error) {
	if !family.Valid() {
		return Session{}, fmt.Errorf("unknown service family %q", family)
	}
	return m.save(ctx, Session{UserID: userID, State: AwaitingCustomName, Order: Order{Family: family}})
}

// StartRenewal начинает продление сразу с шага скидки, с remark и семейством из аккаунта.
func (m *Machine) StartRenewal(ctx context.Context, userID int64, family catalog.Family, remark string) (Session, error) {
	if !family.Valid() || remark == "" {
		return Session{}, fmt.Errorf("no subscription to renew")
	}
	return m.save(ctx, Session{UserID: userID, State: AwaitingDiscountCode, Order: Order{Family: family, CustomName: remark, IsRenewal: true}})
}

func (m *Machine) SubmitName(ctx context.Context, userID int64, text string) (Session, error) {
	s, err := m.expect(ctx, userID, AwaitingCustomName)
	if err != nil {
		return s, err
	}
	name := strings.TrimSpace(text)
	if err := m.validate.Var(name, "required,min=4,alphanumunicode"); err != nil {
		return s, &ValidationError{Field: "name", Prompt: "Имя должно состоять только из букв и цифр, не короче 4 символов. Попробуйте ещё раз."}
	}
	s.Order.CustomName = name
	s.State = AwaitingDiscountCode
	return m.save(ctx, s)
}

// ApplyDiscount записывает уже погашенный код скидки.
func (m *Machine) ApplyDiscount(ctx context.Context, userID int64, code string, pct int) (Session, error) {
	s, err := m.expect(ctx, userID, AwaitingDiscountCode)
	if err != nil {
		return s, err
	}
	s.Order.DiscountCode = code
	s.Order.DiscountPct = pct
	s.State = AwaitingPlanSelection
	return m.save(ctx, s)
}

func (m *Machine) SkipDiscount(ctx context.Context, userID int64) (Session, error) {
	s, err := m.expect(ctx, userID, AwaitingDiscountCode)
	if err != nil {
		return s, err
	}
	s.State = AwaitingPlanSelection
	return m.save(ctx, s)
}

// SelectPlan принимает только покупаемый тариф того же семейства.
func (m *Machine) SelectPlan(ctx context.Context, userID int64, planKey string) (Session, error) {
	s, err := m.expect(ctx, userID, AwaitingPlanSelection)
	if err != nil {
		return s, err
	}
	plan, ok := catalog.GetPlan(planKey)
	if !ok || plan.IsReward() || plan.Family != s.Order.Family {
		return s, &ValidationError{Field: "plan", Prompt: "Выберите тариф из списка."}
	}
	s.Order.PlanKey = plan.Key
	s.State = AwaitingPaymentMethod
	return m.save(ctx, s)
}

// ChooseWallet завершает диалог: заказ передаётся на оплату с кошелька.
func (m *Machine) ChooseWallet(ctx context.Context, userID int64) (Session, error) {
	s, err := m.expect(ctx, userID, AwaitingPaymentMethod)
	if err != nil {
		return s, err
	}
	s.Order.PaymentMethod = PayWallet
	return s, m.finish(ctx, s)
}

func (m *Machine) ChooseCrypto(ctx context.Context, userID int64) (Session, error) {
	s, err := m.expect(ctx, userID, AwaitingPaymentMethod)
	if err != nil {
		return s, err
	}
	s.Order.PaymentMethod = PayCrypto
	s.State = AwaitingCryptoChoice
	return m.save(ctx, s)
}

// SetInvoice записывает выставленный счёт и ждёт хэш транзакции.
func (m *Machine) SetInvoice(ctx context.Context, userID int64, symbol, invoiceID, amount string) (Session, error) {
	s, err := m.expect(ctx, userID, AwaitingCryptoChoice)
	if err != nil {
		return s, err
	}
	s.Order.CryptoSymbol = symbol
	s.Order.InvoiceID = invoiceID
	s.Order.CryptoAmount = amount
	s.State = AwaitingReceipt
	return m.save(ctx, s)
}

// SubmitReceipt проверяет формат TxID (60-100 латинских букв и цифр) и завершает диалог.
func (m *Machine) SubmitReceipt(ctx context.Context, userID int64, text string) (Session, error) {
	s, err := m.expect(ctx, userID, AwaitingReceipt)
	if err != nil {
		return s, err
	}
	txid := strings.TrimSpace(text)
	if err := m.validate.Var(txid, "required,min=60,max=100,alphanum"); err != nil {
		return s, &ValidationError{Field: "txid", Prompt: "Неверный формат хэша транзакции (TxID). Отправьте корректный хэш."}
	}
	s.Order.TxID = txid
	return s, m.finish(ctx, s)
}

func (m *Machine) StartBulk(ctx context.Context, adminID int64) (Session, error) {
	return m.save(ctx, Session{UserID: adminID, State: BulkAwaitingPlan})
}

// BulkPlan допускает любой тариф каталога, включая подарочный.
func (m *Machine) BulkPlan(ctx context.Context, adminID int64, planKey string) (Session, error) {
	s, err := m.expect(ctx, adminID, BulkAwaitingPlan)
	if err != nil {
		return s, err
	}
	plan, ok := catalog.GetPlan(planKey)
	if !ok {
		return s, &ValidationError{Field: "plan", Prompt: "Выберите тариф из списка."}
	}
	s.Order.PlanKey = plan.Key
	s.Order.Family = plan.Family
	s.State = BulkAwaitingQuantity
	return m.save(ctx, s)
}

func (m *Machine) BulkQuantity(ctx context.Context, adminID int64, text string) (Session, error) {
	s, err := m.expect(ctx, adminID, BulkAwaitingQuantity)
	if err != nil {
		return s, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || m.validate.Var(n, "min=1,max="+strconv.Itoa(MaxBulkQuantity)) != nil {
		return s, &ValidationError{Field: "quantity", Prompt: fmt.Sprintf("Введите целое число от 1 до %d.", MaxBulkQuantity)}
	}
	s.Order.Quantity = n
	s.State = BulkAwaitingPrefix
	return m.save(ctx, s)
}

// BulkPrefix завершает диалог массового создания.
func (m *Machine) BulkPrefix(ctx context.Context, adminID int64, text string) (Session, error) {
	s, err := m.expect(ctx, adminID, BulkAwaitingPrefix)
	if err != nil {
		return s, err
	}
	prefix := strings.TrimSpace(text)
	if err := m.validate.Var(prefix, "remarkprefix"); err != nil {
		return s, &ValidationError{Field: "prefix", Prompt: "Префикс: латинские буквы, цифры, _ или -, до 32 символов."}
	}
	s.Order.CustomName = prefix
	return s, m.finish(ctx, s)
}

// StartAdminTest открывает один из тестовых шагов: пополнение или имитацию реферальной покупки.
func (m *Machine) StartAdminTest(ctx context.Context, adminID int64, state State) (Session, error) {
	if state != AwaitingChargeAmount && state != AwaitingFakePurchaseAmount {
		return Session{}, fmt.Errorf("not an admin test state: %q", state)
	}
	return m.save(ctx, Session{UserID: adminID, State: state})
}

// SubmitAmount принимает положительную сумму и завершает тестовый шаг.
func (m *Machine) SubmitAmount(ctx context.Context, adminID int64, text string) (Session, int64, error) {
	s, err := m.expect(ctx, adminID, AwaitingChargeAmount, AwaitingFakePurchaseAmount)
	if err != nil {
		return s, 0, err
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || amount <= 0 {
		return s, 0, &ValidationError{Field: "amount", Prompt: "Введите положительное целое число."}
	}
	return s, amount, m.finish(ctx, s)
}

func (m *Machine) expect(ctx context.Context, userID int64, states ...State) (Session, error) {
	s, err := m.Current(ctx, userID)
	if err != nil {
		return s, err
	}
	for _, st := range states {
		if s.State == st {
			return s, nil
		}
	}
	return s, ErrUnexpectedInput
}

func (m *Machine) save(ctx context.Context, s Session) (Session, error) {
	s.UpdatedAt = m.now()
	if err := m.store.Put(ctx, s); err != nil {
		return s, fmt.Errorf("save session: %w", err)
	}
	return s, nil
}

func (m *Machine) finish(ctx context.Context, s Session) error {
	if err := m.store.Delete(ctx, s.UserID); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}
