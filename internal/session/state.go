// Package session holds per-user conversation state for the purchase, bulk-create
// and admin-test flows. One user has at most one active session.
package session

import (
	"errors"
	"strings"
	"time"

	"XUI-Telegram-bot/internal/catalog"
)

type State string

const (
	StateNone State = ""

	AwaitingCustomName    State = "purchase:name"
	AwaitingDiscountCode  State = "purchase:discount"
	AwaitingPlanSelection State = "purchase:plan"
	AwaitingPaymentMethod State = "purchase:payment"
	AwaitingCryptoChoice  State = "purchase:crypto"
	AwaitingReceipt       State = "purchase:receipt"

	BulkAwaitingPlan     State = "bulk:plan"
	BulkAwaitingQuantity State = "bulk:quantity"
	BulkAwaitingPrefix   State = "bulk:prefix"

	AwaitingChargeAmount       State = "test:charge"
	AwaitingFakePurchaseAmount State = "test:referral"
)

type Flow string

const (
	FlowNone      Flow = ""
	FlowPurchase  Flow = "purchase"
	FlowBulk      Flow = "bulk"
	FlowAdminTest Flow = "test"
)

// Flow возвращает поток, к которому относится состояние.
func (s State) Flow() Flow {
	prefix, _, _ := strings.Cut(string(s), ":")
	switch prefix {
	case "purchase":
		return FlowPurchase
	case "bulk":
		return FlowBulk
	case "test":
		return FlowAdminTest
	}
	return FlowNone
}

type PaymentMethod string

const (
	PayWallet PaymentMethod = "wallet"
	PayCrypto PaymentMethod = "crypto"
)

// Order накапливает параметры заказа за время диалога.
type Order struct {
	Family        catalog.Family `json:"family,omitempty"`
	CustomName    string         `json:"custom_name,omitempty"`
	DiscountCode  string         `json:"discount_code,omitempty"`
	DiscountPct   int            `json:"discount_pct,omitempty"`
	PlanKey       string         `json:"plan_key,omitempty"`
	IsRenewal     bool           `json:"is_renewal,omitempty"`
	PaymentMethod PaymentMethod  `json:"payment_method,omitempty"`
	CryptoSymbol  string         `json:"crypto_symbol,omitempty"`
	InvoiceID     string         `json:"invoice_id,omitempty"`
	CryptoAmount  string         `json:"crypto_amount,omitempty"`
	TxID          string         `json:"txid,omitempty"`
	Quantity      int            `json:"quantity,omitempty"`
}

type Session struct {
	UserID    int64     `json:"user_id"`
	State     State     `json:"state"`
	Order     Order     `json:"order"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active сообщает, есть ли незавершённый диалог.
func (s Session) Active() bool {
	return s.State != StateNone
}

var ErrUnexpectedInput = errors.New("input does not match the current conversation state")

// ValidationError означает неверный ввод. Состояние не меняется, пользователю показывается Prompt.
type ValidationError struct {
	Field  string
	Prompt string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field
}
