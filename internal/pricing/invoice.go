package pricing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const paymentPage = "https://swapwallet.app/express-withdraw"

// Монеты, которые принимает бот, и их сети на странице оплаты.
var networks = map[string]string{
	"TRX": "TRON",
	"TON": "TON",
}

var SupportedCoins = []string{"TRX", "TON"}

type Invoice struct {
	ID         string
	Symbol     string
	Network    string
	Address    string
	PriceToman int64
	Amount     decimal.Decimal
}

// PaymentLink строит ссылку на страницу вывода с заполненными полями.
func (i Invoice) PaymentLink() string {
	q := url.Values{}
	q.Set("amount", i.Amount.String())
	q.Set("coin", i.Symbol)
	q.Set("network", i.Network)
	q.Set("address", i.Address)
	q.Set("memo", "")
	return paymentPage + "?" + q.Encode()
}

// NeedsEmptyMemo: для TON поле memo при оплате должно остаться пустым.
func (i Invoice) NeedsEmptyMemo() bool {
	return i.Symbol == "TON"
}

type Invoicer struct {
	prices  PriceSource
	wallets map[string]string
}

func NewInvoicer(prices PriceSource, wallets map[string]string) *Invoicer {
	return &Invoicer{prices: prices, wallets: wallets}
}

// Issue выставляет счёт на priceToman в монете symbol: сумма округляется до 6 знаков.
func (v *Invoicer) Issue(ctx context.Context, symbol string, priceToman int64) (Invoice, error) {
	symbol = strings.ToUpper(symbol)
	network, ok := networks[symbol]
	if !ok {
		return Invoice{}, fmt.Errorf("unsupported coin %q", symbol)
	}
	address := v.wallets[symbol]
	if address == "" {
		return Invoice{}, fmt.Errorf("wallet address for %s is not configured", symbol)
	}
	rate, err := v.prices.PriceToman(ctx, symbol)
	if err != nil {
		return Invoice{}, err
	}
	return Invoice{
		ID:         NewInvoiceID(),
		Symbol:     symbol,
		Network:    network,
		Address:    address,
		PriceToman: priceToman,
		Amount:     decimal.NewFromInt(priceToman).DivRound(rate, 6),
	}, nil
}

// NewInvoiceID возвращает первые 8 hex-символов uuid в верхнем регистре.
func NewInvoiceID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
