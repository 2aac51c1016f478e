// Package pricing converts plan prices into crypto invoices using a market price oracle.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"XUI-Telegram-bot/internal/logger"
)

var ErrMarketUnavailable = errors.New("market price unavailable")

const DefaultOracleURL = "https://apiv2.nobitex.ir/market/stats"

// PriceSource отдаёт последнюю цену монеты в томанах.
type PriceSource interface {
	PriceToman(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type Oracle struct {
	hc  *http.Client
	url string
	log *zap.Logger
}

func NewOracle(endpoint string, timeout time.Duration) *Oracle {
	if endpoint == "" {
		endpoint = DefaultOracleURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Oracle{
		hc:  &http.Client{Timeout: timeout},
		url: endpoint,
		log: logger.L("pricing"),
	}
}

type marketStats struct {
	Stats map[string]struct {
		Latest decimal.Decimal `json:"latest"`
	} `json:"stats"`
}

// PriceToman запрашивает рынок <symbol>-rls и переводит риалы в томаны.
func (o *Oracle) PriceToman(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym := strings.ToLower(symbol)
	q := url.Values{}
	q.Set("srcCurrency", sym)
	q.Set("dstCurrency", "rls")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := o.hc.Do(req)
	if err != nil {
		o.log.Warn("market request failed", zap.String("symbol", symbol), zap.Error(err))
		return decimal.Zero, fmt.Errorf("%w: %v", ErrMarketUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %s", ErrMarketUnavailable, resp.Status)
	}

	var stats marketStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", ErrMarketUnavailable, err)
	}
	market := sym + "-rls"
	entry, ok := stats.Stats[market]
	if !ok || !entry.Latest.IsPositive() {
		o.log.Warn("market key missing", zap.String("market", market))
		return decimal.Zero, fmt.Errorf("%w: no market %s", ErrMarketUnavailable, market)
	}
	return entry.Latest.Div(decimal.NewFromInt(10)), nil
}
