package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"XUI-Telegram-bot/internal/catalog"
)

func validTxID() string {
	return strings.Repeat("ab12", 16)
}

func TestPurchaseFlowCrypto(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryStore(time.Hour))

	s, err := m.StartPurchase(ctx, 1, catalog.FamilyA)
	require.NoError(t, err)
	assert.Equal(t, AwaitingCustomName, s.State)

	s, err = m.SubmitName(ctx, 1, "alice1")
	require.NoError(t, err)
	assert.Equal(t, AwaitingDiscountCode, s.State)

	s, err = m.ApplyDiscount(ctx, 1, "SALE20", 20)
	require.NoError(t, err)
	assert.Equal(t, AwaitingPlanSelection, s.State)

	s, err = m.SelectPlan(ctx, 1, "plan_a")
	require.NoError(t, err)
	assert.Equal(t, AwaitingPaymentMethod, s.State)

	s, err = m.ChooseCrypto(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, AwaitingCryptoChoice, s.State)

	s, err = m.SetInvoice(ctx, 1, "TRX", "AB12CD34", "3.5")
	require.NoError(t, err)
	assert.Equal(t, AwaitingReceipt, s.State)

	s, err = m.SubmitReceipt(ctx, 1, "  "+validTxID()+" ")
	require.NoError(t, err)
	assert.Equal(t, Order{
		Family: catalog.FamilyA, CustomName: "alice1", DiscountCode: "SALE20", DiscountPct: 20,
		PlanKey: "plan_a", PaymentMethod: PayCrypto, CryptoSymbol: "TRX", InvoiceID: "AB12CD34",
		CryptoAmount: "3.5", TxID: validTxID(),
	}, s.Order)

	cur, err := m.Current(ctx, 1)
	require.NoError(t, err)
	assert.False(t, cur.Active(), "flow is terminal after the receipt")
}

func TestRenewalStartsAtDiscount(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryStore(time.Hour))

	s, err := m.StartRenewal(ctx, 5, catalog.FamilyB, "bob22")
	require.NoError(t, err)
	assert.Equal(t, AwaitingDiscountCode, s.State)
	assert.True(t, s.Order.IsRenewal)
	assert.Equal(t, "bob22", s.Order.CustomName)

	_, err = m.SubmitName(ctx, 5, "other1")
	assert.ErrorIs(t, err, ErrUnexpectedInput)

	_, err = m.SkipDiscount(ctx, 5)
	require.NoError(t, err)
	_, err = m.SelectPlan(ctx, 5, "plan_a")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "family A plan is not offered for a family B renewal")

	_, err = m.SelectPlan(ctx, 5, "wg_plan_a")
	require.NoError(t, err)
	s, err = m.ChooseWallet(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, PayWallet, s.Order.PaymentMethod)
	assert.Equal(t, "wg_plan_a", s.Order.PlanKey)

	_, err = m.StartRenewal(ctx, 5, catalog.FamilyA, "")
	assert.Error(t, err)
}

func TestInvalidInputKeepsState(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryStore(time.Hour))
	_, err := m.StartPurchase(ctx, 1, catalog.FamilyA)
	require.NoError(t, err)

	for _, bad := range []string{"", "abc", "ab c1", "name!", "a_b_c_d"} {
		_, err := m.SubmitName(ctx, 1, bad)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "name %q", bad)
		assert.NotEmpty(t, verr.Prompt)
		cur, err := m.Current(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, AwaitingCustomName, cur.State)
	}

	_, err = m.SubmitName(ctx, 1, "abcd")
	require.NoError(t, err)
	_, err = m.SkipDiscount(ctx, 1)
	require.NoError(t, err)
	_, err = m.SelectPlan(ctx, 1, catalog.RewardPlanKey)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr), "reward plan is not purchasable")
	_, err = m.SelectPlan(ctx, 1, "nope")
	assert.True(t, errors.As(err, &verr))
}

func TestReceiptValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryStore(time.Hour))
	_, err := m.StartPurchase(ctx, 1, catalog.FamilyA)
	require.NoError(t, err)
	_, _ = m.SubmitName(ctx, 1, "alice1")
	_, _ = m.SkipDiscount(ctx, 1)
	_, _ = m.SelectPlan(ctx, 1, "plan_a")
	_, _ = m.ChooseCrypto(ctx, 1)
	_, err = m.SetInvoice(ctx, 1, "TON", "00AA11BB", "1")
	require.NoError(t, err)

	for _, bad := range []string{
		strings.Repeat("a", 59),
		strings.Repeat("a", 101),
		strings.Repeat("a", 59) + "-",
		strings.Repeat("a", 30) + " " + strings.Repeat("b", 30),
	} {
		_, err := m.SubmitReceipt(ctx, 1, bad)
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "txid %q", bad)
	}
	for _, good := range []string{strings.Repeat("a", 60), strings.Repeat("Z9", 50)} {
		cur, err := m.Current(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, AwaitingReceipt, cur.State)
		_, err = m.SubmitReceipt(ctx, 1, good)
		require.NoError(t, err)
		// вернуть шаг для следующей проверки
		cur.UpdatedAt = time.Now()
		require.NoError(t, m.store.Put(ctx, cur))
	}
}

func TestResetAndReplace(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryStore(time.Hour))
	_, err := m.StartPurchase(ctx, 1, catalog.FamilyA)
	require.NoError(t, err)
	_, err = m.SubmitName(ctx, 1, "alice1")
	require.NoError(t, err)

	s, err := m.StartPurchase(ctx, 1, catalog.FamilyB)
	require.NoError(t, err)
	assert.Equal(t, AwaitingCustomName, s.State)
	assert.Empty(t, s.Order.CustomName, "new flow discards the old order")

	require.NoError(t, m.Reset(ctx, 1))
	cur, err := m.Current(ctx, 1)
	require.NoError(t, err)
	assert.False(t, cur.Active())
	_, err = m.SubmitName(ctx, 1, "alice1")
	assert.ErrorIs(t, err, ErrUnexpectedInput)
}

func TestBulkFlow(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryStore(time.Hour))

	s, err := m.StartBulk(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, FlowBulk, s.State.Flow())

	_, err = m.BulkPlan(ctx, 99, catalog.RewardPlanKey)
	require.NoError(t, err)

	for _, bad := range []string{"0", "-2", "x", "1.5", "201"} {
		_, err := m.BulkQuantity(ctx, 99, bad)
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "quantity %q", bad)
	}
	_, err = m.BulkQuantity(ctx, 99, "3")
	require.NoError(t, err)

	_, err = m.BulkPrefix(ctx, 99, "bad prefix")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	s, err = m.BulkPrefix(ctx, 99, "shop")
	require.NoError(t, err)
	assert.Equal(t, Order{PlanKey: catalog.RewardPlanKey, Family: catalog.FamilyA, Quantity: 3, CustomName: "shop"}, s.Order)
}

func TestAdminTestAmount(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(NewMemoryStore(time.Hour))

	_, err := m.StartAdminTest(ctx, 99, AwaitingCustomName)
	assert.Error(t, err)

	_, err = m.StartAdminTest(ctx, 99, AwaitingFakePurchaseAmount)
	require.NoError(t, err)
	_, _, err = m.SubmitAmount(ctx, 99, "-5")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	s, amount, err := m.SubmitAmount(ctx, 99, "100000")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), amount)
	assert.Equal(t, AwaitingFakePurchaseAmount, s.State)
	assert.Equal(t, FlowAdminTest, s.State.Flow())
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(ctx, Session{UserID: 1, State: AwaitingCustomName, UpdatedAt: now}))
	require.NoError(t, store.Put(ctx, Session{UserID: 2, State: AwaitingCustomName, UpdatedAt: now.Add(50 * time.Second)}))

	now = now.Add(90 * time.Second)
	_, ok, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.Get(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	assert.Equal(t, 1, store.Purge())
	assert.Zero(t, store.Len())
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	store := NewRedisStore(rdb, 30*time.Minute)
	m := NewMachine(store)

	_, err = m.StartPurchase(ctx, 7, catalog.FamilyA)
	require.NoError(t, err)
	_, err = m.SubmitName(ctx, 7, "carol1")
	require.NoError(t, err)

	s, ok, err := store.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, AwaitingDiscountCode, s.State)
	assert.Equal(t, "carol1", s.Order.CustomName)
	assert.Equal(t, 30*time.Minute, mr.TTL("session:7"))

	mr.FastForward(31 * time.Minute)
	_, ok, err = store.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.StartAdminTest(ctx, 7, AwaitingChargeAmount)
	require.NoError(t, err)
	require.NoError(t, m.Reset(ctx, 7))
	assert.False(t, mr.Exists("session:7"))
}
