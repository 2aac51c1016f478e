// Package settlement turns confirmed payments into ledger and panel changes,
// each at most once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"XUI-Telegram-bot/internal/catalog"
	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/ledger"
	"XUI-Telegram-bot/internal/logger"
	"XUI-Telegram-bot/internal/panel"
	"XUI-Telegram-bot/internal/pricing"
	"XUI-Telegram-bot/internal/session"
)

// Provisioner содержит операции панели, которые нужны расчётам.
type Provisioner interface {
	Create(ctx context.Context, plan catalog.Plan, remark string) (panel.Credential, error)
	CreateBatch(ctx context.Context, plan catalog.Plan, prefix string, n int) ([]panel.Credential, error)
	Renew(ctx context.Context, plan catalog.Plan, remark string) (time.Time, error)
}

// Notifier доставляет сообщения пользователям. Ошибки доставки только логируются.
type Notifier interface {
	SendText(chatID int64, text string) error
	SendCredential(chatID int64, caption, link string) error
	SendDocument(chatID int64, filename string, data []byte, caption string) error
}

type Quoter interface {
	Issue(ctx context.Context, symbol string, priceToman int64) (pricing.Invoice, error)
}

type Deps struct {
	DB       *gorm.DB
	Panel    Provisioner
	Notifier Notifier
	Quoter   Quoter
	// Alert по умолчанию logger.NotifyAdmin
	Alert func(string)
}

type Coordinator struct {
	db            *gorm.DB
	panel         Provisioner
	notify        Notifier
	quoter        Quoter
	alert         func(string)
	wallet        *ledger.Wallet
	discounts     *ledger.Discounts
	referrals     *ledger.Referrals
	testReferrals *ledger.Referrals
	locks         *KeyedMutex
	log           *zap.Logger
}

func New(d Deps) *Coordinator {
	c := &Coordinator{
		db:        d.DB,
		panel:     d.Panel,
		notify:    d.Notifier,
		quoter:    d.Quoter,
		alert:     d.Alert,
		wallet:    ledger.NewWallet(d.DB),
		discounts: ledger.NewDiscounts(d.DB),
		locks:     NewKeyedMutex(),
		log:       logger.L("settlement"),
	}
	if c.alert == nil {
		c.alert = logger.NotifyAdmin
	}
	c.referrals = ledger.NewReferrals(d.DB, rewardIssuer{c: c, prefix: "reward_"})
	c.testReferrals = ledger.NewReferrals(d.DB, rewardIssuer{c: c, prefix: "reward_test_"})
	return c
}

func (c *Coordinator) Wallet() *ledger.Wallet {
	return c.wallet
}

// RedeemDiscount погашает код скидки при вводе: повторно его использовать нельзя.
func (c *Coordinator) RedeemDiscount(ctx context.Context, userID int64, code string) (int, error) {
	return c.discounts.Redeem(ctx, code, userID)
}

// Price возвращает тариф и итоговую цену заказа с учётом скидки.
func (c *Coordinator) Price(order session.Order) (catalog.Plan, int64, error) {
	plan, ok := catalog.GetPlan(order.PlanKey)
	if !ok {
		return catalog.Plan{}, 0, fmt.Errorf("%w: %q", ErrUnknownPlan, order.PlanKey)
	}
	return plan, ledger.ApplyDiscount(plan.Price, order.DiscountPct), nil
}

// PayFromWallet списывает цену с кошелька и сразу выдаёт или продлевает доступ.
// Если панель после списания отказала, деньги не возвращаются автоматически:
// оператор получает уведомление для ручного возврата.
func (c *Coordinator) PayFromWallet(ctx context.Context, userID int64, order session.Order) error {
	plan, price, err := c.Price(order)
	if err != nil {
		return err
	}
	unlock := c.locks.Lock(userID)
	defer unlock()

	if order.IsRenewal {
		if err := c.requireSubscription(ctx, userID, order.CustomName); err != nil {
			return err
		}
	}
	reason := ledger.ReasonPurchase
	if order.IsRenewal {
		reason = ledger.ReasonRenewal
	}
	if _, err := c.wallet.Debit(ctx, userID, price, reason); err != nil {
		return err
	}
	c.log.Info("wallet debited", zap.Int64("user", userID), zap.Int64("amount", price), zap.String("plan", plan.Key))

	err = c.fulfil(ctx, fulfilment{UserID: userID, Plan: plan, Remark: order.CustomName, Renewal: order.IsRenewal, Charged: price})
	if err != nil {
		c.alert(fmt.Sprintf("Списано %d с кошелька пользователя %d, но доступ не выдан (%s). Нужен ручной возврат: %v",
			price, userID, plan.Key, err))
		return fmt.Errorf("%w: %w", ErrPaidNotFulfilled, err)
	}
	return nil
}

// Quote выставляет крипто-счёт на цену заказа.
func (c *Coordinator) Quote(ctx context.Context, order session.Order, symbol string) (pricing.Invoice, error) {
	_, price, err := c.Price(order)
	if err != nil {
		return pricing.Invoice{}, err
	}
	inv, err := c.quoter.Issue(ctx, symbol, price)
	if errors.Is(err, pricing.ErrMarketUnavailable) {
		c.alert(fmt.Sprintf("Курс %s недоступен: %v", symbol, err))
	}
	return inv, err
}

// SubmitReceipt сохраняет чек как заявку, ожидающую решения админа.
func (c *Coordinator) SubmitReceipt(ctx context.Context, userID int64, order session.Order) (db.PaymentRequest, error) {
	plan, price, err := c.Price(order)
	if err != nil {
		return db.PaymentRequest{}, err
	}
	req := db.PaymentRequest{
		UserID:       userID,
		PlanKey:      plan.Key,
		Remark:       order.CustomName,
		ServiceType:  string(plan.Family),
		IsRenewal:    order.IsRenewal,
		Amount:       price,
		DiscountPct:  order.DiscountPct,
		InvoiceID:    order.InvoiceID,
		CryptoSymbol: order.CryptoSymbol,
		CryptoAmount: order.CryptoAmount,
		TxID:         order.TxID,
	}
	if err := db.CreatePaymentRequest(c.db.WithContext(ctx), &req); err != nil {
		if errors.Is(err, db.ErrDuplicateTxID) {
			c.log.Warn("receipt txid reused", zap.Int64("user", userID), zap.String("txid", req.TxID))
			c.alert(fmt.Sprintf("Пользователь %d повторно отправил TxID %s, заявка не создана", userID, req.TxID))
		}
		return db.PaymentRequest{}, fmt.Errorf("store payment request: %w", err)
	}
	c.log.Info("receipt submitted", zap.Uint("request", req.ID), zap.Int64("user", userID), zap.String("invoice", req.InvoiceID))
	return req, nil
}

// Decide применяет решение админа. Заявка переходит из pending ровно один раз,
// повторное нажатие возвращает ErrAlreadyActioned без побочных эффектов.
func (c *Coordinator) Decide(ctx context.Context, adminID int64, cmd Command) (db.PaymentRequest, error) {
	conn := c.db.WithContext(ctx)
	req, err := db.GetPaymentRequest(conn, cmd.RequestID)
	if err != nil {
		return req, fmt.Errorf("payment request %d: %w", cmd.RequestID, err)
	}

	switch cmd.Action {
	case ActionReject:
		ok, err := db.TransitionPayment(conn, req.ID, db.PaymentPending, db.PaymentRejected, adminID)
		if err != nil {
			return req, err
		}
		if !ok {
			return req, ErrAlreadyActioned
		}
		req.Status = db.PaymentRejected
		logger.LogAdminAction(adminID, "reject_payment", strconv.FormatUint(uint64(req.ID), 10))
		c.send(req.UserID, "К сожалению, ваш платёж не подтверждён администратором. Свяжитесь с поддержкой.")
		return req, nil

	case ActionApprove:
		ok, err := db.TransitionPayment(conn, req.ID, db.PaymentPending, db.PaymentApproved, adminID)
		if err != nil {
			return req, err
		}
		if !ok {
			return req, ErrAlreadyActioned
		}
		req.Status = db.PaymentApproved
		logger.LogAdminAction(adminID, "approve_payment", strconv.FormatUint(uint64(req.ID), 10))

		plan, found := catalog.GetPlan(req.PlanKey)
		if !found {
			_, _ = db.TransitionPayment(conn, req.ID, db.PaymentApproved, db.PaymentFailed, 0)
			req.Status = db.PaymentFailed
			return req, fmt.Errorf("%w: %q", ErrUnknownPlan, req.PlanKey)
		}

		unlock := c.locks.Lock(req.UserID)
		defer unlock()
		c.send(req.UserID, "Платёж подтверждён, обрабатываем заказ...")
		err = c.fulfil(ctx, fulfilment{
			UserID: req.UserID, Plan: plan, Remark: req.Remark, Renewal: req.IsRenewal, TxID: req.TxID, Charged: req.Amount,
		})
		if err != nil {
			_, _ = db.TransitionPayment(conn, req.ID, db.PaymentApproved, db.PaymentFailed, 0)
			req.Status = db.PaymentFailed
			c.send(req.UserID, UserMessage(err))
			return req, err
		}
		if _, err := db.TransitionPayment(conn, req.ID, db.PaymentApproved, db.PaymentFulfilled, 0); err != nil {
			c.log.Error("mark request fulfilled", zap.Uint("request", req.ID), zap.Error(err))
		}
		req.Status = db.PaymentFulfilled
		return req, nil
	}
	return req, fmt.Errorf("%w: action %q", ErrBadCommand, cmd.Action)
}

type fulfilment struct {
	UserID  int64
	Plan    catalog.Plan
	Remark  string
	Renewal bool
	TxID    string
	Charged int64
}

// fulfil выдаёт или продлевает доступ и сохраняет результат. Комиссия рефереру
// начисляется только за новую покупку.
func (c *Coordinator) fulfil(ctx context.Context, f fulfilment) error {
	conn := c.db.WithContext(ctx)
	if f.Renewal {
		expiry, err := c.panel.Renew(ctx, f.Plan, f.Remark)
		if err != nil {
			c.integrationFailed("продление", f, err)
			return err
		}
		if err := db.SaveRenewal(conn, f.UserID, f.Plan.Key, f.TxID, expiry); err != nil {
			c.alert(fmt.Sprintf("Продление %s выполнено на панели, но не сохранено для %d: %v", f.Remark, f.UserID, err))
			return err
		}
		c.send(f.UserID, fmt.Sprintf("Подписка продлена.\n\nТариф: %s\nДействует до: %s", f.Plan.Label, expiry.Format("2006-01-02")))
		return nil
	}

	cred, err := c.panel.Create(ctx, f.Plan, f.Remark)
	if err != nil {
		c.integrationFailed("создание", f, err)
		return err
	}
	err = db.SaveProvisioned(conn, f.UserID, db.ProvisionedService{
		PlanKey:     f.Plan.Key,
		ServiceType: string(cred.Family),
		Remark:      cred.Remark,
		Config:      cred.Link,
		TxID:        f.TxID,
		ExpireDate:  cred.ExpiresAt,
	})
	if err != nil {
		c.alert(fmt.Sprintf("Клиент %s создан на панели, но не сохранён для %d: %v", cred.Remark, f.UserID, err))
		return err
	}
	caption := fmt.Sprintf("Сервис «%s» с именем %s создан!\n\n%s", f.Plan.Label, cred.Remark, cred.Link)
	if err := c.notify.SendCredential(f.UserID, caption, cred.Link); err != nil {
		c.log.Warn("deliver credential", zap.Int64("user", f.UserID), zap.Error(err))
	}
	if f.Charged > 0 {
		c.payCommission(ctx, f.UserID, f.Charged)
	}
	return nil
}

func (c *Coordinator) payCommission(ctx context.Context, buyerID, charged int64) {
	referrerID, ok := c.referrals.ReferrerOf(ctx, buyerID)
	if !ok {
		return
	}
	res, err := c.referrals.ApplyReferralCommission(ctx, referrerID, charged)
	if err != nil {
		c.log.Error("referral commission", zap.Int64("referrer", referrerID), zap.Bool("milestone", res.Milestone), zap.Error(err))
		if !res.Milestone {
			c.alert(fmt.Sprintf("Комиссия рефереру %d за покупку пользователя %d не начислена: %v", referrerID, buyerID, err))
			return
		}
		// комиссия начислена, о невыданной награде оператор уже знает от rewardIssuer
	}
	if res.Amount > 0 {
		c.send(referrerID, fmt.Sprintf("Бонус за приглашённого! На ваш кошелёк зачислено %d томан.", res.Amount))
	}
}

func (c *Coordinator) requireSubscription(ctx context.Context, userID int64, remark string) error {
	user, err := db.GetUser(c.db.WithContext(ctx), userID)
	if err != nil || user.Remarks == "" || (remark != "" && user.Remarks != remark) {
		return ErrNoSubscription
	}
	return nil
}

func (c *Coordinator) integrationFailed(op string, f fulfilment, err error) {
	c.log.Error("provisioning failed", zap.String("op", op), zap.Int64("user", f.UserID), zap.String("remark", f.Remark), zap.Error(err))
	if isIntegration(err) {
		c.alert(fmt.Sprintf("Ошибка панели (%s) для %d, тариф %s, имя %s: %v", op, f.UserID, f.Plan.Key, f.Remark, err))
	}
}

func (c *Coordinator) send(chatID int64, text string) {
	if err := c.notify.SendText(chatID, text); err != nil {
		c.log.Warn("deliver message", zap.Int64("chat", chatID), zap.Error(err))
	}
}
