package settlement

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"XUI-Telegram-bot/internal/catalog"
	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/ledger"
	"XUI-Telegram-bot/internal/logger"
)

// FreeTrial выдаёт тестовую подписку один раз на пользователя.
func (c *Coordinator) FreeTrial(ctx context.Context, userID int64, family catalog.Family) error {
	unlock := c.locks.Lock(userID)
	defer unlock()

	conn := c.db.WithContext(ctx)
	user, err := db.GetUser(conn, userID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", userID, err)
	}
	if user.HasTest {
		return ErrTrialUsed
	}

	plan := catalog.TrialPlan(family)
	f := fulfilment{UserID: userID, Plan: plan, Remark: fmt.Sprintf("test_%d", userID)}
	cred, err := c.panel.Create(ctx, plan, f.Remark)
	if err != nil {
		c.integrationFailed("тест", f, err)
		return err
	}
	saved, err := db.SaveTrial(conn, userID, db.ProvisionedService{
		ServiceType: string(cred.Family),
		Remark:      cred.Remark,
		Config:      cred.Link,
		ExpireDate:  cred.ExpiresAt,
	})
	if err != nil {
		return err
	}
	if !saved {
		c.log.Warn("trial lost race, panel client left", zap.Int64("user", userID), zap.String("remark", cred.Remark))
		return ErrTrialUsed
	}
	caption := fmt.Sprintf("Тестовая подписка %s на сутки создана!\n\n%s", family.Title(), cred.Link)
	if err := c.notify.SendCredential(userID, caption, cred.Link); err != nil {
		c.log.Warn("deliver trial", zap.Int64("user", userID), zap.Error(err))
	}
	return nil
}

type rewardIssuer struct {
	c      *Coordinator
	prefix string
}

// IssueReward создаёт подарочный сервис рефереру, достигшему порога приглашений.
func (r rewardIssuer) IssueReward(ctx context.Context, userID int64) error {
	c := r.c
	plan := catalog.RewardPlan()
	f := fulfilment{UserID: userID, Plan: plan, Remark: r.prefix + strconv.FormatInt(userID, 10)}
	cred, err := c.panel.Create(ctx, plan, f.Remark)
	if err != nil {
		r.failed(f, err)
		return err
	}
	err = db.SaveProvisioned(c.db.WithContext(ctx), userID, db.ProvisionedService{
		PlanKey:     plan.Key,
		ServiceType: string(cred.Family),
		Remark:      cred.Remark,
		Config:      cred.Link,
		ExpireDate:  cred.ExpiresAt,
	})
	if err != nil {
		r.failed(f, err)
		return err
	}
	logger.Info("referral reward issued", zap.Int64("user", userID), zap.String("remark", cred.Remark))
	caption := fmt.Sprintf("Поздравляем! Вы пригласили %d друзей и получили подарочный тариф «%s».\n\n%s",
		ledger.MilestoneReferrals, plan.Label, cred.Link)
	if err := c.notify.SendCredential(userID, caption, cred.Link); err != nil {
		c.log.Warn("deliver reward", zap.Int64("user", userID), zap.Error(err))
	}
	return nil
}

// failed сообщает оператору о невыданной награде. Счётчик уже на пороге,
// повторно награда не сработает, выдавать её придётся вручную.
func (r rewardIssuer) failed(f fulfilment, err error) {
	r.c.log.Error("referral reward failed", zap.Int64("referrer", f.UserID), zap.String("remark", f.Remark), zap.Error(err))
	r.c.alert(fmt.Sprintf("Награда за %d приглашений не выдана пользователю %d (имя %s): %v. Выдайте тариф %s вручную.",
		ledger.MilestoneReferrals, f.UserID, f.Remark, err, f.Plan.Key))
}

// BulkCreate создаёт n клиентов одним обновлением инбаунда и отправляет админу файл со ссылками.
func (c *Coordinator) BulkCreate(ctx context.Context, adminID int64, planKey, prefix string, n int) ([]string, error) {
	plan, ok := catalog.GetPlan(planKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planKey)
	}
	creds, err := c.panel.CreateBatch(ctx, plan, prefix, n)
	if err != nil {
		c.integrationFailed("массовое создание", fulfilment{UserID: adminID, Plan: plan, Remark: prefix}, err)
		return nil, err
	}
	links := make([]string, 0, len(creds))
	var buf strings.Builder
	for _, cred := range creds {
		links = append(links, cred.Link)
		buf.WriteString(cred.Link)
		buf.WriteString("\n")
	}
	logger.LogAdminAction(adminID, "bulk_create", fmt.Sprintf("plan=%s prefix=%s n=%d", plan.Key, prefix, len(creds)))
	caption := fmt.Sprintf("Создано %d конфигураций (%s)", len(creds), plan.Label)
	if err := c.notify.SendDocument(adminID, prefix+"_configs.txt", []byte(buf.String()), caption); err != nil {
		c.log.Warn("deliver bulk file", zap.Int64("admin", adminID), zap.Error(err))
	}
	return links, nil
}

// AdminTestCharge зачисляет сумму на кошелёк админа для проверки покупок.
func (c *Coordinator) AdminTestCharge(ctx context.Context, adminID, amount int64) (int64, error) {
	if _, err := db.EnsureUser(c.db.WithContext(ctx), adminID, "", nil); err != nil {
		return 0, err
	}
	balance, err := c.wallet.Credit(ctx, adminID, amount, ledger.ReasonAdminCharge)
	if err != nil {
		return 0, err
	}
	logger.LogAdminAction(adminID, "test_charge", strconv.FormatInt(amount, 10))
	return balance, nil
}

// AdminTestReferral имитирует покупку приглашённого на сумму amount: админ получает
// комиссию, а на десятом приглашении подарок с отдельным именем.
func (c *Coordinator) AdminTestReferral(ctx context.Context, adminID, amount int64) (ledger.CommissionResult, error) {
	if amount <= 0 {
		return ledger.CommissionResult{}, ledger.ErrInvalidAmount
	}
	if _, err := db.EnsureUser(c.db.WithContext(ctx), adminID, "", nil); err != nil {
		return ledger.CommissionResult{}, err
	}
	res, err := c.testReferrals.ApplyReferralCommission(ctx, adminID, amount)
	logger.LogAdminAction(adminID, "test_referral", strconv.FormatInt(amount, 10))
	return res, err
}
