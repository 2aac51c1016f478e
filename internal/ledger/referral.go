package ledger

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"XUI-Telegram-bot/internal/db"
)

const (
	CommissionPercent  = 10
	MilestoneReferrals = 10
)

// RewardIssuer выдаёт подарочный тариф при достижении порога рефералов.
type RewardIssuer interface {
	IssueReward(ctx context.Context, userID int64) error
}

type CommissionResult struct {
	Amount    int64
	Balance   int64
	Referrals int
	Milestone bool
}

type Referrals struct {
	db     *gorm.DB
	issuer RewardIssuer
}

func NewReferrals(conn *gorm.DB, issuer RewardIssuer) *Referrals {
	return &Referrals{db: conn, issuer: issuer}
}

func Commission(orderPrice int64) int64 {
	if orderPrice <= 0 {
		return 0
	}
	return orderPrice * CommissionPercent / 100
}

// ApplyReferralCommission начисляет рефереру комиссию и увеличивает счётчик рефералов.
// Награда выдаётся только при переходе счётчика 9 -> 10; значение берётся
// из той же транзакции, что и инкремент.
func (r *Referrals) ApplyReferralCommission(ctx context.Context, referrerID, orderPrice int64) (CommissionResult, error) {
	res := CommissionResult{Amount: Commission(orderPrice)}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&db.User{}).Where("user_id = ?", referrerID).Updates(map[string]interface{}{
			"wallet_balance":       gorm.Expr("wallet_balance + ?", res.Amount),
			"successful_referrals": gorm.Expr("successful_referrals + 1"),
		})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return ErrUserNotFound
		}
		var user db.User
		if err := tx.Where("user_id = ?", referrerID).First(&user).Error; err != nil {
			return err
		}
		res.Balance = user.WalletBalance
		res.Referrals = user.SuccessfulReferrals
		res.Milestone = user.SuccessfulReferrals == MilestoneReferrals
		if res.Amount == 0 {
			return nil
		}
		entry := db.LedgerEntry{UserID: referrerID, Amount: res.Amount, BalanceAfter: user.WalletBalance, Reason: ReasonCommission}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return CommissionResult{}, err
	}
	if res.Milestone && r.issuer != nil {
		if err := r.issuer.IssueReward(ctx, referrerID); err != nil {
			return res, fmt.Errorf("issue milestone reward: %w", err)
		}
	}
	return res, nil
}

// ReferrerOf возвращает реферера пользователя, если он был записан при создании аккаунта.
func (r *Referrals) ReferrerOf(ctx context.Context, userID int64) (int64, bool) {
	user, err := db.GetUser(r.db.WithContext(ctx), userID)
	if err != nil || user.ReferrerID == nil || *user.ReferrerID == userID {
		return 0, false
	}
	return *user.ReferrerID, true
}
