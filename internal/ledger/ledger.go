// Package ledger implements the wallet balance operations, discount redemption
// and referral commission accounting. Every balance mutation is a single
// conditional UPDATE inside a transaction, so concurrent debits and credits of
// one account serialize on the row and never lose an update.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"XUI-Telegram-bot/internal/db"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUserNotFound      = errors.New("wallet owner not found")
	ErrInvalidAmount     = errors.New("amount must not be negative")
)

const (
	ReasonPurchase    = "purchase"
	ReasonRenewal     = "renewal"
	ReasonCommission  = "referral_commission"
	ReasonAdminCharge = "admin_test_charge"
)

type Wallet struct {
	db *gorm.DB
}

func NewWallet(conn *gorm.DB) *Wallet {
	return &Wallet{db: conn}
}

func (w *Wallet) Balance(ctx context.Context, userID int64) (int64, error) {
	user, err := db.GetUser(w.db.WithContext(ctx), userID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, ErrUserNotFound
	}
	return user.WalletBalance, err
}

// Debit списывает amount с кошелька. Баланс не может стать отрицательным:
// проверка выполняется в том же UPDATE, что и списание.
func (w *Wallet) Debit(ctx context.Context, userID, amount int64, reason string) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.User{}).
			Where("user_id = ? AND wallet_balance >= ?", userID, amount).
			Update("wallet_balance", gorm.Expr("wallet_balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := db.GetUser(tx, userID); errors.Is(err, db.ErrNotFound) {
				return ErrUserNotFound
			}
			return ErrInsufficientFunds
		}
		var err error
		balance, err = appendEntry(tx, userID, -amount, reason)
		return err
	})
	return balance, err
}

// Credit зачисляет amount на кошелёк.
func (w *Wallet) Credit(ctx context.Context, userID, amount int64, reason string) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.User{}).
			Where("user_id = ?", userID).
			Update("wallet_balance", gorm.Expr("wallet_balance + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		var err error
		balance, err = appendEntry(tx, userID, amount, reason)
		return err
	})
	return balance, err
}

// appendEntry читает баланс после изменения и пишет запись журнала в той же транзакции.
func appendEntry(tx *gorm.DB, userID, amount int64, reason string) (int64, error) {
	var balance int64
	if err := tx.Model(&db.User{}).Where("user_id = ?", userID).Select("wallet_balance").Scan(&balance).Error; err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	entry := db.LedgerEntry{UserID: userID, Amount: amount, BalanceAfter: balance, Reason: reason}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("ledger entry: %w", err)
	}
	return balance, nil
}
