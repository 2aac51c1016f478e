package ledger

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"XUI-Telegram-bot/internal/db"
)

var ErrDiscountInvalid = errors.New("discount code is invalid or already used")

type Discounts struct {
	db *gorm.DB
}

func NewDiscounts(conn *gorm.DB) *Discounts {
	return &Discounts{db: conn}
}

// Redeem погашает код скидки пользователя и возвращает процент.
// Код помечается использованным тем же UPDATE, который проверяет is_used,
// поэтому из нескольких параллельных попыток успешна только одна.
func (d *Discounts) Redeem(ctx context.Context, code string, userID int64) (int, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, ErrDiscountInvalid
	}
	var pct int
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Discount{}).
			Where("code = ? AND user_id = ? AND is_used = ?", code, userID, false).
			Update("is_used", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDiscountInvalid
		}
		var discount db.Discount
		if err := tx.Where("code = ?", code).First(&discount).Error; err != nil {
			return err
		}
		pct = clampPercent(discount.DiscountPercentage)
		return nil
	})
	return pct, err
}

// ApplyDiscount возвращает цену с учётом скидки в процентах.
func ApplyDiscount(price int64, pct int) int64 {
	pct = clampPercent(pct)
	return price * int64(100-pct) / 100
}

func clampPercent(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
