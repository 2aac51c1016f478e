package db

import "time"

// User аккаунт пользователя бота, не удаляется
type User struct {
	UserID              int64      `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Username            string     `gorm:"column:username"`
	PlanKey             string     `gorm:"column:plan_key"`
	ServiceType         string     `gorm:"column:service_type;default:v2ray"`
	Remarks             string     `gorm:"column:remarks;index"`
	TxID                string     `gorm:"column:txid"`
	Config              string     `gorm:"column:config"`
	ExpireDate          *time.Time `gorm:"column:expire_date"`
	HasTest             bool       `gorm:"column:has_test;not null;default:false"`
	PurchaseCount       int        `gorm:"column:purchase_count;not null;default:0"`
	ReferrerID          *int64     `gorm:"column:referrer_id;index"`
	WalletBalance       int64      `gorm:"column:wallet_balance;not null;default:0"`
	SuccessfulReferrals int        `gorm:"column:successful_referrals;not null;default:0"`
	NotifiedExpiring    bool       `gorm:"column:notified_expiring;not null;default:false"` // напоминание о скором окончании
}

func (User) TableName() string { return "users" }

// Discount одноразовый код скидки, привязанный к пользователю
type Discount struct {
	Code               string `gorm:"column:code;primaryKey"`
	UserID             int64  `gorm:"column:user_id;index"`
	DiscountPercentage int    `gorm:"column:discount_percentage"`
	IsUsed             bool   `gorm:"column:is_used;not null;default:false"`
}

func (Discount) TableName() string { return "discounts" }

// LedgerEntry запись об изменении баланса кошелька
type LedgerEntry struct {
	ID           uint      `gorm:"primaryKey"`
	UserID       int64     `gorm:"index;not null"`
	Amount       int64     `gorm:"not null"`
	BalanceAfter int64     `gorm:"not null"`
	Reason       string
	CreatedAt    time.Time
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentApproved  PaymentStatus = "approved"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentFulfilled PaymentStatus = "fulfilled"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentRequest чек крипто-оплаты, ожидающий решения админа
type PaymentRequest struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       int64  `gorm:"index;not null"`
	PlanKey      string `gorm:"not null"`
	Remark       string
	ServiceType  string
	IsRenewal    bool
	Amount       int64
	DiscountPct  int
	InvoiceID    string `gorm:"index"`
	CryptoSymbol string
	CryptoAmount string
	// Один TxID может быть только в одной заявке, кроме отклонённых.
	TxID         string        `gorm:"column:txid;index:idx_payment_requests_txid_active,unique,where:txid <> '' AND status <> 'rejected'"`
	Status       PaymentStatus `gorm:"index;not null;default:pending"`
	DecidedBy    int64
	DecidedAt    *time.Time
	CreatedAt    time.Time
}
