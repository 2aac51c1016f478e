package db

import (
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var DB *gorm.DB

var ErrNotFound = errors.New("record not found")

func InitDB(dsn string) error {
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return err
	}
	if err := Migrate(conn); err != nil {
		return err
	}
	DB = conn
	return nil
}

func Migrate(conn *gorm.DB) error {
	return conn.AutoMigrate(&User{}, &Discount{}, &LedgerEntry{}, &PaymentRequest{})
}

// EnsureUser создаёт пользователя при первом контакте. Реферер записывается только при создании.
func EnsureUser(conn *gorm.DB, userID int64, username string, referrerID *int64) (created bool, err error) {
	if referrerID != nil && *referrerID == userID {
		referrerID = nil
	}
	user := User{UserID: userID, Username: username, ServiceType: "v2ray", ReferrerID: referrerID}
	res := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&user)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if username != "" {
		err = conn.Model(&User{}).Where("user_id = ?", userID).Update("username", username).Error
	}
	return false, err
}

func GetUser(conn *gorm.DB, userID int64) (User, error) {
	var user User
	err := conn.Where("user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return user, ErrNotFound
	}
	return user, err
}

// ProvisionedService описывает выданный пользователю сервис.
type ProvisionedService struct {
	PlanKey     string
	ServiceType string
	Remark      string
	Config      string
	TxID        string
	ExpireDate  time.Time
}

// SaveProvisioned сохраняет выданный сервис и увеличивает счётчик покупок.
func SaveProvisioned(conn *gorm.DB, userID int64, s ProvisionedService) error {
	updates := map[string]interface{}{
		"plan_key":          s.PlanKey,
		"service_type":      s.ServiceType,
		"remarks":           s.Remark,
		"config":            s.Config,
		"expire_date":       s.ExpireDate,
		"notified_expiring": false,
		"purchase_count":    gorm.Expr("purchase_count + 1"),
	}
	if s.TxID != "" {
		updates["txid"] = s.TxID
	}
	return conn.Model(&User{}).Where("user_id = ?", userID).Updates(updates).Error
}

// SaveTrial помечает тест как полученный. Возвращает false, если тест уже был выдан.
func SaveTrial(conn *gorm.DB, userID int64, s ProvisionedService) (bool, error) {
	res := conn.Model(&User{}).Where("user_id = ? AND has_test = ?", userID, false).Updates(map[string]interface{}{
		"has_test":          true,
		"service_type":      s.ServiceType,
		"remarks":           s.Remark,
		"config":            s.Config,
		"expire_date":       s.ExpireDate,
		"notified_expiring": false,
	})
	return res.RowsAffected == 1, res.Error
}

// SaveRenewal обновляет тариф и срок после продления.
func SaveRenewal(conn *gorm.DB, userID int64, planKey, txID string, expire time.Time) error {
	updates := map[string]interface{}{
		"plan_key":          planKey,
		"expire_date":       expire,
		"notified_expiring": false,
	}
	if txID != "" {
		updates["txid"] = txID
	}
	return conn.Model(&User{}).Where("user_id = ?", userID).Updates(updates).Error
}

func CountUsers(conn *gorm.DB) int64 {
	var count int64
	conn.Model(&User{}).Count(&count)
	return count
}

func CountActiveSubscriptions(conn *gorm.DB, now time.Time) int64 {
	var count int64
	conn.Model(&User{}).Where("remarks <> '' AND expire_date IS NOT NULL AND expire_date > ?", now).Count(&count)
	return count
}

func CountPendingPayments(conn *gorm.DB) int64 {
	var count int64
	conn.Model(&PaymentRequest{}).Where("status = ?", PaymentPending).Count(&count)
	return count
}

func SumLedger(conn *gorm.DB, reason string) int64 {
	var sum int64
	conn.Model(&LedgerEntry{}).Where("reason = ?", reason).Select("COALESCE(SUM(amount), 0)").Scan(&sum)
	return sum
}

// UsersExpiringBetween возвращает пользователей, которым ещё не отправлено напоминание.
func UsersExpiringBetween(conn *gorm.DB, from, to time.Time) ([]User, error) {
	var users []User
	err := conn.Where("expire_date IS NOT NULL AND expire_date > ? AND expire_date <= ? AND notified_expiring = ?", from, to, false).
		Find(&users).Error
	return users, err
}

func MarkNotified(conn *gorm.DB, userID int64) error {
	return conn.Model(&User{}).Where("user_id = ?", userID).Update("notified_expiring", true).Error
}
