// Package dbtest opens a throwaway sqlite database with the production schema.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"XUI-Telegram-bot/internal/db"
)

// Open возвращает gorm-соединение с чистой базой во временной директории.
// Одно соединение в пуле: транзакции sqlite выполняются последовательно.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

// SeedUser создаёт пользователя с заданным балансом.
func SeedUser(t testing.TB, conn *gorm.DB, userID int64, balance int64, referrerID *int64) db.User {
	t.Helper()
	user := db.User{UserID: userID, Username: "user", ServiceType: "v2ray", WalletBalance: balance, ReferrerID: referrerID}
	if err := conn.Create(&user).Error; err != nil {
		t.Fatalf("seed user %d: %v", userID, err)
	}
	return user
}
