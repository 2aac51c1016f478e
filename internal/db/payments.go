package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrDuplicateTxID означает, что транзакция уже подана в другой заявке.
var ErrDuplicateTxID = errors.New("txid already used in another payment request")

// CreatePaymentRequest сохраняет чек пользователя в статусе pending. TxID,
// который уже есть в неотклонённой заявке, возвращает ErrDuplicateTxID.
func CreatePaymentRequest(conn *gorm.DB, req *PaymentRequest) error {
	req.Status = PaymentPending
	err := conn.Transaction(func(tx *gorm.DB) error {
		if taken, err := txIDTaken(tx, req.TxID); err != nil {
			return err
		} else if taken {
			return ErrDuplicateTxID
		}
		return tx.Create(req).Error
	})
	if err != nil && !errors.Is(err, ErrDuplicateTxID) {
		// параллельная вставка упёрлась в уникальный индекс
		if taken, _ := txIDTaken(conn, req.TxID); taken {
			return ErrDuplicateTxID
		}
	}
	return err
}

func txIDTaken(conn *gorm.DB, txid string) (bool, error) {
	if txid == "" {
		return false, nil
	}
	var n int64
	err := conn.Model(&PaymentRequest{}).
		Where("txid = ? AND status <> ?", txid, PaymentRejected).
		Count(&n).Error
	return n > 0, err
}

func GetPaymentRequest(conn *gorm.DB, id uint) (PaymentRequest, error) {
	var req PaymentRequest
	err := conn.First(&req, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return req, ErrNotFound
	}
	return req, err
}

// TransitionPayment переводит заявку из статуса from в статус to.
// Возвращает false, если заявка уже не в статусе from (обработана ранее).
func TransitionPayment(conn *gorm.DB, id uint, from, to PaymentStatus, adminID int64) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if adminID != 0 {
		now := time.Now()
		updates["decided_by"] = adminID
		updates["decided_at"] = &now
	}
	res := conn.Model(&PaymentRequest{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	return res.RowsAffected == 1, res.Error
}
