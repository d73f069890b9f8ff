package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentNotificationModel is the GORM model for the payment_notifications
// table: one row per inbound gateway notification, accepted or not.
type PaymentNotificationModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TransactionID string    `gorm:"type:varchar(64);not null;index"`
	Status        string    `gorm:"type:varchar(32);not null"`
	AccountID     string    `gorm:"type:varchar(64)"`
	InvoiceID     string    `gorm:"type:varchar(255)"`
	UserID        int64     `gorm:"index"`
	PlanID        string    `gorm:"type:varchar(64)"`
	Accepted      bool      `gorm:"not null"`
	RejectReason  string    `gorm:"type:text"`
	RawPayload    string    `gorm:"type:text"`
	ReceivedAt    time.Time `gorm:"type:timestamptz;not null"`
}

// TableName specifies the table name for GORM.
func (PaymentNotificationModel) TableName() string {
	return "payment_notifications"
}

// PaymentJournal records every gateway notification for audit and dispute
// resolution. It is append-only.
type PaymentJournal struct {
	db *gorm.DB
}

// NewPaymentJournal creates a GORM-based payment journal.
func NewPaymentJournal(db *gorm.DB) *PaymentJournal {
	return &PaymentJournal{db: db}
}

// JournalEntry is one recorded notification.
type JournalEntry struct {
	TransactionID string
	Status        string
	AccountID     string
	InvoiceID     string
	UserID        int64
	PlanID        string
	Accepted      bool
	RejectReason  string
	RawPayload    string
}

// Record appends a notification to the journal.
func (j *PaymentJournal) Record(ctx context.Context, entry JournalEntry) error {
	model := PaymentNotificationModel{
		ID:            uuid.New(),
		TransactionID: entry.TransactionID,
		Status:        entry.Status,
		AccountID:     entry.AccountID,
		InvoiceID:     entry.InvoiceID,
		UserID:        entry.UserID,
		PlanID:        entry.PlanID,
		Accepted:      entry.Accepted,
		RejectReason:  entry.RejectReason,
		RawPayload:    entry.RawPayload,
		ReceivedAt:    time.Now().UTC(),
	}
	return j.db.WithContext(ctx).Create(&model).Error
}

// CountByTransactionID returns how many notifications were recorded for a
// transaction id. Used to spot gateway redelivery in the admin stats.
func (j *PaymentJournal) CountByTransactionID(ctx context.Context, transactionID string) (int64, error) {
	var count int64
	err := j.db.WithContext(ctx).
		Model(&PaymentNotificationModel{}).
		Where("transaction_id = ?", transactionID).
		Count(&count).Error
	return count, err
}
