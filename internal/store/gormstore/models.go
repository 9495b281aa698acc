package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditTransaction mirrors the credit_transaction table. Grants carry a
// positive amount and a mutable remaining_amount; debits are negative.
type CreditTransaction struct {
	ID                        string     `gorm:"type:varchar(36);primaryKey"`
	UserID                    string     `gorm:"type:varchar(191);not null;index:idx_credit_tx_user_created,priority:1;index:uniq_credit_tx_user_idempotency,unique,priority:1"`
	Type                      string     `gorm:"type:varchar(32);not null"`
	Amount                    int64      `gorm:"not null"`
	RemainingAmount           int64      `gorm:"not null"`
	Description               string     `gorm:"type:text;not null"`
	IdempotencyKey            string     `gorm:"type:varchar(191);not null;index:uniq_credit_tx_user_idempotency,unique,priority:2"`
	PaymentID                 *string    `gorm:"type:varchar(191);index:idx_credit_tx_payment"`
	ExpirationDate            *time.Time `gorm:"index:idx_credit_tx_expiration"`
	ExpirationDateProcessedAt *time.Time
	CreatedAt                 time.Time  `gorm:"not null;index:idx_credit_tx_user_created,priority:2"`
	UpdatedAt                 time.Time  `gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transaction" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// UserCredit mirrors the user_credit balance cache.
type UserCredit struct {
	UserID         string    `gorm:"type:varchar(191);primaryKey"`
	CurrentCredits int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (UserCredit) TableName() string { return "user_credit" }

// Payment mirrors the payment table kept in sync by provider webhooks.
type Payment struct {
	ID                string         `gorm:"type:varchar(36);primaryKey"`
	UserID            string         `gorm:"type:varchar(191);not null;index:idx_payment_user"`
	CustomerID        string         `gorm:"type:varchar(191);not null"`
	PriceID           string         `gorm:"type:varchar(191);not null"`
	Type              string         `gorm:"type:varchar(32);not null"`
	Status            string         `gorm:"type:varchar(32);not null"`
	SubscriptionID    *string        `gorm:"type:varchar(191);index:uniq_payment_subscription,unique"`
	SessionID         *string        `gorm:"type:varchar(191);index:uniq_payment_session,unique"`
	InvoiceID         *string        `gorm:"type:varchar(191)"`
	PeriodStart       *time.Time     `gorm:""`
	PeriodEnd         *time.Time     `gorm:""`
	CancelAtPeriodEnd bool           `gorm:"not null"`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null"`
	UpdatedAt         time.Time      `gorm:"not null"`
}

func (Payment) TableName() string { return "payment" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&CreditTransaction{}, &UserCredit{}, &Payment{}}
}
