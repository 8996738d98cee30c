package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type BillingType string

const (
	BillingCredit  BillingType = "credit"
	BillingDebit   BillingType = "debit"
	BillingRefund  BillingType = "refund"
	BillingHold    BillingType = "hold"
	BillingRelease BillingType = "release"
)

type BillingStatus string

const (
	BillingPending   BillingStatus = "pending"
	BillingCompleted BillingStatus = "completed"
	BillingFailed    BillingStatus = "failed"
)

// BillingTransaction is the durable record of a billable event. It is created
// pending and moved to completed or failed exactly once; a failed debit is the
// unit of work the settlement retrier picks up.
type BillingTransaction struct {
	ID                    string          `gorm:"type:uuid;primaryKey"`
	UserID                string          `gorm:"type:uuid;index;not null"`
	SessionID             *string         `gorm:"type:uuid;index"`
	TransactionType       BillingType     `gorm:"size:16;index;not null"`
	Amount                decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Currency              string          `gorm:"size:3;not null;default:'INR'"`
	Status                BillingStatus   `gorm:"size:16;not null;default:'pending'"`
	ExternalTransactionID *string         `gorm:"size:255"`
	Description           *string         `gorm:"type:text"`
	ProcessedAt           *time.Time
	CreatedAt             time.Time `gorm:"autoCreateTime"`
}

func (BillingTransaction) TableName() string { return "billing_transactions" }

func (b *BillingTransaction) MarkCompleted() {
	now := time.Now()
	b.Status = BillingCompleted
	b.ProcessedAt = &now
}

func (b *BillingTransaction) MarkFailed() {
	now := time.Now()
	b.Status = BillingFailed
	b.ProcessedAt = &now
}

func (b *BillingTransaction) IsPending() bool   { return b.Status == BillingPending }
func (b *BillingTransaction) IsCompleted() bool { return b.Status == BillingCompleted }
