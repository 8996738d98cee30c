package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletTransactionType string

const (
	TxDeposit    WalletTransactionType = "deposit"
	TxWithdrawal WalletTransactionType = "withdrawal"
	TxFee        WalletTransactionType = "fee"
	TxRefund     WalletTransactionType = "refund"
)

// WalletTransaction is the append-only audit row written with every ledger
// mutation. BalanceBefore/BalanceAfter track the current balance specifically;
// hold and release rows therefore carry a zero delta.
type WalletTransaction struct {
	ID                   string                `gorm:"type:uuid;primaryKey"`
	WalletID             string                `gorm:"type:uuid;index;not null"`
	BillingTransactionID *string               `gorm:"type:uuid;index"`
	TransactionType      WalletTransactionType `gorm:"size:32;not null"`
	Amount               decimal.Decimal       `gorm:"type:numeric(10,2);not null"`
	BalanceBefore        decimal.Decimal       `gorm:"type:numeric(10,2);not null"`
	BalanceAfter         decimal.Decimal       `gorm:"type:numeric(10,2);not null"`
	ReferenceID          *string               `gorm:"size:255;index"`
	Description          *string               `gorm:"type:text"`
	CreatedAt            time.Time             `gorm:"autoCreateTime"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

func (t *WalletTransaction) BalanceChange() decimal.Decimal {
	return t.BalanceAfter.Sub(t.BalanceBefore)
}

func (t *WalletTransaction) IsDebit() bool  { return t.BalanceChange().IsNegative() }
func (t *WalletTransaction) IsCredit() bool { return t.BalanceChange().IsPositive() }
