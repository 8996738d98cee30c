package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletStatus string

const (
	WalletActive    WalletStatus = "active"
	WalletFrozen    WalletStatus = "frozen"
	WalletSuspended WalletStatus = "suspended"
)

// Wallet is the per-user ledger row. CurrentBalance always equals
// AvailableBalance + HeldBalance outside a mutating transaction.
type Wallet struct {
	ID                string          `gorm:"type:uuid;primaryKey"`
	UserID            string          `gorm:"type:uuid;uniqueIndex;not null"`
	CurrentBalance    decimal.Decimal `gorm:"type:numeric(10,2);not null;default:'0'"`
	AvailableBalance  decimal.Decimal `gorm:"type:numeric(10,2);not null;default:'0'"`
	HeldBalance       decimal.Decimal `gorm:"type:numeric(10,2);not null;default:'0'"`
	Currency          string          `gorm:"size:3;not null;default:'INR'"`
	Status            WalletStatus    `gorm:"size:16;not null;default:'active'"`
	Version           uint64          `gorm:"not null;default:0"`
	LastTransactionAt *time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallets" }

func (w *Wallet) IsActive() bool { return w.Status == WalletActive }

func (w *Wallet) CanAfford(amount decimal.Decimal) bool {
	return w.AvailableBalance.GreaterThanOrEqual(amount)
}

// Hold moves amount from available to held; current balance unchanged.
func (w *Wallet) Hold(amount decimal.Decimal) bool {
	if w.AvailableBalance.LessThan(amount) {
		return false
	}
	w.AvailableBalance = w.AvailableBalance.Sub(amount)
	w.HeldBalance = w.HeldBalance.Add(amount)
	w.touch()
	return true
}

// ReleaseHold moves amount back from held to available.
func (w *Wallet) ReleaseHold(amount decimal.Decimal) bool {
	if w.HeldBalance.LessThan(amount) {
		return false
	}
	w.HeldBalance = w.HeldBalance.Sub(amount)
	w.AvailableBalance = w.AvailableBalance.Add(amount)
	w.touch()
	return true
}

// DeductFromHold settles amount out of the held portion; available untouched.
func (w *Wallet) DeductFromHold(amount decimal.Decimal) bool {
	if w.HeldBalance.LessThan(amount) {
		return false
	}
	w.HeldBalance = w.HeldBalance.Sub(amount)
	w.CurrentBalance = w.CurrentBalance.Sub(amount)
	w.touch()
	return true
}

// AddBalance credits both current and available (top-up / payout path).
func (w *Wallet) AddBalance(amount decimal.Decimal) {
	w.CurrentBalance = w.CurrentBalance.Add(amount)
	w.AvailableBalance = w.AvailableBalance.Add(amount)
	w.touch()
}

func (w *Wallet) Freeze()  { w.Status = WalletFrozen }
func (w *Wallet) Suspend() { w.Status = WalletSuspended }

func (w *Wallet) touch() {
	now := time.Now()
	w.LastTransactionAt = &now
}
