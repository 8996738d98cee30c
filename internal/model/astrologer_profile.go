package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AstrologerProfile carries the per-minute consultation rates settlement
// reads. Owned by the profile module; the core only consumes it.
type AstrologerProfile struct {
	ID                    string          `gorm:"type:uuid;primaryKey"`
	AstrologerID          string          `gorm:"type:uuid;uniqueIndex;not null"`
	ChatRatePerMinute     decimal.Decimal `gorm:"type:numeric(10,2);not null;default:'0'"`
	CallRatePerMinute     decimal.Decimal `gorm:"type:numeric(10,2);not null;default:'0'"`
	MaxConcurrentSessions int             `gorm:"not null;default:1"`
	TotalSessions         int             `gorm:"not null;default:0"`
	CreatedAt             time.Time       `gorm:"autoCreateTime"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime"`
}

func (AstrologerProfile) TableName() string { return "astrologer_profiles" }

func (p *AstrologerProfile) RateFor(sessionType SessionType) decimal.Decimal {
	if sessionType == SessionCall {
		return p.CallRatePerMinute
	}
	return p.ChatRatePerMinute
}
