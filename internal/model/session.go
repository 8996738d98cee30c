package model

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type SessionType string

const (
	SessionChat SessionType = "chat"
	SessionCall SessionType = "call"
)

type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// ConsultationSession is one engagement between a client and an astrologer.
// waiting -> active -> completed, or waiting|active -> cancelled; completed
// and cancelled are terminal.
type ConsultationSession struct {
	ID               string           `gorm:"type:uuid;primaryKey"`
	ConversationID   *string          `gorm:"type:uuid;index"`
	SessionType      SessionType      `gorm:"size:8;not null"`
	Status           SessionStatus    `gorm:"size:16;index;not null;default:'waiting'"`
	AstrologerID     string           `gorm:"type:uuid;index;not null"`
	UserID           string           `gorm:"type:uuid;index;not null"`
	StartedAt        *time.Time
	EndedAt          *time.Time
	DurationMinutes  *int
	TotalCost        *decimal.Decimal `gorm:"type:numeric(10,2)"`
	AstrologerRating *decimal.Decimal `gorm:"type:numeric(3,2)"`
	UserRating       *decimal.Decimal `gorm:"type:numeric(3,2)"`
	Version          uint64           `gorm:"not null;default:0"`
	CreatedAt        time.Time        `gorm:"autoCreateTime"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime"`
}

func (ConsultationSession) TableName() string { return "consultation_sessions" }

func (s *ConsultationSession) IsTerminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionCancelled
}

// Start is valid only from waiting.
func (s *ConsultationSession) Start(now time.Time) bool {
	if s.Status != SessionWaiting {
		return false
	}
	s.Status = SessionActive
	s.StartedAt = &now
	return true
}

// End is valid only from active. Duration is the ceiling of elapsed minutes,
// so a session shorter than a minute still bills one minute.
func (s *ConsultationSession) End(now time.Time) bool {
	if s.Status != SessionActive {
		return false
	}
	s.Status = SessionCompleted
	s.EndedAt = &now
	if s.StartedAt != nil {
		mins := int(math.Ceil(now.Sub(*s.StartedAt).Minutes()))
		if mins < 1 {
			mins = 1
		}
		s.DurationMinutes = &mins
	}
	return true
}

// Cancel is valid from any non-terminal state. Duration stays unset.
func (s *ConsultationSession) Cancel(now time.Time) bool {
	if s.IsTerminal() {
		return false
	}
	s.Status = SessionCancelled
	s.EndedAt = &now
	return true
}

func (s *ConsultationSession) LinkConversation(conversationID string) bool {
	if s.IsTerminal() {
		return false
	}
	s.ConversationID = &conversationID
	return true
}

// AddRating sets either rating independently; only completed sessions accept ratings.
func (s *ConsultationSession) AddRating(astrologerRating, userRating *decimal.Decimal) bool {
	if s.Status != SessionCompleted {
		return false
	}
	if astrologerRating != nil {
		s.AstrologerRating = astrologerRating
	}
	if userRating != nil {
		s.UserRating = userRating
	}
	return true
}

// Cost bills every started minute at the per-minute rate.
func (s *ConsultationSession) Cost(ratePerMinute decimal.Decimal) decimal.Decimal {
	if s.DurationMinutes == nil {
		return decimal.Zero
	}
	return ratePerMinute.Mul(decimal.NewFromInt(int64(*s.DurationMinutes)))
}
