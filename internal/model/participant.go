package model

import "time"

type ParticipantRole string

const (
	RoleAstrologer ParticipantRole = "astrologer"
	RoleUser       ParticipantRole = "user"
)

type ConnectionStatus string

const (
	ConnConnected    ConnectionStatus = "connected"
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnReconnecting ConnectionStatus = "reconnecting"
)

// SessionParticipant tracks one party's presence in a session; a session has
// at most one row per role.
type SessionParticipant struct {
	ID               string           `gorm:"type:uuid;primaryKey"`
	SessionID        string           `gorm:"type:uuid;index:idx_session_role,unique;not null"`
	UserID           string           `gorm:"type:uuid;index;not null"`
	ParticipantRole  ParticipantRole  `gorm:"size:16;index:idx_session_role,unique;not null"`
	JoinedAt         time.Time        `gorm:"not null"`
	LeftAt           *time.Time
	ConnectionStatus ConnectionStatus `gorm:"size:16;not null;default:'connected'"`
	CreatedAt        time.Time        `gorm:"autoCreateTime"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime"`
}

func (SessionParticipant) TableName() string { return "session_participants" }

func (p *SessionParticipant) Leave(now time.Time) {
	p.LeftAt = &now
	p.ConnectionStatus = ConnDisconnected
}

func (p *SessionParticipant) Reconnect()  { p.ConnectionStatus = ConnConnected }
func (p *SessionParticipant) Disconnect() { p.ConnectionStatus = ConnDisconnected }

func (p *SessionParticipant) IsConnected() bool { return p.ConnectionStatus == ConnConnected }
