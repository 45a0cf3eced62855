package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const (
	StatusActive     = "active"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusTerminated = "terminated"
)

const (
	TypeGuest  = "guest"
	TypeMember = "member"
)

// End reasons. The first group completes a session, the second terminates it.
const (
	ReasonAdminStop        = "admin_stop"
	ReasonMemberLogout     = "member_logout"
	ReasonTimeExhausted    = "time_exhausted"
	ReasonCreditsExhausted = "credits_exhausted"

	ReasonDeviceReclaimed     = "device_reclaimed"
	ReasonInsufficientCredits = "insufficient_credits"
)

// Session is one rental of a device. Price and unit are snapshotted from the
// rate at start so later revisions never reprice it.
type Session struct {
	ID                   snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID                snowflake.ID    `gorm:"not null;index" json:"org_id"`
	DeviceID             snowflake.ID    `gorm:"not null;index" json:"device_id"`
	MemberID             *snowflake.ID   `gorm:"index" json:"member_id,omitempty"`
	RateID               snowflake.ID    `gorm:"not null" json:"rate_id"`
	PricePerUnit         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price_per_unit"`
	UnitMinutes          int             `gorm:"not null" json:"unit_minutes"`
	SessionType          string          `gorm:"type:text;not null" json:"session_type"`
	Status               string          `gorm:"type:text;not null;index" json:"status"`
	StartedAt            time.Time       `gorm:"not null" json:"started_at"`
	EndedAt              *time.Time      `json:"ended_at,omitempty"`
	PausedAt             *time.Time      `json:"paused_at,omitempty"`
	TimeRemainingSeconds int64           `gorm:"not null;default:0" json:"time_remaining_seconds"`
	TotalSecondsUsed     int64           `gorm:"not null;default:0" json:"total_seconds_used"`
	TotalAmount          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount"`
	AmountPaid           decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount_paid"`
	EndReason            string          `gorm:"type:text" json:"end_reason,omitempty"`
	Version              int64           `gorm:"not null;default:1" json:"version"`
	CreatedAt            time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"not null" json:"updated_at"`
}

func (Session) TableName() string { return "sessions" }

func (s Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusTerminated
}

func (s Session) Open() bool {
	return s.Status == StatusActive || s.Status == StatusPaused
}

func (s Session) IsGuest() bool { return s.SessionType == TypeGuest }

// Outcome reports what an operation did to a session. Ended is set only by
// the call that performed the terminal transition; LockDevice asks the
// caller to dispatch a lock command.
type Outcome struct {
	Session    Session          `json:"session"`
	Charged    decimal.Decimal  `json:"charged"`
	Balance    *decimal.Decimal `json:"balance,omitempty"`
	Ended      bool             `json:"ended"`
	LockDevice bool             `json:"lock_device"`
}

// StatusForReason maps an end reason to the terminal status it produces.
func StatusForReason(reason string) (string, bool) {
	switch reason {
	case ReasonAdminStop, ReasonMemberLogout, ReasonTimeExhausted, ReasonCreditsExhausted:
		return StatusCompleted, true
	case ReasonDeviceReclaimed, ReasonInsufficientCredits:
		return StatusTerminated, true
	}
	return "", false
}
