package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	TypeShutdown    = "shutdown"
	TypeRestart     = "restart"
	TypeLock        = "lock"
	TypeUnlock      = "unlock"
	TypeMessage     = "message"
	TypeAdminUnlock = "admin_unlock"
)

const (
	StatusPending  = "pending"
	StatusSent     = "sent"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

// ErrorSuperseded is recorded on a session's pending unlock when the session
// ends before the device ran it.
const ErrorSuperseded = "superseded: session ended"

// Command is a directive queued for one device. LastAttemptAt moves on every
// delivery so redelivery waits a full timeout between attempts. SessionID is
// set on the unlock and lock commands a session start or end queues.
type Command struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID      `gorm:"not null;index" json:"org_id"`
	DeviceID         snowflake.ID      `gorm:"not null;index" json:"device_id"`
	SessionID        *snowflake.ID     `gorm:"index" json:"session_id,omitempty"`
	CommandType      string            `gorm:"type:text;not null" json:"command_type"`
	Payload          datatypes.JSONMap `gorm:"type:json" json:"payload,omitempty"`
	Status           string            `gorm:"type:text;not null;index" json:"status"`
	IssuedBy         string            `gorm:"type:text" json:"issued_by,omitempty"`
	DeliveryAttempts int               `gorm:"not null;default:0" json:"delivery_attempts"`
	ErrorMessage     *string           `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
	SentAt           *time.Time        `json:"sent_at,omitempty"`
	LastAttemptAt    *time.Time        `json:"last_attempt_at,omitempty"`
	ExecutedAt       *time.Time        `json:"executed_at,omitempty"`
	FailedAt         *time.Time        `json:"failed_at,omitempty"`
	SupersededAt     *time.Time        `json:"superseded_at,omitempty"`
	UpdatedAt        time.Time         `gorm:"not null" json:"updated_at"`
}

func (Command) TableName() string { return "device_commands" }

func (c Command) Terminal() bool {
	return c.Status == StatusExecuted || c.Status == StatusFailed
}

func (c Command) Superseded() bool { return c.SupersededAt != nil }

// LockState reports the device lock state a successful execution implies.
func (c Command) LockState() (locked bool, ok bool) {
	switch c.CommandType {
	case TypeLock:
		return true, true
	case TypeUnlock, TypeAdminUnlock:
		return false, true
	}
	return false, false
}

// Transition is the result of an acknowledgement. Changed is false for
// duplicate or late acks. Relock is set when the device reports running an
// unlock while it holds no matching session, so it must be locked again.
type Transition struct {
	Command Command `json:"command"`
	Changed bool    `json:"changed"`
	Relock  bool    `json:"relock,omitempty"`
}

func ValidType(t string) bool {
	switch t {
	case TypeShutdown, TypeRestart, TypeLock, TypeUnlock, TypeMessage, TypeAdminUnlock:
		return true
	}
	return false
}
