package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Device is a rentable machine on the venue floor. Status is what the device
// or the coordinator last declared; trust EffectiveStatus for liveness.
type Device struct {
	ID               snowflake.ID  `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID  `gorm:"not null;uniqueIndex:ux_devices_org_code" json:"org_id"`
	DeviceCode       string        `gorm:"type:text;not null;uniqueIndex:ux_devices_org_code" json:"device_code"`
	Name             string        `gorm:"type:text;not null" json:"name"`
	RateID           *snowflake.ID `json:"rate_id,omitempty"`
	Status           string        `gorm:"type:text;not null" json:"status"`
	LastHeartbeat    *time.Time    `json:"last_heartbeat,omitempty"`
	AgentVersion     string        `gorm:"type:text" json:"agent_version,omitempty"`
	IsLocked         bool          `gorm:"not null;default:true" json:"is_locked"`
	CurrentSessionID *snowflake.ID `json:"current_session_id,omitempty"`
	ArchivedAt       *time.Time    `json:"archived_at,omitempty"`
	CreatedAt        time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"not null" json:"updated_at"`
}

func (Device) TableName() string { return "devices" }

func (d Device) Archived() bool { return d.ArchivedAt != nil }

// View is a device with its derived liveness.
type View struct {
	Device
	EffectiveStatus string `json:"effective_status"`
}
