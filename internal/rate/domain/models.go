package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Rate is an immutable price definition. Revising a rate writes a new version
// in the same lineage and archives the previous one, so sessions billed under
// an older version keep their price.
type Rate struct {
	ID           snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID        snowflake.ID    `gorm:"not null;index" json:"org_id"`
	LineageID    snowflake.ID    `gorm:"not null;index" json:"lineage_id"`
	Version      int             `gorm:"not null;default:1" json:"version"`
	Name         string          `gorm:"type:text;not null" json:"name"`
	PricePerUnit decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price_per_unit"`
	UnitMinutes  int             `gorm:"not null" json:"unit_minutes"`
	IsDefault    bool            `gorm:"not null;default:false" json:"is_default"`
	SupersededBy *snowflake.ID   `json:"superseded_by,omitempty"`
	ArchivedAt   *time.Time      `json:"archived_at,omitempty"`
	CreatedAt    time.Time       `gorm:"not null" json:"created_at"`
}

func (Rate) TableName() string { return "rates" }

func (r Rate) Archived() bool { return r.ArchivedAt != nil }

// Billable reports whether sessions can be started on the rate.
func (r Rate) Billable() bool {
	return r.PricePerUnit.IsPositive() && r.UnitMinutes > 0
}
