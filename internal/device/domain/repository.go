package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListFilter struct {
	IncludeArchived bool
	// EffectiveStatus and Cutoff filter on derived liveness: heartbeats
	// before Cutoff count as offline.
	EffectiveStatus string
	Cutoff          time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, device *Device) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Device, error)
	FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*Device, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListFilter, page pagination.Pagination) ([]*Device, error)

	// UpdateHeartbeat stores the heartbeat time and the resulting status.
	UpdateHeartbeat(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, at time.Time, status, agentVersion string) error
	UpdateRate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, rateID snowflake.ID, at time.Time) error
	UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status string, at time.Time) error
	SetLocked(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, locked bool, at time.Time) error
	Archive(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, at time.Time) (bool, error)

	// Claim attaches sessionID to a free device. It reports false when the
	// device already carries a session.
	Claim(ctx context.Context, db *gorm.DB, orgID, id, sessionID snowflake.ID, at time.Time) (bool, error)
	// Release detaches sessionID, locks the device and sets status. It
	// reports false when the device no longer carries sessionID.
	Release(ctx context.Context, db *gorm.DB, orgID, id, sessionID snowflake.ID, status string, at time.Time) (bool, error)

	// ListStale returns live devices whose last heartbeat is before cutoff,
	// across all orgs.
	ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*Device, error)
	// MarkOffline flips a stale device to offline unless a heartbeat
	// landed after cutoff.
	MarkOffline(ctx context.Context, db *gorm.DB, id snowflake.ID, cutoff, at time.Time) (bool, error)
}
