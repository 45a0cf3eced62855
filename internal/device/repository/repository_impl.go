package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/device/domain"
	"github.com/smallbiznis/netcafe/internal/heartbeat"
	"github.com/smallbiznis/netcafe/pkg/db/option"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const deviceColumns = `id, org_id, device_code, name, rate_id, status, last_heartbeat,
	agent_version, is_locked, current_session_id, archived_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, device *domain.Device) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID,
		device.OrgID,
		device.DeviceCode,
		device.Name,
		device.RateID,
		device.Status,
		device.LastHeartbeat,
		device.AgentVersion,
		device.IsLocked,
		device.CurrentSessionID,
		device.ArchivedAt,
		device.CreatedAt,
		device.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Device, error) {
	var device domain.Device
	err := db.WithContext(ctx).Raw(
		`SELECT `+deviceColumns+` FROM devices WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&device).Error
	if err != nil {
		return nil, err
	}
	if device.ID == 0 {
		return nil, nil
	}
	return &device, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*domain.Device, error) {
	var device domain.Device
	err := db.WithContext(ctx).Raw(
		`SELECT `+deviceColumns+` FROM devices WHERE org_id = ? AND device_code = ?`,
		orgID, code,
	).Scan(&device).Error
	if err != nil {
		return nil, err
	}
	if device.ID == 0 {
		return nil, nil
	}
	return &device, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListFilter, page pagination.Pagination) ([]*domain.Device, error) {
	var devices []*domain.Device
	stmt := db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("org_id = ?", orgID)
	if !filter.IncludeArchived {
		stmt = stmt.Where("archived_at IS NULL")
	}
	switch filter.EffectiveStatus {
	case "":
	case heartbeat.StatusOffline:
		stmt = stmt.Where("(last_heartbeat IS NULL OR last_heartbeat < ? OR status = ?)", filter.Cutoff, heartbeat.StatusOffline)
	default:
		stmt = stmt.Where("status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat >= ?", filter.EffectiveStatus, filter.Cutoff)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("id desc").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *repo) UpdateHeartbeat(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, at time.Time, status, agentVersion string) error {
	updates := map[string]any{
		"last_heartbeat": at,
		"status":         status,
		"updated_at":     at,
	}
	if agentVersion != "" {
		updates["agent_version"] = agentVersion
	}
	return db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("org_id = ? AND id = ?", orgID, id).
		Updates(updates).Error
}

func (r *repo) UpdateRate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, rateID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE devices SET rate_id = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		rateID, at, orgID, id,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE devices SET status = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		status, at, orgID, id,
	).Error
}

func (r *repo) SetLocked(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, locked bool, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE devices SET is_locked = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		locked, at, orgID, id,
	).Error
}

func (r *repo) Archive(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE devices SET archived_at = ?, updated_at = ?
		 WHERE org_id = ? AND id = ? AND archived_at IS NULL AND current_session_id IS NULL`,
		at, at, orgID, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, orgID, id, sessionID snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE devices
		 SET current_session_id = ?, status = ?, is_locked = ?, updated_at = ?
		 WHERE org_id = ? AND id = ? AND current_session_id IS NULL AND archived_at IS NULL`,
		sessionID, heartbeat.StatusInUse, false, at, orgID, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Release(ctx context.Context, db *gorm.DB, orgID, id, sessionID snowflake.ID, status string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE devices
		 SET current_session_id = NULL, status = ?, is_locked = ?, updated_at = ?
		 WHERE org_id = ? AND id = ? AND current_session_id = ?`,
		status, true, at, orgID, id, sessionID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*domain.Device, error) {
	var devices []*domain.Device
	stmt := db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("archived_at IS NULL").
		Where("status IN ?", []string{heartbeat.StatusOnline, heartbeat.StatusInUse}).
		Where("(last_heartbeat IS NULL OR last_heartbeat < ?)", cutoff).
		Order("id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *repo) MarkOffline(ctx context.Context, db *gorm.DB, id snowflake.ID, cutoff, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE devices SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?) AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		heartbeat.StatusOffline, at, id, heartbeat.StatusOnline, heartbeat.StatusInUse, cutoff,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
