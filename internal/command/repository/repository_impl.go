package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/command/domain"
	"github.com/smallbiznis/netcafe/pkg/db/option"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cmd *domain.Command) error {
	return db.WithContext(ctx).Create(cmd).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Command, error) {
	var cmd domain.Command
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		Limit(1).
		Find(&cmd).Error
	if err != nil {
		return nil, err
	}
	if cmd.ID == 0 {
		return nil, nil
	}
	return &cmd, nil
}

func (r *repo) ListByDevice(ctx context.Context, db *gorm.DB, orgID, deviceID snowflake.ID, status string, page pagination.Pagination) ([]*domain.Command, error) {
	var cmds []*domain.Command
	stmt := db.WithContext(ctx).
		Model(&domain.Command{}).
		Where("org_id = ? AND device_id = ?", orgID, deviceID)
	if status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("id desc").Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

func (r *repo) ListPollable(ctx context.Context, db *gorm.DB, orgID, deviceID snowflake.ID, resendBefore time.Time, limit int) ([]*domain.Command, error) {
	var cmds []*domain.Command
	stmt := db.WithContext(ctx).
		Model(&domain.Command{}).
		Where("org_id = ? AND device_id = ?", orgID, deviceID).
		Where("(status = ? OR (status = ? AND last_attempt_at < ?))",
			domain.StatusPending, domain.StatusSent, resendBefore).
		Order("id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*domain.Command, error) {
	var cmds []*domain.Command
	stmt := db.WithContext(ctx).
		Model(&domain.Command{}).
		Where("status = ? AND last_attempt_at < ?", domain.StatusSent, cutoff).
		Order("id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

func (r *repo) MarkSent(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE device_commands
		 SET status = ?, sent_at = ?, last_attempt_at = ?,
			delivery_attempts = delivery_attempts + 1, updated_at = ?
		 WHERE org_id = ? AND id = ? AND status = ?`,
		domain.StatusSent, at, at, at, orgID, id, domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE device_commands
		 SET last_attempt_at = ?, delivery_attempts = delivery_attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		at, at, id, domain.StatusSent,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status string, errorMessage *string, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":        status,
		"error_message": errorMessage,
		"updated_at":    at,
	}
	if status == domain.StatusExecuted {
		updates["executed_at"] = at
	} else {
		updates["failed_at"] = at
	}
	res := db.WithContext(ctx).
		Model(&domain.Command{}).
		Where("org_id = ? AND id = ?", orgID, id).
		Where("status IN ?", []string{domain.StatusPending, domain.StatusSent}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) SupersedeForSession(ctx context.Context, db *gorm.DB, orgID, sessionID snowflake.ID, commandType string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE device_commands
		 SET status = ?, error_message = ?, failed_at = ?, superseded_at = ?, updated_at = ?
		 WHERE org_id = ? AND session_id = ? AND command_type = ? AND status IN (?, ?)`,
		domain.StatusFailed, domain.ErrorSuperseded, at, at, at,
		orgID, sessionID, commandType, domain.StatusPending, domain.StatusSent,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
