package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/session/domain"
	"github.com/smallbiznis/netcafe/pkg/db/option"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sessions (
			id, org_id, device_id, member_id, rate_id, price_per_unit, unit_minutes,
			session_type, status, started_at, time_remaining_seconds, total_seconds_used,
			total_amount, amount_paid, end_reason, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.OrgID,
		s.DeviceID,
		s.MemberID,
		s.RateID,
		s.PricePerUnit,
		s.UnitMinutes,
		s.SessionType,
		s.Status,
		s.StartedAt,
		s.TimeRemainingSeconds,
		s.TotalSecondsUsed,
		s.TotalAmount,
		s.AmountPaid,
		s.EndReason,
		s.Version,
		s.CreatedAt,
		s.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM sessions WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *repo) FindOpenByDevice(ctx context.Context, db *gorm.DB, orgID, deviceID snowflake.ID) (*domain.Session, error) {
	return r.findOpen(ctx, db, "device_id", orgID, deviceID)
}

func (r *repo) FindOpenByMember(ctx context.Context, db *gorm.DB, orgID, memberID snowflake.ID) (*domain.Session, error) {
	return r.findOpen(ctx, db, "member_id", orgID, memberID)
}

func (r *repo) findOpen(ctx context.Context, db *gorm.DB, column string, orgID, id snowflake.ID) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("org_id = ?", orgID).
		Where(column+" = ?", id).
		Where("status IN ?", []string{domain.StatusActive, domain.StatusPaused}).
		Order("id desc").
		Limit(1).
		Scan(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListFilter, page pagination.Pagination) ([]*domain.Session, error) {
	var sessions []*domain.Session
	stmt := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("org_id = ?", orgID)
	if filter.DeviceID != nil {
		stmt = stmt.Where("device_id = ?", *filter.DeviceID)
	}
	if filter.MemberID != nil {
		stmt = stmt.Where("member_id = ?", *filter.MemberID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("id desc").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, s *domain.Session) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sessions
		 SET status = ?, ended_at = ?, paused_at = ?, time_remaining_seconds = ?,
			total_seconds_used = ?, total_amount = ?, end_reason = ?,
			version = version + 1, updated_at = ?
		 WHERE org_id = ? AND id = ? AND version = ?`,
		s.Status,
		s.EndedAt,
		s.PausedAt,
		s.TimeRemainingSeconds,
		s.TotalSecondsUsed,
		s.TotalAmount,
		s.EndReason,
		s.UpdatedAt,
		s.OrgID,
		s.ID,
		s.Version,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	s.Version++
	return true, nil
}
