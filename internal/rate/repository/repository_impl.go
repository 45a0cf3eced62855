package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/rate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const rateColumns = `id, org_id, lineage_id, version, name, price_per_unit, unit_minutes,
	is_default, superseded_by, archived_at, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rate *domain.Rate) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO rates (`+rateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rate.ID,
		rate.OrgID,
		rate.LineageID,
		rate.Version,
		rate.Name,
		rate.PricePerUnit,
		rate.UnitMinutes,
		rate.IsDefault,
		rate.SupersededBy,
		rate.ArchivedAt,
		rate.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Rate, error) {
	var rate domain.Rate
	err := db.WithContext(ctx).Raw(
		`SELECT `+rateColumns+` FROM rates WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&rate).Error
	if err != nil {
		return nil, err
	}
	if rate.ID == 0 {
		return nil, nil
	}
	return &rate, nil
}

func (r *repo) FindDefault(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.Rate, error) {
	var rate domain.Rate
	err := db.WithContext(ctx).Raw(
		`SELECT `+rateColumns+` FROM rates
		 WHERE org_id = ? AND is_default = ? AND archived_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		orgID, true,
	).Scan(&rate).Error
	if err != nil {
		return nil, err
	}
	if rate.ID == 0 {
		return nil, nil
	}
	return &rate, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, includeArchived bool) ([]*domain.Rate, error) {
	var rates []*domain.Rate
	stmt := db.WithContext(ctx).Model(&domain.Rate{}).Where("org_id = ?", orgID)
	if !includeArchived {
		stmt = stmt.Where("archived_at IS NULL")
	}
	if err := stmt.Order("name asc, version desc").Find(&rates).Error; err != nil {
		return nil, err
	}
	return rates, nil
}

func (r *repo) ClearDefault(ctx context.Context, db *gorm.DB, orgID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE rates SET is_default = ? WHERE org_id = ? AND is_default = ?`,
		false, orgID, true,
	).Error
}

func (r *repo) Archive(ctx context.Context, db *gorm.DB, orgID, id, supersededBy snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE rates SET archived_at = ?, superseded_by = ?, is_default = ?
		 WHERE org_id = ? AND id = ? AND archived_at IS NULL`,
		at, supersededBy, false, orgID, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) RepointDevices(ctx context.Context, db *gorm.DB, orgID, from, to snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE devices SET rate_id = ?, updated_at = ? WHERE org_id = ? AND rate_id = ?`,
		to, at, orgID, from,
	).Error
}
