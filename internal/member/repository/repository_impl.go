package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/internal/member/domain"
	"github.com/smallbiznis/netcafe/pkg/db/option"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const memberColumns = `id, org_id, username, display_name, credits, balance_version, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, member *domain.Member) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		member.ID,
		member.OrgID,
		member.Username,
		member.DisplayName,
		member.Credits,
		member.BalanceVersion,
		member.CreatedAt,
		member.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Member, error) {
	var member domain.Member
	err := db.WithContext(ctx).Raw(
		`SELECT `+memberColumns+` FROM members WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&member).Error
	if err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, nil
	}
	return &member, nil
}

func (r *repo) FindByUsername(ctx context.Context, db *gorm.DB, orgID snowflake.ID, username string) (*domain.Member, error) {
	var member domain.Member
	err := db.WithContext(ctx).Raw(
		`SELECT `+memberColumns+` FROM members WHERE org_id = ? AND username = ?`,
		orgID, username,
	).Scan(&member).Error
	if err != nil {
		return nil, err
	}
	if member.ID == 0 {
		return nil, nil
	}
	return &member, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, page pagination.Pagination) ([]*domain.Member, error) {
	var members []*domain.Member
	stmt := db.WithContext(ctx).Model(&domain.Member{}).Where("org_id = ?", orgID)
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("id desc").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// ListIDs walks members across orgs in id order for reconciliation.
func (r *repo) ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]*domain.Member, error) {
	var members []*domain.Member
	stmt := db.WithContext(ctx).
		Model(&domain.Member{}).
		Select("id, org_id").
		Where("id > ?", afterID).
		Order("id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

func (r *repo) UpdateCredits(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, credits decimal.Decimal, expectedVersion int64, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE members
		 SET credits = ?, balance_version = balance_version + 1, updated_at = ?
		 WHERE org_id = ? AND id = ? AND balance_version = ?`,
		credits, at, orgID, id, expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
