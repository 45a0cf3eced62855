package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, member *Member) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Member, error)
	FindByUsername(ctx context.Context, db *gorm.DB, orgID snowflake.ID, username string) (*Member, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, page pagination.Pagination) ([]*Member, error)
	ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]*Member, error)

	// UpdateCredits writes a new balance if the row is still at
	// expectedVersion. It reports false on a version mismatch.
	UpdateCredits(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, credits decimal.Decimal, expectedVersion int64, at time.Time) (bool, error)
}
