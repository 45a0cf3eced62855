package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, rate *Rate) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Rate, error)
	FindDefault(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Rate, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, includeArchived bool) ([]*Rate, error)
	ClearDefault(ctx context.Context, db *gorm.DB, orgID snowflake.ID) error
	Archive(ctx context.Context, db *gorm.DB, orgID, id, supersededBy snowflake.ID, at time.Time) (bool, error)
	RepointDevices(ctx context.Context, db *gorm.DB, orgID, from, to snowflake.ID, at time.Time) error
}
