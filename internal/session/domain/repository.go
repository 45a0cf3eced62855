package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListFilter struct {
	DeviceID *snowflake.ID
	MemberID *snowflake.ID
	Status   string
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, session *Session) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Session, error)
	FindOpenByDevice(ctx context.Context, db *gorm.DB, orgID, deviceID snowflake.ID) (*Session, error)
	FindOpenByMember(ctx context.Context, db *gorm.DB, orgID, memberID snowflake.ID) (*Session, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListFilter, page pagination.Pagination) ([]*Session, error)

	// Update writes the mutable fields when the row is still at
	// session.Version and bumps the version. It reports false on mismatch.
	Update(ctx context.Context, db *gorm.DB, session *Session) (bool, error)
}
