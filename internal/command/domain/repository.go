package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, cmd *Command) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Command, error)
	ListByDevice(ctx context.Context, db *gorm.DB, orgID, deviceID snowflake.ID, status string, page pagination.Pagination) ([]*Command, error)

	// ListPollable returns pending commands and sent commands last attempted
	// before resendBefore, oldest first.
	ListPollable(ctx context.Context, db *gorm.DB, orgID, deviceID snowflake.ID, resendBefore time.Time, limit int) ([]*Command, error)
	// ListStale returns sent commands last attempted before cutoff across
	// all orgs.
	ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*Command, error)

	// MarkSent moves a pending command to sent. It reports false when the
	// command already left pending.
	MarkSent(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, at time.Time) (bool, error)
	// MarkAttempt records another delivery of a sent command.
	MarkAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	// Complete moves a pending or sent command to status. It reports false
	// when the command is already terminal.
	Complete(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status string, errorMessage *string, at time.Time) (bool, error)
	// SupersedeForSession fails the session's undelivered or unacknowledged
	// commands of commandType and returns how many it touched.
	SupersedeForSession(ctx context.Context, db *gorm.DB, orgID, sessionID snowflake.ID, commandType string, at time.Time) (int64, error)
}
