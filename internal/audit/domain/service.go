package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

const (
	ActionDeviceRegistered   = "device.registered"
	ActionDeviceRateAssigned = "device.rate_assigned"
	ActionDeviceArchived     = "device.archived"
	ActionRateCreated        = "rate.created"
	ActionRateRevised        = "rate.revised"
	ActionMemberCreated      = "member.created"
	ActionSessionStarted     = "session.started"
	ActionSessionEnded       = "session.ended"
	ActionSessionPaused      = "session.paused"
	ActionSessionResumed     = "session.resumed"
	ActionCommandEnqueued    = "command.enqueued"
	ActionCreditsToppedUp    = "billing.topup"
	ActionCreditsRefunded    = "billing.refund"
	ActionCreditsAdjusted    = "billing.adjustment"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// Record writes an entry for the org and actor in ctx.
	Record(ctx context.Context, action, targetType, targetID string, metadata map[string]any) error
	// RecordTx writes the entry inside an open transaction.
	RecordTx(ctx context.Context, tx *gorm.DB, action, targetType, targetID string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
	ErrInvalidAction       = errors.New("invalid_action")
)
