package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
)

type StartGuestRequest struct {
	DeviceID   snowflake.ID    `json:"-"`
	RateID     *snowflake.ID   `json:"rate_id,omitempty"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
}

type StartMemberRequest struct {
	DeviceID snowflake.ID  `json:"-"`
	MemberID snowflake.ID  `json:"-"`
	RateID   *snowflake.ID `json:"rate_id,omitempty"`
}

type ListSessionRequest struct {
	pagination.Pagination
	DeviceID *snowflake.ID
	MemberID *snowflake.ID
	Status   string
}

type ListSessionResponse struct {
	pagination.PageInfo
	Sessions []Session `json:"sessions"`
}

type Service interface {
	StartGuest(ctx context.Context, req StartGuestRequest) (Outcome, error)
	StartMember(ctx context.Context, req StartMemberRequest) (Outcome, error)
	// Tick accounts elapsedSeconds of use. Ticks on paused or ended
	// sessions are no-ops.
	Tick(ctx context.Context, id snowflake.ID, elapsedSeconds int64) (Outcome, error)
	Pause(ctx context.Context, id snowflake.ID) (Session, error)
	Resume(ctx context.Context, id snowflake.ID) (Session, error)
	// EndSession is idempotent: an already ended session is returned as is.
	EndSession(ctx context.Context, id snowflake.ID, reason string) (Outcome, error)

	Get(ctx context.Context, id snowflake.ID) (Session, error)
	GetActiveByDevice(ctx context.Context, deviceID snowflake.ID) (Session, error)
	List(ctx context.Context, req ListSessionRequest) (ListSessionResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidRate         = errors.New("invalid_rate")
	ErrInvalidElapsed      = errors.New("invalid_elapsed")
	ErrInvalidReason       = errors.New("invalid_end_reason")
	ErrInvalidTransition   = errors.New("invalid_session_transition")
	ErrNotFound            = errors.New("session_not_found")
	ErrDeviceNotFound      = errors.New("device_not_found")
	ErrDeviceArchived      = errors.New("device_archived")
	ErrDeviceBusy          = errors.New("device_busy")
	ErrDeviceUnavailable   = errors.New("device_unavailable")
	ErrRateNotFound        = errors.New("rate_not_found")
	ErrRateArchived        = errors.New("rate_archived")
	ErrMemberNotFound      = errors.New("member_not_found")
	ErrMemberBusy          = errors.New("member_busy")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrConflict            = errors.New("session_conflict")
)
