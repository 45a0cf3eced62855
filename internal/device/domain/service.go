package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
)

type RegisterDeviceRequest struct {
	DeviceCode string        `json:"device_code"`
	Name       string        `json:"name"`
	RateID     *snowflake.ID `json:"rate_id,omitempty"`
}

type ListDeviceRequest struct {
	pagination.Pagination
	// EffectiveStatus filters on derived status after liveness is applied.
	EffectiveStatus string
	IncludeArchived bool
}

type ListDeviceResponse struct {
	pagination.PageInfo
	Devices []View `json:"devices"`
}

type HeartbeatRequest struct {
	DeviceID     snowflake.ID
	At           *time.Time
	AgentVersion string
}

type Service interface {
	Register(ctx context.Context, req RegisterDeviceRequest) (Device, error)
	Get(ctx context.Context, id snowflake.ID) (View, error)
	GetByCode(ctx context.Context, code string) (View, error)
	List(ctx context.Context, req ListDeviceRequest) (ListDeviceResponse, error)
	AssignRate(ctx context.Context, id, rateID snowflake.ID) (Device, error)
	SetMaintenance(ctx context.Context, id snowflake.ID, enabled bool) (View, error)
	Archive(ctx context.Context, id snowflake.ID) (Device, error)

	RecordHeartbeat(ctx context.Context, req HeartbeatRequest) (View, error)
	// SetLocked records the physical lock state reported by an executed
	// command.
	SetLocked(ctx context.Context, id snowflake.ID, locked bool) (Device, error)
	// SweepStale marks silent devices offline and returns them.
	SweepStale(ctx context.Context, limit int) ([]Device, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCode         = errors.New("invalid_device_code")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrNotFound            = errors.New("device_not_found")
	ErrDuplicateCode       = errors.New("duplicate_device_code")
	ErrDeviceArchived      = errors.New("device_archived")
	ErrDeviceBusy          = errors.New("device_busy")
	ErrRateNotFound        = errors.New("rate_not_found")
	ErrRateArchived        = errors.New("rate_archived")
)
