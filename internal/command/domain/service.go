package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
)

type EnqueueRequest struct {
	DeviceID    snowflake.ID   `json:"-"`
	CommandType string         `json:"command_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	IssuedBy    string         `json:"-"`
	SessionID   *snowflake.ID  `json:"-"`
}

type ListCommandRequest struct {
	pagination.Pagination
	DeviceID snowflake.ID
	Status   string
}

type ListCommandResponse struct {
	pagination.PageInfo
	Commands []Command `json:"commands"`
}

type Service interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (Command, error)
	// MarkSent is idempotent for commands already sent.
	MarkSent(ctx context.Context, id snowflake.ID) (Transition, error)
	// MarkExecuted and MarkFailed are no-ops on terminal commands.
	MarkExecuted(ctx context.Context, id snowflake.ID) (Transition, error)
	MarkFailed(ctx context.Context, id snowflake.ID, errorMessage string) (Transition, error)

	Get(ctx context.Context, id snowflake.ID) (Command, error)
	ListByDevice(ctx context.Context, req ListCommandRequest) (ListCommandResponse, error)
	// Poll returns what the device should run now: pending commands plus
	// sent commands past the redelivery timeout.
	Poll(ctx context.Context, deviceID snowflake.ID) ([]Command, error)

	// ListStale and MarkRedelivered serve the redelivery job and ignore org
	// scope.
	ListStale(ctx context.Context, limit int) ([]Command, error)
	MarkRedelivered(ctx context.Context, id snowflake.ID) (bool, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCommandType  = errors.New("invalid_command_type")
	ErrInvalidPayload      = errors.New("invalid_command_payload")
	ErrInvalidStatus       = errors.New("invalid_command_status")
	ErrNotFound            = errors.New("command_not_found")
	ErrDeviceNotFound      = errors.New("device_not_found")
	ErrDeviceArchived      = errors.New("device_archived")
)
