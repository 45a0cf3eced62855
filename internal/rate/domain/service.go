package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type CreateRateRequest struct {
	Name         string          `json:"name"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	UnitMinutes  int             `json:"unit_minutes"`
	IsDefault    bool            `json:"is_default"`
}

type ReviseRateRequest struct {
	Name         string          `json:"name"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	UnitMinutes  int             `json:"unit_minutes"`
}

type Service interface {
	Create(ctx context.Context, req CreateRateRequest) (Rate, error)
	Revise(ctx context.Context, id snowflake.ID, req ReviseRateRequest) (Rate, error)
	Get(ctx context.Context, id snowflake.ID) (Rate, error)
	GetDefault(ctx context.Context) (Rate, error)
	List(ctx context.Context, includeArchived bool) ([]Rate, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidRate         = errors.New("invalid_rate")
	ErrNotFound            = errors.New("rate_not_found")
	ErrRateArchived        = errors.New("rate_archived")
)
