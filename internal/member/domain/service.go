package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
)

type CreateMemberRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type ListMemberRequest struct {
	pagination.Pagination
}

type ListMemberResponse struct {
	pagination.PageInfo
	Members []Member `json:"members"`
}

type Service interface {
	Create(ctx context.Context, req CreateMemberRequest) (Member, error)
	Get(ctx context.Context, id snowflake.ID) (Member, error)
	GetByUsername(ctx context.Context, username string) (Member, error)
	List(ctx context.Context, req ListMemberRequest) (ListMemberResponse, error)
	Balance(ctx context.Context, id snowflake.ID) (Balance, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidUsername     = errors.New("invalid_username")
	ErrDuplicateUsername   = errors.New("duplicate_username")
	ErrNotFound            = errors.New("member_not_found")
)
