package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type ChargeRequest struct {
	MemberID  snowflake.ID
	Amount    decimal.Decimal
	SessionID *snowflake.ID
	Note      string
}

type TopUpRequest struct {
	MemberID      snowflake.ID    `json:"-"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	Reference     string          `json:"reference"`
	Note          string          `json:"note"`
}

type RefundRequest struct {
	MemberID  snowflake.ID    `json:"-"`
	Amount    decimal.Decimal `json:"amount"`
	SessionID *snowflake.ID   `json:"session_id,omitempty"`
	Note      string          `json:"note"`
}

type AdjustmentRequest struct {
	MemberID snowflake.ID    `json:"-"`
	Amount   decimal.Decimal `json:"amount"`
	Note     string          `json:"note"`
}

type ListTransactionsRequest struct {
	pagination.Pagination
	MemberID  snowflake.ID
	Type      TransactionType
	SessionID *snowflake.ID
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type Service interface {
	// Charge debits amount all-or-nothing.
	Charge(ctx context.Context, req ChargeRequest) (Transaction, error)
	// ChargeTx charges inside tx. The caller must hold the member lock.
	ChargeTx(ctx context.Context, tx *gorm.DB, req ChargeRequest) (Transaction, error)
	TopUp(ctx context.Context, req TopUpRequest) (Transaction, error)
	Refund(ctx context.Context, req RefundRequest) (Transaction, error)
	// Adjustment applies a signed correction.
	Adjustment(ctx context.Context, req AdjustmentRequest) (Transaction, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	Reconcile(ctx context.Context, memberID snowflake.ID) (Reconciliation, error)
	// ReconcileBatch checks members with id > afterID across all orgs.
	ReconcileBatch(ctx context.Context, afterID snowflake.ID, limit int) ([]Reconciliation, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrMemberNotFound      = errors.New("member_not_found")
	ErrConflict            = errors.New("balance_conflict")
)
