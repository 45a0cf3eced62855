package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListFilter struct {
	Type      TransactionType
	SessionID *snowflake.ID
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, txn *Transaction) error
	List(ctx context.Context, db *gorm.DB, orgID, memberID snowflake.ID, filter ListFilter, page pagination.Pagination) ([]*Transaction, error)
	// Amounts returns every signed amount for the member.
	Amounts(ctx context.Context, db *gorm.DB, memberID snowflake.ID) ([]decimal.Decimal, error)
}
