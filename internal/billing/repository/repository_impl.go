package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/internal/billing/domain"
	"github.com/smallbiznis/netcafe/pkg/db/option"
	"github.com/smallbiznis/netcafe/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (
			id, org_id, member_id, type, amount, balance_before, balance_after,
			session_id, payment_method, reference, note, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.OrgID,
		txn.MemberID,
		txn.Type,
		txn.Amount,
		txn.BalanceBefore,
		txn.BalanceAfter,
		txn.SessionID,
		txn.PaymentMethod,
		txn.Reference,
		txn.Note,
		txn.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID, memberID snowflake.ID, filter domain.ListFilter, page pagination.Pagination) ([]*domain.Transaction, error) {
	var txns []*domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("org_id = ? AND member_id = ?", orgID, memberID)
	if filter.Type != "" {
		stmt = stmt.Where("type = ?", filter.Type)
	}
	if filter.SessionID != nil {
		stmt = stmt.Where("session_id = ?", *filter.SessionID)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("id desc").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) Amounts(ctx context.Context, db *gorm.DB, memberID snowflake.ID) ([]decimal.Decimal, error) {
	var rows []struct {
		Amount decimal.Decimal
	}
	err := db.WithContext(ctx).Raw(
		`SELECT amount FROM credit_transactions WHERE member_id = ? ORDER BY id`,
		memberID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	amounts := make([]decimal.Decimal, 0, len(rows))
	for _, row := range rows {
		amounts = append(amounts, row.Amount)
	}
	return amounts, nil
}
