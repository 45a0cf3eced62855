package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeTopUp      TransactionType = "topup"
	TransactionTypeUsage      TransactionType = "usage"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeAdjustment TransactionType = "adjustment"
)

// Transaction is an append-only ledger row. Amount is signed: usage is
// negative, topups and refunds positive.
type Transaction struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID    `gorm:"not null;index" json:"org_id"`
	MemberID      snowflake.ID    `gorm:"not null;index" json:"member_id"`
	Type          TransactionType `gorm:"type:text;not null" json:"type"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"balance_after"`
	SessionID     *snowflake.ID   `gorm:"index" json:"session_id,omitempty"`
	PaymentMethod string          `gorm:"type:text" json:"payment_method,omitempty"`
	Reference     string          `gorm:"type:text" json:"reference,omitempty"`
	Note          string          `gorm:"type:text" json:"note,omitempty"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

// Reconciliation compares a member balance with its ledger.
type Reconciliation struct {
	OrgID     snowflake.ID    `json:"org_id"`
	MemberID  snowflake.ID    `json:"member_id"`
	Balance   decimal.Decimal `json:"balance"`
	LedgerSum decimal.Decimal `json:"ledger_sum"`
	Entries   int             `json:"entries"`
	Matches   bool            `json:"matches"`
}
