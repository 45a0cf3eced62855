package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Member holds a prepaid credit balance. Credits only change through the
// billing ledger; BalanceVersion increments with every ledger write.
type Member struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID    `gorm:"not null;uniqueIndex:ux_members_org_username" json:"org_id"`
	Username       string          `gorm:"type:text;not null;uniqueIndex:ux_members_org_username" json:"username"`
	DisplayName    string          `gorm:"type:text" json:"display_name,omitempty"`
	Credits        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"credits"`
	BalanceVersion int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"not null" json:"updated_at"`
}

func (Member) TableName() string { return "members" }

type Balance struct {
	MemberID snowflake.ID    `json:"member_id"`
	Credits  decimal.Decimal `json:"credits"`
	AsOf     time.Time       `json:"as_of"`
}
