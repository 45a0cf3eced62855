package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/config"
	ratedomain "github.com/smallbiznis/netcafe/internal/rate/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRateName        = "Standard"
	defaultRatePrice       = "1"
	defaultRateUnitMinutes = 60
)

var Module = fx.Module("seed",
	fx.Invoke(run),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	DB        *gorm.DB
	GenID     *snowflake.Node
	Clock     clock.Clock
	Log       *zap.Logger
}

func run(p Params) error {
	raw := p.Config.SeedOrgID
	if raw == "" {
		return nil
	}
	if p.Config.IsProduction() {
		p.Log.Warn("seed org ignored in production", zap.String("org_id", raw))
		return nil
	}
	orgID, err := snowflake.ParseString(raw)
	if err != nil || orgID == 0 {
		return fmt.Errorf("invalid seed org id %q", raw)
	}

	p.Lifecycle.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		rate, created, err := EnsureDefaultRate(ctx, p.DB, p.GenID, p.Clock, orgID)
		if err != nil {
			return err
		}
		if created {
			p.Log.Info("seeded default rate",
				zap.String("org_id", orgID.String()),
				zap.String("rate_id", rate.ID.String()),
			)
		}
		return nil
	}})
	return nil
}

// EnsureDefaultRate gives the venue a default rate when it has none so the
// floor can start guest sessions right away.
func EnsureDefaultRate(ctx context.Context, db *gorm.DB, node *snowflake.Node, clk clock.Clock, orgID snowflake.ID) (*ratedomain.Rate, bool, error) {
	if db == nil {
		return nil, false, errors.New("seed database handle is required")
	}
	if node == nil || clk == nil {
		return nil, false, errors.New("seed id node and clock are required")
	}

	var (
		rate    ratedomain.Rate
		created bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).
			Where("org_id = ? AND is_default = ? AND archived_at IS NULL", orgID, true).
			First(&rate).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		id := node.Generate()
		rate = ratedomain.Rate{
			ID:           id,
			OrgID:        orgID,
			LineageID:    id,
			Version:      1,
			Name:         defaultRateName,
			PricePerUnit: decimal.RequireFromString(defaultRatePrice),
			UnitMinutes:  defaultRateUnitMinutes,
			IsDefault:    true,
			CreatedAt:    clk.Now(),
		}
		created = true
		return tx.WithContext(ctx).Create(&rate).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &rate, created, nil
}
