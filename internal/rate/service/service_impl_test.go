package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/dbtest"
	devicedomain "github.com/smallbiznis/netcafe/internal/device/domain"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	"github.com/smallbiznis/netcafe/internal/rate/domain"
	raterepo "github.com/smallbiznis/netcafe/internal/rate/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (domain.Service, *gorm.DB, *snowflake.Node, context.Context) {
	t.Helper()
	db := dbtest.Open(t, &domain.Rate{}, &devicedomain.Device{})
	node := dbtest.Node(t)
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		Repo:  raterepo.Provide(),
	})
	orgID := node.Generate()
	return svc, db, node, orgcontext.WithOrgID(context.Background(), int64(orgID))
}

func TestCreateValidates(t *testing.T) {
	svc, _, _, ctx := setup(t)

	_, err := svc.Create(ctx, domain.CreateRateRequest{PricePerUnit: decimal.NewFromInt(1), UnitMinutes: 60})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	_, err = svc.Create(ctx, domain.CreateRateRequest{Name: "Standard", PricePerUnit: decimal.NewFromInt(-1), UnitMinutes: 60})
	assert.ErrorIs(t, err, domain.ErrInvalidRate)

	_, err = svc.Create(ctx, domain.CreateRateRequest{Name: "Standard", PricePerUnit: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrInvalidRate)

	_, err = svc.Create(context.Background(), domain.CreateRateRequest{Name: "Standard", PricePerUnit: decimal.NewFromInt(1), UnitMinutes: 60})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestCreateDefaultReplacesPrevious(t *testing.T) {
	svc, _, _, ctx := setup(t)

	first, err := svc.Create(ctx, domain.CreateRateRequest{Name: "Day", PricePerUnit: decimal.NewFromInt(5), UnitMinutes: 60, IsDefault: true})
	require.NoError(t, err)
	second, err := svc.Create(ctx, domain.CreateRateRequest{Name: "Night", PricePerUnit: decimal.NewFromInt(3), UnitMinutes: 60, IsDefault: true})
	require.NoError(t, err)

	def, err := svc.GetDefault(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, def.ID)

	reloaded, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsDefault)
}

func TestReviseWritesNewVersion(t *testing.T) {
	svc, db, node, ctx := setup(t)

	original, err := svc.Create(ctx, domain.CreateRateRequest{Name: "Standard", PricePerUnit: decimal.NewFromInt(5), UnitMinutes: 60, IsDefault: true})
	require.NoError(t, err)

	deviceID := node.Generate()
	require.NoError(t, db.Create(&devicedomain.Device{
		ID:         deviceID,
		OrgID:      original.OrgID,
		DeviceCode: "pc-01",
		Name:       "PC 01",
		RateID:     &original.ID,
		Status:     "online",
		IsLocked:   true,
		CreatedAt:  original.CreatedAt,
		UpdatedAt:  original.CreatedAt,
	}).Error)

	revised, err := svc.Revise(ctx, original.ID, domain.ReviseRateRequest{PricePerUnit: decimal.RequireFromString("6.5"), UnitMinutes: 60})
	require.NoError(t, err)
	assert.Equal(t, 2, revised.Version)
	assert.Equal(t, original.LineageID, revised.LineageID)
	assert.Equal(t, "Standard", revised.Name)
	assert.True(t, revised.IsDefault)
	assert.True(t, decimal.RequireFromString("6.5").Equal(revised.PricePerUnit))

	old, err := svc.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.True(t, old.Archived())
	assert.False(t, old.IsDefault)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, revised.ID, *old.SupersededBy)
	assert.True(t, decimal.NewFromInt(5).Equal(old.PricePerUnit), "old version keeps its price")

	def, err := svc.GetDefault(ctx)
	require.NoError(t, err)
	assert.Equal(t, revised.ID, def.ID)

	var device devicedomain.Device
	require.NoError(t, db.First(&device, "id = ?", deviceID).Error)
	require.NotNil(t, device.RateID)
	assert.Equal(t, revised.ID, *device.RateID)

	_, err = svc.Revise(ctx, original.ID, domain.ReviseRateRequest{PricePerUnit: decimal.NewFromInt(7), UnitMinutes: 60})
	assert.ErrorIs(t, err, domain.ErrRateArchived)

	active, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	all, err := svc.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetMissingRate(t *testing.T) {
	svc, _, node, ctx := setup(t)

	_, err := svc.Get(ctx, node.Generate())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.GetDefault(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRatesAreOrgScoped(t *testing.T) {
	svc, _, node, ctx := setup(t)

	rate, err := svc.Create(ctx, domain.CreateRateRequest{Name: "Standard", PricePerUnit: decimal.NewFromInt(5), UnitMinutes: 60})
	require.NoError(t, err)

	other := orgcontext.WithOrgID(context.Background(), int64(node.Generate()))
	_, err = svc.Get(other, rate.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
