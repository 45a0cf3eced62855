package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/dbtest"
	"github.com/smallbiznis/netcafe/internal/device/domain"
	devicerepo "github.com/smallbiznis/netcafe/internal/device/repository"
	"github.com/smallbiznis/netcafe/internal/heartbeat"
	"github.com/smallbiznis/netcafe/internal/lock"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	ratedomain "github.com/smallbiznis/netcafe/internal/rate/domain"
	raterepo "github.com/smallbiznis/netcafe/internal/rate/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   domain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	orgID snowflake.ID
	ctx   context.Context
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t, &domain.Device{}, &ratedomain.Rate{})
	node := dbtest.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Monitor:  heartbeat.NewMonitor(clk, 45*time.Second),
		Locks:    lock.NewKeyed(),
		Repo:     devicerepo.Provide(),
		RateRepo: raterepo.Provide(),
	})
	orgID := node.Generate()
	return &fixture{
		svc:   svc,
		db:    db,
		node:  node,
		clock: clk,
		orgID: orgID,
		ctx:   orgcontext.WithOrgID(context.Background(), int64(orgID)),
	}
}

func (f *fixture) rate(t *testing.T) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	rate := ratedomain.Rate{
		ID:           id,
		OrgID:        f.orgID,
		LineageID:    id,
		Version:      1,
		Name:         "Standard",
		PricePerUnit: decimal.NewFromInt(5),
		UnitMinutes:  60,
		CreatedAt:    f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&rate).Error)
	return id
}

func TestRegisterNormalizesCode(t *testing.T) {
	f := setup(t)

	device, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "PC 01"})
	require.NoError(t, err)
	assert.Equal(t, "pc-01", device.DeviceCode)
	assert.Equal(t, "PC 01", device.Name)
	assert.Equal(t, heartbeat.StatusPending, device.Status)
	assert.True(t, device.IsLocked)

	view, err := f.svc.Get(f.ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOffline, view.EffectiveStatus, "never reported")

	_, err = f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-01"})
	assert.ErrorIs(t, err, domain.ErrDuplicateCode)

	_, err = f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidCode)
}

func TestRegisterRequiresOrg(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Register(context.Background(), domain.RegisterDeviceRequest{DeviceCode: "pc-01"})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestRegisterRejectsUnknownRate(t *testing.T) {
	f := setup(t)
	missing := f.node.Generate()

	_, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-01", RateID: &missing})
	assert.ErrorIs(t, err, domain.ErrRateNotFound)
}

func TestHeartbeatKeepsDeviceOnlineUntilThreshold(t *testing.T) {
	f := setup(t)
	device, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-01"})
	require.NoError(t, err)

	view, err := f.svc.RecordHeartbeat(f.ctx, domain.HeartbeatRequest{DeviceID: device.ID, AgentVersion: "1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOnline, view.Status)
	assert.Equal(t, heartbeat.StatusOnline, view.EffectiveStatus)
	assert.Equal(t, "1.2.0", view.AgentVersion)

	f.clock.Advance(45 * time.Second)
	view, err = f.svc.Get(f.ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOnline, view.EffectiveStatus, "exactly at threshold")

	f.clock.Advance(time.Second)
	view, err = f.svc.Get(f.ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOffline, view.EffectiveStatus)
	assert.Equal(t, heartbeat.StatusOnline, view.Status, "stored status lags until the sweep")
}

func TestHeartbeatClampsReportedTime(t *testing.T) {
	f := setup(t)
	device, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-01"})
	require.NoError(t, err)

	future := f.clock.Now().Add(time.Hour)
	view, err := f.svc.RecordHeartbeat(f.ctx, domain.HeartbeatRequest{DeviceID: device.ID, At: &future})
	require.NoError(t, err)
	require.NotNil(t, view.LastHeartbeat)
	assert.True(t, view.LastHeartbeat.Equal(f.clock.Now()))

	f.clock.Advance(10 * time.Second)
	past := f.clock.Now().Add(-time.Minute)
	view, err = f.svc.RecordHeartbeat(f.ctx, domain.HeartbeatRequest{DeviceID: device.ID, At: &past})
	require.NoError(t, err)
	require.NotNil(t, view.LastHeartbeat)
	assert.True(t, view.LastHeartbeat.Equal(f.clock.Now().Add(-10*time.Second)), "heartbeat time never moves backwards")
}

func TestSweepStaleMarksSilentDevicesOffline(t *testing.T) {
	f := setup(t)
	silent, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-01"})
	require.NoError(t, err)
	live, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-02"})
	require.NoError(t, err)

	_, err = f.svc.RecordHeartbeat(f.ctx, domain.HeartbeatRequest{DeviceID: silent.ID})
	require.NoError(t, err)
	f.clock.Advance(40 * time.Second)
	_, err = f.svc.RecordHeartbeat(f.ctx, domain.HeartbeatRequest{DeviceID: live.ID})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)

	swept, err := f.svc.SweepStale(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, silent.ID, swept[0].ID)
	assert.Equal(t, heartbeat.StatusOffline, swept[0].Status)

	again, err := f.svc.SweepStale(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, again)

	view, err := f.svc.RecordHeartbeat(f.ctx, domain.HeartbeatRequest{DeviceID: silent.ID})
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOnline, view.Status)
}

func TestMaintenanceSurvivesHeartbeats(t *testing.T) {
	f := setup(t)
	device, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-01"})
	require.NoError(t, err)

	view, err := f.svc.SetMaintenance(f.ctx, device.ID, true)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusMaintenance, view.Status)

	view, err = f.svc.RecordHeartbeat(f.ctx, domain.HeartbeatRequest{DeviceID: device.ID})
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusMaintenance, view.Status)

	view, err = f.svc.SetMaintenance(f.ctx, device.ID, false)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.StatusOnline, view.Status)
}

func TestAssignRate(t *testing.T) {
	f := setup(t)
	device, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-01"})
	require.NoError(t, err)
	rateID := f.rate(t)

	updated, err := f.svc.AssignRate(f.ctx, device.ID, rateID)
	require.NoError(t, err)
	require.NotNil(t, updated.RateID)
	assert.Equal(t, rateID, *updated.RateID)

	_, err = f.svc.AssignRate(f.ctx, device.ID, f.node.Generate())
	assert.ErrorIs(t, err, domain.ErrRateNotFound)
}

func TestArchiveRejectsFurtherUse(t *testing.T) {
	f := setup(t)
	device, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-01"})
	require.NoError(t, err)

	archived, err := f.svc.Archive(f.ctx, device.ID)
	require.NoError(t, err)
	assert.True(t, archived.Archived())

	again, err := f.svc.Archive(f.ctx, device.ID)
	require.NoError(t, err)
	assert.True(t, again.Archived())

	_, err = f.svc.RecordHeartbeat(f.ctx, domain.HeartbeatRequest{DeviceID: device.ID})
	assert.ErrorIs(t, err, domain.ErrDeviceArchived)

	list, err := f.svc.List(f.ctx, domain.ListDeviceRequest{})
	require.NoError(t, err)
	assert.Empty(t, list.Devices)

	list, err = f.svc.List(f.ctx, domain.ListDeviceRequest{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, list.Devices, 1)
}

func TestArchiveBusyDevice(t *testing.T) {
	f := setup(t)
	device, err := f.svc.Register(f.ctx, domain.RegisterDeviceRequest{DeviceCode: "pc-01"})
	require.NoError(t, err)

	claimed, err := devicerepo.Provide().Claim(context.Background(), f.db, f.orgID, device.ID, f.node.Generate(), f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.svc.Archive(f.ctx, device.ID)
	assert.ErrorIs(t, err, domain.ErrDeviceBusy)

	_, err = f.svc.SetMaintenance(f.ctx, device.ID, true)
	assert.ErrorIs(t, err, domain.ErrDeviceBusy)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	f := setup(t)

	_, err := f.svc.List(f.ctx, domain.ListDeviceRequest{EffectiveStatus: "sleeping"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}
