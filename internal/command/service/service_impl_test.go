package service

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/command/domain"
	commandrepo "github.com/smallbiznis/netcafe/internal/command/repository"
	"github.com/smallbiznis/netcafe/internal/config"
	"github.com/smallbiznis/netcafe/internal/dbtest"
	devicedomain "github.com/smallbiznis/netcafe/internal/device/domain"
	devicerepo "github.com/smallbiznis/netcafe/internal/device/repository"
	"github.com/smallbiznis/netcafe/internal/heartbeat"
	"github.com/smallbiznis/netcafe/internal/lock"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc      domain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	orgID    snowflake.ID
	ctx      context.Context
	devices  devicedomain.Repository
	deviceID snowflake.ID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t, &devicedomain.Device{}, &domain.Command{})
	node := dbtest.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	devices := devicerepo.Provide()

	policy := config.DefaultPolicy()
	policy.CommandRedeliveryTimeout = 30 * time.Second

	svc := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Locks:      lock.NewKeyed(),
		Policy:     config.NewStaticPolicyHolder(policy),
		Repo:       commandrepo.Provide(),
		DeviceRepo: devices,
	})

	orgID := node.Generate()
	now := clk.Now()
	device := devicedomain.Device{
		ID:         node.Generate(),
		OrgID:      orgID,
		DeviceCode: "pc-01",
		Name:       "PC 01",
		Status:     heartbeat.StatusOnline,
		IsLocked:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, devices.Insert(context.Background(), db, &device))

	return &fixture{
		svc:      svc,
		db:       db,
		clock:    clk,
		orgID:    orgID,
		ctx:      orgcontext.WithOrgID(context.Background(), int64(orgID)),
		devices:  devices,
		deviceID: device.ID,
	}
}

func (f *fixture) locked(t *testing.T) bool {
	t.Helper()
	d, err := f.devices.FindByID(context.Background(), f.db, f.orgID, f.deviceID)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d.IsLocked
}

func TestCommandLifecycle(t *testing.T) {
	f := setup(t)

	cmd, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeRestart, IssuedBy: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, cmd.Status)

	sent, err := f.svc.MarkSent(f.ctx, cmd.ID)
	require.NoError(t, err)
	assert.True(t, sent.Changed)
	assert.Equal(t, domain.StatusSent, sent.Command.Status)
	assert.Equal(t, 1, sent.Command.DeliveryAttempts)
	require.NotNil(t, sent.Command.SentAt)

	dup, err := f.svc.MarkSent(f.ctx, cmd.ID)
	require.NoError(t, err)
	assert.False(t, dup.Changed)
	assert.Equal(t, domain.StatusSent, dup.Command.Status)

	done, err := f.svc.MarkExecuted(f.ctx, cmd.ID)
	require.NoError(t, err)
	assert.True(t, done.Changed)
	assert.Equal(t, domain.StatusExecuted, done.Command.Status)
	require.NotNil(t, done.Command.ExecutedAt)

	late, err := f.svc.MarkFailed(f.ctx, cmd.ID, "boom")
	require.NoError(t, err)
	assert.False(t, late.Changed)
	assert.Equal(t, domain.StatusExecuted, late.Command.Status)
	assert.Nil(t, late.Command.ErrorMessage)

	again, err := f.svc.MarkSent(f.ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, again.Command.Status)
}

func TestMarkFailedRecordsMessage(t *testing.T) {
	f := setup(t)

	cmd, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeShutdown})
	require.NoError(t, err)
	_, err = f.svc.MarkSent(f.ctx, cmd.ID)
	require.NoError(t, err)

	failed, err := f.svc.MarkFailed(f.ctx, cmd.ID, "permission denied")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Command.Status)
	require.NotNil(t, failed.Command.ErrorMessage)
	assert.Equal(t, "permission denied", *failed.Command.ErrorMessage)
	require.NotNil(t, failed.Command.FailedAt)

	executed, err := f.svc.MarkExecuted(f.ctx, cmd.ID)
	require.NoError(t, err)
	assert.False(t, executed.Changed)
	assert.Equal(t, domain.StatusFailed, executed.Command.Status)
}

func TestAckOnPendingCommandCountsAsDelivered(t *testing.T) {
	f := setup(t)

	cmd, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeAdminUnlock})
	require.NoError(t, err)

	done, err := f.svc.MarkExecuted(f.ctx, cmd.ID)
	require.NoError(t, err)
	assert.True(t, done.Changed)
	assert.Equal(t, domain.StatusExecuted, done.Command.Status)
	assert.False(t, f.locked(t))
}

func TestExecutedLockCommandsUpdateDevice(t *testing.T) {
	f := setup(t)

	unlock, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeAdminUnlock})
	require.NoError(t, err)
	_, err = f.svc.MarkSent(f.ctx, unlock.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkExecuted(f.ctx, unlock.ID)
	require.NoError(t, err)
	assert.False(t, f.locked(t))

	lockCmd, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeLock})
	require.NoError(t, err)
	_, err = f.svc.MarkSent(f.ctx, lockCmd.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkFailed(f.ctx, lockCmd.ID, "agent crashed")
	require.NoError(t, err)
	assert.False(t, f.locked(t))
}

func TestEnqueueValidation(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: "format_disk"})
	assert.ErrorIs(t, err, domain.ErrInvalidCommandType)

	_, err = f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeMessage})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	msg, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{
		DeviceID:    f.deviceID,
		CommandType: domain.TypeMessage,
		Payload:     map[string]any{"message": "10 minutes left"},
	})
	require.NoError(t, err)
	got, err := f.svc.Get(f.ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "10 minutes left", got.Payload["message"])

	_, err = f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: 42, CommandType: domain.TypeLock})
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)

	_, err = f.svc.MarkSent(f.ctx, 42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPollRedeliversStaleSentCommands(t *testing.T) {
	f := setup(t)

	first, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeLock})
	require.NoError(t, err)
	second, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeRestart})
	require.NoError(t, err)

	polled, err := f.svc.Poll(f.ctx, f.deviceID)
	require.NoError(t, err)
	require.Len(t, polled, 2)
	assert.Equal(t, first.ID, polled[0].ID)

	_, err = f.svc.MarkSent(f.ctx, first.ID)
	require.NoError(t, err)

	polled, err = f.svc.Poll(f.ctx, f.deviceID)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, second.ID, polled[0].ID)

	f.clock.Advance(31 * time.Second)
	polled, err = f.svc.Poll(f.ctx, f.deviceID)
	require.NoError(t, err)
	assert.Len(t, polled, 2)

	stale, err := f.svc.ListStale(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, first.ID, stale[0].ID)

	ok, err := f.svc.MarkRedelivered(context.Background(), first.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stale, err = f.svc.ListStale(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	cmd, err := f.svc.Get(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, cmd.Status)
	assert.Equal(t, 2, cmd.DeliveryAttempts)
}

func TestListByDeviceFiltersStatus(t *testing.T) {
	f := setup(t)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeRestart})
		require.NoError(t, err)
	}
	cmd, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeShutdown})
	require.NoError(t, err)
	_, err = f.svc.MarkSent(f.ctx, cmd.ID)
	require.NoError(t, err)

	resp, err := f.svc.ListByDevice(f.ctx, domain.ListCommandRequest{DeviceID: f.deviceID, Status: domain.StatusPending})
	require.NoError(t, err)
	assert.Len(t, resp.Commands, 3)

	_, err = f.svc.ListByDevice(f.ctx, domain.ListCommandRequest{DeviceID: f.deviceID, Status: "lost"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestMarkFailedTruncatesOnRuneBoundary(t *testing.T) {
	f := setup(t)

	cmd, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeShutdown})
	require.NoError(t, err)

	long := "a" + strings.Repeat("é", 600)
	failed, err := f.svc.MarkFailed(f.ctx, cmd.ID, long)
	require.NoError(t, err)
	require.NotNil(t, failed.Command.ErrorMessage)

	stored := *failed.Command.ErrorMessage
	assert.True(t, utf8.ValidString(stored))
	assert.LessOrEqual(t, len(stored), maxErrorMessage)
	assert.Len(t, stored, maxErrorMessage-1)
	assert.True(t, strings.HasPrefix(long, stored))
}

func TestTruncateMessageDropsInvalidBytes(t *testing.T) {
	assert.Equal(t, "ok", truncateMessage("o\xffk", 10))
	assert.Equal(t, "日", truncateMessage("日本", 4))
	assert.Equal(t, "", truncateMessage("日本", 2))
}

func TestUnlockOnlyClearsLockForCurrentSession(t *testing.T) {
	f := setup(t)
	sessionID := snowflake.ID(7001)

	stray, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeUnlock, SessionID: &sessionID})
	require.NoError(t, err)
	done, err := f.svc.MarkExecuted(f.ctx, stray.ID)
	require.NoError(t, err)
	assert.True(t, done.Changed)
	assert.True(t, done.Relock)
	assert.True(t, f.locked(t), "no session on the device")

	claimed, err := f.devices.Claim(context.Background(), f.db, f.orgID, f.deviceID, sessionID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, f.devices.SetLocked(context.Background(), f.db, f.orgID, f.deviceID, true, f.clock.Now()))

	other := snowflake.ID(7002)
	mismatched, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeUnlock, SessionID: &other})
	require.NoError(t, err)
	done, err = f.svc.MarkExecuted(f.ctx, mismatched.ID)
	require.NoError(t, err)
	assert.True(t, done.Relock)
	assert.True(t, f.locked(t))

	unlock, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeUnlock, SessionID: &sessionID})
	require.NoError(t, err)
	require.NotNil(t, unlock.SessionID)
	done, err = f.svc.MarkExecuted(f.ctx, unlock.ID)
	require.NoError(t, err)
	assert.True(t, done.Changed)
	assert.False(t, done.Relock)
	assert.False(t, f.locked(t))
}

func TestAckOnSupersededUnlockAsksForRelock(t *testing.T) {
	f := setup(t)
	sessionID := snowflake.ID(7003)

	unlock, err := f.svc.Enqueue(f.ctx, domain.EnqueueRequest{DeviceID: f.deviceID, CommandType: domain.TypeUnlock, SessionID: &sessionID})
	require.NoError(t, err)
	_, err = f.svc.MarkSent(f.ctx, unlock.ID)
	require.NoError(t, err)

	n, err := commandrepo.Provide().SupersedeForSession(context.Background(), f.db, f.orgID, sessionID, domain.TypeUnlock, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f.clock.Advance(time.Minute)
	polled, err := f.svc.Poll(f.ctx, f.deviceID)
	require.NoError(t, err)
	assert.Empty(t, polled)

	late, err := f.svc.MarkExecuted(f.ctx, unlock.ID)
	require.NoError(t, err)
	assert.False(t, late.Changed)
	assert.True(t, late.Relock)
	assert.Equal(t, domain.StatusFailed, late.Command.Status)
	assert.True(t, f.locked(t))

	failedAck, err := f.svc.MarkFailed(f.ctx, unlock.ID, "agent gave up")
	require.NoError(t, err)
	assert.False(t, failedAck.Relock)
}
