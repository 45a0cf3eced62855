// Package orchestrator drives the session, heartbeat and command services
// for device, admin and member callers, and fans the resulting state out to
// subscribers.
package orchestrator

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/netcafe/internal/audit/domain"
	"github.com/smallbiznis/netcafe/internal/auditcontext"
	"github.com/smallbiznis/netcafe/internal/broadcast"
	commanddomain "github.com/smallbiznis/netcafe/internal/command/domain"
	"github.com/smallbiznis/netcafe/internal/config"
	devicedomain "github.com/smallbiznis/netcafe/internal/device/domain"
	"github.com/smallbiznis/netcafe/internal/observability/logger"
	"github.com/smallbiznis/netcafe/internal/observability/metrics"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
	sessiondomain "github.com/smallbiznis/netcafe/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const systemIssuer = "system"

var Module = fx.Module("orchestrator",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Devices     devicedomain.Service
	Sessions    sessiondomain.Service
	Commands    commanddomain.Service
	Audit       auditdomain.Service
	Broadcaster *broadcast.Broadcaster
	Policy      *config.PolicyHolder
	Metrics     *metrics.Metrics `optional:"true"`
}

type Orchestrator struct {
	log         *zap.Logger
	devices     devicedomain.Service
	sessions    sessiondomain.Service
	commands    commanddomain.Service
	audit       auditdomain.Service
	broadcaster *broadcast.Broadcaster
	policy      *config.PolicyHolder
	metrics     *metrics.Metrics
}

func New(p Params) *Orchestrator {
	return &Orchestrator{
		log:         p.Log.Named("orchestrator"),
		devices:     p.Devices,
		sessions:    p.Sessions,
		commands:    p.Commands,
		audit:       p.Audit,
		broadcaster: p.Broadcaster,
		policy:      p.Policy,
		metrics:     p.Metrics,
	}
}

// HeartbeatResult is everything a device agent needs after checking in.
type HeartbeatResult struct {
	Device   devicedomain.View       `json:"device"`
	Session  *sessiondomain.Session  `json:"session,omitempty"`
	Commands []commanddomain.Command `json:"commands"`
}

// HandleHeartbeat records liveness and returns the open session and the
// commands the device should run.
func (o *Orchestrator) HandleHeartbeat(ctx context.Context, req devicedomain.HeartbeatRequest) (HeartbeatResult, error) {
	before, err := o.devices.Get(ctx, req.DeviceID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	view, err := o.devices.RecordHeartbeat(ctx, req)
	if err != nil {
		return HeartbeatResult{}, err
	}
	o.metrics.RecordHeartbeat(ctx, view.OrgID.String())

	if before.EffectiveStatus != view.EffectiveStatus {
		o.broadcaster.Emit(ctx, broadcast.EventDeviceStatus, view.OrgID, &view.ID, view)
	}

	result := HeartbeatResult{Device: view, Commands: []commanddomain.Command{}}
	session, err := o.sessions.GetActiveByDevice(ctx, view.ID)
	switch {
	case err == nil:
		result.Session = &session
	case !errors.Is(err, sessiondomain.ErrNotFound):
		return HeartbeatResult{}, err
	}

	commands, err := o.commands.Poll(ctx, view.ID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	result.Commands = commands
	return result, nil
}

func (o *Orchestrator) HandleTick(ctx context.Context, sessionID snowflake.ID, elapsedSeconds int64) (sessiondomain.Outcome, error) {
	before, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return sessiondomain.Outcome{}, err
	}
	out, err := o.sessions.Tick(ctx, sessionID, elapsedSeconds)
	if err != nil {
		return sessiondomain.Outcome{}, err
	}

	if out.Ended {
		o.afterEnd(ctx, out)
		return out, nil
	}
	if out.Session.Version != before.Version {
		o.broadcaster.Emit(ctx, broadcast.EventSessionUpdated, out.Session.OrgID, &out.Session.DeviceID, out.Session)
	}
	o.checkLowCredits(ctx, out)
	return out, nil
}

func (o *Orchestrator) StartGuestSession(ctx context.Context, req sessiondomain.StartGuestRequest) (sessiondomain.Outcome, error) {
	out, err := o.sessions.StartGuest(ctx, req)
	if err != nil {
		return sessiondomain.Outcome{}, err
	}
	o.afterStart(ctx, out, map[string]any{
		"session_type": sessiondomain.TypeGuest,
		"amount_paid":  out.Session.AmountPaid.String(),
	})
	return out, nil
}

func (o *Orchestrator) StartMemberSession(ctx context.Context, req sessiondomain.StartMemberRequest) (sessiondomain.Outcome, error) {
	out, err := o.sessions.StartMember(ctx, req)
	if err != nil {
		return sessiondomain.Outcome{}, err
	}
	o.afterStart(ctx, out, map[string]any{
		"session_type": sessiondomain.TypeMember,
		"member_id":    req.MemberID.String(),
	})
	return out, nil
}

func (o *Orchestrator) EndSession(ctx context.Context, sessionID snowflake.ID, reason string) (sessiondomain.Outcome, error) {
	out, err := o.sessions.EndSession(ctx, sessionID, reason)
	if err != nil {
		return sessiondomain.Outcome{}, err
	}
	if out.Ended {
		o.afterEnd(ctx, out)
		o.record(ctx, auditdomain.ActionSessionEnded, "session", out.Session.ID, map[string]any{
			"reason": out.Session.EndReason,
			"status": out.Session.Status,
		})
	}
	return out, nil
}

func (o *Orchestrator) Pause(ctx context.Context, sessionID snowflake.ID) (sessiondomain.Session, error) {
	session, err := o.sessions.Pause(ctx, sessionID)
	if err != nil {
		return sessiondomain.Session{}, err
	}
	o.broadcaster.Emit(ctx, broadcast.EventSessionPaused, session.OrgID, &session.DeviceID, session)
	o.record(ctx, auditdomain.ActionSessionPaused, "session", session.ID, nil)
	return session, nil
}

func (o *Orchestrator) Resume(ctx context.Context, sessionID snowflake.ID) (sessiondomain.Session, error) {
	session, err := o.sessions.Resume(ctx, sessionID)
	if err != nil {
		return sessiondomain.Session{}, err
	}
	o.broadcaster.Emit(ctx, broadcast.EventSessionResumed, session.OrgID, &session.DeviceID, session)
	o.record(ctx, auditdomain.ActionSessionResumed, "session", session.ID, nil)
	return session, nil
}

// EnqueueCommand queues an operator command; the issuer is the actor in ctx.
func (o *Orchestrator) EnqueueCommand(ctx context.Context, req commanddomain.EnqueueRequest) (commanddomain.Command, error) {
	if req.IssuedBy == "" {
		_, actorID := auditcontext.ActorFromContext(ctx)
		req.IssuedBy = actorID
	}
	cmd, err := o.commands.Enqueue(ctx, req)
	if err != nil {
		return commanddomain.Command{}, err
	}
	o.broadcaster.Emit(ctx, broadcast.EventCommandEnqueued, cmd.OrgID, &cmd.DeviceID, cmd)
	o.record(ctx, auditdomain.ActionCommandEnqueued, "device_command", cmd.ID, map[string]any{
		"device_id":    cmd.DeviceID.String(),
		"command_type": cmd.CommandType,
	})
	return cmd, nil
}

func (o *Orchestrator) AckSent(ctx context.Context, commandID snowflake.ID) (commanddomain.Transition, error) {
	return o.ack(ctx, func() (commanddomain.Transition, error) {
		return o.commands.MarkSent(ctx, commandID)
	})
}

// AckExecuted records a run command. A device that ran an unlock after its
// session ended is sent a fresh lock.
func (o *Orchestrator) AckExecuted(ctx context.Context, commandID snowflake.ID) (commanddomain.Transition, error) {
	tr, err := o.ack(ctx, func() (commanddomain.Transition, error) {
		return o.commands.MarkExecuted(ctx, commandID)
	})
	if err != nil {
		return commanddomain.Transition{}, err
	}
	if tr.Relock {
		var sessionID snowflake.ID
		if tr.Command.SessionID != nil {
			sessionID = *tr.Command.SessionID
		}
		o.dispatch(ctx, tr.Command.DeviceID, commanddomain.TypeLock, sessionID)
	}
	return tr, nil
}

func (o *Orchestrator) AckFailed(ctx context.Context, commandID snowflake.ID, errorMessage string) (commanddomain.Transition, error) {
	return o.ack(ctx, func() (commanddomain.Transition, error) {
		return o.commands.MarkFailed(ctx, commandID, errorMessage)
	})
}

func (o *Orchestrator) ack(ctx context.Context, apply func() (commanddomain.Transition, error)) (commanddomain.Transition, error) {
	tr, err := apply()
	if err != nil {
		return commanddomain.Transition{}, err
	}
	if tr.Changed {
		o.broadcaster.Emit(ctx, broadcast.EventCommandUpdated, tr.Command.OrgID, nil, tr.Command)
	}
	return tr, nil
}

// SweepOffline marks silent devices offline across all orgs.
func (o *Orchestrator) SweepOffline(ctx context.Context, limit int) (int, error) {
	swept, err := o.devices.SweepStale(ctx, limit)
	for _, device := range swept {
		o.broadcaster.Emit(ctx, broadcast.EventDeviceOffline, device.OrgID, &device.ID, device)
	}
	return len(swept), err
}

// RedeliverStale offers commands stuck in sent to their devices again. The
// command status is left as is.
func (o *Orchestrator) RedeliverStale(ctx context.Context, limit int) (int, error) {
	stale, err := o.commands.ListStale(ctx, limit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, cmd := range stale {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		ok, err := o.commands.MarkRedelivered(ctx, cmd.ID)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		cmd.DeliveryAttempts++
		o.broadcaster.Emit(ctx, broadcast.EventCommandRedelivered, cmd.OrgID, &cmd.DeviceID, cmd)
		count++
	}
	return count, nil
}

func (o *Orchestrator) afterStart(ctx context.Context, out sessiondomain.Outcome, metadata map[string]any) {
	session := out.Session
	o.dispatch(ctx, session.DeviceID, commanddomain.TypeUnlock, session.ID)
	o.broadcaster.Emit(ctx, broadcast.EventSessionStarted, session.OrgID, &session.DeviceID, session)
	metadata["device_id"] = session.DeviceID.String()
	o.record(ctx, auditdomain.ActionSessionStarted, "session", session.ID, metadata)
}

func (o *Orchestrator) afterEnd(ctx context.Context, out sessiondomain.Outcome) {
	session := out.Session
	if out.LockDevice {
		o.dispatch(ctx, session.DeviceID, commanddomain.TypeLock, session.ID)
	}
	o.broadcaster.Emit(ctx, broadcast.EventSessionEnded, session.OrgID, &session.DeviceID, session)
}

// dispatch queues a system command. The session transition already
// committed, so a failure here is logged rather than returned.
func (o *Orchestrator) dispatch(ctx context.Context, deviceID snowflake.ID, commandType string, sessionID snowflake.ID) {
	req := commanddomain.EnqueueRequest{
		DeviceID:    deviceID,
		CommandType: commandType,
		IssuedBy:    systemIssuer,
	}
	if sessionID != 0 {
		req.SessionID = &sessionID
		req.Payload = map[string]any{"session_id": sessionID.String()}
	}
	cmd, err := o.commands.Enqueue(ctx, req)
	if err != nil {
		logger.FromContext(ctx).Error("system command enqueue failed",
			zap.String("device_id", deviceID.String()),
			zap.String("command_type", commandType),
			zap.Error(err),
		)
		return
	}
	o.broadcaster.Emit(ctx, broadcast.EventCommandEnqueued, cmd.OrgID, &cmd.DeviceID, cmd)
}

// checkLowCredits warns once, on the tick that takes the balance below the
// threshold.
func (o *Orchestrator) checkLowCredits(ctx context.Context, out sessiondomain.Outcome) {
	if out.Session.MemberID == nil || out.Balance == nil || !out.Charged.IsPositive() {
		return
	}
	threshold := o.policy.Get().LowCreditThreshold
	if !threshold.IsPositive() {
		return
	}
	after := *out.Balance
	before := after.Add(out.Charged)
	if after.GreaterThanOrEqual(threshold) || before.LessThan(threshold) {
		return
	}
	o.broadcaster.Emit(ctx, broadcast.EventMemberLowCredits, out.Session.OrgID, &out.Session.DeviceID, lowCredits{
		MemberID:  out.Session.MemberID.String(),
		SessionID: out.Session.ID.String(),
		Balance:   after,
		Threshold: threshold,
	})
}

type lowCredits struct {
	MemberID  string          `json:"member_id"`
	SessionID string          `json:"session_id"`
	Balance   decimal.Decimal `json:"balance"`
	Threshold decimal.Decimal `json:"threshold"`
}

func (o *Orchestrator) record(ctx context.Context, action, targetType string, targetID snowflake.ID, metadata map[string]any) {
	if o.audit == nil {
		return
	}
	if _, ok := orgcontext.OrgIDFromContext(ctx); !ok {
		return
	}
	if err := o.audit.Record(ctx, action, targetType, targetID.String(), metadata); err != nil {
		logger.FromContext(ctx).Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
