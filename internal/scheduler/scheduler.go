package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/netcafe/internal/billing/domain"
	"github.com/smallbiznis/netcafe/internal/clock"
	obsmetrics "github.com/smallbiznis/netcafe/internal/observability/metrics"
	"github.com/smallbiznis/netcafe/internal/orchestrator"
	"github.com/smallbiznis/netcafe/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobSweepOfflineDevices    = "sweep_offline_devices"
	JobRedeliverStaleCommands = "redeliver_stale_commands"
	JobReconcileBalances      = "reconcile_balances"

	schedulerActor = "scheduler"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type floor interface {
	SweepOffline(ctx context.Context, limit int) (int, error)
	RedeliverStale(ctx context.Context, limit int) (int, error)
}

type reconciler interface {
	ReconcileBatch(ctx context.Context, afterID snowflake.ID, limit int) ([]billingdomain.Reconciliation, error)
}

type Params struct {
	fx.In

	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Orchestrator *orchestrator.Orchestrator
	Billing      billingdomain.Service
	Locker       *ratelimit.Locker `optional:"true"`
	Config       Config            `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	floor   floor
	billing reconciler
	locker  *ratelimit.Locker
	runs    atomic.Int64
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Orchestrator == nil || p.Billing == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		floor:   p.Orchestrator,
		billing: p.Billing,
		locker:  p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	release, leader := s.acquireLeader(parent, name)
	if !leader {
		return nil
	}
	defer release()

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadlines are soft: the next tick picks up where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	runNumber := s.runs.Add(1)

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobSweepOfflineDevices, s.isJobEnabled(JobSweepOfflineDevices), s.SweepOfflineDevicesJob},
		{JobRedeliverStaleCommands, s.isJobEnabled(JobRedeliverStaleCommands), s.RedeliverStaleCommandsJob},
		{JobReconcileBalances, s.isJobEnabled(JobReconcileBalances) && (runNumber-1)%int64(s.cfg.ReconcileEvery) == 0, s.ReconcileBalancesJob},
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		nextRun = s.clock.Now().Add(s.cfg.RunInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	for _, disabled := range s.cfg.DisabledJobs {
		if strings.EqualFold(disabled, jobName) {
			return false
		}
	}
	return true
}

// SweepOfflineDevicesJob marks silent devices offline, batch by batch.
func (s *Scheduler) SweepOfflineDevicesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSweepOfflineDevices, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		swept, err := s.floor.SweepOffline(ctx, s.cfg.BatchSize)
		run.AddProcessed(swept)
		obsmetrics.Scheduler().AddBatchProcessed(JobSweepOfflineDevices, "devices", swept)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.sweep.failed", JobSweepOfflineDevices, err)
			return err
		}
		if swept < s.cfg.BatchSize {
			return nil
		}
	}
}

// RedeliverStaleCommandsJob re-offers commands that were sent but never
// acknowledged. Redelivery bumps last_attempt_at, so a command is offered at
// most once per redelivery timeout.
func (s *Scheduler) RedeliverStaleCommandsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRedeliverStaleCommands, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		redelivered, err := s.floor.RedeliverStale(ctx, s.cfg.BatchSize)
		run.AddProcessed(redelivered)
		obsmetrics.Scheduler().AddBatchProcessed(JobRedeliverStaleCommands, "commands", redelivered)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.redeliver.failed", JobRedeliverStaleCommands, err)
			return err
		}
		if redelivered < s.cfg.BatchSize {
			return nil
		}
	}
}

// ReconcileBalancesJob compares every member balance with its ledger. It only
// reports drift; correcting a balance is an operator decision.
func (s *Scheduler) ReconcileBalancesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileBalances, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var afterID snowflake.ID
	mismatches := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.billing.ReconcileBatch(ctx, afterID, s.cfg.BatchSize)
		for _, rec := range batch {
			run.AddProcessed(1)
			afterID = rec.MemberID
			if rec.Matches {
				continue
			}
			mismatches++
			run.IncError()
			s.logger(ctx).Error("scheduler.reconcile.mismatch",
				zap.String("org_id", rec.OrgID.String()),
				zap.String("member_id", rec.MemberID.String()),
				zap.String("balance", rec.Balance.String()),
				zap.String("ledger_sum", rec.LedgerSum.String()),
				zap.Int("entries", rec.Entries),
			)
		}
		obsmetrics.Scheduler().AddBatchProcessed(JobReconcileBalances, "members", len(batch))
		if err != nil {
			obsmetrics.Scheduler().AddBatchProcessed(JobReconcileBalances, "mismatches", mismatches)
			s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", JobReconcileBalances, err)
			return err
		}
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobReconcileBalances, "mismatches", mismatches)
	return nil
}
