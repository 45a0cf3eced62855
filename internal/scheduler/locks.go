package scheduler

import (
	"context"

	obsmetrics "github.com/smallbiznis/netcafe/internal/observability/metrics"
	"go.uber.org/zap"
)

const leaderKeyPrefix = "netcafe:scheduler:leader:"

// acquireLeader takes the cross-instance lock for job. Without a locker every
// instance runs every job, which is what a single coordinator wants.
func (s *Scheduler) acquireLeader(ctx context.Context, job string) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	schedMetrics := obsmetrics.Scheduler()
	key := leaderKeyPrefix + job
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LeaderLockTTL)
	if err != nil {
		schedMetrics.IncLeaderOutcome(obsmetrics.LeaderOutcomeError)
		s.logger(ctx).Warn("scheduler.leader.failed", zap.String("job", job), zap.Error(err))
		return nil, false
	}
	if !ok {
		schedMetrics.IncLeaderOutcome(obsmetrics.LeaderOutcomeSkipped)
		return nil, false
	}
	schedMetrics.IncLeaderOutcome(obsmetrics.LeaderOutcomeAcquired)
	return func() {
		// The job ctx may already be done; release on a fresh one.
		if err := s.locker.Release(context.Background(), key, token); err != nil {
			s.log.Warn("scheduler.leader.release_failed", zap.String("job", job), zap.Error(err))
		}
	}, true
}
