package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/netcafe/internal/billing/domain"
	"github.com/smallbiznis/netcafe/internal/clock"
	obsmetrics "github.com/smallbiznis/netcafe/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubFloor struct {
	sweeps      []int
	sweepCalls  int
	redeliver   int
	redelivered int
	err         error
}

func (f *stubFloor) SweepOffline(ctx context.Context, limit int) (int, error) {
	f.sweepCalls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.sweeps) == 0 {
		return 0, nil
	}
	n := min(f.sweeps[0], limit)
	f.sweeps = f.sweeps[1:]
	return n, nil
}

func (f *stubFloor) RedeliverStale(ctx context.Context, limit int) (int, error) {
	f.redelivered++
	return min(f.redeliver, limit), nil
}

type stubReconciler struct {
	members []billingdomain.Reconciliation
	calls   int
}

func (r *stubReconciler) ReconcileBatch(ctx context.Context, afterID snowflake.ID, limit int) ([]billingdomain.Reconciliation, error) {
	r.calls++
	var out []billingdomain.Reconciliation
	for _, rec := range r.members {
		if rec.MemberID > afterID && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newTestScheduler(t *testing.T, cfg Config, f floor, r reconciler) *Scheduler {
	t.Helper()
	return &Scheduler{
		log:     zap.NewNop(),
		cfg:     cfg.withDefaults(),
		genID:   newNode(t),
		clock:   clock.NewFakeClock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)),
		floor:   f,
		billing: r,
	}
}

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "netcafe",
		Environment: "test",
	})

	s := newTestScheduler(t, Config{}, &stubFloor{}, &stubReconciler{})
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "netcafe",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "netcafe_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "netcafe",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "netcafe_scheduler_job_errors_total", errorLabels))
}

func TestRunJobWrapsHardErrors(t *testing.T) {
	s := newTestScheduler(t, Config{}, &stubFloor{}, &stubReconciler{})
	boom := errors.New("boom")
	err := s.runJob(context.Background(), "hard_job", 1, time.Second, func(context.Context) error {
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "hard_job")
}

func TestSweepDrainsFullBatches(t *testing.T) {
	f := &stubFloor{sweeps: []int{2, 2, 1}}
	s := newTestScheduler(t, Config{BatchSize: 2}, f, &stubReconciler{})

	require.NoError(t, s.SweepOfflineDevicesJob(context.Background()))
	assert.Equal(t, 3, f.sweepCalls)
}

func TestSweepErrorStopsJob(t *testing.T) {
	f := &stubFloor{err: errors.New("db down")}
	s := newTestScheduler(t, Config{BatchSize: 2}, f, &stubReconciler{})

	assert.Error(t, s.SweepOfflineDevicesJob(context.Background()))
	assert.Equal(t, 1, f.sweepCalls)
}

func TestReconcileWalksEveryMember(t *testing.T) {
	r := &stubReconciler{}
	for i := 1; i <= 5; i++ {
		r.members = append(r.members, billingdomain.Reconciliation{
			MemberID:  snowflake.ID(i),
			Balance:   decimal.NewFromInt(1),
			LedgerSum: decimal.NewFromInt(1),
			Matches:   i != 3,
		})
	}
	s := newTestScheduler(t, Config{BatchSize: 2}, &stubFloor{}, r)

	require.NoError(t, s.ReconcileBalancesJob(context.Background()))
	assert.Equal(t, 3, r.calls)
}

func TestRunOnceReconcilesOnSchedule(t *testing.T) {
	r := &stubReconciler{}
	f := &stubFloor{}
	s := newTestScheduler(t, Config{ReconcileEvery: 3}, f, r)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.RunOnce(context.Background()))
	}
	assert.Equal(t, 4, f.sweepCalls)
	assert.Equal(t, 4, f.redelivered)
	assert.Equal(t, 2, r.calls)
}

func TestDisabledJobsAreSkipped(t *testing.T) {
	f := &stubFloor{}
	s := newTestScheduler(t, Config{DisabledJobs: []string{"SWEEP_OFFLINE_DEVICES"}}, f, &stubReconciler{})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 0, f.sweepCalls)
	assert.Equal(t, 1, f.redelivered)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{RunInterval: 10 * time.Second}.withDefaults()
	assert.Equal(t, 8*time.Second, cfg.JobTimeout)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 60, cfg.ReconcileEvery)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
