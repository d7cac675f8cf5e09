package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/slotbroker/internal/clock"
	obsmetrics "github.com/smallbiznis/slotbroker/internal/observability/metrics"
	"go.uber.org/zap"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := isolateSchedulerMetrics(t)
	s := newBareScheduler(t)

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "slotbroker",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "slotbroker_sweeper_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "slotbroker",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "slotbroker_sweeper_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsHardErrors(t *testing.T) {
	isolateSchedulerMetrics(t)
	s := newBareScheduler(t)
	boom := errors.New("boom")

	err := s.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if err.Error() != "failing_job: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{}
	if !s.isJobEnabled(JobExpireSubscriptions) {
		t.Fatalf("empty list should enable every job")
	}

	s.cfg.EnabledJobs = []string{"EXPIRE_SUBSCRIPTIONS"}
	if !s.isJobEnabled(JobExpireSubscriptions) {
		t.Fatalf("job names match case-insensitively")
	}
	if s.isJobEnabled(JobReconcileAvailability) {
		t.Fatalf("unlisted job should be disabled")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.RunInterval != 2*time.Minute || cfg.BatchSize != 100 || cfg.JobTimeout != time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LeaderLockTTL != cfg.RunInterval {
		t.Fatalf("lock ttl should follow the run interval, got %v", cfg.LeaderLockTTL)
	}
}

type fakeLocker struct {
	grant    bool
	err      error
	acquired int
	released []string
}

func (f *fakeLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	if !f.grant {
		return "", false, nil
	}
	f.acquired++
	return "token-1", true, nil
}

func (f *fakeLocker) Release(_ context.Context, _ string, token string) error {
	f.released = append(f.released, token)
	return nil
}

type countingSnapshotter struct {
	calls int
}

func (c *countingSnapshotter) Snapshot(context.Context) (int, error) {
	c.calls++
	return 3, nil
}

func TestRunOnceSkipsWhenNotLeader(t *testing.T) {
	registry := isolateSchedulerMetrics(t)
	snap := &countingSnapshotter{}
	s := newBareScheduler(t)
	s.cfg = Config{LeaderLock: true, EnabledJobs: []string{JobPoolSnapshot}}.withDefaults()
	s.snapshotter = snap
	s.locker = &fakeLocker{grant: false}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if snap.calls != 0 {
		t.Fatalf("follower must not run jobs")
	}
	labels := map[string]string{
		"service": "slotbroker",
		"env":     "test",
		"job":     "run",
		"reason":  obsmetrics.SchedulerBatchDeferredReasonNotLeader,
	}
	if got := getCounterValue(t, registry, "slotbroker_sweeper_batch_deferred_total", labels); got != 1 {
		t.Fatalf("expected one deferred run, got %v", got)
	}
}

func TestRunOnceLeaderRunsAndReleases(t *testing.T) {
	isolateSchedulerMetrics(t)
	snap := &countingSnapshotter{}
	locker := &fakeLocker{grant: true}
	s := newBareScheduler(t)
	s.cfg = Config{LeaderLock: true, EnabledJobs: []string{JobPoolSnapshot}}.withDefaults()
	s.snapshotter = snap
	s.locker = locker

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if snap.calls != 1 {
		t.Fatalf("expected one snapshot, got %d", snap.calls)
	}
	if len(locker.released) != 1 || locker.released[0] != "token-1" {
		t.Fatalf("expected lock release with token, got %v", locker.released)
	}
}

func TestRunOnceRunsWhenLockBackendFails(t *testing.T) {
	isolateSchedulerMetrics(t)
	snap := &countingSnapshotter{}
	s := newBareScheduler(t)
	s.cfg = Config{LeaderLock: true, EnabledJobs: []string{JobPoolSnapshot}}.withDefaults()
	s.snapshotter = snap
	s.locker = &fakeLocker{err: errors.New("redis down")}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if snap.calls != 1 {
		t.Fatalf("expected the run to proceed without the lock")
	}
}

func newBareScheduler(t *testing.T) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return &Scheduler{
		log:   zap.NewNop(),
		genID: node,
		clock: clock.NewFakeClock(time.Time{}),
		cfg:   Config{}.withDefaults(),
	}
}

func isolateSchedulerMetrics(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "slotbroker",
		Environment: "test",
	})
	return registry
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

func getHistogramCount(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) uint64 {
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
			if metric.Histogram == nil {
				t.Fatalf("metric %s is not a histogram", name)
			}
			return metric.GetHistogram().GetSampleCount()
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
