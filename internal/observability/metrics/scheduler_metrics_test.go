package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "deadlock", err: fmt.Errorf("expire: %w", &pgconn.PgError{Code: "40P01"}), want: SchedulerJobReasonDeadlock},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	if got := ClassifySchedulerErrorType(&pgconn.PgError{Code: "55P03"}); got != SchedulerErrorTypeDB {
		t.Fatalf("expected db, got %s", got)
	}
	if got := ClassifySchedulerErrorType(errors.New("allocation_exhausted")); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business_rule, got %s", got)
	}
	if !IsSchedulerErrorRetryable(context.Canceled) {
		t.Fatalf("expected cancellation to be retryable")
	}
	if IsSchedulerErrorRetryable(gorm.ErrRecordNotFound) {
		t.Fatalf("record not found is not retryable")
	}
}

func TestAddBatchProcessedAndReclaimed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry, Config{ServiceName: "slotbroker", Environment: "test"})

	m.AddBatchProcessed("expire_subscriptions", "subscriptions", 3)
	m.AddBatchProcessed("expire_subscriptions", "subscriptions", 0)
	m.AddSlotsReclaimed(4)
	m.ObserveDBLockWait(LockResourceAccountSlots, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("expire_subscriptions", "subscriptions")); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.slotsReclaimed); got != 4 {
		t.Fatalf("expected 4 reclaimed slots, got %v", got)
	}
	if got := testutil.CollectAndCount(m.dbLockWait); got != 3 {
		t.Fatalf("expected a lock wait series per resource, got %d", got)
	}
	if got := lockWaitSamples(t, m, LockResourceAccountSlots); got != 1 {
		t.Fatalf("expected one account_slots lock wait sample, got %d", got)
	}
	if got := lockWaitSamples(t, m, LockResourceAccountsForReconcile); got != 0 {
		t.Fatalf("expected no accounts_for_reconcile samples, got %d", got)
	}
}

func lockWaitSamples(t *testing.T, m *SchedulerMetrics, resource string) uint64 {
	t.Helper()
	var out dto.Metric
	if err := m.dbLockWait.WithLabelValues(resource).(prometheus.Metric).Write(&out); err != nil {
		t.Fatalf("write %s lock wait: %v", resource, err)
	}
	return out.GetHistogram().GetSampleCount()
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var m *SchedulerMetrics
	m.IncJobRun("x")
	m.IncJobError("x", errors.New("boom"))
	m.ObserveRunLoopLag(-time.Second)
	m.AddSlotsReclaimed(1)
}
