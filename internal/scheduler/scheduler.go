package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	"github.com/smallbiznis/slotbroker/internal/clock"
	obsmetrics "github.com/smallbiznis/slotbroker/internal/observability/metrics"
	"github.com/smallbiznis/slotbroker/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobExpireSubscriptions   = "expire_subscriptions"
	JobReconcileAvailability = "reconcile_availability"
	JobPoolSnapshot          = "pool_snapshot"

	leaderLockKey = "slotbroker:sweeper:leader"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// PoolSnapshotter refreshes pool capacity gauges and returns how many
// platforms it observed.
type PoolSnapshotter interface {
	Snapshot(ctx context.Context) (int, error)
}

// LeaderLocker elects a single sweeper replica per tick.
type LeaderLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	AccountSvc      accountdomain.Service
	Snapshotter     PoolSnapshotter       `optional:"true"`
	Leader          *ratelimit.LeaderLock `optional:"true"`
	Config          Config                `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	accountSvc      accountdomain.Service
	snapshotter     PoolSnapshotter
	locker          LeaderLocker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.AccountSvc == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "sweeper")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		accountSvc:      p.AccountSvc,
		snapshotter:     p.Snapshotter,
	}
	// a nil *LeaderLock must stay a nil interface
	if p.Leader != nil {
		s.locker = p.Leader
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
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
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a timed out job resumes on the next tick
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

// RunOnce executes every enabled job once. When a leader locker is wired,
// replicas that lose the election skip the tick.
func (s *Scheduler) RunOnce(parent context.Context) error {
	release, leader := s.acquireLeadership(parent)
	if !leader {
		return nil
	}
	defer release()

	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobExpireSubscriptions, s.isJobEnabled(JobExpireSubscriptions), func(ctx context.Context) error {
			return s.runJob(ctx, JobExpireSubscriptions, s.cfg.BatchSize, s.cfg.JobTimeout, s.ExpireSubscriptionsJob)
		}},
		{JobReconcileAvailability, s.isJobEnabled(JobReconcileAvailability), func(ctx context.Context) error {
			return s.runJob(ctx, JobReconcileAvailability, s.cfg.BatchSize, s.cfg.JobTimeout, s.ReconcileAvailabilityJob)
		}},
		{JobPoolSnapshot, s.snapshotter != nil && s.isJobEnabled(JobPoolSnapshot), func(ctx context.Context) error {
			return s.runJob(ctx, JobPoolSnapshot, 0, 30*time.Second, s.PoolSnapshotJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// acquireLeadership never blocks a run on Redis trouble: expiry is a
// compare-and-swap, so two replicas sweeping at once only waste work.
func (s *Scheduler) acquireLeadership(ctx context.Context) (func(), bool) {
	noop := func() {}
	if s.locker == nil || !s.cfg.LeaderLock {
		return noop, true
	}

	token, ok, err := s.locker.TryLock(ctx, leaderLockKey, s.cfg.LeaderLockTTL)
	if err != nil {
		s.log.Warn("scheduler.leader.lock_failed", zap.Error(err))
		return noop, true
	}
	if !ok {
		obsmetrics.Scheduler().IncBatchDeferred("run", obsmetrics.SchedulerBatchDeferredReasonNotLeader)
		s.log.Debug("scheduler.leader.skipped")
		return noop, false
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := s.locker.Release(releaseCtx, leaderLockKey, token)
		switch {
		case errors.Is(err, ratelimit.ErrLeaderLeaseLost):
			s.log.Warn("scheduler.leader.lease_lost", zap.Duration("ttl", s.cfg.LeaderLockTTL))
		case err != nil:
			s.log.Warn("scheduler.leader.release_failed", zap.Error(err))
		}
	}, true
}

// ExpireSubscriptionsJob claims due ACTIVE subscriptions in batches and
// expires each one. Ids another worker already moved on are counted as
// deferred, not failed.
func (s *Scheduler) ExpireSubscriptionsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()
	var errs error

	for batch := 0; batch < s.cfg.MaxBatchesPerRun; batch++ {
		claimed, err := s.ClaimExpirableSubscriptions(ctx, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			if batch == 0 {
				schedMetrics.IncBatchDeferred(JobExpireSubscriptions, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			}
			break
		}

		expired := 0
		for _, sub := range claimed {
			if err := ctx.Err(); err != nil {
				return errors.Join(errs, err)
			}
			s.logSubscriptionClaimed(ctx, sub)

			ok, err := s.subscriptionSvc.Expire(ctx, sub.ID)
			if err != nil {
				s.logSchedulerError(ctx, run, "subscription.expire.failed", JobExpireSubscriptions, err,
					zap.String("subscription_id", idString(sub.ID)),
				)
				errs = errors.Join(errs, fmt.Errorf("expire %s: %w", sub.ID, err))
				continue
			}
			if !ok {
				schedMetrics.IncBatchDeferred(JobExpireSubscriptions, obsmetrics.SchedulerBatchDeferredReasonCASLost)
				continue
			}
			expired++
		}

		run.AddProcessed(expired)
		schedMetrics.AddBatchProcessed(JobExpireSubscriptions, "subscriptions", expired)

		// a batch with no progress only holds ids that keep failing
		if len(claimed) < s.cfg.BatchSize || expired == 0 {
			break
		}
	}
	return errs
}

// ReconcileAvailabilityJob walks every account in id order and recomputes its
// cached availability flag.
func (s *Scheduler) ReconcileAvailabilityJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()

	var after snowflake.ID
	changed := 0
	for {
		result, err := s.accountSvc.Reconcile(ctx, after, s.cfg.BatchSize)
		run.AddProcessed(result.Processed)
		schedMetrics.AddBatchProcessed(JobReconcileAvailability, "accounts", result.Processed)
		changed += result.Changed
		if err != nil {
			return err
		}
		if result.Processed < s.cfg.BatchSize {
			break
		}
		after = result.LastID
	}

	if changed > 0 {
		s.logger(ctx).Warn("scheduler.availability.healed",
			zap.String("job", JobReconcileAvailability),
			zap.Int("changed_count", changed),
		)
	}
	return nil
}

func (s *Scheduler) PoolSnapshotJob(ctx context.Context) error {
	if s.snapshotter == nil {
		return nil
	}
	platforms, err := s.snapshotter.Snapshot(ctx)
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(platforms)
	obsmetrics.Scheduler().AddBatchProcessed(JobPoolSnapshot, "platforms", platforms)
	return nil
}
