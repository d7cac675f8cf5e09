package poolmetrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	"github.com/smallbiznis/slotbroker/internal/clock"
	"github.com/smallbiznis/slotbroker/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Config     config.Config
	AccountSvc accountdomain.Service
	Gauges     *Gauges
	Pusher     Pusher `optional:"true"`
}

// Snapshotter refreshes the pool gauges from the account pool and pushes
// them at most once per push interval.
type Snapshotter struct {
	log          *zap.Logger
	clock        clock.Clock
	accountSvc   accountdomain.Service
	gauges       *Gauges
	pusher       Pusher
	pushInterval time.Duration

	mu       sync.Mutex
	lastPush time.Time
}

func NewSnapshotter(p Params) *Snapshotter {
	return &Snapshotter{
		log:          p.Log.Named("poolmetrics"),
		clock:        p.Clock,
		accountSvc:   p.AccountSvc,
		gauges:       p.Gauges,
		pusher:       p.Pusher,
		pushInterval: p.Config.PoolMetrics.PushInterval,
	}
}

// Snapshot returns the number of platforms observed.
func (s *Snapshotter) Snapshot(ctx context.Context) (int, error) {
	rows, err := s.accountSvc.Capacity(ctx)
	if err != nil {
		return 0, fmt.Errorf("pool capacity: %w", err)
	}
	now := s.clock.Now()
	s.gauges.Update(rows, now)

	if !s.pushDue(now) {
		return len(rows), nil
	}
	if err := s.pusher.Push(ctx, s.gauges.Registry()); err != nil {
		s.log.Warn("poolmetrics.push.failed", zap.Error(err))
		return len(rows), nil
	}

	s.mu.Lock()
	s.lastPush = now
	s.mu.Unlock()
	s.log.Debug("poolmetrics.pushed", zap.Int("platforms", len(rows)))
	return len(rows), nil
}

func (s *Snapshotter) pushDue(now time.Time) bool {
	if s.pusher == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPush.IsZero() || s.pushInterval <= 0 {
		return true
	}
	return !now.Before(s.lastPush.Add(s.pushInterval))
}
