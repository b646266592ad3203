// Package maintenance runs the periodic background sweep: expired session
// tokens are deleted from the store and stale rate counters evicted.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pingrelay/internal/services/ratelimit"
	"pingrelay/internal/storage"
	logx "pingrelay/pkg/logx"
)

type Config struct {
	Interval time.Duration
}

type Loop struct {
	store   storage.Store
	limiter *ratelimit.Limiter
	log     logx.Logger

	c *cron.Cron

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, store storage.Store, limiter *ratelimit.Limiter, log logx.Logger) (*Loop, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	l := &Loop{
		store:   store,
		limiter: limiter,
		log:     log,
		c:       cron.New(),
		now:     time.Now,
	}

	spec := fmt.Sprintf("@every %s", interval)
	if _, err := l.c.AddFunc(spec, l.sweep); err != nil {
		return nil, fmt.Errorf("maintenance: schedule %q: %w", spec, err)
	}
	return l, nil
}

func (l *Loop) Start() { l.c.Start() }

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (l *Loop) Stop() {
	<-l.c.Stop().Done()
}

// Sweep runs one maintenance cycle immediately. Exposed so tests and the
// startup path can run a cycle without waiting out the interval.
func (l *Loop) Sweep() { l.sweep() }

// sweep is deliberately failure-tolerant: a store outage is logged and
// swallowed so a transient error never kills the loop.
func (l *Loop) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := float64(l.now().UnixNano()) / 1e9
	deleted, err := l.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		l.log.Warn("session sweep failed", logx.Err(err))
	} else if deleted > 0 {
		l.log.Debug("expired sessions deleted", logx.Int64("count", deleted))
	}

	if removed := l.limiter.Sweep(); removed > 0 {
		l.log.Debug("stale rate counters removed", logx.Int("count", removed))
	}
}
