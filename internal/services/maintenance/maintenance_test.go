package maintenance

import (
	"context"
	"testing"
	"time"

	"pingrelay/internal/services/ratelimit"
	"pingrelay/internal/storage"
	logx "pingrelay/pkg/logx"
)

func TestSweepDeletesExpiredSessions(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()

	base := time.Now()
	put := func(token string, expiry time.Time) {
		t.Helper()
		err := store.PutSession(ctx, storage.SessionRecord{
			Token:    token,
			Identity: "alice",
			Expiry:   float64(expiry.UnixNano()) / 1e9,
		})
		if err != nil {
			t.Fatalf("PutSession: %v", err)
		}
	}
	put("stale", base.Add(-time.Minute))
	put("fresh", base.Add(time.Hour))

	l, err := New(Config{Interval: time.Minute}, store, ratelimit.New(0), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.now = func() time.Time { return base }

	l.Sweep()

	if _, ok, _ := store.GetSession(ctx, "stale"); ok {
		t.Error("expired session survived sweep")
	}
	if _, ok, _ := store.GetSession(ctx, "fresh"); !ok {
		t.Error("live session deleted by sweep")
	}
	if c, _ := store.CountSessions(ctx); c != 1 {
		t.Errorf("CountSessions = %d, want 1", c)
	}
}

func TestSweepKeepsActiveRateCounters(t *testing.T) {
	t.Parallel()
	limiter := ratelimit.New(10)
	limiter.Allow("alice")

	l, err := New(Config{Interval: time.Minute}, storage.NewMemory(), limiter, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Sweep()

	if got := limiter.Size(); got != 1 {
		t.Errorf("limiter.Size() = %d, want 1 (counter is not stale)", got)
	}
}

func TestNewRejectsNothing(t *testing.T) {
	t.Parallel()
	// Zero interval falls back to the default schedule.
	l, err := New(Config{}, storage.NewMemory(), ratelimit.New(0), logx.Logger{})
	if err != nil {
		t.Fatalf("New with zero config: %v", err)
	}
	l.Start()
	l.Stop()
}
