// Package delivery implements send-or-queue ping semantics and backlog replay.
package delivery

import (
	"context"
	"fmt"
	"time"

	"pingrelay/internal/services/registry"
	"pingrelay/internal/storage"
	"pingrelay/internal/wire"
	logx "pingrelay/pkg/logx"
)

type Service struct {
	store storage.Store
	reg   *registry.Registry
	log   logx.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(store storage.Store, reg *registry.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		reg:   reg,
		log:   log,
		now:   time.Now,
	}
}

// Send attempts one live delivery to `to` and records the ping either way.
// The record is both the audit trail and the replay source; its delivered
// flag is initialized from the live attempt's outcome.
//
// The live send and the store write are not atomic. A crash between them can
// leave a delivered ping recorded as queued, which replays once more on the
// target's next connect. At-least-once, by contract.
func (s *Service) Send(ctx context.Context, from, to string) (bool, error) {
	ts := float64(s.now().UnixNano()) / 1e9

	delivered := s.reg.SendTo(to, wire.NewPing(from, ts))

	_, err := s.store.AppendPing(ctx, storage.PingRecord{
		To:        to,
		From:      from,
		TS:        ts,
		Delivered: delivered,
	})
	if err != nil {
		return delivered, fmt.Errorf("delivery: record ping: %w", err)
	}

	s.log.Debug("ping handled",
		logx.String("from", from), logx.String("to", to), logx.Bool("delivered", delivered))
	return delivered, nil
}

// ReplayQueued pushes identity's undelivered backlog over its fresh channel,
// oldest record first. Each successful send flips the record's delivered flag.
// A failed send is skipped, not retried; the record stays queued for the next
// connect. Runs synchronously during connection setup so the client sees its
// backlog before any live traffic from its own read loop.
func (s *Service) ReplayQueued(ctx context.Context, identity string) error {
	pending, err := s.store.PendingPings(ctx, identity)
	if err != nil {
		return fmt.Errorf("delivery: load backlog: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	replayed := 0
	for _, rec := range pending {
		if !s.reg.SendTo(identity, wire.NewQueuedPing(rec.From, rec.To, rec.TS, rec.ID)) {
			continue
		}
		if err := s.store.MarkDelivered(ctx, rec.ID); err != nil {
			s.log.Warn("mark delivered failed",
				logx.Int64("id", rec.ID), logx.Err(err))
			continue
		}
		replayed++
	}

	s.log.Info("backlog replayed",
		logx.String("identity", identity),
		logx.Int("pending", len(pending)), logx.Int("replayed", replayed))
	return nil
}
