package storage

import (
	"context"
	"errors"
	"strings"

	logx "pingrelay/pkg/logx"
)

// Store is the persistence API used by the auth and delivery services.
//
// Delete-style operations are idempotent: deleting an absent row or marking an
// already-delivered ping is a no-op, not an error.
type Store interface {
	PutSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, token string) (SessionRecord, bool, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now float64) (int64, error)
	CountSessions(ctx context.Context) (int64, error)

	AppendPing(ctx context.Context, rec PingRecord) (int64, error)
	PendingPings(ctx context.Context, identity string) ([]PingRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	CountPendingPings(ctx context.Context) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
