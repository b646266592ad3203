package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local store, gone on restart (tests, dev)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SessionRecord is one issued bearer token.
// At most one live record per token value; once Expiry passes the record is
// dead and must not authenticate.
type SessionRecord struct {
	Token    string
	Identity string
	Expiry   float64 // unix seconds
}

// PingRecord is one ping, queued or already delivered.
// Records double as an audit trail and are never deleted.
type PingRecord struct {
	ID        int64
	To        string
	From      string
	TS        float64 // unix seconds
	Delivered bool
}
