package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "pingrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./pingrelay.sqlite3"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSession(ctx context.Context, rec SessionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	// Token values carry enough entropy that a collision is a bug, not a
	// retry case. INSERT (not upsert) so one surfaces as an error.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_tokens(token, identity, expiry) VALUES(?,?,?)`,
		rec.Token, rec.Identity, rec.Expiry,
	)
	return err
}

func (s *sqliteStore) GetSession(ctx context.Context, token string) (SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return SessionRecord{}, false, ErrDisabled
	}
	rec := SessionRecord{Token: token}
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, expiry FROM session_tokens WHERE token = ?`, token,
	).Scan(&rec.Identity, &rec.Expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) DeleteSession(ctx context.Context, token string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE token = ?`, token)
	return err
}

func (s *sqliteStore) DeleteExpiredSessions(ctx context.Context, now float64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE expiry < ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) CountSessions(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_tokens`).Scan(&n)
	return n, err
}

func (s *sqliteStore) AppendPing(ctx context.Context, rec PingRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_pings(to_identity, from_identity, ts, delivered) VALUES(?,?,?,?)`,
		rec.To, rec.From, rec.TS, rec.Delivered,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) PendingPings(ctx context.Context, identity string) ([]PingRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, to_identity, from_identity, ts, delivered
		 FROM pending_pings WHERE to_identity = ? AND delivered = 0
		 ORDER BY id ASC`, identity,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PingRecord
	for rows.Next() {
		var rec PingRecord
		if err := rows.Scan(&rec.ID, &rec.To, &rec.From, &rec.TS, &rec.Delivered); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `UPDATE pending_pings SET delivered = 1 WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) CountPendingPings(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_pings WHERE delivered = 0`).Scan(&n)
	return n, err
}
