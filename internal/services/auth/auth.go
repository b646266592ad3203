// Package auth issues and validates bearer tokens against the durable store.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"pingrelay/internal/storage"
	logx "pingrelay/pkg/logx"
)

const tokenBytes = 32 // 256 bits of entropy, collisions are a store bug

type Config struct {
	TokenTTL time.Duration
}

type Service struct {
	store storage.Store
	ttl   time.Duration
	log   logx.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
	}
}

// IssueToken creates a new session for identity and returns the token plus its
// lifetime in whole seconds.
func (s *Service) IssueToken(ctx context.Context, identity string) (string, int, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", 0, fmt.Errorf("auth: generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	expiry := float64(s.now().UnixNano())/1e9 + s.ttl.Seconds()
	err := s.store.PutSession(ctx, storage.SessionRecord{
		Token:    token,
		Identity: identity,
		Expiry:   expiry,
	})
	if err != nil {
		return "", 0, fmt.Errorf("auth: persist session: %w", err)
	}

	s.log.Debug("session issued", logx.String("identity", identity))
	return token, int(s.ttl.Seconds()), nil
}

// ValidateToken resolves a token to its identity.
//
// Expired records are deleted on sight. This lazy eviction coexists with the
// maintenance sweep; both deletes are idempotent so neither cares which one
// got there first.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	rec, ok, err := s.store.GetSession(ctx, token)
	if err != nil {
		return "", false, fmt.Errorf("auth: lookup session: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	if rec.Expiry < float64(s.now().UnixNano())/1e9 {
		if derr := s.store.DeleteSession(ctx, token); derr != nil {
			s.log.Warn("expired session delete failed", logx.Err(derr))
		}
		return "", false, nil
	}
	return rec.Identity, true, nil
}
