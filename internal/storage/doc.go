package storage

// Package storage is the relay's durable store.
//
// It persists:
//   - Session tokens (bearer credentials with absolute expiry)
//   - Ping records (audit trail + replay source for offline targets)
