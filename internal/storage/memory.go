package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memoryStore keeps everything in process memory. Used by tests and for
// throwaway dev runs; a restart loses all sessions and queued pings.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	pings    map[int64]PingRecord
	nextID   int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		sessions: map[string]SessionRecord{},
		pings:    map[int64]PingRecord{},
		nextID:   1,
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) PutSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[rec.Token]; exists {
		return fmt.Errorf("session token collision: %q", rec.Token)
	}
	m.sessions[rec.Token] = rec
	return nil
}

func (m *memoryStore) GetSession(_ context.Context, token string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[token]
	return rec, ok, nil
}

func (m *memoryStore) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *memoryStore) DeleteExpiredSessions(_ context.Context, now float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for tok, rec := range m.sessions {
		if rec.Expiry < now {
			delete(m.sessions, tok)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) CountSessions(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sessions)), nil
}

func (m *memoryStore) AppendPing(_ context.Context, rec PingRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID
	m.nextID++
	m.pings[rec.ID] = rec
	return rec.ID, nil
}

func (m *memoryStore) PendingPings(_ context.Context, identity string) ([]PingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PingRecord
	for _, rec := range m.pings {
		if rec.To == identity && !rec.Delivered {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) MarkDelivered(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.pings[id]; ok {
		rec.Delivered = true
		m.pings[id] = rec
	}
	return nil
}

func (m *memoryStore) CountPendingPings(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.pings {
		if !rec.Delivered {
			n++
		}
	}
	return n, nil
}
