// Package registry tracks which identities are online and owns their live
// duplex channels. It is the only component allowed to touch a channel.
package registry

import (
	"sort"
	"sync"

	"pingrelay/internal/wire"
	logx "pingrelay/pkg/logx"
)

// Channel is the write side of one client's duplex connection.
// Send must be safe for concurrent use and must return an error (never panic)
// when the underlying transport is dead.
type Channel interface {
	Send(v any) error
}

type Registry struct {
	mu    sync.Mutex
	conns map[string]Channel

	log logx.Logger
}

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		conns: map[string]Channel{},
		log:   log,
	}
}

// Register installs ch as identity's live channel, replacing any prior entry.
// The old channel, if still open, is orphaned rather than closed; its read
// loop will unregister itself without evicting the newcomer.
// Registration triggers a presence snapshot broadcast to everyone.
func (r *Registry) Register(identity string, ch Channel) {
	r.mu.Lock()
	r.conns[identity] = ch
	r.mu.Unlock()

	r.log.Info("client registered", logx.String("identity", identity))
	r.broadcastClientList()
}

// Unregister removes identity if present. Idempotent. No presence broadcast
// fires on disconnect; clients learn about departures on the next connect.
func (r *Registry) Unregister(identity string) {
	r.mu.Lock()
	_, had := r.conns[identity]
	delete(r.conns, identity)
	r.mu.Unlock()

	if had {
		r.log.Info("client unregistered", logx.String("identity", identity))
	}
}

// UnregisterChannel removes identity only if it still maps to ch. This is what
// a closing connection calls, so a superseded channel cannot evict its
// replacement.
func (r *Registry) UnregisterChannel(identity string, ch Channel) {
	r.mu.Lock()
	cur, ok := r.conns[identity]
	if ok && cur == ch {
		delete(r.conns, identity)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("client unregistered", logx.String("identity", identity))
	}
}

func (r *Registry) IsOnline(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[identity]
	return ok
}

// Clients returns the online identities, sorted for stable output.
func (r *Registry) Clients() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.conns))
	for identity := range r.conns {
		out = append(out, identity)
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// SendTo attempts one best-effort send to identity. A write failure is taken
// as evidence the channel is dead: the identity is unregistered and SendTo
// returns false. Transport failures never propagate to the caller.
func (r *Registry) SendTo(identity string, v any) bool {
	r.mu.Lock()
	ch, ok := r.conns[identity]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := ch.Send(v); err != nil {
		r.log.Warn("send failed, dropping connection",
			logx.String("identity", identity), logx.Err(err))
		r.UnregisterChannel(identity, ch)
		return false
	}
	return true
}

// broadcastClientList pushes the full presence snapshot to every registered
// channel. A failing recipient is dropped and skipped; the broadcast carries
// on to the rest.
func (r *Registry) broadcastClientList() {
	r.mu.Lock()
	identities := make([]string, 0, len(r.conns))
	targets := make(map[string]Channel, len(r.conns))
	for identity, ch := range r.conns {
		identities = append(identities, identity)
		targets[identity] = ch
	}
	r.mu.Unlock()

	sort.Strings(identities)
	frame := wire.NewClientList(identities)

	for identity, ch := range targets {
		if err := ch.Send(frame); err != nil {
			r.log.Warn("presence broadcast failed, dropping connection",
				logx.String("identity", identity), logx.Err(err))
			r.UnregisterChannel(identity, ch)
		}
	}
}
