package web

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	logx "pingrelay/pkg/logx"
)

// Time allowed to write a frame to the peer.
const writeWait = 5 * time.Second

// wsChannel wraps a websocket connection behind the registry's Channel
// interface. gorilla/websocket allows one concurrent writer, and frames reach
// a connection from several goroutines (its own read loop, HTTP ping
// handlers, presence broadcasts, the liveness pinger), so every write goes
// through one mutex.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsChannel) sendText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *wsChannel) probe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleWS authenticates the connection parameter token, registers the
// channel, replays queued pings, then serves the read loop until the client
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	identity, ok, err := s.auth.ValidateToken(ctx, token)
	cancel()
	if err != nil {
		s.log.Error("ws token validation failed", logx.Err(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	conn, uerr := s.upgrader.Upgrade(w, r, nil)
	if uerr != nil {
		s.log.Warn("ws upgrade failed", logx.Err(uerr))
		return
	}
	defer conn.Close()

	if !ok {
		// The close code only reaches the client post-upgrade.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(writeWait))
		return
	}

	log := s.log.With(logx.String("identity", identity))
	log.Info("client connected")

	ch := newWSChannel(conn)
	s.reg.Register(identity, ch)
	defer s.reg.UnregisterChannel(identity, ch)

	// Backlog goes out before the read loop starts, so the client sees
	// queued pings ahead of any live traffic it provokes.
	rctx, rcancel := context.WithTimeout(context.Background(), storeTimeout)
	if rerr := s.delivery.ReplayQueued(rctx, identity); rerr != nil {
		log.Warn("backlog replay failed", logx.Err(rerr))
	}
	rcancel()

	idle := s.cfg.IdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	// Probe liveness before the idle deadline can fire.
	stop := make(chan struct{})
	defer close(stop)
	go s.livenessPinger(ch, idle*9/10, stop)

	for {
		mt, msg, rerr := conn.ReadMessage()
		if rerr != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		// Literal "ping" is the client's liveness probe. Everything else
		// inbound is ignored.
		if mt == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(msg)), "ping") {
			if werr := ch.sendText("pong"); werr != nil {
				break
			}
		}
	}

	log.Info("client disconnected")
}

func (s *Server) livenessPinger(ch *wsChannel, period time.Duration, stop <-chan struct{}) {
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := ch.probe(); err != nil {
				return
			}
		}
	}
}
