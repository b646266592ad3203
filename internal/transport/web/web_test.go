package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pingrelay/internal/services/auth"
	"pingrelay/internal/services/delivery"
	"pingrelay/internal/services/ratelimit"
	"pingrelay/internal/services/registry"
	"pingrelay/internal/storage"
	logx "pingrelay/pkg/logx"
)

type testStack struct {
	srv   *Server
	ts    *httptest.Server
	store storage.Store
	reg   *registry.Registry
}

func newStack(t *testing.T, cfg Config, perMinute int) *testStack {
	t.Helper()
	store := storage.NewMemory()
	authSvc := auth.New(auth.Config{TokenTTL: time.Hour}, store, logx.Nop())
	limiter := ratelimit.New(perMinute)
	reg := registry.New(logx.Nop())
	del := delivery.New(store, reg, logx.Nop())

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.LoginPerSec <= 0 {
		cfg.LoginPerSec = 100
	}
	srv := New(cfg, authSvc, limiter, del, reg, store, logx.Nop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testStack{srv: srv, ts: ts, store: store, reg: reg}
}

func (st *testStack) post(t *testing.T, path string, body any, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, st.ts.URL+path, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := st.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var m map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&m)
	return resp, m
}

func (st *testStack) login(t *testing.T, username string) string {
	t.Helper()
	resp, m := st.post(t, "/login", map[string]any{"username": username}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %q: status %d, body %v", username, resp.StatusCode, m)
	}
	token, _ := m["token"].(string)
	if token == "" {
		t.Fatalf("login %q: no token in %v", username, m)
	}
	return token
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func (st *testStack) dialWS(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(st.ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("frame is not a JSON object: %q", msg)
	}
	return m
}

func TestLoginIssuesToken(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)

	resp, m := st.post(t, "/login", map[string]any{"username": "alice"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, m)
	}
	if tok, _ := m["token"].(string); tok == "" {
		t.Error("empty token")
	}
	if exp, _ := m["expires_in"].(float64); exp != 3600 {
		t.Errorf("expires_in = %v, want 3600", m["expires_in"])
	}
}

func TestLoginValidation(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)

	cases := []any{
		map[string]any{},                    // missing username
		map[string]any{"username": ""},      // empty
		map[string]any{"username": 42},      // wrong type
		map[string]any{"user": "alice"},     // wrong key
		map[string]any{"username": nil},     // null
	}
	for _, body := range cases {
		resp, m := st.post(t, "/login", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %v: status %d, want 400", body, resp.StatusCode)
		}
		if m["detail"] != "valid username required" {
			t.Errorf("body %v: detail = %v", body, m["detail"])
		}
	}
}

func TestLoginFloodGuard(t *testing.T) {
	t.Parallel()
	// Limit 1/s with 2x burst: the first two immediate logins pass, the
	// third is rejected.
	st := newStack(t, Config{LoginPerSec: 1}, 120)

	for i := 0; i < 2; i++ {
		resp, m := st.post(t, "/login", map[string]any{"username": "alice"}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("login %d: status %d, body %v", i, resp.StatusCode, m)
		}
	}
	resp, m := st.post(t, "/login", map[string]any{"username": "alice"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if m["detail"] != "rate limit exceeded" {
		t.Errorf("detail = %v", m["detail"])
	}
}

func TestPingRequiresToken(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)

	for _, h := range []http.Header{nil, bearer("garbage"), {"Authorization": []string{"Basic abc"}}} {
		resp, m := st.post(t, "/ping", map[string]any{"to": "bob"}, h)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("header %v: status %d, want 401", h, resp.StatusCode)
		}
		if m["detail"] != "invalid or expired token" {
			t.Errorf("header %v: detail = %v", h, m["detail"])
		}
	}
}

func TestPingValidation(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)
	token := st.login(t, "alice")

	resp, m := st.post(t, "/ping", map[string]any{}, bearer(token))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if m["detail"] != "target username required" {
		t.Errorf("detail = %v", m["detail"])
	}
}

func TestPingQueuedWhenTargetOffline(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)
	token := st.login(t, "alice")

	resp, m := st.post(t, "/ping", map[string]any{"to": "bob"}, bearer(token))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %v", resp.StatusCode, m)
	}
	if m["result"] != "queued" {
		t.Errorf("result = %v", m["result"])
	}
	if online, _ := m["target_online"].(bool); online {
		t.Error("target_online should be false")
	}
}

func TestPingDeliveredWhenTargetOnline(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)
	aliceTok := st.login(t, "alice")
	bobTok := st.login(t, "bob")

	bob := st.dialWS(t, bobTok)
	readFrame(t, bob) // presence snapshot from bob's own connect

	resp, m := st.post(t, "/ping", map[string]any{"to": "bob"}, bearer(aliceTok))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %v", resp.StatusCode, m)
	}
	if m["result"] != "delivered" {
		t.Errorf("result = %v", m["result"])
	}
	if online, _ := m["target_online"].(bool); !online {
		t.Error("target_online should be true")
	}

	frame := readFrame(t, bob)
	if frame["type"] != "ping" || frame["from"] != "alice" {
		t.Fatalf("frame = %v", frame)
	}
	if ts, _ := frame["ts"].(float64); ts <= 0 {
		t.Errorf("frame ts = %v", frame["ts"])
	}
}

func TestPingRateLimited(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 1)
	token := st.login(t, "alice")

	resp, _ := st.post(t, "/ping", map[string]any{"to": "bob"}, bearer(token))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first ping: status %d", resp.StatusCode)
	}
	resp, m := st.post(t, "/ping", map[string]any{"to": "bob"}, bearer(token))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second ping: status %d, want 429", resp.StatusCode)
	}
	if m["detail"] != "rate limit exceeded" {
		t.Errorf("detail = %v", m["detail"])
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)
	token := st.login(t, "alice")
	_, _ = st.post(t, "/ping", map[string]any{"to": "bob"}, bearer(token))

	resp, err := st.ts.Client().Get(st.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["status"] != "healthy" {
		t.Errorf("status = %v", m["status"])
	}
	if q, _ := m["queued_pings"].(float64); q != 1 {
		t.Errorf("queued_pings = %v, want 1", m["queued_pings"])
	}
	if s, _ := m["active_sessions"].(float64); s != 1 {
		t.Errorf("active_sessions = %v, want 1", m["active_sessions"])
	}
	if c, _ := m["connected_users"].(float64); c != 0 {
		t.Errorf("connected_users = %v, want 0", m["connected_users"])
	}
	if inst, _ := m["instance"].(string); inst == "" {
		t.Error("missing instance id")
	}
}

func TestClients(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)
	bobTok := st.login(t, "bob")

	bob := st.dialWS(t, bobTok)
	readFrame(t, bob)

	resp, err := st.ts.Client().Get(st.ts.URL + "/clients")
	if err != nil {
		t.Fatalf("GET /clients: %v", err)
	}
	defer resp.Body.Close()
	var clients []string
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(clients) != 1 || clients[0] != "bob" {
		t.Fatalf("clients = %v, want [bob]", clients)
	}
}

func TestWSConnectReplaysBacklog(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)
	aliceTok := st.login(t, "alice")
	bobTok := st.login(t, "bob")

	// Two pings land while bob is offline.
	for i := 0; i < 2; i++ {
		resp, _ := st.post(t, "/ping", map[string]any{"to": "bob"}, bearer(aliceTok))
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("ping %d: status %d", i, resp.StatusCode)
		}
	}

	bob := st.dialWS(t, bobTok)

	// First frame is the presence snapshot, then the backlog in id order.
	frame := readFrame(t, bob)
	if frame["type"] != "clientlist" {
		t.Fatalf("first frame = %v, want clientlist", frame)
	}
	clients, _ := frame["clients"].([]any)
	if len(clients) != 1 || clients[0] != "bob" {
		t.Fatalf("clientlist = %v", frame["clients"])
	}

	var lastID float64
	for i := 0; i < 2; i++ {
		frame := readFrame(t, bob)
		if frame["type"] != "queued_ping" {
			t.Fatalf("frame %d = %v, want queued_ping", i, frame)
		}
		if frame["from"] != "alice" || frame["to"] != "bob" {
			t.Fatalf("frame %d routing = %v", i, frame)
		}
		id, _ := frame["id"].(float64)
		if id <= lastID {
			t.Fatalf("replay out of order: id %v after %v", id, lastID)
		}
		lastID = id
	}

	// Backlog is drained; a reconnect replays nothing.
	bob.Close()
	bob2 := st.dialWS(t, bobTok)
	frame = readFrame(t, bob2)
	if frame["type"] != "clientlist" {
		t.Fatalf("reconnect frame = %v, want clientlist", frame)
	}
	_ = bob2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, msg, err := bob2.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame after drained backlog: %s", msg)
	}
}

func TestWSTextPingPong(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)
	tok := st.login(t, "alice")

	conn := st.dialWS(t, tok)
	readFrame(t, conn) // presence snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "pong" {
		t.Fatalf("reply = %q, want pong", msg)
	}
}

func TestWSInvalidTokenClosed(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)

	url := "ws" + strings.TrimPrefix(st.ts.URL, "http") + "/ws?token=bogus"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want close 1008", err)
	}
}

func TestWSPresenceBroadcastOnJoin(t *testing.T) {
	t.Parallel()
	st := newStack(t, Config{}, 120)
	aliceTok := st.login(t, "alice")
	bobTok := st.login(t, "bob")

	alice := st.dialWS(t, aliceTok)
	frame := readFrame(t, alice)
	if frame["type"] != "clientlist" {
		t.Fatalf("frame = %v", frame)
	}

	_ = st.dialWS(t, bobTok)

	// alice receives a fresh snapshot when bob joins.
	frame = readFrame(t, alice)
	if frame["type"] != "clientlist" {
		t.Fatalf("frame = %v", frame)
	}
	clients, _ := frame["clients"].([]any)
	if len(clients) != 2 || clients[0] != "alice" || clients[1] != "bob" {
		t.Fatalf("clients = %v, want [alice bob]", frame["clients"])
	}
}
