package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	logx "pingrelay/pkg/logx"
)

// Error bodies use {"detail": ...}, which the deployed clients already parse.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// stringField pulls a non-empty string out of a loosely-typed JSON object
// field. Numbers, null and missing keys all fail the same way.
func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func decodeObject(r *http.Request) (map[string]any, bool) {
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		return nil, false
	}
	return m, true
}

// bearerIdentity authenticates the request from its Authorization header.
// The bool result is "authenticated"; a non-nil error is a store failure.
func (s *Server) bearerIdentity(r *http.Request) (string, bool, error) {
	h := r.Header.Get("Authorization")
	if h == "" || !strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return "", false, nil
	}
	token := strings.TrimSpace(h[len("bearer "):])

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	return s.auth.ValidateToken(ctx, token)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.Allow() {
		writeDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, ok := decodeObject(r)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "valid username required")
		return
	}
	identity, ok := stringField(body, "username")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "valid username required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	token, expiresIn, err := s.auth.IssueToken(ctx, identity)
	if err != nil {
		s.log.Error("login failed", logx.String("identity", identity), logx.Err(err))
		writeDetail(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": expiresIn,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	sender, ok, err := s.bearerIdentity(r)
	if err != nil {
		s.log.Error("token validation failed", logx.Err(err))
		writeDetail(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	body, decoded := decodeObject(r)
	if !decoded {
		writeDetail(w, http.StatusBadRequest, "target username required")
		return
	}
	target, ok := stringField(body, "to")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "target username required")
		return
	}

	if !s.limiter.Allow(sender) {
		writeDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	delivered, err := s.delivery.Send(ctx, sender, target)
	if err != nil {
		s.log.Error("ping persist failed",
			logx.String("from", sender), logx.String("to", target), logx.Err(err))
		writeDetail(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	if delivered {
		writeJSON(w, http.StatusOK, map[string]any{
			"result":        "delivered",
			"target_online": true,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"result":        "queued",
		"target_online": false,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	queued, err := s.store.CountPendingPings(ctx)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	sessions, err := s.store.CountSessions(ctx)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"connected_users": s.reg.Count(),
		"queued_pings":    queued,
		"active_sessions": sessions,
		"instance":        s.instanceID,
		"time":            float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Clients())
}
