// Package web is the relay's API surface: the request/response endpoints and
// the duplex WebSocket channel.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pingrelay/internal/services/auth"
	"pingrelay/internal/services/delivery"
	"pingrelay/internal/services/ratelimit"
	"pingrelay/internal/services/registry"
	"pingrelay/internal/storage"
	logx "pingrelay/pkg/logx"
)

// storeTimeout bounds request-path store calls. It is deliberately much
// shorter than the channel idle timeout.
const storeTimeout = 5 * time.Second

type Config struct {
	Host        string
	Port        int
	IdleTimeout time.Duration // ws read deadline
	LoginPerSec int           // global /login flood guard
}

type Server struct {
	cfg Config

	auth     *auth.Service
	limiter  *ratelimit.Limiter
	delivery *delivery.Service
	reg      *registry.Registry
	store    storage.Store
	log      logx.Logger

	instanceID   string
	loginLimiter *rate.Limiter
	upgrader     websocket.Upgrader

	srv *http.Server
}

func New(
	cfg Config,
	authSvc *auth.Service,
	limiter *ratelimit.Limiter,
	deliverySvc *delivery.Service,
	reg *registry.Registry,
	store storage.Store,
	log logx.Logger,
) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.LoginPerSec <= 0 {
		cfg.LoginPerSec = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Server{
		cfg:        cfg,
		auth:       authSvc,
		limiter:    limiter,
		delivery:   deliverySvc,
		reg:        reg,
		store:      store,
		instanceID: uuid.NewString(),
		// Burst of 2x smooths legitimate reconnect storms after a restart.
		loginLimiter: rate.NewLimiter(rate.Limit(cfg.LoginPerSec), cfg.LoginPerSec*2),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The desktop clients connect from arbitrary origins.
				return true
			},
		},
	}
	s.log = log.With(logx.String("component", "web"), logx.String("instance", s.instanceID))

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /clients", s.handleClients)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("server listening", logx.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: serve: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")
	return s.srv.Shutdown(ctx)
}
