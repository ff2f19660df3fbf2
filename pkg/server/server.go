// Package server serves the sync protocol: CBOR RPC over WebSocket on /rpc,
// the availability endpoint on /health and Prometheus metrics on /metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/lxzan/gws"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/nodesync/nodesync/pkg/auth"
	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/fanout"
	"github.com/nodesync/nodesync/pkg/health"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/metrics"
	"github.com/nodesync/nodesync/pkg/processor"
	"github.com/nodesync/nodesync/pkg/store"
)

const sessionKey = "session"

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithPullLimit caps the number of items of one pull response.
func WithPullLimit(n int) Option {
	return func(s *Server) { s.pullLimit = n }
}

// WithInFlightTTL sets how long a pull request id counts as in flight when
// its response never completes.
func WithInFlightTTL(d time.Duration) Option {
	return func(s *Server) { s.inFlightTTL = d }
}

// WithHub shares a hub with a dispatcher created elsewhere.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

type Server struct {
	store     store.Store
	processor *processor.Processor
	signer    *auth.Signer
	feed      *fanout.Feed
	hub       *Hub
	log       logger.Logger
	version   string
	pullLimit int

	inFlightTTL time.Duration
	// inFlightMu makes the check and the claim of a pull key one step.
	inFlightMu sync.Mutex
	inFlight   *expiremap.ExpireMap[string, bool]

	router   *mux.Router
	upgrader *gws.Upgrader
}

func New(s store.Store, p *processor.Processor, signer *auth.Signer, opts ...Option) *Server {
	srv := &Server{
		store:       s,
		processor:   p,
		signer:      signer,
		feed:        fanout.NewFeed(s),
		log:         logger.Nop{},
		version:     "dev",
		pullLimit:   constants.DefaultPullLimit,
		inFlightTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.hub == nil {
		srv.hub = NewHub()
	}
	srv.inFlight = expiremap.NewEx[string, bool](srv.inFlightTTL, srv.inFlightTTL)

	srv.upgrader = gws.NewUpgrader(&rpcHandler{srv: srv}, &gws.ServerOption{
		ParallelEnabled:   true,
		Recovery:          gws.Recovery,
		SubProtocols:      []string{constants.Subprotocol},
		PermessageDeflate: gws.PermessageDeflate{Enabled: true},
	})

	srv.router = mux.NewRouter()
	srv.router.Handle(connection.HealthPath, health.Handler(srv.version, s.Ping)).Methods(http.MethodGet)
	srv.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	srv.router.HandleFunc(connection.RPCPath, srv.serveRPC).Methods(http.MethodGet)
	return srv
}

// Hub returns the session hub, to be handed to a fanout.Dispatcher.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server.Server listening", "addr", ln.Addr().String())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// serveRPC authenticates the device token and upgrades the connection.
func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get(connection.AuthorizationHeader)
	token, ok := strings.CutPrefix(header, connection.BearerPrefix)
	if !ok || token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := s.signer.Verify(token)
	if err != nil {
		s.log.Debug("server.Server rejected token", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	device, err := s.store.GetDevice(r.Context(), identity.DeviceID)
	if err != nil {
		s.log.Error("server.Server failed to load device", "device", identity.DeviceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if device == nil || device.AccountID != identity.AccountID {
		http.Error(w, "unknown device", http.StatusUnauthorized)
		return
	}
	if err := s.store.TouchDevice(r.Context(), identity.DeviceID, time.Now().UTC()); err != nil {
		s.log.Warn("server.Server failed to touch device", "device", identity.DeviceID, "error", err)
	}

	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.log.Debug("server.Server upgrade failed", "error", err)
		return
	}
	socket.Session().Store(sessionKey, &session{conn: socket, identity: identity})
	go socket.ReadLoop()
}
