// Package server exposes eventlake over HTTP: collection and batch
// administration, event ingestion, access policy and credential
// management, and analytics queries.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"eventlake/internal/access"
	"eventlake/internal/api"
	"eventlake/internal/analytics"
	"eventlake/internal/auth"
	"eventlake/internal/catalog"
	"eventlake/internal/ingest"
	"eventlake/internal/logging"
	"eventlake/internal/search"
)

// Defaults for Config.
const (
	DefaultMaxBodyBytes = 10 << 20
	DefaultIngestRate   = 50
	DefaultIngestBurst  = 100
)

// PublicPaths are served without authentication.
var PublicPaths = []string{"/healthz", "/readyz"}

// Config configures a Server.
type Config struct {
	Store     catalog.Store
	Ingest    *ingest.Coordinator
	Analytics *analytics.Service
	Access    *access.Resolver

	// Auth resolves callers. Nil serves every request as an admin.
	Auth *auth.Authenticator

	// MaxBodyBytes bounds decoded request bodies.
	MaxBodyBytes int64

	// IngestRate and IngestBurst bound POST /events and POST /query/* per
	// client IP. A negative IngestRate disables limiting.
	IngestRate  rate.Limit
	IngestBurst int

	// TLS, when set, serves HTTPS with HTTP/2 negotiated over ALPN.
	// Otherwise cleartext HTTP/2 is accepted alongside HTTP/1.1.
	TLS *tls.Config

	// Index, when set, contributes cluster statistics to GET /stats.
	Index search.Index

	// Ready reports whether dependencies are reachable. Nil means ready.
	Ready func(ctx context.Context) error

	Logger *slog.Logger
}

// Server is the eventlake HTTP API.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rateLimiter
	started time.Time

	mu       sync.Mutex
	server   *http.Server
	cancel   context.CancelFunc
	bg       sync.WaitGroup
	inFlight sync.WaitGroup
	draining atomic.Bool
}

// New creates a Server, filling zero Config fields with defaults.
func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.IngestRate == 0 {
		cfg.IngestRate = DefaultIngestRate
	}
	if cfg.IngestBurst <= 0 {
		cfg.IngestBurst = DefaultIngestBurst
	}
	if cfg.Access == nil {
		cfg.Access = access.NewResolver(cfg.Store, cfg.Logger)
	}
	s := &Server{
		cfg:     cfg,
		logger:  logging.Default(cfg.Logger).With("component", "server"),
		started: time.Now(),
	}
	if cfg.IngestRate > 0 {
		s.limiter = newRateLimiter(cfg.IngestRate, cfg.IngestBurst)
	}
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /stats", s.handleStats)

	mux.HandleFunc("PUT /collections", s.handlePutCollection)
	mux.HandleFunc("GET /collections", s.handleListCollections)
	mux.HandleFunc("GET /collections/{ref}", s.handleGetCollection)
	mux.HandleFunc("PATCH /collections/{ref}", s.handleRenameCollection)
	mux.HandleFunc("DELETE /collections/{ref}", s.handleDeleteCollection)
	mux.HandleFunc("GET /collections/{ref}/last-entry-at", s.handleLastEntryAt)

	mux.HandleFunc("POST /events", s.handleIngest)

	mux.HandleFunc("GET /batches", s.handleListBatches)
	mux.HandleFunc("GET /batches/{id}", s.handleGetBatch)
	mux.HandleFunc("GET /batches/{id}/events", s.handleBatchEvents)
	mux.HandleFunc("DELETE /batches/{id}", s.handleDeleteBatch)

	mux.HandleFunc("PUT /access-policies", s.handlePutPolicy)
	mux.HandleFunc("GET /access-policies", s.handleListPolicies)
	mux.HandleFunc("DELETE /access-policies/{ref}", s.handleDeletePolicy)
	mux.HandleFunc("PUT /access-credentials", s.handlePutCredential)
	mux.HandleFunc("GET /access-credentials", s.handleListCredentials)
	mux.HandleFunc("DELETE /access-credentials/{ref}", s.handleDeleteCredential)

	mux.HandleFunc("POST /query/{kind}", s.handleQuery)
	return mux
}

// Handler returns the full middleware stack without h2c, for tests and
// embedding.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.buildMux()
	if s.cfg.Auth != nil {
		h = s.cfg.Auth.Wrap(h)
	} else {
		h = anonymousAdmin(h)
	}
	if s.limiter != nil {
		h = rateLimitMiddleware(s.limiter)(h)
	}
	return s.trackingMiddleware(compressMiddleware(h))
}

func anonymousAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), auth.Admin("anonymous"))))
	})
}

// trackingMiddleware counts in-flight requests and rejects new ones while
// draining.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			writeJSON(w, http.StatusServiceUnavailable, api.Error{Error: api.CodeUnavailable, Message: "server is draining"})
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, api.Error{Error: api.CodeUnavailable, Message: err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// Serve accepts HTTP/1.1 and cleartext HTTP/2 connections on listener. It
// blocks until Stop is called or the listener fails.
func (s *Server) Serve(listener net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.cfg.TLS != nil {
		srv.Handler = s.Handler()
		srv.TLSConfig = s.cfg.TLS
	}

	s.mu.Lock()
	s.server = srv
	s.cancel = cancel
	s.mu.Unlock()

	if s.limiter != nil {
		s.limiter.startCleanup(ctx, &s.bg, time.Minute, 10*time.Minute)
	}

	s.logger.Info("server starting", "addr", listener.Addr().String(), "tls", s.cfg.TLS != nil)
	var err error
	if s.cfg.TLS != nil {
		err = srv.ServeTLS(listener, "", "")
	} else {
		err = srv.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeTCP listens on addr and serves.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.server, s.cancel = nil, nil
	s.mu.Unlock()

	s.draining.Store(true)
	if cancel != nil {
		cancel()
	}
	s.bg.Wait()
	if srv == nil {
		return nil
	}

	s.logger.Info("server stopping")
	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}
	return srv.Shutdown(ctx)
}
