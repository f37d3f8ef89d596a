// Package server mounts the downstream gateway: bearer-token authentication,
// per-bundle MCP server instances and the operational HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mcpbundler/mcpbundler-go/internal/bundle"
	"github.com/mcpbundler/mcpbundler-go/internal/config"
	"github.com/mcpbundler/mcpbundler-go/internal/observability"
	"github.com/mcpbundler/mcpbundler-go/internal/permission"
	"github.com/mcpbundler/mcpbundler-go/internal/pool"
	"github.com/mcpbundler/mcpbundler-go/internal/session"
	"github.com/mcpbundler/mcpbundler-go/internal/storage"
	"github.com/mcpbundler/mcpbundler-go/internal/upstream"
)

// Resolver resolves bearer tokens to bundles.
type Resolver interface {
	Resolve(token string) (*bundle.Bundle, error)
}

// Server is the gateway process: one listener, many per-token MCP bridges.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	resolver Resolver
	pool     *pool.Pool
	checker  *permission.Checker
	metrics  *observability.MetricsManager

	// ClientFactory overrides upstream client construction in tests.
	clientFactory upstream.ClientFactory

	mu      sync.Mutex
	bridges map[string]*bridge // keyed by token hash
	flight  singleflight.Group

	httpServer *http.Server
}

// New creates the gateway server.
func New(cfg *config.Config, resolver Resolver, connPool *pool.Pool, metrics *observability.MetricsManager, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		resolver: resolver,
		pool:     connPool,
		checker:  permission.NewChecker(logger),
		metrics:  metrics,
		bridges:  make(map[string]*bridge),
	}
}

// SetClientFactory injects an upstream client factory. Test hook.
func (s *Server) SetClientFactory(factory upstream.ClientFactory) {
	s.clientFactory = factory
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.HandleFunc("/mcp", s.handleMCP)
	r.HandleFunc("/mcp/*", s.handleMCP)
	r.HandleFunc("/sse", s.handleSSE)
	r.HandleFunc("/message", s.handleSSE)

	return r
}

// Start runs the listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gateway listening", zap.String("addr", s.cfg.ListenAddr()))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every session, the connector pool and the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	s.mu.Lock()
	bridges := s.bridges
	s.bridges = make(map[string]*bridge)
	s.mu.Unlock()

	for _, b := range bridges {
		b.session.Close(shutdownCtx, "shutdown")
	}
	if s.pool != nil {
		s.pool.Shutdown(shutdownCtx)
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown failed: %w", err)
		}
	}
	s.logger.Info("Gateway stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","name":%q,"version":%q}`, s.cfg.Name, s.cfg.Version)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	b, ok := s.authorize(w, r)
	if !ok {
		return
	}
	b.ServeStreamable(w, r)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	b, ok := s.authorize(w, r)
	if !ok {
		return
	}
	b.ServeSSE(w, r)
}

// authorize resolves the bearer token to a bridge, creating the session on
// first use. Reconnects with the same token resume the existing session.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (*bridge, bool) {
	token := bearerToken(r)
	if token == "" {
		s.rejectAuth(w)
		return nil, false
	}

	b, err := s.bridgeFor(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, bundle.ErrInvalidToken):
			s.rejectAuth(w)
		case errors.Is(err, bundle.ErrBundleNotFound):
			http.Error(w, "bundle not found", http.StatusNotFound)
		default:
			s.logger.Error("Session establishment failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return nil, false
	}
	return b, true
}

func (s *Server) rejectAuth(w http.ResponseWriter) {
	if s.metrics != nil {
		s.metrics.AuthFailures.Inc()
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcpbundler"`)
	http.Error(w, "invalid or missing bundle token", http.StatusUnauthorized)
}

// bearerToken extracts the bundle token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) bridgeFor(ctx context.Context, token string) (*bridge, error) {
	hash := storage.HashToken(token)

	s.mu.Lock()
	existing, ok := s.bridges[hash]
	s.mu.Unlock()
	if ok && existing.session.State() == session.StateActive {
		return existing, nil
	}

	// Concurrent first requests for the same token collapse into one
	// resolve-and-build; every caller shares the single session.
	v, err, _ := s.flight.Do(hash, func() (interface{}, error) {
		s.mu.Lock()
		if racing, ok := s.bridges[hash]; ok && racing.session.State() == session.StateActive {
			s.mu.Unlock()
			return racing, nil
		}
		s.mu.Unlock()

		resolved, err := s.resolver.Resolve(token)
		if err != nil {
			return nil, err
		}

		b, err := s.buildBridge(ctx, hash, resolved)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.bridges[hash] = b
		s.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*bridge), nil
}

// buildBridge creates the session for a resolved bundle, attaches every
// upstream (partial success) and registers the aggregated capabilities.
func (s *Server) buildBridge(ctx context.Context, hash string, resolved *bundle.Bundle) (*bridge, error) {
	var b *bridge

	sess := session.New(session.Config{
		Bundle:                resolved,
		Pool:                  s.pool,
		Checker:               s.checker,
		Separator:             s.cfg.Separator,
		HashMode:              s.cfg.HashMode,
		HashThreshold:         s.cfg.HashThreshold,
		IdleTimeout:           s.cfg.IdleTimeout.Duration(),
		UpstreamTimeout:       s.cfg.UpstreamTimeout.Duration(),
		DebounceInterval:      s.cfg.DebounceInterval.Duration(),
		MaxConcurrent:         s.cfg.MaxConcurrent,
		ClientName:            s.cfg.Name,
		ClientVersion:         s.cfg.Version,
		AllowPrivateUpstreams: s.cfg.AllowPrivateUpstreams,
		CacheTTL:              s.cfg.ListCacheTTL.Duration(),
		CacheEntries:          s.cfg.ListCacheEntries,
		ClientFactory:         s.clientFactory,
		Metrics:               s.metrics,
		Notify: func(method string) {
			if b != nil {
				if s.metrics != nil {
					s.metrics.Notifications.WithLabelValues(method).Inc()
				}
				b.OnListChanged(method)
			}
		},
		Logger: s.logger,
	})

	b = newBridge(s.cfg.Name, s.cfg.Version, sess, s.logger)

	for _, spec := range resolved.Upstreams {
		if err := sess.AttachUpstream(ctx, spec); err != nil {
			s.logger.Warn("Upstream attach failed",
				zap.String("bundle_id", resolved.ID),
				zap.String("namespace", spec.Namespace),
				zap.Error(err))
		}
	}

	b.RefreshAll(ctx)

	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
		s.metrics.PooledConnectors.Set(float64(s.pool.Size()))
	}

	sess.OnShutdown(func(reason string) {
		s.mu.Lock()
		if current, ok := s.bridges[hash]; ok && current == b {
			delete(s.bridges, hash)
		}
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SessionsActive.Dec()
			s.metrics.SessionsTotal.WithLabelValues(reason).Inc()
		}
	})

	s.logger.Info("Session established",
		zap.String("bundle_id", resolved.ID),
		zap.String("bundle_name", resolved.Name),
		zap.Int("upstreams", len(resolved.Upstreams)))
	return b, nil
}

// Sessions reports the number of live bridges.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}
