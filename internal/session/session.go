// Package session holds the per-client aggregate: owned upstream connectors,
// namespace resolution, permission filtering, resumption tokens, the idle
// monitor and the domain event log.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mcpbundler/mcpbundler-go/internal/bundle"
	"github.com/mcpbundler/mcpbundler-go/internal/config"
	"github.com/mcpbundler/mcpbundler-go/internal/namespace"
	"github.com/mcpbundler/mcpbundler-go/internal/notify"
	"github.com/mcpbundler/mcpbundler-go/internal/observability"
	"github.com/mcpbundler/mcpbundler-go/internal/permission"
	"github.com/mcpbundler/mcpbundler-go/internal/pool"
	"github.com/mcpbundler/mcpbundler-go/internal/upstream"
)

// State is the session lifecycle state.
type State string

const (
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Session errors.
var (
	ErrTerminated      = errors.New("session terminated")
	ErrDuplicateNS     = errors.New("namespace already attached")
	ErrUnknownUpstream = errors.New("unknown upstream")
)

const idleTick = 60 * time.Second

// resumeKey addresses one resumption token slot.
type resumeKey struct {
	namespace string
	operation string
}

// Config configures one session.
type Config struct {
	// ID is client-supplied; generated when empty.
	ID     string
	Bundle *bundle.Bundle

	Pool    *pool.Pool
	Checker *permission.Checker

	Separator     string
	HashMode      string
	HashThreshold int

	IdleTimeout      time.Duration
	UpstreamTimeout  time.Duration
	DebounceInterval time.Duration
	MaxConcurrent    int
	MaxEvents        int

	ClientName            string
	ClientVersion         string
	AllowPrivateUpstreams bool
	CacheTTL              time.Duration
	CacheEntries          int

	// ClientFactory is injected into every constructed connector.
	ClientFactory upstream.ClientFactory

	// Notify forwards a notification method to the downstream client.
	Notify func(method string)

	// IdleTick overrides the idle monitor period. Zero means the default.
	IdleTick time.Duration

	// Metrics records per-operation counters and latencies when set.
	Metrics *observability.MetricsManager

	Logger *zap.Logger
}

// Session is the aggregate root for one client connection.
type Session struct {
	id       string
	bundleID string
	cfg      Config
	logger   *zap.Logger

	pool        *pool.Pool
	checker     *permission.Checker
	resolver    *namespace.Resolver
	coordinator *notify.Coordinator
	events      *eventLog
	metrics     *observability.MetricsManager

	mu           sync.RWMutex
	state        State
	createdAt    time.Time
	lastActivity time.Time
	order        []string
	upstreams    map[string]*upstream.FilteredConnector
	attaching    map[string]struct{}

	resumeMu sync.Mutex
	resume   map[resumeKey]string

	shutdownMu   sync.Mutex
	shutdownSubs []func(reason string)

	idleCancel context.CancelFunc
	closeOnce  sync.Once
}

// New creates an active session and starts its idle monitor.
func New(cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultIdleTimeout
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = config.DefaultUpstreamTimeout
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string) {}
	}

	now := time.Now()
	s := &Session{
		id:           cfg.ID,
		bundleID:     cfg.Bundle.ID,
		cfg:          cfg,
		logger:       cfg.Logger.With(zap.String("session_id", cfg.ID), zap.String("bundle_id", cfg.Bundle.ID)),
		pool:         cfg.Pool,
		checker:      cfg.Checker,
		resolver:     namespace.NewResolver(cfg.Separator, cfg.HashMode, cfg.HashThreshold),
		events:       newEventLog(cfg.MaxEvents),
		metrics:      cfg.Metrics,
		state:        StateActive,
		createdAt:    now,
		lastActivity: now,
		upstreams:    make(map[string]*upstream.FilteredConnector),
		attaching:    make(map[string]struct{}),
		resume:       make(map[resumeKey]string),
	}
	s.coordinator = notify.NewCoordinator(cfg.DebounceInterval, func(kind upstream.ChangeKind) {
		s.logger.Debug("Forwarding list change", zap.String("kind", string(kind)))
		cfg.Notify(kind.NotificationMethod())
	}, s.logger)

	s.events.append(Event{
		Kind:       EventSessionEstablished,
		OccurredAt: now,
		SessionID:  s.id,
		BundleID:   s.bundleID,
	})

	tick := cfg.IdleTick
	if tick <= 0 {
		tick = idleTick
	}
	idleCtx, cancel := context.WithCancel(context.Background())
	s.idleCancel = cancel
	go s.idleLoop(idleCtx, tick)

	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// BundleID returns the bundle the session was built from.
func (s *Session) BundleID() string { return s.bundleID }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastActivity returns the monotonically non-decreasing activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Namespaces returns attached namespaces in insertion order.
func (s *Session) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Events returns a snapshot of the domain event log.
func (s *Session) Events() []Event {
	return s.events.Snapshot()
}

// DrainEvents returns and clears the domain event log.
func (s *Session) DrainEvents() []Event {
	return s.events.Drain()
}

// OnShutdown registers a callback invoked once when the session closes.
func (s *Session) OnShutdown(fn func(reason string)) {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	s.shutdownSubs = append(s.shutdownSubs, fn)
}

func (s *Session) touch() {
	now := time.Now()
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) observeDuration(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (s *Session) countListRequest(kind string) {
	if s.metrics != nil {
		s.metrics.ListRequests.WithLabelValues(kind).Inc()
	}
}

func (s *Session) countUpstreamFailure(ns string) {
	if s.metrics != nil {
		s.metrics.UpstreamFailures.WithLabelValues(ns).Inc()
	}
}

func (s *Session) countToolCall(ns, status string) {
	if s.metrics != nil {
		s.metrics.ToolCalls.WithLabelValues(ns, status).Inc()
	}
}

// AttachUpstream connects one upstream into the session, reusing pooled
// connectors for stateless upstreams. The namespace is reserved for the
// duration of the connect so concurrent attaches of the same namespace
// cannot both land.
func (s *Session) AttachUpstream(ctx context.Context, spec bundle.UpstreamSpec) error {
	if err := config.ValidateNamespaceWith(spec.Namespace, s.resolver.Separator()); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	if _, exists := s.upstreams[spec.Namespace]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateNS, spec.Namespace)
	}
	if _, reserved := s.attaching[spec.Namespace]; reserved {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateNS, spec.Namespace)
	}
	s.attaching[spec.Namespace] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.attaching, spec.Namespace)
		s.mu.Unlock()
	}()

	var inner upstream.Connector
	if spec.Stateless {
		if pooled, ok := s.pool.Get(spec.Namespace, spec.URL); ok {
			inner = pooled
		}
	}
	if inner == nil {
		inner = upstream.New(upstream.Config{
			Namespace:             spec.Namespace,
			URL:                   spec.URL,
			Stateless:             spec.Stateless,
			Credential:            spec.Credential,
			ClientName:            s.cfg.ClientName,
			ClientVersion:         s.cfg.ClientVersion,
			AllowPrivateUpstreams: s.cfg.AllowPrivateUpstreams,
			DefaultTimeout:        s.cfg.UpstreamTimeout,
			CacheTTL:              s.cfg.CacheTTL,
			CacheEntries:          s.cfg.CacheEntries,
			Factory:               s.cfg.ClientFactory,
			Logger:                s.cfg.Logger,
		})
		if spec.Stateless {
			s.pool.Set(inner)
		}
	}

	if !inner.IsConnected() {
		if err := inner.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect upstream %s: %w", spec.Namespace, err)
		}
	}

	filtered := upstream.NewFiltered(inner, s.id, spec.Permissions, s.checker, s.resolver, s.logger)
	s.coordinator.Attach(inner)

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		s.coordinator.DetachAll()
		if s.pool == nil || !s.pool.IsPooled(inner) {
			if err := inner.Disconnect(ctx); err != nil {
				s.logger.Debug("Upstream disconnect failed",
					zap.String("namespace", spec.Namespace), zap.Error(err))
			}
		}
		return ErrTerminated
	}
	s.order = append(s.order, spec.Namespace)
	s.upstreams[spec.Namespace] = filtered
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.UpstreamsAttached.Inc()
	}
	s.events.append(Event{
		Kind:       EventUpstreamConnected,
		OccurredAt: time.Now(),
		SessionID:  s.id,
		Namespace:  spec.Namespace,
	})
	s.touch()

	s.logger.Info("Upstream attached",
		zap.String("namespace", spec.Namespace),
		zap.Bool("stateless", spec.Stateless))
	return nil
}

// connectorsInOrder returns attached connectors in insertion order.
func (s *Session) connectorsInOrder() []*upstream.FilteredConnector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*upstream.FilteredConnector, 0, len(s.order))
	for _, ns := range s.order {
		out = append(out, s.upstreams[ns])
	}
	return out
}

func (s *Session) connectorFor(ns string) (*upstream.FilteredConnector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.upstreams[ns]
	return c, ok
}

// options builds RequestOptions with the stored resumption token for
// (namespace, operation) and a callback persisting replacements.
func (s *Session) options(ns, operation string) upstream.RequestOptions {
	key := resumeKey{namespace: ns, operation: operation}
	s.resumeMu.Lock()
	token := s.resume[key]
	s.resumeMu.Unlock()

	return upstream.RequestOptions{
		Timeout:         s.cfg.UpstreamTimeout,
		ResumptionToken: token,
		OnResumptionToken: func(next string) {
			s.resumeMu.Lock()
			s.resume[key] = next
			s.resumeMu.Unlock()
		},
	}
}

// ResumptionToken reports the stored token for (namespace, operation).
func (s *Session) ResumptionToken(ns, operation string) string {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	return s.resume[resumeKey{namespace: ns, operation: operation}]
}

// ListTools aggregates tool lists across upstreams in insertion order.
// Per-upstream failures are logged and skipped.
func (s *Session) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	s.touch()
	s.countListRequest("tools")
	defer s.observeDuration("list_tools", time.Now())
	connectors := s.connectorsInOrder()
	results := make([]*mcp.ListToolsResult, len(connectors))

	g := errgroup.Group{}
	if s.cfg.MaxConcurrent > 0 {
		g.SetLimit(s.cfg.MaxConcurrent)
	}
	for i, conn := range connectors {
		i, conn := i, conn
		g.Go(func() error {
			if !conn.IsConnected() || !conn.Capabilities().Tools {
				return nil
			}
			result, err := conn.ListTools(ctx, req, s.options(conn.Namespace(), "list_tools"))
			if err != nil {
				s.countUpstreamFailure(conn.Namespace())
				s.logger.Warn("Upstream list tools failed",
					zap.String("namespace", conn.Namespace()), zap.Error(err))
				return nil
			}
			results[i] = result
			return nil
		})
	}
	g.Wait()

	out := &mcp.ListToolsResult{}
	for _, r := range results {
		if r != nil {
			out.Tools = append(out.Tools, r.Tools...)
		}
	}
	return out, nil
}

// CallTool routes a namespaced tool call. Failures come back as error-shaped
// results, never as errors.
func (s *Session) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.touch()
	defer s.observeDuration("call_tool", time.Now())

	ns, _, err := s.resolver.ExtractName(req.Params.Name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown tool %q", req.Params.Name)), nil
	}

	conn, ok := s.connectorFor(ns)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown upstream %q", ns)), nil
	}
	if !conn.IsConnected() {
		return mcp.NewToolResultError(fmt.Sprintf("Upstream %q is not connected", ns)), nil
	}

	result, err := conn.CallTool(ctx, req, s.options(ns, "call_tool"))
	if err != nil {
		s.countUpstreamFailure(ns)
		s.countToolCall(ns, "error")
		s.logger.Warn("Tool call failed",
			zap.String("namespace", ns),
			zap.String("tool", req.Params.Name),
			zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Tool call failed: %v", err)), nil
	}
	status := "ok"
	if result.IsError {
		status = "error"
	}
	s.countToolCall(ns, status)
	return result, nil
}

// ListResources aggregates resource lists across upstreams.
func (s *Session) ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	s.touch()
	s.countListRequest("resources")
	defer s.observeDuration("list_resources", time.Now())
	connectors := s.connectorsInOrder()
	results := make([]*mcp.ListResourcesResult, len(connectors))

	g := errgroup.Group{}
	if s.cfg.MaxConcurrent > 0 {
		g.SetLimit(s.cfg.MaxConcurrent)
	}
	for i, conn := range connectors {
		i, conn := i, conn
		g.Go(func() error {
			if !conn.IsConnected() || !conn.Capabilities().Resources {
				return nil
			}
			result, err := conn.ListResources(ctx, req, s.options(conn.Namespace(), "list_resources"))
			if err != nil {
				s.countUpstreamFailure(conn.Namespace())
				s.logger.Warn("Upstream list resources failed",
					zap.String("namespace", conn.Namespace()), zap.Error(err))
				return nil
			}
			results[i] = result
			return nil
		})
	}
	g.Wait()

	out := &mcp.ListResourcesResult{}
	for _, r := range results {
		if r != nil {
			out.Resources = append(out.Resources, r.Resources...)
		}
	}
	return out, nil
}

// ReadResource routes a namespaced resource read. A URI without a namespace
// parameter yields empty contents.
func (s *Session) ReadResource(ctx context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	s.touch()
	defer s.observeDuration("read_resource", time.Now())

	ns, _ := namespace.ExtractURI(req.Params.URI)
	if ns == "" {
		s.logger.Warn("Resource URI carries no namespace", zap.String("uri", req.Params.URI))
		return &mcp.ReadResourceResult{}, nil
	}

	conn, ok := s.connectorFor(ns)
	if !ok || !conn.IsConnected() {
		s.logger.Warn("Resource read for unavailable upstream", zap.String("namespace", ns))
		return &mcp.ReadResourceResult{}, nil
	}

	result, err := conn.ReadResource(ctx, req, s.options(ns, "read_resource"))
	if err != nil {
		if errors.Is(err, upstream.ErrPermissionDenied) {
			return nil, err
		}
		s.countUpstreamFailure(ns)
		s.logger.Warn("Resource read failed",
			zap.String("namespace", ns), zap.Error(err))
		return &mcp.ReadResourceResult{}, nil
	}
	return result, nil
}

// ListResourceTemplates aggregates template lists across upstreams.
func (s *Session) ListResourceTemplates(ctx context.Context, req mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error) {
	s.touch()
	s.countListRequest("resource_templates")
	defer s.observeDuration("list_resource_templates", time.Now())
	connectors := s.connectorsInOrder()
	results := make([]*mcp.ListResourceTemplatesResult, len(connectors))

	g := errgroup.Group{}
	if s.cfg.MaxConcurrent > 0 {
		g.SetLimit(s.cfg.MaxConcurrent)
	}
	for i, conn := range connectors {
		i, conn := i, conn
		g.Go(func() error {
			if !conn.IsConnected() || !conn.Capabilities().Resources {
				return nil
			}
			result, err := conn.ListResourceTemplates(ctx, req, s.options(conn.Namespace(), "list_resource_templates"))
			if err != nil {
				s.countUpstreamFailure(conn.Namespace())
				s.logger.Warn("Upstream list resource templates failed",
					zap.String("namespace", conn.Namespace()), zap.Error(err))
				return nil
			}
			results[i] = result
			return nil
		})
	}
	g.Wait()

	out := &mcp.ListResourceTemplatesResult{}
	for _, r := range results {
		if r != nil {
			out.ResourceTemplates = append(out.ResourceTemplates, r.ResourceTemplates...)
		}
	}
	return out, nil
}

// ListPrompts aggregates prompt lists across upstreams.
func (s *Session) ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	s.touch()
	s.countListRequest("prompts")
	defer s.observeDuration("list_prompts", time.Now())
	connectors := s.connectorsInOrder()
	results := make([]*mcp.ListPromptsResult, len(connectors))

	g := errgroup.Group{}
	if s.cfg.MaxConcurrent > 0 {
		g.SetLimit(s.cfg.MaxConcurrent)
	}
	for i, conn := range connectors {
		i, conn := i, conn
		g.Go(func() error {
			if !conn.IsConnected() || !conn.Capabilities().Prompts {
				return nil
			}
			result, err := conn.ListPrompts(ctx, req, s.options(conn.Namespace(), "list_prompts"))
			if err != nil {
				s.countUpstreamFailure(conn.Namespace())
				s.logger.Warn("Upstream list prompts failed",
					zap.String("namespace", conn.Namespace()), zap.Error(err))
				return nil
			}
			results[i] = result
			return nil
		})
	}
	g.Wait()

	out := &mcp.ListPromptsResult{}
	for _, r := range results {
		if r != nil {
			out.Prompts = append(out.Prompts, r.Prompts...)
		}
	}
	return out, nil
}

// GetPrompt routes a namespaced prompt fetch.
func (s *Session) GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	s.touch()
	defer s.observeDuration("get_prompt", time.Now())

	ns, _, err := s.resolver.ExtractName(req.Params.Name)
	if err != nil {
		return nil, fmt.Errorf("unknown prompt %q: %w", req.Params.Name, err)
	}

	conn, ok := s.connectorFor(ns)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpstream, ns)
	}
	if !conn.IsConnected() {
		return nil, fmt.Errorf("upstream %q is not connected", ns)
	}

	result, err := conn.GetPrompt(ctx, req, s.options(ns, "get_prompt"))
	if err != nil {
		s.countUpstreamFailure(ns)
		return nil, err
	}
	return result, nil
}

// --- lifecycle ---

func (s *Session) idleLoop(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			idle := time.Since(s.lastActivity)
			s.mu.RUnlock()
			if idle > s.cfg.IdleTimeout {
				s.logger.Info("Session idle timeout", zap.Duration("idle", idle))
				s.Close(context.Background(), "idle")
				return
			}
		}
	}
}

// Close terminates the session: detaches notification listeners, disconnects
// non-pooled upstreams, clears resolver and resumption state and notifies
// shutdown subscribers. Idempotent.
func (s *Session) Close(ctx context.Context, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateTerminated
		connectors := make([]*upstream.FilteredConnector, 0, len(s.order))
		for _, ns := range s.order {
			connectors = append(connectors, s.upstreams[ns])
		}
		s.mu.Unlock()

		s.idleCancel()
		s.coordinator.DetachAll()

		if s.metrics != nil && len(connectors) > 0 {
			s.metrics.UpstreamsAttached.Sub(float64(len(connectors)))
		}

		for _, conn := range connectors {
			inner := conn.Inner()
			if s.pool != nil && s.pool.IsPooled(inner) {
				continue
			}
			if err := inner.Disconnect(ctx); err != nil {
				s.logger.Debug("Upstream disconnect failed",
					zap.String("namespace", conn.Namespace()), zap.Error(err))
			}
			s.events.append(Event{
				Kind:       EventUpstreamDisconnected,
				OccurredAt: time.Now(),
				SessionID:  s.id,
				Namespace:  conn.Namespace(),
			})
		}

		s.resolver.Clear()
		s.resumeMu.Lock()
		s.resume = make(map[resumeKey]string)
		s.resumeMu.Unlock()

		s.events.append(Event{
			Kind:       EventSessionTerminated,
			OccurredAt: time.Now(),
			SessionID:  s.id,
			BundleID:   s.bundleID,
			Reason:     reason,
		})

		s.shutdownMu.Lock()
		subs := s.shutdownSubs
		s.shutdownSubs = nil
		s.shutdownMu.Unlock()
		for _, fn := range subs {
			fn(reason)
		}

		s.logger.Info("Session closed", zap.String("reason", reason))
	})
}
