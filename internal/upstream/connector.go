// Package upstream manages client connections to upstream MCP servers:
// transport lifecycle, reconnect with exponential backoff, health pings,
// list-change subscriptions, list-result caching and capability gating.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpbundler/mcpbundler-go/internal/auth"
	"github.com/mcpbundler/mcpbundler-go/internal/transport"
)

// State is the connector lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateError        State = "error"
	StateClosed       State = "closed"
)

// ChangeKind identifies which capability list changed upstream.
type ChangeKind string

const (
	ChangeTools     ChangeKind = "tools"
	ChangeResources ChangeKind = "resources"
	ChangePrompts   ChangeKind = "prompts"
)

// NotificationMethod returns the MCP notification method for the kind.
func (k ChangeKind) NotificationMethod() string {
	return "notifications/" + string(k) + "/list_changed"
}

const (
	healthInterval = 30 * time.Second
	healthTimeout  = 10 * time.Second

	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
	maxReconnectAttempts  = 5

	disconnectTimeout = 5 * time.Second

	progressNotificationMethod = "notifications/progress"
)

// Connector errors.
var (
	ErrNotConnected = fmt.Errorf("upstream not connected")
	ErrClosed       = fmt.Errorf("connector closed")
)

// Capabilities is the subset of upstream server capabilities the gateway
// cares about.
type Capabilities struct {
	Tools                bool
	ToolsListChanged     bool
	Resources            bool
	ResourcesListChanged bool
	ResourceSubscribe    bool
	Prompts              bool
	PromptsListChanged   bool
}

// MCPClient is the client surface the connector drives. Satisfied by
// *client.Client from the MCP SDK and by fakes in tests.
type MCPClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	ListResourceTemplates(ctx context.Context, req mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Ping(ctx context.Context) error
	OnNotification(handler func(notification mcp.JSONRPCNotification))
	Close() error
}

// ClientFactory builds an MCP client for one upstream.
type ClientFactory func(cfg transport.ClientConfig) (MCPClient, error)

// DefaultClientFactory dials upstreams over streamable HTTP.
func DefaultClientFactory(cfg transport.ClientConfig) (MCPClient, error) {
	return transport.NewStreamableClient(cfg)
}

// Connector is the operation surface sessions use. Satisfied by the real
// connector and by the permission/namespace filtering wrapper.
type Connector interface {
	Namespace() string
	URL() string
	Stateless() bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Close(ctx context.Context) error
	IsConnected() bool
	State() State
	Capabilities() Capabilities

	ListTools(ctx context.Context, req mcp.ListToolsRequest, opts RequestOptions) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest, opts RequestOptions) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context, req mcp.ListResourcesRequest, opts RequestOptions) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, req mcp.ReadResourceRequest, opts RequestOptions) (*mcp.ReadResourceResult, error)
	ListResourceTemplates(ctx context.Context, req mcp.ListResourceTemplatesRequest, opts RequestOptions) (*mcp.ListResourceTemplatesResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest, opts RequestOptions) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest, opts RequestOptions) (*mcp.GetPromptResult, error)

	AddChangeListener(fn func(kind ChangeKind, namespace string)) int
	RemoveChangeListener(id int)
}

// Config configures one connector.
type Config struct {
	Namespace  string
	URL        string
	Stateless  bool
	Credential auth.Credential

	ClientName    string
	ClientVersion string

	AllowPrivateUpstreams bool
	DefaultTimeout        time.Duration
	CacheTTL              time.Duration
	CacheEntries          int

	// Factory defaults to DefaultClientFactory.
	Factory ClientFactory
	Logger  *zap.Logger
}

type connector struct {
	cfg     Config
	factory ClientFactory
	logger  *zap.Logger

	mu                sync.RWMutex
	client            MCPClient
	state             State
	caps              Capabilities
	reconnectAttempts int
	reconnecting      bool
	lastHealthCheck   time.Time
	healthCancel      context.CancelFunc

	toolsCache     *listCache
	resourcesCache *listCache
	templatesCache *listCache
	promptsCache   *listCache

	listenerMu sync.Mutex
	listeners  map[int]func(kind ChangeKind, namespace string)
	nextID     int

	progressMu sync.Mutex
	progress   map[string]func(progress, total float64)

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// New creates a connector in the disconnected state.
func New(cfg Config) Connector {
	if cfg.Factory == nil {
		cfg.Factory = DefaultClientFactory
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &connector{
		cfg:     cfg,
		factory: cfg.Factory,
		logger: cfg.Logger.With(
			zap.String("namespace", cfg.Namespace),
			zap.String("upstream_url", cfg.URL)),
		state:          StateDisconnected,
		toolsCache:     newListCache(cfg.CacheTTL, cfg.CacheEntries),
		resourcesCache: newListCache(cfg.CacheTTL, cfg.CacheEntries),
		templatesCache: newListCache(cfg.CacheTTL, cfg.CacheEntries),
		promptsCache:   newListCache(cfg.CacheTTL, cfg.CacheEntries),
		listeners:      make(map[int]func(kind ChangeKind, namespace string)),
		progress:       make(map[string]func(progress, total float64)),
		lifeCtx:        lifeCtx,
		lifeCancel:     lifeCancel,
	}
}

func (c *connector) Namespace() string { return c.cfg.Namespace }
func (c *connector) URL() string       { return c.cfg.URL }
func (c *connector) Stateless() bool   { return c.cfg.Stateless }

func (c *connector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateReady
}

func (c *connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *connector) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

// Connect validates the URL, dials the upstream and performs the MCP
// initialize handshake with empty client capabilities.
func (c *connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateReady, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := transport.ValidateUpstreamURL(c.cfg.URL, c.cfg.AllowPrivateUpstreams); err != nil {
		c.logger.Warn("Upstream URL rejected", zap.Error(err))
		c.setState(StateDisconnected)
		return err
	}

	cli, err := c.factory(transport.ClientConfig{
		URL:        c.cfg.URL,
		Credential: c.cfg.Credential,
	})
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("failed to create upstream client: %w", err)
	}

	if err := cli.Start(ctx); err != nil {
		cli.Close()
		c.setState(StateError)
		return fmt.Errorf("failed to start upstream transport: %w", err)
	}

	cli.OnNotification(c.handleNotification)

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    c.cfg.ClientName,
		Version: c.cfg.ClientVersion,
	}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	initCtx, cancel := context.WithTimeout(ctx, c.cfg.DefaultTimeout)
	defer cancel()
	result, err := cli.Initialize(initCtx, initReq)
	if err != nil {
		cli.Close()
		c.setState(StateError)
		return fmt.Errorf("upstream initialize failed: %w", err)
	}

	caps := capabilitiesFrom(result)

	c.mu.Lock()
	c.client = cli
	c.state = StateReady
	c.caps = caps
	c.reconnectAttempts = 0
	c.lastHealthCheck = time.Now()
	var healthCtx context.Context
	if !c.cfg.Stateless {
		healthCtx, c.healthCancel = context.WithCancel(c.lifeCtx)
	}
	c.mu.Unlock()

	c.logger.Info("Upstream connected",
		zap.String("server_name", result.ServerInfo.Name),
		zap.Bool("tools", caps.Tools),
		zap.Bool("resources", caps.Resources),
		zap.Bool("prompts", caps.Prompts))

	if healthCtx != nil {
		go c.healthLoop(healthCtx)
	}
	return nil
}

func capabilitiesFrom(result *mcp.InitializeResult) Capabilities {
	var caps Capabilities
	if result.Capabilities.Tools != nil {
		caps.Tools = true
		caps.ToolsListChanged = result.Capabilities.Tools.ListChanged
	}
	if result.Capabilities.Resources != nil {
		caps.Resources = true
		caps.ResourcesListChanged = result.Capabilities.Resources.ListChanged
		caps.ResourceSubscribe = result.Capabilities.Resources.Subscribe
	}
	if result.Capabilities.Prompts != nil {
		caps.Prompts = true
		caps.PromptsListChanged = result.Capabilities.Prompts.ListChanged
	}
	return caps
}

// Disconnect closes the transport with a hard bound. Close errors from an
// already-broken transport are logged at debug only.
func (c *connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.healthCancel != nil {
		c.healthCancel()
		c.healthCancel = nil
	}
	cli := c.client
	c.client = nil
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if cli == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cli.Close() }()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Debug("Upstream close reported error", zap.Error(err))
		}
	case <-time.After(disconnectTimeout):
		c.logger.Debug("Upstream close timed out")
	case <-ctx.Done():
		c.logger.Debug("Upstream close aborted", zap.Error(ctx.Err()))
	}
	return nil
}

// Close disconnects and makes the connector unusable. Used at process
// shutdown; sessions use Disconnect so pooled connectors can reconnect.
func (c *connector) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.lifeCancel()
	return err
}

func (c *connector) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

// --- health & reconnect ---

func (c *connector) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.ping(ctx) {
				c.logger.Warn("Health ping failed, scheduling reconnect")
				c.markDisconnected()
				c.scheduleReconnect()
				return
			}
		}
	}
}

func (c *connector) ping(ctx context.Context) bool {
	c.mu.RLock()
	cli := c.client
	c.mu.RUnlock()
	if cli == nil {
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := cli.Ping(pingCtx); err != nil {
		return false
	}

	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
	return true
}

func (c *connector) markDisconnected() {
	c.mu.Lock()
	if c.healthCancel != nil {
		c.healthCancel()
		c.healthCancel = nil
	}
	cli := c.client
	c.client = nil
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if cli != nil {
		go cli.Close()
	}
}

// scheduleReconnect retries Connect with exponential backoff capped at
// maxReconnectAttempts. Stateless connectors reconnect lazily on next use
// instead.
func (c *connector) scheduleReconnect() {
	if c.cfg.Stateless {
		return
	}

	c.mu.Lock()
	if c.reconnecting || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = reconnectInitialDelay
		bo.Multiplier = 2
		bo.MaxInterval = reconnectMaxDelay
		bo.RandomizationFactor = 0

		attempt := 0
		_, err := backoff.Retry(c.lifeCtx, func() (struct{}, error) {
			attempt++
			c.mu.Lock()
			c.reconnectAttempts = attempt
			c.mu.Unlock()
			c.logger.Info("Reconnecting to upstream", zap.Int("attempt", attempt))
			return struct{}{}, c.Connect(c.lifeCtx)
		}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxReconnectAttempts))

		if err != nil {
			c.logger.Error("Reconnect attempts exhausted", zap.Error(err))
			c.setState(StateError)
		}
	}()
}

// --- notifications ---

func (c *connector) handleNotification(notification mcp.JSONRPCNotification) {
	switch notification.Method {
	case string(mcp.MethodNotificationToolsListChanged):
		c.toolsCache.invalidate()
		c.notifyChange(ChangeTools)
	case string(mcp.MethodNotificationResourcesListChanged):
		// A resource change also invalidates templates.
		c.resourcesCache.invalidate()
		c.templatesCache.invalidate()
		c.notifyChange(ChangeResources)
	case string(mcp.MethodNotificationPromptsListChanged):
		c.promptsCache.invalidate()
		c.notifyChange(ChangePrompts)
	case progressNotificationMethod:
		c.dispatchProgress(notification)
	}
}

func (c *connector) notifyChange(kind ChangeKind) {
	c.listenerMu.Lock()
	fns := make([]func(ChangeKind, string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()

	for _, fn := range fns {
		fn(kind, c.cfg.Namespace)
	}
}

// AddChangeListener registers a list-change listener and returns its handle.
func (c *connector) AddChangeListener(fn func(kind ChangeKind, namespace string)) int {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.nextID++
	c.listeners[c.nextID] = fn
	return c.nextID
}

// RemoveChangeListener removes a listener. Removing twice is a no-op.
func (c *connector) RemoveChangeListener(id int) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	delete(c.listeners, id)
}

func (c *connector) dispatchProgress(notification mcp.JSONRPCNotification) {
	fields := notification.Params.AdditionalFields
	token, _ := fields["progressToken"].(string)
	if token == "" {
		return
	}

	c.progressMu.Lock()
	fn := c.progress[token]
	c.progressMu.Unlock()
	if fn == nil {
		return
	}

	progress, _ := fields["progress"].(float64)
	total, _ := fields["total"].(float64)
	fn(progress, total)
}

func (c *connector) registerProgress(fn func(progress, total float64)) (token string, release func()) {
	token = uuid.NewString()
	c.progressMu.Lock()
	c.progress[token] = fn
	c.progressMu.Unlock()
	return token, func() {
		c.progressMu.Lock()
		delete(c.progress, token)
		c.progressMu.Unlock()
	}
}

// --- operations ---

func (c *connector) clientForCall() (MCPClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	if c.state != StateReady || c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *connector) callContext(ctx context.Context, opts RequestOptions) (context.Context, context.CancelFunc) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// captureResumption forwards a server-echoed resumption token to the caller.
func captureResumption(opts RequestOptions, meta *mcp.Meta) {
	if opts.OnResumptionToken == nil || meta == nil {
		return
	}
	if token, ok := meta.AdditionalFields[resumptionMetaKey].(string); ok && token != "" {
		opts.OnResumptionToken(token)
	}
}

// handleCallError marks the connector disconnected on timeout, which is the
// transport-failure signal available at this layer. Protocol errors pass
// through untouched.
func (c *connector) handleCallError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Warn("Upstream call timed out, marking disconnected")
		c.markDisconnected()
		c.scheduleReconnect()
	}
}

// ListTools returns the upstream tool list, served from cache when fresh.
// Upstreams without the tools capability yield an empty result.
func (c *connector) ListTools(ctx context.Context, req mcp.ListToolsRequest, opts RequestOptions) (*mcp.ListToolsResult, error) {
	cli, err := c.clientForCall()
	if err != nil {
		return nil, err
	}
	if !c.Capabilities().Tools {
		return &mcp.ListToolsResult{}, nil
	}

	key := string(req.Params.Cursor)
	if cached, ok := c.toolsCache.get(key); ok {
		return cached.(*mcp.ListToolsResult), nil
	}

	callCtx, cancel := c.callContext(ctx, opts)
	defer cancel()
	result, err := cli.ListTools(callCtx, req)
	if err != nil {
		c.handleCallError(err)
		return nil, err
	}
	c.toolsCache.set(key, result)
	captureResumption(opts, result.Meta)
	return result, nil
}

// CallTool invokes a tool. Results are never cached.
func (c *connector) CallTool(ctx context.Context, req mcp.CallToolRequest, opts RequestOptions) (*mcp.CallToolResult, error) {
	cli, err := c.clientForCall()
	if err != nil {
		return nil, err
	}

	if opts.OnProgress != nil {
		token, release := c.registerProgress(opts.OnProgress)
		defer release()
		if req.Params.Meta == nil {
			req.Params.Meta = &mcp.Meta{}
		}
		req.Params.Meta.ProgressToken = token
	}
	if opts.ResumptionToken != "" {
		if req.Params.Meta == nil {
			req.Params.Meta = &mcp.Meta{}
		}
		if req.Params.Meta.AdditionalFields == nil {
			req.Params.Meta.AdditionalFields = make(map[string]any)
		}
		req.Params.Meta.AdditionalFields[resumptionMetaKey] = opts.ResumptionToken
	}

	callCtx, cancel := c.callContext(ctx, opts)
	defer cancel()
	result, err := cli.CallTool(callCtx, req)
	if err != nil {
		c.handleCallError(err)
		return nil, err
	}
	captureResumption(opts, result.Meta)
	return result, nil
}

// ListResources returns the upstream resource list, cache-backed.
func (c *connector) ListResources(ctx context.Context, req mcp.ListResourcesRequest, opts RequestOptions) (*mcp.ListResourcesResult, error) {
	cli, err := c.clientForCall()
	if err != nil {
		return nil, err
	}
	if !c.Capabilities().Resources {
		return &mcp.ListResourcesResult{}, nil
	}

	key := string(req.Params.Cursor)
	if cached, ok := c.resourcesCache.get(key); ok {
		return cached.(*mcp.ListResourcesResult), nil
	}

	callCtx, cancel := c.callContext(ctx, opts)
	defer cancel()
	result, err := cli.ListResources(callCtx, req)
	if err != nil {
		c.handleCallError(err)
		return nil, err
	}
	c.resourcesCache.set(key, result)
	captureResumption(opts, result.Meta)
	return result, nil
}

// ReadResource reads one resource by original URI. Upstreams without the
// resources capability yield empty contents without a round trip.
func (c *connector) ReadResource(ctx context.Context, req mcp.ReadResourceRequest, opts RequestOptions) (*mcp.ReadResourceResult, error) {
	cli, err := c.clientForCall()
	if err != nil {
		return nil, err
	}
	if !c.Capabilities().Resources {
		return &mcp.ReadResourceResult{}, nil
	}

	callCtx, cancel := c.callContext(ctx, opts)
	defer cancel()
	result, err := cli.ReadResource(callCtx, req)
	if err != nil {
		c.handleCallError(err)
		return nil, err
	}
	captureResumption(opts, result.Meta)
	return result, nil
}

// ListResourceTemplates returns the upstream template list, cache-backed.
func (c *connector) ListResourceTemplates(ctx context.Context, req mcp.ListResourceTemplatesRequest, opts RequestOptions) (*mcp.ListResourceTemplatesResult, error) {
	cli, err := c.clientForCall()
	if err != nil {
		return nil, err
	}
	if !c.Capabilities().Resources {
		return &mcp.ListResourceTemplatesResult{}, nil
	}

	key := string(req.Params.Cursor)
	if cached, ok := c.templatesCache.get(key); ok {
		return cached.(*mcp.ListResourceTemplatesResult), nil
	}

	callCtx, cancel := c.callContext(ctx, opts)
	defer cancel()
	result, err := cli.ListResourceTemplates(callCtx, req)
	if err != nil {
		c.handleCallError(err)
		return nil, err
	}
	c.templatesCache.set(key, result)
	captureResumption(opts, result.Meta)
	return result, nil
}

// ListPrompts returns the upstream prompt list, cache-backed.
func (c *connector) ListPrompts(ctx context.Context, req mcp.ListPromptsRequest, opts RequestOptions) (*mcp.ListPromptsResult, error) {
	cli, err := c.clientForCall()
	if err != nil {
		return nil, err
	}
	if !c.Capabilities().Prompts {
		return &mcp.ListPromptsResult{}, nil
	}

	key := string(req.Params.Cursor)
	if cached, ok := c.promptsCache.get(key); ok {
		return cached.(*mcp.ListPromptsResult), nil
	}

	callCtx, cancel := c.callContext(ctx, opts)
	defer cancel()
	result, err := cli.ListPrompts(callCtx, req)
	if err != nil {
		c.handleCallError(err)
		return nil, err
	}
	c.promptsCache.set(key, result)
	captureResumption(opts, result.Meta)
	return result, nil
}

// GetPrompt fetches one prompt by original name. Upstreams without the
// prompts capability cannot serve it, so the call fails without a round trip.
func (c *connector) GetPrompt(ctx context.Context, req mcp.GetPromptRequest, opts RequestOptions) (*mcp.GetPromptResult, error) {
	cli, err := c.clientForCall()
	if err != nil {
		return nil, err
	}
	if !c.Capabilities().Prompts {
		return nil, fmt.Errorf("upstream %s does not advertise prompts", c.cfg.Namespace)
	}

	callCtx, cancel := c.callContext(ctx, opts)
	defer cancel()
	result, err := cli.GetPrompt(callCtx, req)
	if err != nil {
		c.handleCallError(err)
		return nil, err
	}
	captureResumption(opts, result.Meta)
	return result, nil
}
