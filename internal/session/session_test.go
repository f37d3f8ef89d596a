package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mcpbundler/mcpbundler-go/internal/auth"
	"github.com/mcpbundler/mcpbundler-go/internal/bundle"
	"github.com/mcpbundler/mcpbundler-go/internal/config"
	"github.com/mcpbundler/mcpbundler-go/internal/observability"
	"github.com/mcpbundler/mcpbundler-go/internal/permission"
	"github.com/mcpbundler/mcpbundler-go/internal/pool"
	"github.com/mcpbundler/mcpbundler-go/internal/transport"
	"github.com/mcpbundler/mcpbundler-go/internal/upstream"
)

// stubClient is a minimal in-memory MCP client keyed by upstream URL.
type stubClient struct {
	mu sync.Mutex

	tools   []mcp.Tool
	prompts []mcp.Prompt

	resources []mcp.Resource

	callToolFn func(req mcp.CallToolRequest) (*mcp.CallToolResult, error)

	// startDelay slows Start to widen connect races in tests.
	startDelay time.Duration

	closed bool
	notify func(mcp.JSONRPCNotification)
}

func (f *stubClient) Start(context.Context) error {
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	return nil
}

func (f *stubClient) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{
		ServerInfo: mcp.Implementation{Name: "stub", Version: "1.0"},
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{ListChanged: true},
			Resources: &struct {
				Subscribe   bool `json:"subscribe,omitempty"`
				ListChanged bool `json:"listChanged,omitempty"`
			}{ListChanged: true},
			Prompts: &struct {
				ListChanged bool `json:"listChanged,omitempty"`
			}{ListChanged: true},
		},
	}, nil
}

func (f *stubClient) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *stubClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if f.callToolFn != nil {
		return f.callToolFn(req)
	}
	return mcp.NewToolResultText("called " + req.Params.Name), nil
}

func (f *stubClient) ListResources(context.Context, mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{Resources: f.resources}, nil
}

func (f *stubClient) ReadResource(_ context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{
		mcp.TextResourceContents{URI: req.Params.URI, Text: "data"},
	}}, nil
}

func (f *stubClient) ListResourceTemplates(context.Context, mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error) {
	return &mcp.ListResourceTemplatesResult{}, nil
}

func (f *stubClient) ListPrompts(context.Context, mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{Prompts: f.prompts}, nil
}

func (f *stubClient) GetPrompt(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{Description: req.Params.Name}, nil
}

func (f *stubClient) Ping(context.Context) error { return nil }

func (f *stubClient) OnNotification(handler func(mcp.JSONRPCNotification)) { f.notify = handler }

func (f *stubClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *stubClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fixture struct {
	clients map[string]*stubClient
	pool    *pool.Pool
	session *Session
}

func newFixture(t *testing.T, clients map[string]*stubClient, cfg Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg.Bundle = &bundle.Bundle{ID: "bundle-1", Name: "test bundle"}
	cfg.Pool = pool.New(logger)
	cfg.Checker = permission.NewChecker(logger)
	cfg.Logger = logger
	if cfg.Separator == "" {
		cfg.Separator = "__"
	}
	if cfg.HashMode == "" {
		cfg.HashMode = config.HashModeNever
	}
	cfg.ClientFactory = func(tc transport.ClientConfig) (upstream.MCPClient, error) {
		return clients[tc.URL], nil
	}

	return &fixture{
		clients: clients,
		pool:    cfg.Pool,
		session: New(cfg),
	}
}

func spec(ns, url string, stateless bool, perms permission.Set) bundle.UpstreamSpec {
	return bundle.UpstreamSpec{
		MCPID:       "mcp-" + ns,
		Namespace:   ns,
		URL:         url,
		Stateless:   stateless,
		Strategy:    auth.StrategyNone,
		Credential:  auth.None(),
		Permissions: perms,
	}
}

func TestSession_ListToolsAggregatesInOrder(t *testing.T) {
	clients := map[string]*stubClient{
		"https://a.example.com/mcp": {tools: []mcp.Tool{{Name: "search"}, {Name: "read"}}},
		"https://b.example.com/mcp": {tools: []mcp.Tool{{Name: "read"}}},
	}
	fx := newFixture(t, clients, Config{})
	defer fx.session.Close(context.Background(), "test")

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("github", "https://a.example.com/mcp", false, permission.AllowAll())))
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("notion", "https://b.example.com/mcp", false, permission.AllowAll())))

	result, err := fx.session.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, result.Tools, 3)
	assert.Equal(t, "github__search", result.Tools[0].Name)
	assert.Equal(t, "github__read", result.Tools[1].Name)
	assert.Equal(t, "notion__read", result.Tools[2].Name)
}

func TestSession_HashedToolCallRoutes(t *testing.T) {
	var forwarded string
	client := &stubClient{tools: []mcp.Tool{{Name: "very_long_name"}}}
	client.callToolFn = func(req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		forwarded = req.Params.Name
		return mcp.NewToolResultText("ok"), nil
	}
	clients := map[string]*stubClient{"https://a.example.com/mcp": client}
	fx := newFixture(t, clients, Config{HashMode: config.HashModeThreshold, HashThreshold: 10})
	defer fx.session.Close(context.Background(), "test")

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("a", "https://a.example.com/mcp", false, permission.AllowAll())))

	listed, err := fx.session.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, listed.Tools, 1)
	digest := listed.Tools[0].Name
	require.Len(t, digest, 12)
	require.NotNil(t, listed.Tools[0].Meta)
	assert.Equal(t, "very_long_name", listed.Tools[0].Meta.AdditionalFields["originalName"])

	req := mcp.CallToolRequest{}
	req.Params.Name = digest
	result, err := fx.session.CallTool(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "very_long_name", forwarded)
}

func TestSession_ResourceRoundTrip(t *testing.T) {
	clients := map[string]*stubClient{
		"https://a.example.com/mcp": {resources: []mcp.Resource{{URI: "https://x/y", Name: "y"}}},
	}
	fx := newFixture(t, clients, Config{})
	defer fx.session.Close(context.Background(), "test")

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("files", "https://a.example.com/mcp", false, permission.AllowAll())))

	listed, err := fx.session.ListResources(ctx, mcp.ListResourcesRequest{})
	require.NoError(t, err)
	require.Len(t, listed.Resources, 1)
	assert.Equal(t, "https://x/y?namespace=files", listed.Resources[0].URI)

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "https://x/y?namespace=files"
	result, err := fx.session.ReadResource(ctx, req)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	text := result.Contents[0].(mcp.TextResourceContents)
	assert.Equal(t, "https://x/y", text.URI)
}

func TestSession_ReadResourceWithoutNamespace(t *testing.T) {
	clients := map[string]*stubClient{"https://a.example.com/mcp": {}}
	fx := newFixture(t, clients, Config{})
	defer fx.session.Close(context.Background(), "test")

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("files", "https://a.example.com/mcp", false, permission.AllowAll())))

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "https://x/y"
	result, err := fx.session.ReadResource(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, result.Contents)
}

func TestSession_PermissionDeniedCallTool(t *testing.T) {
	clients := map[string]*stubClient{
		"https://a.example.com/mcp": {tools: []mcp.Tool{{Name: "search"}, {Name: "delete"}}},
	}
	fx := newFixture(t, clients, Config{})
	defer fx.session.Close(context.Background(), "test")

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx,
		spec("g", "https://a.example.com/mcp", false, permission.Set{Tools: []string{"search"}})))

	listed, err := fx.session.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, listed.Tools, 1)
	assert.Equal(t, "g__search", listed.Tools[0].Name)

	req := mcp.CallToolRequest{}
	req.Params.Name = "g__delete"
	result, err := fx.session.CallTool(ctx, req)
	require.NoError(t, err)
	require.True(t, result.IsError)
	text := result.Content[0].(mcp.TextContent)
	assert.Equal(t, `Permission denied: tool "delete" is not allowed for this MCP`, text.Text)
}

func TestSession_CallToolUnknownUpstream(t *testing.T) {
	clients := map[string]*stubClient{"https://a.example.com/mcp": {}}
	fx := newFixture(t, clients, Config{})
	defer fx.session.Close(context.Background(), "test")

	req := mcp.CallToolRequest{}
	req.Params.Name = "nope__tool"
	result, err := fx.session.CallTool(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSession_AttachDuplicateNamespace(t *testing.T) {
	clients := map[string]*stubClient{"https://a.example.com/mcp": {}}
	fx := newFixture(t, clients, Config{})
	defer fx.session.Close(context.Background(), "test")

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("g", "https://a.example.com/mcp", false, permission.AllowAll())))
	err := fx.session.AttachUpstream(ctx, spec("g", "https://a.example.com/mcp", false, permission.AllowAll()))
	assert.ErrorIs(t, err, ErrDuplicateNS)
}

func TestSession_AttachAfterTermination(t *testing.T) {
	clients := map[string]*stubClient{"https://a.example.com/mcp": {}}
	fx := newFixture(t, clients, Config{})

	fx.session.Close(context.Background(), "test")
	assert.Equal(t, StateTerminated, fx.session.State())

	err := fx.session.AttachUpstream(context.Background(), spec("g", "https://a.example.com/mcp", false, permission.AllowAll()))
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestSession_PoolReuseAndCloseSemantics(t *testing.T) {
	clients := map[string]*stubClient{
		"https://shared.example.com/mcp": {},
		"https://own.example.com/mcp":    {},
	}
	fx := newFixture(t, clients, Config{})

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("shared", "https://shared.example.com/mcp", true, permission.AllowAll())))
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("own", "https://own.example.com/mcp", false, permission.AllowAll())))

	require.True(t, fx.pool.Has("shared", "https://shared.example.com/mcp"))

	fx.session.Close(ctx, "test")

	assert.False(t, clients["https://shared.example.com/mcp"].isClosed(),
		"pooled connector must survive session close")
	assert.True(t, clients["https://own.example.com/mcp"].isClosed(),
		"session-owned connector must disconnect on close")

	// A second session reuses the pooled connector without reconnecting.
	logger := zaptest.NewLogger(t)
	second := New(Config{
		Bundle:    &bundle.Bundle{ID: "bundle-2"},
		Pool:      fx.pool,
		Checker:   permission.NewChecker(logger),
		Separator: "__",
		HashMode:  config.HashModeNever,
		Logger:    logger,
		ClientFactory: func(tc transport.ClientConfig) (upstream.MCPClient, error) {
			return clients[tc.URL], nil
		},
	})
	defer second.Close(ctx, "test")
	require.NoError(t, second.AttachUpstream(ctx, spec("shared", "https://shared.example.com/mcp", true, permission.AllowAll())))
	assert.Equal(t, 1, fx.pool.Size())
}

func TestSession_LastActivityMonotonic(t *testing.T) {
	clients := map[string]*stubClient{"https://a.example.com/mcp": {}}
	fx := newFixture(t, clients, Config{})
	defer fx.session.Close(context.Background(), "test")

	prev := fx.session.LastActivity()
	for i := 0; i < 5; i++ {
		fx.session.ListTools(context.Background(), mcp.ListToolsRequest{})
		next := fx.session.LastActivity()
		assert.False(t, next.Before(prev))
		prev = next
	}
}

func TestSession_IdleTimeoutCloses(t *testing.T) {
	clients := map[string]*stubClient{"https://a.example.com/mcp": {}}
	fx := newFixture(t, clients, Config{
		IdleTimeout: 30 * time.Millisecond,
		IdleTick:    10 * time.Millisecond,
	})

	var reason string
	var mu sync.Mutex
	fx.session.OnShutdown(func(r string) {
		mu.Lock()
		reason = r
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		return fx.session.State() == StateTerminated
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "idle", reason)
	mu.Unlock()

	events := fx.session.Events()
	last := events[len(events)-1]
	assert.Equal(t, EventSessionTerminated, last.Kind)
	assert.Equal(t, "idle", last.Reason)
}

func TestSession_DomainEvents(t *testing.T) {
	clients := map[string]*stubClient{"https://a.example.com/mcp": {}}
	fx := newFixture(t, clients, Config{})

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("g", "https://a.example.com/mcp", false, permission.AllowAll())))
	fx.session.Close(ctx, "client_disconnect")

	kinds := make([]EventKind, 0)
	for _, e := range fx.session.DrainEvents() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{
		EventSessionEstablished,
		EventUpstreamConnected,
		EventUpstreamDisconnected,
		EventSessionTerminated,
	}, kinds)

	assert.Empty(t, fx.session.DrainEvents(), "drain must clear the log")
}

func TestSession_ResumptionTokenLifecycle(t *testing.T) {
	client := &stubClient{}
	client.callToolFn = func(req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := mcp.NewToolResultText("ok")
		result.Meta = &mcp.Meta{AdditionalFields: map[string]any{
			"resumptionToken": "resume-1",
		}}
		return result, nil
	}
	clients := map[string]*stubClient{"https://a.example.com/mcp": client}
	fx := newFixture(t, clients, Config{})

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("g", "https://a.example.com/mcp", false, permission.AllowAll())))

	req := mcp.CallToolRequest{}
	req.Params.Name = "g__search"
	_, err := fx.session.CallTool(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "resume-1", fx.session.ResumptionToken("g", "call_tool"))

	// The stored token is forwarded on the next call.
	var seen string
	client.callToolFn = func(req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if req.Params.Meta != nil {
			seen, _ = req.Params.Meta.AdditionalFields["resumptionToken"].(string)
		}
		return mcp.NewToolResultText("ok"), nil
	}
	_, err = fx.session.CallTool(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "resume-1", seen)

	fx.session.Close(ctx, "test")
	assert.Empty(t, fx.session.ResumptionToken("g", "call_tool"))
}

func TestSession_PromptFlow(t *testing.T) {
	clients := map[string]*stubClient{
		"https://a.example.com/mcp": {prompts: []mcp.Prompt{{Name: "summarize"}}},
	}
	fx := newFixture(t, clients, Config{})
	defer fx.session.Close(context.Background(), "test")

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("g", "https://a.example.com/mcp", false, permission.AllowAll())))

	listed, err := fx.session.ListPrompts(ctx, mcp.ListPromptsRequest{})
	require.NoError(t, err)
	require.Len(t, listed.Prompts, 1)
	assert.Equal(t, "g__summarize", listed.Prompts[0].Name)

	req := mcp.GetPromptRequest{}
	req.Params.Name = "g__summarize"
	result, err := fx.session.GetPrompt(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "summarize", result.Description)
}

func TestSession_ConcurrentAttachSameNamespace(t *testing.T) {
	clients := map[string]*stubClient{
		"https://a.example.com/mcp": {startDelay: 5 * time.Millisecond, tools: []mcp.Tool{{Name: "search"}}},
	}
	fx := newFixture(t, clients, Config{})
	defer fx.session.Close(context.Background(), "test")

	ctx := context.Background()
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fx.session.AttachUpstream(ctx, spec("g", "https://a.example.com/mcp", false, permission.AllowAll()))
		}(i)
	}
	wg.Wait()

	var dup int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrDuplicateNS)
			dup++
		}
	}
	assert.Equal(t, 1, dup, "exactly one attach must lose the race")
	assert.Equal(t, []string{"g"}, fx.session.Namespaces())

	listed, err := fx.session.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, listed.Tools, 1)
}

func TestSession_AttachRejectsNamespaceWithSeparator(t *testing.T) {
	clients := map[string]*stubClient{"https://a.example.com/mcp": {}}
	fx := newFixture(t, clients, Config{Separator: "--"})
	defer fx.session.Close(context.Background(), "test")

	err := fx.session.AttachUpstream(context.Background(),
		spec("a--b", "https://a.example.com/mcp", false, permission.AllowAll()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "separator")
	assert.Empty(t, fx.session.Namespaces())
}

func TestSession_MetricsRecorded(t *testing.T) {
	metrics := observability.NewMetricsManager("test")
	client := &stubClient{tools: []mcp.Tool{{Name: "search"}}}
	client.callToolFn = func(req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	}
	clients := map[string]*stubClient{"https://a.example.com/mcp": client}
	fx := newFixture(t, clients, Config{Metrics: metrics})

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("g", "https://a.example.com/mcp", false, permission.AllowAll())))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UpstreamsAttached))

	_, err := fx.session.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ListRequests.WithLabelValues("tools")))

	req := mcp.CallToolRequest{}
	req.Params.Name = "g__search"
	_, err = fx.session.CallTool(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("g", "ok")))

	fx.session.Close(ctx, "test")
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.UpstreamsAttached))
}

func TestSession_NotificationForwarding(t *testing.T) {
	client := &stubClient{}
	clients := map[string]*stubClient{"https://a.example.com/mcp": client}

	var mu sync.Mutex
	var methods []string
	fx := newFixture(t, clients, Config{
		DebounceInterval: 30 * time.Millisecond,
		Notify: func(method string) {
			mu.Lock()
			methods = append(methods, method)
			mu.Unlock()
		},
	})
	defer fx.session.Close(context.Background(), "test")

	ctx := context.Background()
	require.NoError(t, fx.session.AttachUpstream(ctx, spec("g", "https://a.example.com/mcp", false, permission.AllowAll())))

	// Three rapid upstream changes collapse into one downstream notification.
	for i := 0; i < 3; i++ {
		n := mcp.JSONRPCNotification{}
		n.Method = string(mcp.MethodNotificationToolsListChanged)
		client.notify(n)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(methods) == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	require.Len(t, methods, 1)
	assert.Equal(t, "notifications/tools/list_changed", methods[0])
	mu.Unlock()
}
