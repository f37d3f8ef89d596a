package server

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/mcpbundler/mcpbundler-go/internal/session"
	"github.com/mcpbundler/mcpbundler-go/internal/upstream"
)

// bridge binds one session to a dedicated downstream MCP server instance.
// Per-token instances keep each bundle's tools, resources and prompts
// isolated from every other client.
type bridge struct {
	logger  *zap.Logger
	session *session.Session

	mcpServer  *mcpserver.MCPServer
	streamable *mcpserver.StreamableHTTPServer
	sse        *mcpserver.SSEServer

	mu        sync.Mutex
	tools     map[string]struct{}
	prompts   map[string]struct{}
	resources map[string]struct{}
	templates map[string]struct{}
}

func newBridge(name, version string, sess *session.Session, logger *zap.Logger) *bridge {
	b := &bridge{
		logger:    logger,
		session:   sess,
		tools:     make(map[string]struct{}),
		prompts:   make(map[string]struct{}),
		resources: make(map[string]struct{}),
		templates: make(map[string]struct{}),
	}

	b.mcpServer = mcpserver.NewMCPServer(
		name,
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
	)
	b.streamable = mcpserver.NewStreamableHTTPServer(b.mcpServer)
	b.sse = mcpserver.NewSSEServer(
		b.mcpServer,
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/message"),
		mcpserver.WithKeepAlive(true),
		mcpserver.WithKeepAliveInterval(30*time.Second),
	)
	return b
}

// ServeStreamable handles a streamable HTTP request for this bundle.
func (b *bridge) ServeStreamable(w http.ResponseWriter, r *http.Request) {
	b.streamable.ServeHTTP(w, r)
}

// ServeSSE handles SSE and message-endpoint requests for this bundle.
func (b *bridge) ServeSSE(w http.ResponseWriter, r *http.Request) {
	b.sse.ServeHTTP(w, r)
}

// RefreshAll re-registers every capability kind from the session.
func (b *bridge) RefreshAll(ctx context.Context) {
	b.refreshTools(ctx)
	b.refreshResources(ctx)
	b.refreshPrompts(ctx)
}

// OnListChanged re-registers the changed kind and forwards the notification.
// Wired as the session's notify callback, so it runs after the debounce
// window closes.
func (b *bridge) OnListChanged(method string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch method {
	case upstream.ChangeTools.NotificationMethod():
		b.refreshTools(ctx)
	case upstream.ChangeResources.NotificationMethod():
		b.refreshResources(ctx)
	case upstream.ChangePrompts.NotificationMethod():
		b.refreshPrompts(ctx)
	}
	b.mcpServer.SendNotificationToAllClients(method, nil)
}

func (b *bridge) refreshTools(ctx context.Context) {
	result, err := b.session.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		b.logger.Warn("Tool refresh failed", zap.Error(err))
		return
	}

	next := make(map[string]struct{}, len(result.Tools))
	toAdd := make([]mcpserver.ServerTool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		next[tool.Name] = struct{}{}
		toAdd = append(toAdd, mcpserver.ServerTool{
			Tool:    tool,
			Handler: b.handleToolCall,
		})
	}

	b.mu.Lock()
	stale := staleNames(b.tools, next)
	b.tools = next
	b.mu.Unlock()

	if len(stale) > 0 {
		b.mcpServer.DeleteTools(stale...)
	}
	if len(toAdd) > 0 {
		b.mcpServer.AddTools(toAdd...)
	}
}

func (b *bridge) handleToolCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return b.session.CallTool(ctx, req)
}

func (b *bridge) refreshResources(ctx context.Context) {
	listed, err := b.session.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		b.logger.Warn("Resource refresh failed", zap.Error(err))
		return
	}

	next := make(map[string]struct{}, len(listed.Resources))
	for _, res := range listed.Resources {
		next[res.URI] = struct{}{}
	}

	b.mu.Lock()
	stale := staleNames(b.resources, next)
	known := b.resources
	b.resources = next
	b.mu.Unlock()

	for _, uri := range stale {
		b.mcpServer.RemoveResource(uri)
	}
	for _, res := range listed.Resources {
		if _, ok := known[res.URI]; ok {
			continue
		}
		b.mcpServer.AddResource(res, b.handleResourceRead)
	}

	b.refreshResourceTemplates(ctx)
}

func (b *bridge) handleResourceRead(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	result, err := b.session.ReadResource(ctx, req)
	if err != nil {
		return nil, err
	}
	return result.Contents, nil
}

func (b *bridge) refreshResourceTemplates(ctx context.Context) {
	listed, err := b.session.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
	if err != nil {
		b.logger.Warn("Resource template refresh failed", zap.Error(err))
		return
	}

	// Templates cannot be removed through the server API; only new ones are
	// registered.
	b.mu.Lock()
	known := b.templates
	b.mu.Unlock()

	for _, tmpl := range listed.ResourceTemplates {
		if tmpl.URITemplate == nil {
			continue
		}
		raw := tmpl.URITemplate.Raw()
		if _, ok := known[raw]; ok {
			continue
		}
		b.mcpServer.AddResourceTemplate(tmpl, b.handleTemplateRead)
		b.mu.Lock()
		b.templates[raw] = struct{}{}
		b.mu.Unlock()
	}
}

func (b *bridge) handleTemplateRead(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return b.handleResourceRead(ctx, req)
}

func (b *bridge) refreshPrompts(ctx context.Context) {
	listed, err := b.session.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		b.logger.Warn("Prompt refresh failed", zap.Error(err))
		return
	}

	next := make(map[string]struct{}, len(listed.Prompts))
	for _, prompt := range listed.Prompts {
		next[prompt.Name] = struct{}{}
	}

	b.mu.Lock()
	stale := staleNames(b.prompts, next)
	known := b.prompts
	b.prompts = next
	b.mu.Unlock()

	if len(stale) > 0 {
		b.mcpServer.DeletePrompts(stale...)
	}
	for _, prompt := range listed.Prompts {
		if _, ok := known[prompt.Name]; ok {
			continue
		}
		b.mcpServer.AddPrompt(prompt, b.handlePromptGet)
	}
}

func (b *bridge) handlePromptGet(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return b.session.GetPrompt(ctx, req)
}

func staleNames(current, next map[string]struct{}) []string {
	var stale []string
	for name := range current {
		if _, ok := next[name]; !ok {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	return stale
}
