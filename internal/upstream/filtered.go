package upstream

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mcpbundler/mcpbundler-go/internal/namespace"
	"github.com/mcpbundler/mcpbundler-go/internal/permission"
)

// ErrPermissionDenied is returned for denied single-target lookups on
// resources and prompts. Tool denials become error-shaped results instead.
var ErrPermissionDenied = fmt.Errorf("permission denied")

// FilteredConnector wraps a connector with the session's permission policy
// and namespace translation. List results come out filtered and namespaced;
// single-target calls go in namespaced and are stripped before forwarding.
// Sessions only ever see this wrapper.
type FilteredConnector struct {
	Connector

	sessionID string
	perms     permission.Set
	checker   *permission.Checker
	resolver  *namespace.Resolver
	logger    *zap.Logger
}

// NewFiltered wraps inner with permission filtering and namespacing.
func NewFiltered(inner Connector, sessionID string, perms permission.Set, checker *permission.Checker, resolver *namespace.Resolver, logger *zap.Logger) *FilteredConnector {
	return &FilteredConnector{
		Connector: inner,
		sessionID: sessionID,
		perms:     perms,
		checker:   checker,
		resolver:  resolver,
		logger:    logger,
	}
}

// Inner returns the wrapped connector for pool bookkeeping.
func (f *FilteredConnector) Inner() Connector {
	return f.Connector
}

// ListTools lists upstream tools, drops denied ones and namespaces the rest.
func (f *FilteredConnector) ListTools(ctx context.Context, req mcp.ListToolsRequest, opts RequestOptions) (*mcp.ListToolsResult, error) {
	result, err := f.Connector.ListTools(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	ns := f.Namespace()
	out := &mcp.ListToolsResult{PaginatedResult: result.PaginatedResult}
	for _, tool := range result.Tools {
		if !f.checker.IsAllowed(f.perms, permission.KindTool, tool.Name) {
			continue
		}
		out.Tools = append(out.Tools, f.resolver.NamespaceTool(ns, tool))
	}
	return out, nil
}

// CallTool expects a namespaced tool name, checks permission against the
// original name and forwards with the name stripped. Denials come back as
// error-shaped results, never as errors.
func (f *FilteredConnector) CallTool(ctx context.Context, req mcp.CallToolRequest, opts RequestOptions) (*mcp.CallToolResult, error) {
	_, original, err := f.resolver.ExtractName(req.Params.Name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown tool %q: name carries no namespace", req.Params.Name)), nil
	}

	if !f.checker.IsAllowed(f.perms, permission.KindTool, original) {
		f.checker.LogDenial(f.sessionID, f.Namespace(), permission.KindTool, original)
		return mcp.NewToolResultError(fmt.Sprintf("Permission denied: tool %q is not allowed for this MCP", original)), nil
	}

	req.Params.Name = original
	return f.Connector.CallTool(ctx, req, opts)
}

// ListResources lists upstream resources, filtered and namespaced via a
// namespace query parameter on each URI.
func (f *FilteredConnector) ListResources(ctx context.Context, req mcp.ListResourcesRequest, opts RequestOptions) (*mcp.ListResourcesResult, error) {
	result, err := f.Connector.ListResources(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	ns := f.Namespace()
	out := &mcp.ListResourcesResult{PaginatedResult: result.PaginatedResult}
	for _, res := range result.Resources {
		if !f.resourceAllowed(res.URI, res.Name) {
			continue
		}
		out.Resources = append(out.Resources, f.resolver.NamespaceResource(ns, res))
	}
	return out, nil
}

// ReadResource expects a URI carrying the namespace parameter and forwards
// the original URI upstream.
func (f *FilteredConnector) ReadResource(ctx context.Context, req mcp.ReadResourceRequest, opts RequestOptions) (*mcp.ReadResourceResult, error) {
	_, original := namespace.ExtractURI(req.Params.URI)

	if !f.resourceAllowed(original, original) {
		f.checker.LogDenial(f.sessionID, f.Namespace(), permission.KindResource, original)
		return nil, fmt.Errorf("%w: resource %q is not allowed for this MCP", ErrPermissionDenied, original)
	}

	req.Params.URI = original
	return f.Connector.ReadResource(ctx, req, opts)
}

// ListResourceTemplates lists upstream templates, filtered and namespaced.
func (f *FilteredConnector) ListResourceTemplates(ctx context.Context, req mcp.ListResourceTemplatesRequest, opts RequestOptions) (*mcp.ListResourceTemplatesResult, error) {
	result, err := f.Connector.ListResourceTemplates(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	ns := f.Namespace()
	out := &mcp.ListResourceTemplatesResult{PaginatedResult: result.PaginatedResult}
	for _, tmpl := range result.ResourceTemplates {
		if !f.checker.IsAllowed(f.perms, permission.KindResource, tmpl.Name) {
			continue
		}
		out.ResourceTemplates = append(out.ResourceTemplates, f.resolver.NamespaceResourceTemplate(ns, tmpl))
	}
	return out, nil
}

// ListPrompts lists upstream prompts, filtered and namespaced.
func (f *FilteredConnector) ListPrompts(ctx context.Context, req mcp.ListPromptsRequest, opts RequestOptions) (*mcp.ListPromptsResult, error) {
	result, err := f.Connector.ListPrompts(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	ns := f.Namespace()
	out := &mcp.ListPromptsResult{PaginatedResult: result.PaginatedResult}
	for _, prompt := range result.Prompts {
		if !f.checker.IsAllowed(f.perms, permission.KindPrompt, prompt.Name) {
			continue
		}
		out.Prompts = append(out.Prompts, f.resolver.NamespacePrompt(ns, prompt))
	}
	return out, nil
}

// GetPrompt expects a namespaced prompt name and forwards the original.
func (f *FilteredConnector) GetPrompt(ctx context.Context, req mcp.GetPromptRequest, opts RequestOptions) (*mcp.GetPromptResult, error) {
	_, original, err := f.resolver.ExtractName(req.Params.Name)
	if err != nil {
		return nil, fmt.Errorf("unknown prompt %q: %w", req.Params.Name, err)
	}

	if !f.checker.IsAllowed(f.perms, permission.KindPrompt, original) {
		f.checker.LogDenial(f.sessionID, f.Namespace(), permission.KindPrompt, original)
		return nil, fmt.Errorf("%w: prompt %q is not allowed for this MCP", ErrPermissionDenied, original)
	}

	req.Params.Name = original
	return f.Connector.GetPrompt(ctx, req, opts)
}

// resourceAllowed matches the policy against the URI first, then the name.
func (f *FilteredConnector) resourceAllowed(uri, name string) bool {
	if f.checker.IsAllowed(f.perms, permission.KindResource, uri) {
		return true
	}
	return name != uri && f.checker.IsAllowed(f.perms, permission.KindResource, name)
}
