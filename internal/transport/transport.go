// Package transport validates upstream URLs and builds MCP clients over
// streamable HTTP with per-upstream authentication.
package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"github.com/mcpbundler/mcpbundler-go/internal/auth"
)

// URL validation errors.
var (
	ErrInvalidScheme  = fmt.Errorf("upstream url must use http or https")
	ErrPrivateAddress = fmt.Errorf("upstream url resolves to a private or local address")
)

// ValidateUpstreamURL rejects URLs that are not plain http(s) or that point
// at loopback, private or link-local targets. allowPrivate lifts the address
// restriction for development setups.
func ValidateUpstreamURL(raw string, allowPrivate bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidScheme, parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("upstream url has no host")
	}
	if allowPrivate {
		return nil
	}

	if isLocalName(host) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}
	return nil
}

func isLocalName(host string) bool {
	lower := strings.ToLower(host)
	return lower == "localhost" || strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal")
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// ClientConfig carries everything needed to dial one upstream.
// Request timeouts are applied per call via context, never on the HTTP
// client, so the streaming listener stays open.
type ClientConfig struct {
	URL        string
	Credential auth.Credential
}

// NewStreamableClient builds an MCP client over streamable HTTP. Header
// credentials are attached to every request; mTLS credentials configure the
// underlying HTTP client.
func NewStreamableClient(cfg ClientConfig) (*client.Client, error) {
	opts := []mcptransport.StreamableHTTPCOption{}

	headers := cfg.Credential.Headers()
	if len(headers) > 0 {
		opts = append(opts, mcptransport.WithHTTPHeaders(headers))
	}

	tlsConfig, err := cfg.Credential.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build tls config: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, mcptransport.WithHTTPBasicClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		}))
	}

	t, err := mcptransport.NewStreamableHTTP(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for %s: %w", cfg.URL, err)
	}
	return client.NewClient(t), nil
}
