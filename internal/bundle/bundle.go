// Package bundle resolves bundle tokens into upstream configurations with
// decrypted per-upstream credentials.
package bundle

import (
	"github.com/mcpbundler/mcpbundler-go/internal/auth"
	"github.com/mcpbundler/mcpbundler-go/internal/permission"
)

// WildcardBundleID is the synthetic bundle id returned for wildcard tokens.
const WildcardBundleID = "wildcard"

// WildcardBundleName is the display name of the synthetic wildcard bundle.
const WildcardBundleName = "Wildcard Access - All MCPs"

// Bundle is an immutable per-resolution snapshot of what a token grants.
type Bundle struct {
	ID        string
	Name      string
	TokenID   string
	Upstreams []UpstreamSpec
}

// UpstreamSpec describes one upstream MCP inside a bundle with its decrypted
// credential and access policy.
type UpstreamSpec struct {
	MCPID     string
	Namespace string
	URL       string
	Stateless bool

	Strategy    auth.Strategy
	Credential  auth.Credential
	Permissions permission.Set
}
