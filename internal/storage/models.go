package storage

import (
	"encoding/json"
	"time"

	"github.com/mcpbundler/mcpbundler-go/internal/auth"
)

// Bucket names for the bbolt database
const (
	MCPsBucket            = "mcps"
	BundlesBucket         = "bundles"
	BundleMembersBucket   = "bundle_members"
	TokensBucket          = "tokens"            //nolint:gosec // bucket name, not a credential
	UserCredentialsBucket = "user_credentials"  //nolint:gosec // bucket name, not a credential
	MetaBucket            = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// CurrentSchemaVersion is bumped on bucket layout changes.
const CurrentSchemaVersion = 1

// MCPRecord represents a registered upstream MCP server.
type MCPRecord struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Stateless    bool          `json:"stateless"`
	AuthStrategy auth.Strategy `json:"auth_strategy"`

	// MasterCredential is an encrypted auth.Credential JSON blob in the
	// ivHex:authTagHex:cipherHex shape. Empty when no master credential
	// is configured.
	MasterCredential string `json:"master_credential,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// BundleRecord represents a named grouping of MCPs.
type BundleRecord struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// BundleMemberRecord binds one MCP into a bundle under a namespace with
// per-kind allow-lists. A nil list means allow-all; an empty list denies all.
type BundleMemberRecord struct {
	BundleID  string `json:"bundle_id"`
	MCPID     string `json:"mcp_id"`
	Namespace string `json:"namespace"`
	Position  int    `json:"position"`

	AllowedTools     []string `json:"allowed_tools,omitempty"`
	AllowedResources []string `json:"allowed_resources,omitempty"`
	AllowedPrompts   []string `json:"allowed_prompts,omitempty"`

	Created time.Time `json:"created"`
}

// TokenRecord represents a bundle token. Only the SHA-256 hash of the token
// is persisted; the plaintext exists once, at creation.
type TokenRecord struct {
	ID        string     `json:"id"`
	Hash      string     `json:"hash"`
	Prefix    string     `json:"prefix"` // first characters, for diagnostics
	BundleID  string     `json:"bundle_id"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// UserCredentialRecord is a credential bound to a (token, mcp) pair.
type UserCredentialRecord struct {
	TokenID string `json:"token_id"`
	MCPID   string `json:"mcp_id"`

	// Credential is an encrypted auth.Credential JSON blob.
	Credential string `json:"credential"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (m *MCPRecord) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (m *MCPRecord) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, m) }

// MarshalBinary implements encoding.BinaryMarshaler
func (b *BundleRecord) MarshalBinary() ([]byte, error) { return json.Marshal(b) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (b *BundleRecord) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, b) }
