package bundle

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mcpbundler/mcpbundler-go/internal/auth"
	"github.com/mcpbundler/mcpbundler-go/internal/permission"
	"github.com/mcpbundler/mcpbundler-go/internal/secret"
	"github.com/mcpbundler/mcpbundler-go/internal/storage"
)

// Resolution errors. InvalidToken maps to 401, BundleNotFound to 404 and
// DecryptionFailed to 500 at the connection boundary.
var (
	ErrInvalidToken     = fmt.Errorf("invalid token")
	ErrBundleNotFound   = fmt.Errorf("bundle not found")
	ErrDecryptionFailed = fmt.Errorf("credential decryption failed")
)

// Store is the read surface the resolver needs from persistence.
type Store interface {
	GetTokenByHash(hash string) (*storage.TokenRecord, error)
	GetBundle(id string) (*storage.BundleRecord, error)
	ListBundleMembers(bundleID string) ([]*storage.BundleMemberRecord, error)
	GetMCP(id string) (*storage.MCPRecord, error)
	ListMCPs() ([]*storage.MCPRecord, error)
	GetUserCredential(tokenID, mcpID string) (string, bool, error)
}

// Resolver turns opaque bearer tokens into Bundle snapshots.
type Resolver struct {
	store  Store
	cipher *secret.Cipher
	logger *zap.Logger

	allowWildcard bool
	// wildcardDigest is the SHA-256 of the configured wildcard token,
	// kept pre-hashed so the comparison is constant time regardless of
	// candidate length.
	wildcardDigest [sha256.Size]byte

	now func() time.Time
}

// NewResolver creates a bundle resolver.
func NewResolver(store Store, cipher *secret.Cipher, wildcardToken string, logger *zap.Logger) *Resolver {
	r := &Resolver{
		store:  store,
		cipher: cipher,
		logger: logger,
		now:    time.Now,
	}
	if wildcardToken != "" {
		r.allowWildcard = true
		r.wildcardDigest = sha256.Sum256([]byte(wildcardToken))
	}
	return r
}

// Resolve resolves a bearer token to a bundle with decrypted credentials.
func (r *Resolver) Resolve(token string) (*Bundle, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	if r.isWildcard(token) {
		return r.resolveWildcard()
	}

	hash := storage.HashToken(token)
	rec, err := r.store.GetTokenByHash(hash)
	if err != nil {
		if err == storage.ErrTokenNotFound {
			r.logger.Warn("Unknown bundle token",
				zap.String("token_prefix", storage.TokenDiagnosticPrefix(token)))
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if rec.RevokedAt != nil {
		r.logger.Warn("Revoked bundle token presented",
			zap.String("token_prefix", rec.Prefix))
		return nil, ErrInvalidToken
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(r.now()) {
		r.logger.Warn("Expired bundle token presented",
			zap.String("token_prefix", rec.Prefix))
		return nil, ErrInvalidToken
	}

	bundleRec, err := r.store.GetBundle(rec.BundleID)
	if err != nil {
		if err == storage.ErrBundleNotFound {
			return nil, ErrBundleNotFound
		}
		return nil, fmt.Errorf("bundle lookup failed: %w", err)
	}

	members, err := r.store.ListBundleMembers(bundleRec.ID)
	if err != nil {
		return nil, fmt.Errorf("bundle membership lookup failed: %w", err)
	}

	b := &Bundle{
		ID:      bundleRec.ID,
		Name:    bundleRec.Name,
		TokenID: rec.ID,
	}

	for _, member := range members {
		mcp, err := r.store.GetMCP(member.MCPID)
		if err != nil {
			r.logger.Error("Bundle member references missing MCP",
				zap.String("bundle_id", bundleRec.ID),
				zap.String("mcp_id", member.MCPID),
				zap.Error(err))
			continue
		}

		spec := UpstreamSpec{
			MCPID:     mcp.ID,
			Namespace: member.Namespace,
			URL:       mcp.URL,
			Stateless: mcp.Stateless,
			Strategy:  mcp.AuthStrategy,
			Permissions: permission.Set{
				Tools:     member.AllowedTools,
				Resources: member.AllowedResources,
				Prompts:   member.AllowedPrompts,
			},
		}

		included, err := r.materialiseAuth(&spec, mcp, rec.ID)
		if err != nil {
			return nil, err
		}
		if !included {
			continue
		}

		b.Upstreams = append(b.Upstreams, spec)
	}

	return b, nil
}

// materialiseAuth fills spec.Credential per the MCP's auth strategy.
// It returns false when the upstream must be excluded from the bundle
// (USER_SET with no bound credential).
func (r *Resolver) materialiseAuth(spec *UpstreamSpec, mcp *storage.MCPRecord, tokenID string) (bool, error) {
	switch mcp.AuthStrategy {
	case auth.StrategyNone, "":
		spec.Credential = auth.None()
		return true, nil

	case auth.StrategyMaster:
		if mcp.MasterCredential == "" {
			spec.Credential = auth.None()
			return true, nil
		}
		cred, err := r.decryptCredential(mcp.MasterCredential)
		if err != nil {
			// Treated as auth-missing for this upstream; the upstream
			// stays in the bundle without credentials.
			r.logger.Error("Failed to decrypt master credential",
				zap.String("mcp_id", mcp.ID),
				zap.String("namespace", spec.Namespace),
				zap.Error(err))
			spec.Credential = auth.None()
			return true, nil
		}
		spec.Credential = cred
		return true, nil

	case auth.StrategyUserSet:
		// Lookup is keyed by the MCP record id, never by namespace.
		blob, found, err := r.store.GetUserCredential(tokenID, mcp.ID)
		if err != nil {
			return false, fmt.Errorf("user credential lookup failed: %w", err)
		}
		if !found {
			r.logger.Info("Excluding upstream without bound user credential",
				zap.String("mcp_id", mcp.ID),
				zap.String("namespace", spec.Namespace))
			return false, nil
		}
		cred, err := r.decryptCredential(blob)
		if err != nil {
			r.logger.Error("Failed to decrypt user credential",
				zap.String("mcp_id", mcp.ID),
				zap.String("namespace", spec.Namespace),
				zap.Error(err))
			return false, fmt.Errorf("%w: mcp %s", ErrDecryptionFailed, mcp.ID)
		}
		spec.Credential = cred
		return true, nil

	default:
		return false, fmt.Errorf("unknown auth strategy %q for mcp %s", mcp.AuthStrategy, mcp.ID)
	}
}

// resolveWildcard builds the synthetic all-MCPs bundle for the wildcard
// token. USER_SET upstreams are skipped; MASTER upstreams require a stored
// master credential.
func (r *Resolver) resolveWildcard() (*Bundle, error) {
	mcps, err := r.store.ListMCPs()
	if err != nil {
		return nil, fmt.Errorf("mcp listing failed: %w", err)
	}

	b := &Bundle{
		ID:   WildcardBundleID,
		Name: WildcardBundleName,
	}

	for _, mcp := range mcps {
		spec := UpstreamSpec{
			MCPID:       mcp.ID,
			Namespace:   mcp.Name,
			URL:         mcp.URL,
			Stateless:   mcp.Stateless,
			Strategy:    mcp.AuthStrategy,
			Permissions: permission.AllowAll(),
		}

		switch mcp.AuthStrategy {
		case auth.StrategyNone, "":
			spec.Credential = auth.None()

		case auth.StrategyMaster:
			if mcp.MasterCredential == "" {
				r.logger.Info("Wildcard bundle skips MASTER upstream without credentials",
					zap.String("mcp_id", mcp.ID),
					zap.String("name", mcp.Name))
				continue
			}
			cred, err := r.decryptCredential(mcp.MasterCredential)
			if err != nil {
				r.logger.Error("Failed to decrypt master credential",
					zap.String("mcp_id", mcp.ID),
					zap.Error(err))
				spec.Credential = auth.None()
			} else {
				spec.Credential = cred
			}

		case auth.StrategyUserSet:
			r.logger.Info("Wildcard bundle skips USER_SET upstream",
				zap.String("mcp_id", mcp.ID),
				zap.String("name", mcp.Name))
			continue

		default:
			r.logger.Warn("Wildcard bundle skips upstream with unknown auth strategy",
				zap.String("mcp_id", mcp.ID),
				zap.String("auth_strategy", string(mcp.AuthStrategy)))
			continue
		}

		b.Upstreams = append(b.Upstreams, spec)
	}

	return b, nil
}

func (r *Resolver) decryptCredential(blob string) (auth.Credential, error) {
	plaintext, err := r.cipher.Decrypt(blob)
	if err != nil {
		return auth.Credential{}, err
	}
	var cred auth.Credential
	if err := json.Unmarshal([]byte(plaintext), &cred); err != nil {
		return auth.Credential{}, fmt.Errorf("failed to parse credential: %w", err)
	}
	return cred, nil
}

func (r *Resolver) isWildcard(token string) bool {
	if !r.allowWildcard {
		return false
	}
	digest := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(digest[:], r.wildcardDigest[:]) == 1
}
