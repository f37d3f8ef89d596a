package storage

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mcpbundler/mcpbundler-go/internal/auth"
	"github.com/mcpbundler/mcpbundler-go/internal/config"
	"github.com/mcpbundler/mcpbundler-go/internal/secret"
)

// TokenPrefix is the fixed prefix of generated bundle tokens.
const TokenPrefix = "mcpb_"

const tokenRandomBytes = 24

// Sentinel errors surfaced by lookups.
var (
	ErrMCPNotFound    = fmt.Errorf("mcp not found")
	ErrBundleNotFound = fmt.Errorf("bundle not found")
	ErrTokenNotFound  = fmt.Errorf("token not found")
)

// Manager provides typed operations over the bolt store. Credentials are
// encrypted before they reach disk and returned as encrypted blobs; callers
// decrypt via the resolver path.
type Manager struct {
	db     *BoltDB
	cipher *secret.Cipher
	logger *zap.SugaredLogger
}

// NewManager creates a storage manager on top of an open database.
func NewManager(db *BoltDB, cipher *secret.Cipher, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		db:     db,
		cipher: cipher,
		logger: logger,
	}
}

// HashToken returns the hex SHA-256 of a plaintext token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenDiagnosticPrefix returns the loggable prefix of a token.
// Tokens are never logged in full.
func TokenDiagnosticPrefix(token string) string {
	const n = 8
	if len(token) <= n {
		return token
	}
	return token[:n]
}

// --- MCPs ---

// CreateMCP registers an upstream MCP server.
func (m *Manager) CreateMCP(name, url string, stateless bool, strategy auth.Strategy) (*MCPRecord, error) {
	if err := config.ValidateNamespace(name); err != nil {
		return nil, fmt.Errorf("invalid mcp name: %w", err)
	}
	now := time.Now()
	rec := &MCPRecord{
		ID:           uuid.NewString(),
		Name:         name,
		URL:          url,
		Stateless:    stateless,
		AuthStrategy: strategy,
		Created:      now,
		Updated:      now,
	}
	if err := m.putJSON(MCPsBucket, rec.ID, rec); err != nil {
		return nil, err
	}
	m.logger.Infow("Registered MCP", "mcp_id", rec.ID, "name", name, "stateless", stateless)
	return rec, nil
}

// GetMCP loads one MCP record by id.
func (m *Manager) GetMCP(id string) (*MCPRecord, error) {
	var rec MCPRecord
	if err := m.getJSON(MCPsBucket, id, &rec); err != nil {
		if err == errKeyNotFound {
			return nil, ErrMCPNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListMCPs returns every registered MCP.
func (m *Manager) ListMCPs() ([]*MCPRecord, error) {
	var records []*MCPRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(MCPsBucket)).ForEach(func(_, v []byte) error {
			var rec MCPRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt mcp record: %w", err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

// SetMasterCredential encrypts and stores the MCP's master credential.
func (m *Manager) SetMasterCredential(mcpID string, cred auth.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	rec, err := m.GetMCP(mcpID)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	encrypted, err := m.cipher.Encrypt(string(blob))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	rec.MasterCredential = encrypted
	rec.Updated = time.Now()
	return m.putJSON(MCPsBucket, rec.ID, rec)
}

// --- Bundles ---

// CreateBundle creates a named bundle.
func (m *Manager) CreateBundle(name string) (*BundleRecord, error) {
	if name == "" {
		return nil, fmt.Errorf("bundle name must not be empty")
	}
	now := time.Now()
	rec := &BundleRecord{
		ID:      uuid.NewString(),
		Name:    name,
		Created: now,
		Updated: now,
	}
	if err := m.putJSON(BundlesBucket, rec.ID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetBundle loads one bundle by id.
func (m *Manager) GetBundle(id string) (*BundleRecord, error) {
	var rec BundleRecord
	if err := m.getJSON(BundlesBucket, id, &rec); err != nil {
		if err == errKeyNotFound {
			return nil, ErrBundleNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// AddBundleMember binds an MCP into a bundle under a namespace.
// Member order is the order of insertion.
func (m *Manager) AddBundleMember(member *BundleMemberRecord) error {
	if err := config.ValidateNamespace(member.Namespace); err != nil {
		return err
	}
	if _, err := m.GetBundle(member.BundleID); err != nil {
		return err
	}
	if _, err := m.GetMCP(member.MCPID); err != nil {
		return err
	}

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BundleMembersBucket))

		// Reject duplicate namespaces within the bundle and compute the
		// next position in a single prefix scan.
		prefix := []byte(member.BundleID + "/")
		position := 0
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var existing BundleMemberRecord
			if err := json.Unmarshal(v, &existing); err != nil {
				return fmt.Errorf("corrupt bundle member record: %w", err)
			}
			if existing.Namespace == member.Namespace {
				return fmt.Errorf("namespace %q already present in bundle %s", member.Namespace, member.BundleID)
			}
			position++
		}

		member.Position = position
		member.Created = time.Now()

		data, err := json.Marshal(member)
		if err != nil {
			return fmt.Errorf("failed to marshal bundle member: %w", err)
		}
		key := fmt.Sprintf("%s/%06d", member.BundleID, member.Position)
		return bucket.Put([]byte(key), data)
	})
}

// ListBundleMembers returns the bundle's members in insertion order.
func (m *Manager) ListBundleMembers(bundleID string) ([]*BundleMemberRecord, error) {
	var members []*BundleMemberRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(BundleMembersBucket))
		prefix := []byte(bundleID + "/")
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec BundleMemberRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt bundle member record: %w", err)
			}
			members = append(members, &rec)
		}
		return nil
	})
	return members, err
}

// --- Tokens ---

// CreateToken mints a bundle token. The plaintext is returned exactly once;
// only its hash is stored.
func (m *Manager) CreateToken(bundleID, createdBy string, expiresAt *time.Time) (plaintext string, rec *TokenRecord, err error) {
	if _, err := m.GetBundle(bundleID); err != nil {
		return "", nil, err
	}

	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	plaintext = TokenPrefix + hex.EncodeToString(raw)

	rec = &TokenRecord{
		ID:        uuid.NewString(),
		Hash:      HashToken(plaintext),
		Prefix:    TokenDiagnosticPrefix(plaintext),
		BundleID:  bundleID,
		CreatedBy: createdBy,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	if err := m.putJSON(TokensBucket, rec.Hash, rec); err != nil {
		return "", nil, err
	}
	m.logger.Infow("Created bundle token", "token_prefix", rec.Prefix, "bundle_id", bundleID)
	return plaintext, rec, nil
}

// GetTokenByHash looks up a token record by its hex SHA-256.
func (m *Manager) GetTokenByHash(hash string) (*TokenRecord, error) {
	var rec TokenRecord
	if err := m.getJSON(TokensBucket, hash, &rec); err != nil {
		if err == errKeyNotFound {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// RevokeToken marks a token revoked. Revocation is permanent.
func (m *Manager) RevokeToken(hash string) error {
	rec, err := m.GetTokenByHash(hash)
	if err != nil {
		return err
	}
	if rec.RevokedAt != nil {
		return nil
	}
	now := time.Now()
	rec.RevokedAt = &now
	return m.putJSON(TokensBucket, rec.Hash, rec)
}

// --- Per-token credentials ---

// SetUserCredential encrypts and stores a credential bound to (token, mcp).
func (m *Manager) SetUserCredential(tokenID, mcpID string, cred auth.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	blob, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	encrypted, err := m.cipher.Encrypt(string(blob))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	now := time.Now()
	rec := &UserCredentialRecord{
		TokenID:    tokenID,
		MCPID:      mcpID,
		Credential: encrypted,
		Created:    now,
		Updated:    now,
	}
	return m.putJSON(UserCredentialsBucket, userCredentialKey(tokenID, mcpID), rec)
}

// GetUserCredential returns the encrypted credential blob for (token, mcp),
// or ("", false, nil) when none is bound.
func (m *Manager) GetUserCredential(tokenID, mcpID string) (string, bool, error) {
	var rec UserCredentialRecord
	err := m.getJSON(UserCredentialsBucket, userCredentialKey(tokenID, mcpID), &rec)
	if err == errKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Credential, true, nil
}

func userCredentialKey(tokenID, mcpID string) string {
	return tokenID + "/" + mcpID
}

// --- bolt helpers ---

var errKeyNotFound = fmt.Errorf("key not found")

func (m *Manager) putJSON(bucket, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return m.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (m *Manager) getJSON(bucket, key string, out interface{}) error {
	return m.db.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return errKeyNotFound
		}
		return json.Unmarshal(data, out)
	})
}
