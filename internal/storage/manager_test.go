package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mcpbundler/mcpbundler-go/internal/auth"
	"github.com/mcpbundler/mcpbundler-go/internal/secret"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	db, err := NewBoltDB(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cipher, err := secret.NewCipher("manager-test-secret")
	require.NoError(t, err)
	return NewManager(db, cipher, logger)
}

func TestManager_MCPLifecycle(t *testing.T) {
	m := newTestManager(t)

	rec, err := m.CreateMCP("github", "https://gh.example/mcp", true, auth.StrategyMaster)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	got, err := m.GetMCP(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "github", got.Name)
	assert.True(t, got.Stateless)
	assert.Equal(t, auth.StrategyMaster, got.AuthStrategy)

	_, err = m.GetMCP("missing")
	require.ErrorIs(t, err, ErrMCPNotFound)

	all, err := m.ListMCPs()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestManager_CreateMCPRejectsBadName(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateMCP("bad name", "https://gh.example/mcp", false, auth.StrategyNone)
	require.Error(t, err)
	_, err = m.CreateMCP("bad__name", "https://gh.example/mcp", false, auth.StrategyNone)
	require.Error(t, err)
}

func TestManager_MasterCredentialEncryptedAtRest(t *testing.T) {
	m := newTestManager(t)

	rec, err := m.CreateMCP("github", "https://gh.example/mcp", false, auth.StrategyMaster)
	require.NoError(t, err)

	cred := auth.Credential{Type: auth.TypeBearer, Token: "ghp_supersecret"}
	require.NoError(t, m.SetMasterCredential(rec.ID, cred))

	got, err := m.GetMCP(rec.ID)
	require.NoError(t, err)
	assert.True(t, secret.IsEncrypted(got.MasterCredential))
	assert.NotContains(t, got.MasterCredential, "ghp_supersecret")
}

func TestManager_SetMasterCredentialValidates(t *testing.T) {
	m := newTestManager(t)

	rec, err := m.CreateMCP("github", "https://gh.example/mcp", false, auth.StrategyMaster)
	require.NoError(t, err)

	err = m.SetMasterCredential(rec.ID, auth.Credential{Type: auth.TypeBearer})
	require.Error(t, err)
}

func TestManager_BundleMembers(t *testing.T) {
	m := newTestManager(t)

	b, err := m.CreateBundle("team tools")
	require.NoError(t, err)
	m1, err := m.CreateMCP("github", "https://gh.example/mcp", false, auth.StrategyNone)
	require.NoError(t, err)
	m2, err := m.CreateMCP("notion", "https://no.example/mcp", false, auth.StrategyNone)
	require.NoError(t, err)

	require.NoError(t, m.AddBundleMember(&BundleMemberRecord{
		BundleID: b.ID, MCPID: m1.ID, Namespace: "github",
		AllowedTools: []string{"search"},
	}))
	require.NoError(t, m.AddBundleMember(&BundleMemberRecord{
		BundleID: b.ID, MCPID: m2.ID, Namespace: "notion",
	}))

	members, err := m.ListBundleMembers(b.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "github", members[0].Namespace)
	assert.Equal(t, 0, members[0].Position)
	assert.Equal(t, "notion", members[1].Namespace)
	assert.Equal(t, 1, members[1].Position)
}

func TestManager_AddBundleMemberRejectsDuplicateNamespace(t *testing.T) {
	m := newTestManager(t)

	b, err := m.CreateBundle("team tools")
	require.NoError(t, err)
	m1, err := m.CreateMCP("github", "https://gh.example/mcp", false, auth.StrategyNone)
	require.NoError(t, err)
	m2, err := m.CreateMCP("mirror", "https://mirror.example/mcp", false, auth.StrategyNone)
	require.NoError(t, err)

	require.NoError(t, m.AddBundleMember(&BundleMemberRecord{
		BundleID: b.ID, MCPID: m1.ID, Namespace: "github",
	}))
	err = m.AddBundleMember(&BundleMemberRecord{
		BundleID: b.ID, MCPID: m2.ID, Namespace: "github",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already present")
}

func TestManager_AddBundleMemberChecksReferences(t *testing.T) {
	m := newTestManager(t)

	b, err := m.CreateBundle("team tools")
	require.NoError(t, err)

	err = m.AddBundleMember(&BundleMemberRecord{BundleID: "missing", MCPID: "x", Namespace: "ns"})
	require.ErrorIs(t, err, ErrBundleNotFound)

	err = m.AddBundleMember(&BundleMemberRecord{BundleID: b.ID, MCPID: "missing", Namespace: "ns"})
	require.ErrorIs(t, err, ErrMCPNotFound)
}

func TestManager_TokenLifecycle(t *testing.T) {
	m := newTestManager(t)

	b, err := m.CreateBundle("team tools")
	require.NoError(t, err)

	plaintext, rec, err := m.CreateToken(b.ID, "alice", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, TokenPrefix))
	assert.Equal(t, HashToken(plaintext), rec.Hash)
	assert.NotContains(t, rec.Hash, plaintext)

	got, err := m.GetTokenByHash(rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.BundleID)
	assert.Nil(t, got.RevokedAt)

	require.NoError(t, m.RevokeToken(rec.Hash))
	got, err = m.GetTokenByHash(rec.Hash)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)

	// Revocation is idempotent and permanent.
	firstRevocation := *got.RevokedAt
	require.NoError(t, m.RevokeToken(rec.Hash))
	got, err = m.GetTokenByHash(rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, firstRevocation.Unix(), got.RevokedAt.Unix())
}

func TestManager_CreateTokenRequiresBundle(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.CreateToken("missing", "", nil)
	require.ErrorIs(t, err, ErrBundleNotFound)
}

func TestManager_TokensAreUnique(t *testing.T) {
	m := newTestManager(t)
	b, err := m.CreateBundle("team tools")
	require.NoError(t, err)

	a, _, err := m.CreateToken(b.ID, "", nil)
	require.NoError(t, err)
	c, _, err := m.CreateToken(b.ID, "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestManager_UserCredentials(t *testing.T) {
	m := newTestManager(t)

	_, found, err := m.GetUserCredential("t1", "m1")
	require.NoError(t, err)
	assert.False(t, found)

	cred := auth.Credential{Type: auth.TypeAPIKey, Value: "k"}
	require.NoError(t, m.SetUserCredential("t1", "m1", cred))

	blob, found, err := m.GetUserCredential("t1", "m1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, secret.IsEncrypted(blob))
}

func TestTokenDiagnosticPrefix(t *testing.T) {
	assert.Equal(t, "mcpb_abc", TokenDiagnosticPrefix("mcpb_abcdef0123"))
	assert.Equal(t, "short", TokenDiagnosticPrefix("short"))
}

func TestManager_ExpiryRoundTrip(t *testing.T) {
	m := newTestManager(t)
	b, err := m.CreateBundle("team tools")
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	_, rec, err := m.CreateToken(b.ID, "", &expires)
	require.NoError(t, err)

	got, err := m.GetTokenByHash(rec.Hash)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
}
