package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mcpbundler/mcpbundler-go/internal/auth"
	"github.com/mcpbundler/mcpbundler-go/internal/upstream"
)

func newConnector(t *testing.T, namespace string, stateless bool) upstream.Connector {
	t.Helper()
	return upstream.New(upstream.Config{
		Namespace:  namespace,
		URL:        "https://" + namespace + ".example.com/mcp",
		Stateless:  stateless,
		Credential: auth.None(),
		Logger:     zaptest.NewLogger(t),
	})
}

func TestPool_SetGet(t *testing.T) {
	p := New(zaptest.NewLogger(t))
	c := newConnector(t, "github", true)

	p.Set(c)

	got, ok := p.Get("github", c.URL())
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.True(t, p.Has("github", c.URL()))
	assert.True(t, p.IsPooled(c))
	assert.Equal(t, 1, p.Size())
}

func TestPool_RejectsStateful(t *testing.T) {
	p := New(zaptest.NewLogger(t))
	c := newConnector(t, "github", false)

	p.Set(c)

	assert.False(t, p.Has("github", c.URL()))
	assert.False(t, p.IsPooled(c))
}

func TestPool_MissingEntry(t *testing.T) {
	p := New(zaptest.NewLogger(t))

	_, ok := p.Get("nope", "https://nope.example.com/mcp")
	assert.False(t, ok)
	assert.False(t, p.Has("nope", "https://nope.example.com/mcp"))
}

func TestPool_DistinctKeys(t *testing.T) {
	p := New(zaptest.NewLogger(t))
	a := newConnector(t, "a", true)
	b := newConnector(t, "b", true)
	p.Set(a)
	p.Set(b)

	got, ok := p.Get("a", a.URL())
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 2, p.Size())
}

func TestPool_Shutdown(t *testing.T) {
	p := New(zaptest.NewLogger(t))
	c := newConnector(t, "github", true)
	p.Set(c)

	p.Shutdown(context.Background())

	assert.Equal(t, 0, p.Size())
	assert.False(t, p.IsPooled(c))
	assert.Equal(t, upstream.StateClosed, c.State())
}
