package upstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestListCache_SetGet(t *testing.T) {
	c := newListCache(time.Minute, 4)

	c.set("a", 1)
	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.get("missing")
	assert.False(t, ok)
}

func TestListCache_TTLExpiry(t *testing.T) {
	c := newListCache(time.Minute, 4)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.set("a", 1)

	c.now = func() time.Time { return base.Add(59 * time.Second) }
	_, ok := c.get("a")
	assert.True(t, ok)

	c.now = func() time.Time { return base.Add(61 * time.Second) }
	_, ok = c.get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.len())
}

func TestListCache_LRUEviction(t *testing.T) {
	c := newListCache(time.Minute, 2)

	c.set("a", 1)
	c.set("b", 2)
	c.get("a") // a becomes most recent
	c.set("c", 3)

	_, ok := c.get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.get("a")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
}

func TestListCache_Invalidate(t *testing.T) {
	c := newListCache(time.Minute, 4)
	c.set("a", 1)
	c.set("b", 2)

	c.invalidate()

	assert.Equal(t, 0, c.len())
	_, ok := c.get("a")
	assert.False(t, ok)
}

func TestListCache_UpdateExisting(t *testing.T) {
	c := newListCache(time.Minute, 4)
	c.set("a", 1)
	c.set("a", 2)

	v, _ := c.get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.len())
}
