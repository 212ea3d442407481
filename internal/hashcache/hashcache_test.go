package hashcache

import (
	"context"
	"testing"

	"gotest.tools/assert"
)

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*DocumentCache)(nil)
	_ Cache = (*RelationalCache)(nil)
)

func TestMemoryCacheMissReturnsFalseNotError(t *testing.T) {
	c := NewMemoryCache()
	v, ok, err := c.Get(context.Background(), "missing")
	assert.NilError(t, err)
	assert.Equal(t, ok, false)
	assert.Assert(t, v == nil)
}

func TestMemoryCacheSetGetRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	assert.NilError(t, c.Set(ctx, "abc123", map[string]any{"resource_id": "job-xyz"}))

	v, ok, err := c.Get(ctx, "abc123")
	assert.NilError(t, err)
	assert.Equal(t, ok, true)
	assert.DeepEqual(t, v, map[string]any{"resource_id": "job-xyz"})
}

func TestMemoryCacheOverwriteOnDuplicateKey(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	assert.NilError(t, c.Set(ctx, "key", "first"))
	assert.NilError(t, c.Set(ctx, "key", "second"))

	v, _, err := c.Get(ctx, "key")
	assert.NilError(t, err)
	assert.Equal(t, v, "second")
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	assert.NilError(t, c.Set(ctx, "key", "value"))
	assert.NilError(t, c.Delete(ctx, "key"))

	_, ok, err := c.Get(ctx, "key")
	assert.NilError(t, err)
	assert.Equal(t, ok, false)
}

func TestMemoryCacheKeys(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	assert.NilError(t, c.Set(ctx, "a", 1))
	assert.NilError(t, c.Set(ctx, "b", 2))

	keys, err := c.Keys(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(keys), 2)
}
