package store

import (
	"context"
	"testing"

	"gotest.tools/assert"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*DocumentStore)(nil)
	_ Store = (*RelationalStore)(nil)
)

func TestMemoryStoreSetRequiresLabelField(t *testing.T) {
	s := NewMemoryStore()
	err := s.Set(context.Background(), map[string]any{"status": "RUNNING"})
	assert.ErrorContains(t, err, "label")
}

func TestMemoryStoreGetSetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.NilError(t, s.Set(ctx, map[string]any{"label": "pipe-1j", "status": "BUILDING"}))

	got, err := s.Get(ctx, "pipe-1j")
	assert.NilError(t, err)
	assert.Equal(t, got["status"], "BUILDING")
}

func TestMemoryStoreGetMissingIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestMemoryStoreExistsAndRemove(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.NilError(t, s.Set(ctx, map[string]any{"label": "pipe-1j"}))

	exists, err := s.Exists(ctx, "pipe-1j")
	assert.NilError(t, err)
	assert.Equal(t, exists, true)

	removed, err := s.Remove(ctx, "pipe-1j")
	assert.NilError(t, err)
	assert.Equal(t, removed, true)

	removedAgain, err := s.Remove(ctx, "pipe-1j")
	assert.NilError(t, err)
	assert.Equal(t, removedAgain, false)
}

func TestMemoryStoreGetParentAndPrevious(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.NilError(t, s.Set(ctx, map[string]any{
		"label":    "pipe-1j",
		"executed": []any{"pipe-1j--a", "pipe-1j--b"},
	}))
	assert.NilError(t, s.Set(ctx, map[string]any{"label": "pipe-1j--a", "parent": "pipe-1j", "name": "a"}))
	assert.NilError(t, s.Set(ctx, map[string]any{"label": "pipe-1j--b", "parent": "pipe-1j", "name": "b"}))

	parent, err := s.GetParent(ctx, "pipe-1j--a")
	assert.NilError(t, err)
	assert.Equal(t, parent["label"], "pipe-1j")

	previous, err := s.GetPrevious(ctx, "pipe-1j--a")
	assert.NilError(t, err)
	assert.Equal(t, len(previous), 2)
}

func TestMemoryStoreParentsAndChildrenLike(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.NilError(t, s.Set(ctx, map[string]any{"label": "pipe-1j"}))
	assert.NilError(t, s.Set(ctx, map[string]any{"label": "pipe-1j--a", "parent": "pipe-1j"}))

	parents, err := s.ParentsLike(ctx, "^pipe")
	assert.NilError(t, err)
	assert.DeepEqual(t, parents, []string{"pipe-1j"})

	children, err := s.ChildrenLike(ctx, "^pipe")
	assert.NilError(t, err)
	assert.DeepEqual(t, children, []string{"pipe-1j--a"})
}
