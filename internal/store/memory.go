package store

import (
	"context"
	"sync"

	apierrors "github.com/trainforge/trainforge/internal/errors"
)

// MemoryStore is an in-memory Store, used by tests and by the
// single-process CLI mode where no external database is configured.
type MemoryStore struct {
	mu sync.RWMutex
	db map[string]map[string]any
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{db: map[string]map[string]any{}}
}

func (s *MemoryStore) Get(_ context.Context, label string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.db[label]
	if !ok {
		return nil, apierrors.NewNotFound(label)
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, value map[string]any) error {
	if err := checkSetPreconditions(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db[value[labelField].(string)] = value
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, label string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.db[label]
	return ok, nil
}

func (s *MemoryStore) Remove(_ context.Context, label string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.db[label]; !ok {
		return false, nil
	}
	delete(s.db, label)
	return true, nil
}

func (s *MemoryStore) GetParent(ctx context.Context, label string) (map[string]any, error) {
	child, err := s.Get(ctx, label)
	if err != nil {
		return nil, err
	}
	parent, ok := child[parentField].(string)
	if !ok {
		return nil, apierrors.NewNotFound(label)
	}
	return s.Get(ctx, parent)
}

func (s *MemoryStore) GetPrevious(ctx context.Context, label string) ([]map[string]any, error) {
	parent, err := s.GetParent(ctx, label)
	if err != nil {
		return nil, err
	}
	executed, _ := parent["executed"].([]any)
	out := make([]map[string]any, 0, len(executed))
	for _, e := range executed {
		name, ok := e.(string)
		if !ok {
			continue
		}
		entry, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *MemoryStore) ParentsLike(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches, err := matchLike(pattern, s.keys())
	if err != nil {
		return nil, err
	}
	parents, _ := splitParentsChildren(matches)
	return parents, nil
}

func (s *MemoryStore) ChildrenLike(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches, err := matchLike(pattern, s.keys())
	if err != nil {
		return nil, err
	}
	_, children := splitParentsChildren(matches)
	return children, nil
}

func (s *MemoryStore) keys() []string {
	keys := make([]string, 0, len(s.db))
	for k := range s.db {
		keys = append(keys, k)
	}
	return keys
}
