package store

import (
	"context"
	"sync"
)

// MemoryTree keeps the whole tree in memory. It is safe for concurrent use.
type MemoryTree struct {
	mu   sync.RWMutex
	root map[string]any
}

// NewMemoryTree creates an empty tree.
func NewMemoryTree() *MemoryTree {
	return &MemoryTree{root: map[string]any{}}
}

// Get returns the subtree at path, or nil when nothing is stored there.
func (t *MemoryTree) Get(_ context.Context, path string) (any, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return normalize(getIn(t.root, SplitPath(path))), nil
}

// Set replaces the subtree at path.
func (t *MemoryTree) Set(_ context.Context, path string, v any) error {
	return t.apply(write{segs: SplitPath(path), v: normalize(v)})
}

// Update writes each field under path in one step.
func (t *MemoryTree) Update(_ context.Context, path string, fields map[string]any) error {
	writes := updateWrites(path, fields)
	for i := range writes {
		writes[i].v = normalize(writes[i].v)
	}
	return t.apply(writes...)
}

// Push stores v under a new key below path and returns the key.
func (t *MemoryTree) Push(_ context.Context, path string, v any) (string, error) {
	key := NewPushKey()
	segs := append(SplitPath(path), key)
	if err := t.apply(write{segs: segs, v: normalize(v)}); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes the subtree at path.
func (t *MemoryTree) Delete(_ context.Context, path string) error {
	return t.apply(write{segs: SplitPath(path)})
}

// Close is a no-op.
func (t *MemoryTree) Close() error { return nil }

// apply commits all writes or none.
func (t *MemoryTree) apply(writes ...write) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var root any = normalize(t.root)
	for _, w := range writes {
		root = setIn(root, w.segs, w.v)
	}
	switch r := root.(type) {
	case nil:
		t.root = map[string]any{}
	case map[string]any:
		t.root = r
	default:
		return ErrInvalidRoot
	}
	return nil
}
