package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemStore is an in-memory Store for tests and single-run tooling.
// Safe for concurrent use; contents are lost on process exit.
type MemStore struct {
	mu      sync.RWMutex
	runs    map[string]json.RawMessage
	buckets map[string]Bucket
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:    make(map[string]json.RawMessage),
		buckets: make(map[string]Bucket),
	}
}

// GetRun implements RunKeyStore.
func (m *MemStore) GetRun(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	payload, ok := m.runs[key]
	if !ok {
		return nil, false, nil
	}
	out := make(json.RawMessage, len(payload))
	copy(out, payload)
	return out, true, nil
}

// PutRun implements RunKeyStore. The first write wins; later writes
// return the stored payload untouched.
func (m *MemStore) PutRun(ctx context.Context, key string, payload json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.runs[key]; ok {
		out := make(json.RawMessage, len(existing))
		copy(out, existing)
		return out, nil
	}

	stored := make(json.RawMessage, len(payload))
	copy(stored, payload)
	m.runs[key] = stored

	out := make(json.RawMessage, len(stored))
	copy(out, stored)
	return out, nil
}

// GetBucket implements BucketStore.
func (m *MemStore) GetBucket(ctx context.Context, tool string) (Bucket, bool, error) {
	if err := ctx.Err(); err != nil {
		return Bucket{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[tool]
	return b, ok, nil
}

// PutBucket implements BucketStore.
func (m *MemStore) PutBucket(ctx context.Context, tool string, b Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.buckets[tool] = b
	return nil
}

// Close implements Store.
func (m *MemStore) Close() error { return nil }
