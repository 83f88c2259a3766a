// Package store persists the orchestrator's cross-cutting durable
// records: run keys (exactly-once tool invocations) and rate-limiter
// token buckets. Backends: in-memory for tests, SQLite for single-host
// deployments, MySQL for deployments sharing records across hosts.
package store

import (
	"context"
	"encoding/json"
)

// RunKeyStore records completed tool invocations keyed by
// "session:action:step_index". Rows are insert-only: the first writer's
// payload is canonical and later writers observe it unchanged.
type RunKeyStore interface {
	// GetRun returns the cached payload for key, with ok=false when no
	// row exists.
	GetRun(ctx context.Context, key string) (json.RawMessage, bool, error)

	// PutRun inserts the payload for key. A duplicate insert is a
	// benign no-op; the returned payload is always the canonical
	// first-writer value.
	PutRun(ctx context.Context, key string, payload json.RawMessage) (json.RawMessage, error)
}

// Bucket is the persisted token-bucket tuple for one tool.
type Bucket struct {
	// Tokens currently available, in fractional tokens.
	Tokens float64

	// UpdatedAt is the last-refill wall-clock time in Unix seconds
	// (fractional).
	UpdatedAt float64
}

// BucketStore persists per-tool token buckets so the rate limit holds
// across workers and restarts.
type BucketStore interface {
	// GetBucket returns the bucket row for tool, with ok=false when the
	// tool has no row yet.
	GetBucket(ctx context.Context, tool string) (Bucket, bool, error)

	// PutBucket upserts the bucket row for tool.
	PutBucket(ctx context.Context, tool string, b Bucket) error
}

// Store bundles the two record kinds one backend serves.
type Store interface {
	RunKeyStore
	BucketStore

	// Close releases the backend's resources.
	Close() error
}
