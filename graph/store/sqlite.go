package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store for single-host deployments and
// development. WAL mode keeps readers unblocked during writes; the
// run_keys primary key enforces first-writer-wins.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path and ensures
// the schema exists. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	runKeys := `
		CREATE TABLE IF NOT EXISTS run_keys (
			key TEXT PRIMARY KEY,
			result_json TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, runKeys); err != nil {
		return fmt.Errorf("failed to create run_keys table: %w", err)
	}

	rateBuckets := `
		CREATE TABLE IF NOT EXISTS rate_buckets (
			tool TEXT PRIMARY KEY,
			tokens REAL NOT NULL,
			updated_at REAL NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, rateBuckets); err != nil {
		return fmt.Errorf("failed to create rate_buckets table: %w", err)
	}
	return nil
}

// GetRun implements RunKeyStore.
func (s *SQLiteStore) GetRun(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var result string
	err := s.db.QueryRowContext(ctx,
		"SELECT result_json FROM run_keys WHERE key = ?", key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read run key %q: %w", key, err)
	}
	return json.RawMessage(result), true, nil
}

// PutRun implements RunKeyStore. ON CONFLICT DO NOTHING keeps the first
// writer's row; the canonical payload is read back afterwards.
func (s *SQLiteStore) PutRun(ctx context.Context, key string, payload json.RawMessage) (json.RawMessage, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO run_keys (key, result_json, created_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING",
		key, string(payload), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert run key %q: %w", key, err)
	}

	canonical, ok, err := s.GetRun(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run key %q missing after insert", key)
	}
	return canonical, nil
}

// GetBucket implements BucketStore.
func (s *SQLiteStore) GetBucket(ctx context.Context, tool string) (Bucket, bool, error) {
	var b Bucket
	err := s.db.QueryRowContext(ctx,
		"SELECT tokens, updated_at FROM rate_buckets WHERE tool = ?", tool).
		Scan(&b.Tokens, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, false, nil
	}
	if err != nil {
		return Bucket{}, false, fmt.Errorf("failed to read bucket for %q: %w", tool, err)
	}
	return b, true, nil
}

// PutBucket implements BucketStore.
func (s *SQLiteStore) PutBucket(ctx context.Context, tool string, b Bucket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_buckets (tool, tokens, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tool) DO UPDATE SET tokens = excluded.tokens, updated_at = excluded.updated_at`,
		tool, b.Tokens, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert bucket for %q: %w", tool, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
