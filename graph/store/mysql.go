package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a Store backed by MySQL/MariaDB, for deployments where
// several hosts must share run keys and rate buckets. The run_keys
// primary key plus INSERT IGNORE enforces first-writer-wins across
// hosts.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against the DSN and ensures the
// schema exists.
//
// DSN format: user:password@tcp(host:3306)/dbname?parseTime=true
// Credentials belong in the environment, not in source.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	runKeys := `
		CREATE TABLE IF NOT EXISTS run_keys (
			` + "`key`" + ` VARCHAR(512) PRIMARY KEY,
			result_json JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, runKeys); err != nil {
		return fmt.Errorf("failed to create run_keys table: %w", err)
	}

	rateBuckets := `
		CREATE TABLE IF NOT EXISTS rate_buckets (
			tool VARCHAR(255) PRIMARY KEY,
			tokens DOUBLE NOT NULL,
			updated_at DOUBLE NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, rateBuckets); err != nil {
		return fmt.Errorf("failed to create rate_buckets table: %w", err)
	}
	return nil
}

// GetRun implements RunKeyStore.
func (m *MySQLStore) GetRun(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var result string
	err := m.db.QueryRowContext(ctx,
		"SELECT result_json FROM run_keys WHERE `key` = ?", key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read run key %q: %w", key, err)
	}
	return json.RawMessage(result), true, nil
}

// PutRun implements RunKeyStore.
func (m *MySQLStore) PutRun(ctx context.Context, key string, payload json.RawMessage) (json.RawMessage, error) {
	_, err := m.db.ExecContext(ctx,
		"INSERT IGNORE INTO run_keys (`key`, result_json) VALUES (?, ?)",
		key, string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to insert run key %q: %w", key, err)
	}

	canonical, ok, err := m.GetRun(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run key %q missing after insert", key)
	}
	return canonical, nil
}

// GetBucket implements BucketStore.
func (m *MySQLStore) GetBucket(ctx context.Context, tool string) (Bucket, bool, error) {
	var b Bucket
	err := m.db.QueryRowContext(ctx,
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
func (m *MySQLStore) PutBucket(ctx context.Context, tool string, b Bucket) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO rate_buckets (tool, tokens, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE tokens = VALUES(tokens), updated_at = VALUES(updated_at)`,
		tool, b.Tokens, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert bucket for %q: %w", tool, err)
	}
	return nil
}

// Close implements Store.
func (m *MySQLStore) Close() error {
	return m.db.Close()
}
