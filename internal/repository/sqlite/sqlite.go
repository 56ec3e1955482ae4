// Package sqlite implements repository.Store on SQLite. All status and trust
// link writes go through the transition operations in transitions.go; nothing
// else in the codebase is allowed to touch those columns.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Repository implements repository.Store using SQLite
type Repository struct {
	db *sql.DB
}

// New opens (or creates) the database at path and runs schema migrations.
// The pragmas ride the DSN in the driver's _pragma form so every pooled
// connection gets WAL, a busy timeout, and foreign keys, not just the first.
func New(path string) (*Repository, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS endpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL,
		port INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'unverified',
		honeypot_reason TEXT,
		inactive_reason TEXT,
		last_checked_at INTEGER,
		verified_at INTEGER,
		created_at INTEGER NOT NULL,
		UNIQUE(address, port)
	);

	CREATE TABLE IF NOT EXISTS capabilities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		parameter_size TEXT,
		quantization TEXT,
		size_bytes INTEGER,
		UNIQUE(endpoint_id, name),
		FOREIGN KEY (endpoint_id) REFERENCES endpoints(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		length INTEGER NOT NULL,
		gibberish_ratio REAL NOT NULL,
		word_count INTEGER NOT NULL,
		FOREIGN KEY (endpoint_id) REFERENCES endpoints(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS trust_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint_id INTEGER NOT NULL,
		verified_at INTEGER NOT NULL,
		UNIQUE(endpoint_id),
		FOREIGN KEY (endpoint_id) REFERENCES endpoints(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS run_markers (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_endpoints_status ON endpoints(status);
	CREATE INDEX IF NOT EXISTS idx_samples_endpoint ON samples(endpoint_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_markers_open ON run_markers(ended_at);

	CREATE VIEW IF NOT EXISTS servers AS
	SELECT e.id, e.address, e.port, e.created_at AS first_seen, t.verified_at
	FROM endpoints e
	JOIN trust_links t ON e.id = t.endpoint_id;
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// SetMetadata upserts a metadata key/value pair
func (r *Repository) SetMetadata(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns the value for key, or empty string when absent
func (r *Repository) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, nil
}

// nullTime converts a nullable unix seconds column to *time.Time
func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// timePtr converts *time.Time to a nullable unix seconds value
func timePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
