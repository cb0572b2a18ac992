// Package store is the persistent job store over SQLite: jobs, attempts,
// artifacts, schemas, selectors, candidates, identities, proxy policies,
// and tenant plugin lists.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database. Safe for concurrent use; SQLite writes
// serialize on a single connection.
type Store struct {
	db *sql.DB
}

// Open initializes the database at path, creating directories and tables
// as needed. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// modernc's driver opens one connection per query by default; a single
	// connection avoids table-lock races on concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			state TEXT NOT NULL,
			priority TEXT NOT NULL,
			schema_id TEXT,
			tenant TEXT,
			engine TEXT,
			result TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
		CREATE INDEX IF NOT EXISTS idx_jobs_priority ON jobs(priority);`,

		`CREATE TABLE IF NOT EXISTS job_attempts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			engine TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at INTEGER,
			ended_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_job ON job_attempts(job_id);`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			type TEXT NOT NULL,
			location TEXT NOT NULL,
			checksum TEXT,
			created_at INTEGER NOT NULL,
			UNIQUE(job_id, type)
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id);`,

		`CREATE TABLE IF NOT EXISTS schemas (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			plugins TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS selectors (
			id TEXT PRIMARY KEY,
			schema_id TEXT NOT NULL,
			group_name TEXT,
			field TEXT NOT NULL,
			selector TEXT NOT NULL,
			item_selector TEXT,
			attribute TEXT,
			data_type TEXT NOT NULL DEFAULT 'string',
			required INTEGER NOT NULL DEFAULT 1,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_selectors_schema ON selectors(schema_id);
		CREATE INDEX IF NOT EXISTS idx_selectors_group ON selectors(group_name);`,

		`CREATE TABLE IF NOT EXISTS selector_candidates (
			id TEXT PRIMARY KEY,
			schema_id TEXT NOT NULL,
			group_name TEXT,
			field TEXT NOT NULL,
			selector TEXT NOT NULL,
			item_selector TEXT,
			attribute TEXT,
			data_type TEXT NOT NULL DEFAULT 'string',
			required INTEGER NOT NULL DEFAULT 1,
			success_count INTEGER NOT NULL DEFAULT 0,
			promoted_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_candidates_schema ON selector_candidates(schema_id);`,

		`CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL DEFAULT 'default',
			label TEXT,
			fingerprint TEXT,
			cookies_encrypted TEXT,
			storage_state_encrypted TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			use_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_used_at INTEGER,
			last_failed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_identities_tenant ON identities(tenant);`,

		`CREATE TABLE IF NOT EXISTS proxy_policies (
			domain TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			proxy_url TEXT,
			enabled INTEGER NOT NULL DEFAULT 1
		);`,

		`CREATE TABLE IF NOT EXISTS tenant_plugins (
			tenant TEXT PRIMARY KEY,
			plugins TEXT NOT NULL
		);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
