package envstore

import (
	"context"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the schema in-place.
//
// The same DDL runs on SQLite and Postgres; timestamps are stored as
// RFC 3339 TEXT and region lists as JSON TEXT.
func (s *Store) Migrate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS index_types (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS data_sources (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			-- url_template may contain {region}; empty means no derived items.
			url_template TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS index_type_data_sources (
			index_type TEXT NOT NULL,
			data_source TEXT NOT NULL,
			PRIMARY KEY(index_type, data_source),
			FOREIGN KEY(index_type) REFERENCES index_types(id),
			FOREIGN KEY(data_source) REFERENCES data_sources(id)
		);`,

		`CREATE TABLE IF NOT EXISTS features (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS backgrounds (
			id TEXT PRIMARY KEY,
			feature_id TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(feature_id) REFERENCES features(id)
		);`,
		`CREATE TABLE IF NOT EXISTS scenarios (
			id TEXT PRIMARY KEY,
			feature_id TEXT NOT NULL,
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(feature_id) REFERENCES features(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scenarios_feature ON scenarios(feature_id, position);`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			-- owner_kind is background or scenario.
			owner_kind TEXT NOT NULL,
			position INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			value TEXT NOT NULL,
			docstring TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_owner ON steps(owner_id, position);`,

		`CREATE TABLE IF NOT EXISTS indexes (
			id TEXT PRIMARY KEY,
			signature TEXT NOT NULL UNIQUE,
			index_type TEXT NOT NULL,
			data_source TEXT NOT NULL,
			regions TEXT NOT NULL,
			filepath TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS environments (
			id TEXT PRIMARY KEY,
			background_id TEXT NOT NULL UNIQUE,
			signature TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS environment_indexes (
			environment_id TEXT NOT NULL,
			index_id TEXT NOT NULL,
			PRIMARY KEY(environment_id, index_id),
			FOREIGN KEY(environment_id) REFERENCES environments(id),
			FOREIGN KEY(index_id) REFERENCES indexes(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_environment_indexes_index ON environment_indexes(index_id);`,

		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			source_url TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			size_kb DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);`,
		`CREATE TABLE IF NOT EXISTS index_items (
			index_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			PRIMARY KEY(index_id, item_id),
			FOREIGN KEY(index_id) REFERENCES indexes(id),
			FOREIGN KEY(item_id) REFERENCES items(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_index_items_item ON index_items(item_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE schema_meta SET schema_version=? WHERE id=1`), SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// CurrentSchemaVersion reads the persisted schema version.
func (s *Store) CurrentSchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v); err != nil {
		return 0, storageErr("read schema_version", err)
	}
	return v, nil
}
