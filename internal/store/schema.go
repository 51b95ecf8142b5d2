package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SchemaVersion is the current schema version. Any structural change
// increments it and appends a migration preserving existing rows.
const SchemaVersion = 2

// syncColumns is the reconciliation-metadata column block shared by every
// entity table.
const syncColumns = `
	sync_status TEXT NOT NULL DEFAULT 'synced',
	last_synced_at DATETIME,
	local_updated_at DATETIME,
	server_updated_at DATETIME,
	pending_operation TEXT NOT NULL DEFAULT 'none',
	conflict_data TEXT,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_attempt_at DATETIME
`

// migrations[i] moves the schema from version i+1 to i+2; index 0 is the
// initial schema. Each step runs inside the shared migration transaction.
var migrations = []func(ctx context.Context, tx *sqlx.Tx) error{
	migrateInitial,
	migrateProgressCompositeIndex,
}

// Migrate brings the database to SchemaVersion. Opening a database written
// by a newer hobbyd fails loudly rather than guessing at its layout.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_meta: %w", err)
	}

	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
	}
	if version == SchemaVersion {
		return nil
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for v := version; v < SchemaVersion; v++ {
			s.logger.Printf("Migrating schema: v%d -> v%d", v, v+1)
			if err := migrations[v](ctx, tx); err != nil {
				return fmt.Errorf("migration to v%d failed: %w", v+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_meta`); err != nil {
			return fmt.Errorf("failed to clear schema_meta: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_meta (version) VALUES (?)`, SchemaVersion); err != nil {
			return fmt.Errorf("failed to stamp schema version: %w", err)
		}
		return nil
	})
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func migrateInitial(ctx context.Context, tx *sqlx.Tx) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		` + syncColumns + `
	);

	CREATE TABLE IF NOT EXISTS hobbies (
		id TEXT PRIMARY KEY,
		category_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		` + syncColumns + `
	);

	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		hobby_id TEXT NOT NULL,
		type TEXT NOT NULL,
		period TEXT NOT NULL,
		target_value REAL NOT NULL,
		target_unit TEXT NOT NULL DEFAULT '',
		custom_frequency INTEGER,
		custom_unit TEXT,
		time_requirement INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		` + syncColumns + `
	);

	CREATE TABLE IF NOT EXISTS progress (
		id TEXT PRIMARY KEY,
		goal_id TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		value REAL NOT NULL DEFAULT 0,
		duration INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		` + syncColumns + `
	);

	-- Change journal: one row per local mutation, written in the same
	-- transaction as the mutation itself. Deletes stay reconcilable here
	-- after the entity row is gone.
	CREATE TABLE IF NOT EXISTS sync_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_table TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT,
		queued_at DATETIME NOT NULL,
		exported_at DATETIME
	);

	-- Foreign-key lookups
	CREATE INDEX IF NOT EXISTS idx_hobbies_category ON hobbies(category_id);
	CREATE INDEX IF NOT EXISTS idx_goals_hobby ON goals(hobby_id);
	CREATE INDEX IF NOT EXISTS idx_progress_goal ON progress(goal_id);

	-- Discriminant lookups
	CREATE INDEX IF NOT EXISTS idx_goals_type ON goals(type);
	CREATE INDEX IF NOT EXISTS idx_goals_period ON goals(period);

	-- Status scans for the sync tracker
	CREATE INDEX IF NOT EXISTS idx_categories_sync_status ON categories(sync_status);
	CREATE INDEX IF NOT EXISTS idx_hobbies_sync_status ON hobbies(sync_status);
	CREATE INDEX IF NOT EXISTS idx_goals_sync_status ON goals(sync_status);
	CREATE INDEX IF NOT EXISTS idx_progress_sync_status ON progress(sync_status);

	CREATE INDEX IF NOT EXISTS idx_sync_log_pending ON sync_log(exported_at) WHERE exported_at IS NULL;
	`

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create initial schema: %w", err)
	}
	return nil
}

// migrateProgressCompositeIndex adds the combined goal+time index used by
// date-range progress queries.
func migrateProgressCompositeIndex(ctx context.Context, tx *sqlx.Tx) error {
	ddl := `
	CREATE INDEX IF NOT EXISTS idx_progress_goal_recorded ON progress(goal_id, recorded_at);
	`
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create progress composite index: %w", err)
	}
	return nil
}
