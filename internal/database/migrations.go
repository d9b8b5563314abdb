package database

import (
	"fmt"
)

// Migrate runs database migrations
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Create migrations table
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				-- Metered usage per customer per billing window
				CREATE TABLE IF NOT EXISTS quota_counters (
					customer_id TEXT NOT NULL,
					window_start INTEGER NOT NULL,
					used INTEGER NOT NULL DEFAULT 0,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (customer_id, window_start)
				);

				CREATE INDEX IF NOT EXISTS idx_quota_window ON quota_counters(window_start);
			`,
		},
		{
			version: 2,
			sql: `
				-- Tokens handed out by the issuer; fingerprints only, never the token
				CREATE TABLE IF NOT EXISTS issued_licenses (
					id TEXT PRIMARY KEY,
					fingerprint TEXT NOT NULL,
					customer_id TEXT NOT NULL,
					tier TEXT NOT NULL,
					issued_at INTEGER NOT NULL,
					expires_at INTEGER NOT NULL,
					rotated_from TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_issued_customer ON issued_licenses(customer_id);
				CREATE INDEX IF NOT EXISTS idx_issued_fingerprint ON issued_licenses(fingerprint);
			`,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}

		_, err = tx.Exec(m.sql)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", m.version, err)
		}

		_, err = tx.Exec("INSERT INTO migrations (version, applied_at) VALUES (?, strftime('%s', 'now') * 1000)", m.version)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}
