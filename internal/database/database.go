package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

type DB struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Issuance records a signed license token handed out by the issuer CLI.
type Issuance struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	CustomerID  string    `json:"customer_id"`
	Tier        string    `json:"tier"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	RotatedFrom string    `json:"rotated_from,omitempty"`
}

func New(path string) (*DB, error) {
	dsn := path
	if path != MemoryPath {
		// Ensure data directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dsn = path + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(5000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
			},
		}.Encode()
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer; it also keeps an in-memory
	// database alive across statements.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

// AddUsage adds cost to the counter for customer in the window starting at
// windowStart (unix seconds). When limit is non-negative and the new total
// would exceed it, the counter is left unchanged and applied is false. The
// returned value is the counter after the call.
func (db *DB) AddUsage(ctx context.Context, customer string, windowStart, cost, limit int64) (used int64, applied bool, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin usage update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO quota_counters (customer_id, window_start, used, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (customer_id, window_start) DO NOTHING
	`, customer, windowStart, now); err != nil {
		return 0, false, fmt.Errorf("ensure usage counter: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE quota_counters
		SET used = used + ?, updated_at = ?
		WHERE customer_id = ? AND window_start = ? AND (? < 0 OR used + ? <= ?)
		RETURNING used
	`, cost, now, customer, windowStart, limit, cost, limit).Scan(&used)
	switch {
	case err == sql.ErrNoRows:
		if err := tx.QueryRowContext(ctx,
			"SELECT used FROM quota_counters WHERE customer_id = ? AND window_start = ?",
			customer, windowStart,
		).Scan(&used); err != nil {
			return 0, false, fmt.Errorf("read usage counter: %w", err)
		}
		applied = false
	case err != nil:
		return 0, false, fmt.Errorf("increment usage counter: %w", err)
	default:
		applied = true
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit usage update: %w", err)
	}
	return used, applied, nil
}

// Usage returns the counter for customer in the given window, or 0.
func (db *DB) Usage(ctx context.Context, customer string, windowStart int64) (int64, error) {
	var used int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT used FROM quota_counters WHERE customer_id = ? AND window_start = ?",
		customer, windowStart,
	).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage counter: %w", err)
	}
	return used, nil
}

// PruneUsage deletes counters for windows that started before cutoff.
func (db *DB) PruneUsage(ctx context.Context, cutoff int64) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.conn.ExecContext(ctx, "DELETE FROM quota_counters WHERE window_start < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune usage counters: %w", err)
	}
	return res.RowsAffected()
}

// InsertIssuance records an issued token.
func (db *DB) InsertIssuance(ctx context.Context, i *Issuance) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var rotatedFrom *string
	if i.RotatedFrom != "" {
		rotatedFrom = &i.RotatedFrom
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO issued_licenses (id, fingerprint, customer_id, tier, issued_at, expires_at, rotated_from)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, i.ID, i.Fingerprint, i.CustomerID, i.Tier, i.IssuedAt.UnixMilli(), i.ExpiresAt.UnixMilli(), rotatedFrom)
	if err != nil {
		return fmt.Errorf("insert issuance: %w", err)
	}
	return nil
}

// ListIssuances returns issued tokens, newest first. An empty customer lists all.
func (db *DB) ListIssuances(ctx context.Context, customer string, limit int) ([]Issuance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, fingerprint, customer_id, tier, issued_at, expires_at, COALESCE(rotated_from, '')
		FROM issued_licenses
	`
	args := []interface{}{}
	if customer != "" {
		query += " WHERE customer_id = ?"
		args = append(args, customer)
	}
	query += " ORDER BY issued_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issuances: %w", err)
	}
	defer rows.Close()

	var out []Issuance
	for rows.Next() {
		var i Issuance
		var issuedAt, expiresAt int64
		if err := rows.Scan(&i.ID, &i.Fingerprint, &i.CustomerID, &i.Tier, &issuedAt, &expiresAt, &i.RotatedFrom); err != nil {
			return nil, fmt.Errorf("scan issuance: %w", err)
		}
		i.IssuedAt = time.UnixMilli(issuedAt).UTC()
		i.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		out = append(out, i)
	}
	return out, rows.Err()
}
