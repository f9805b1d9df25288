package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so that stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	// ErrConflict is returned when the store could not obtain its write lock in time.
	ErrConflict = errors.New("database: write conflict")
	// ErrNonceUsed is returned when a token nonce has already been consumed.
	ErrNonceUsed = errors.New("database: nonce already consumed")
)

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
//
// Transactions start with BEGIN IMMEDIATE so the balance read inside a ledger
// commit already holds the write lock.
func NewDB(dbPath string) (*DB, error) {
	dsn := dbPath + "?_foreign_keys=1&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		conn.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS venue_rules (
			venue_id INTEGER PRIMARY KEY,
			points_per_unit TEXT NOT NULL,
			minimum_purchase TEXT NOT NULL,
			is_active INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id INTEGER NOT NULL,
			venue_id INTEGER NOT NULL,
			points INTEGER NOT NULL CHECK (points >= 0),
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, venue_id)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id INTEGER NOT NULL,
			venue_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			points INTEGER NOT NULL,
			balance_before INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			purchase_amount TEXT,
			item_id INTEGER,
			item_name TEXT,
			admin_id INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS token_nonces (
			nonce TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			venue_id INTEGER NOT NULL,
			consumed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_user_created ON transactions(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_venue_created ON transactions(venue_id, created_at, type)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_user_venue ON transactions(user_id, venue_id, seq)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// Tx is a write transaction holding the database write lock.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a single immediate transaction. The transaction commits
// only if fn returns nil. Lock contention is reported as ErrConflict.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return classify(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify marks busy/locked errors with ErrConflict while keeping the original cause.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
