// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Opens modernc (pure Go) or mattn (cgo) drivers and creates the schema

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, no cgo
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, cgo
)

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a SQLite store with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverMattn:
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			role       TEXT NOT NULL DEFAULT 'user',
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'admin'))
		);

		CREATE TABLE IF NOT EXISTS credit_balances (
			user_id            TEXT NOT NULL,
			agent_id           TEXT NOT NULL,
			free_messages      INTEGER NOT NULL DEFAULT 0,
			purchased_messages INTEGER NOT NULL DEFAULT 0,
			used_messages      INTEGER NOT NULL DEFAULT 0,
			updated_at         TEXT NOT NULL,

			PRIMARY KEY (user_id, agent_id),
			CHECK (used_messages >= 0),
			CHECK (used_messages <= free_messages + purchased_messages)
		);

		CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			title        TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			assistant_id TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'active',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('active', 'inactive'))
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL,
			agent_id             TEXT NOT NULL,
			thread_id            TEXT,
			status               TEXT NOT NULL DEFAULT 'active',
			last_message_text    TEXT NOT NULL DEFAULT '',
			last_message_sent_by TEXT NOT NULL DEFAULT '',
			last_message_at      TEXT,
			unread_count         INTEGER NOT NULL DEFAULT 0,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			CHECK (status IN ('active', 'closed', 'archived')),
			CHECK (unread_count >= 0)
		);

		-- at most one active conversation per (user, agent)
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_pair
			ON conversations(user_id, agent_id) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, updated_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_thread
			ON conversations(thread_id);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			sender           TEXT NOT NULL,
			sender_id        TEXT NOT NULL,
			content          TEXT NOT NULL,
			status           TEXT NOT NULL,
			attachments_json TEXT,
			created_at       TEXT NOT NULL,

			CHECK (sender IN ('user', 'agent', 'system')),
			CHECK (status IN ('sent', 'delivered', 'read')),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_packs (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL UNIQUE,
			description   TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL,
			price         INTEGER NOT NULL,
			currency      TEXT NOT NULL DEFAULT 'INR',
			validity_days INTEGER NOT NULL DEFAULT 0,
			active        INTEGER NOT NULL DEFAULT 1,
			display_order INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,

			CHECK (message_count >= 1),
			CHECK (price >= 0)
		);

		CREATE TABLE IF NOT EXISTS payments (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			message_pack_id TEXT NOT NULL,
			quantity        INTEGER NOT NULL DEFAULT 1,
			order_id        TEXT NOT NULL UNIQUE,
			payment_id      TEXT UNIQUE,
			signature       TEXT,
			amount          INTEGER NOT NULL,
			currency        TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('pending', 'completed', 'failed', 'cancelled')),
			CHECK (quantity >= 1)
		);

		CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status, created_at);

		CREATE TABLE IF NOT EXISTS notifications (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			title      TEXT NOT NULL,
			body       TEXT NOT NULL DEFAULT '',
			read       INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "pinned",
			apply:  `ALTER TABLE conversations ADD COLUMN pinned INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "users",
			column: "profile_image",
			apply:  `ALTER TABLE users ADD COLUMN profile_image TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "users",
			column: "settings_json",
			apply:  `ALTER TABLE users ADD COLUMN settings_json TEXT`,
		},
		{
			table:  "messages",
			column: "prompt_tokens",
			apply:  `ALTER TABLE messages ADD COLUMN prompt_tokens INTEGER`,
		},
		{
			table:  "messages",
			column: "completion_tokens",
			apply:  `ALTER TABLE messages ADD COLUMN completion_tokens INTEGER`,
		},
		{
			table:  "messages",
			column: "total_tokens",
			apply:  `ALTER TABLE messages ADD COLUMN total_tokens INTEGER`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// normalizePage clamps page and limit. limit defaults to def and is capped at 500.
func normalizePage(page, limit, def int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = def
	}
	if limit > 500 {
		limit = 500
	}
	return page, limit
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}
