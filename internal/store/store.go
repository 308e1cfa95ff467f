// Package store is the durable state layer: one SQLite file holding
// messages, listeners, platforms, delivery rules, per-user conversation ids
// and the fixed-listener set. Writes serialise through a single connection;
// WAL mode keeps readers unblocked.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the SQL database connection and provides typed query methods.
type Store struct {
	db *sql.DB

	Messages       *MessageStore
	Listeners      *ListenerStore
	Platforms      *PlatformStore
	Rules          *RuleStore
	Conversations  *ConversationStore
	FixedListeners *FixedListenerStore
	Instances      *InstanceStore
}

// Open creates a new Store backed by the SQLite file at path and runs
// pending migrations.
//
// The modernc driver wants each pragma prefixed with _pragma=. A single
// connection is optimal for SQLite under WAL and gives the serialised-write
// contract for free.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db)
	if err := s.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New builds a Store over an existing connection. Used by Open and by tests
// that inject a mock.
func New(db *sql.DB) *Store {
	s := &Store{db: db}
	s.Messages = &MessageStore{db: db}
	s.Listeners = &ListenerStore{db: db}
	s.Platforms = &PlatformStore{db: db}
	s.Rules = &RuleStore{db: db}
	s.Conversations = &ConversationStore{db: db}
	s.FixedListeners = &FixedListenerStore{db: db}
	s.Instances = &InstanceStore{db: db}
	return s
}

// RunMigrations executes all pending database migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%04d_", &version); err != nil {
			continue
		}

		if version <= currentVersion {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// IsConstraintErr reports whether err is a SQLite constraint violation.
// Constraint violations are definitive and must not be retried.
func IsConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint")
}

// writeRetryDelays is the backoff schedule for transient write failures.
var writeRetryDelays = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// RetryWrite runs fn, retrying transient failures on the fixed backoff
// schedule. Constraint violations and context cancellation surface
// immediately. After the schedule is exhausted the last error is returned
// and the caller decides whether that is fatal.
func RetryWrite(ctx context.Context, log *slog.Logger, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || IsConstraintErr(err) {
			return err
		}
		if attempt >= len(writeRetryDelays) {
			return fmt.Errorf("%s: retries exhausted: %w", op, err)
		}
		log.Warn("store write failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(writeRetryDelays[attempt]):
		}
	}
}
