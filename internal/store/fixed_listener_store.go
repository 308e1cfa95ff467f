package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FixedListener is a chat that must always have an active listener on
// every instance, independent of message activity.
type FixedListener struct {
	SessionName string
	Enabled     bool
	Description string
	CreateTime  time.Time
}

// FixedListenerStore provides operations for fixed listener definitions.
type FixedListenerStore struct {
	db *sql.DB
}

const fixedListenerColumns = `session_name, enabled, description, create_time`

func scanFixedListener(scanner interface{ Scan(...interface{}) error }, f *FixedListener) error {
	var createMs int64
	err := scanner.Scan(&f.SessionName, &f.Enabled, &f.Description, &createMs)
	if err != nil {
		return err
	}
	f.CreateTime = msToTime(createMs)
	return nil
}

// Sync reconciles the stored set with the configured one. Configured
// entries are upserted; entries no longer configured are disabled rather
// than deleted, so their history stays visible.
func (s *FixedListenerStore) Sync(ctx context.Context, configured []*FixedListener) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fixed listener sync: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE fixed_listeners SET enabled = 0`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("disable fixed listeners: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, f := range configured {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fixed_listeners (session_name, enabled, description, create_time)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (session_name) DO UPDATE SET
				enabled = excluded.enabled,
				description = excluded.description
		`, f.SessionName, f.Enabled, f.Description, now)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sync fixed listener %s: %w", f.SessionName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fixed listener sync: %w", err)
	}
	return nil
}

// List returns all fixed listener definitions.
func (s *FixedListenerStore) List(ctx context.Context) ([]*FixedListener, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fixedListenerColumns+` FROM fixed_listeners ORDER BY session_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list fixed listeners: %w", err)
	}
	defer rows.Close()
	return collectFixedListeners(rows)
}

// ListEnabled returns the enabled fixed listener definitions.
func (s *FixedListenerStore) ListEnabled(ctx context.Context) ([]*FixedListener, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fixedListenerColumns+` FROM fixed_listeners WHERE enabled = 1 ORDER BY session_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled fixed listeners: %w", err)
	}
	defer rows.Close()
	return collectFixedListeners(rows)
}

func collectFixedListeners(rows *sql.Rows) ([]*FixedListener, error) {
	var fixed []*FixedListener
	for rows.Next() {
		f := &FixedListener{}
		if err := scanFixedListener(rows, f); err != nil {
			return nil, fmt.Errorf("scan fixed listener: %w", err)
		}
		fixed = append(fixed, f)
	}
	return fixed, rows.Err()
}
