package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Instance is a stored WeChat automation endpoint.
type Instance struct {
	InstanceID string
	Name       string
	BaseURL    string
	APIKey     string
	Enabled    bool
	LastSeen   time.Time
}

// InstanceStore provides operations for instance rows.
type InstanceStore struct {
	db *sql.DB
}

const instanceColumns = `instance_id, name, base_url, api_key, enabled, last_seen`

func scanInstance(scanner interface{ Scan(...interface{}) error }, in *Instance) error {
	var seenMs int64
	err := scanner.Scan(&in.InstanceID, &in.Name, &in.BaseURL, &in.APIKey, &in.Enabled, &seenMs)
	if err != nil {
		return err
	}
	in.LastSeen = msToTime(seenMs)
	return nil
}

// Sync reconciles stored instances with the configured ones. Configuration
// is authoritative for connection details; instances dropped from the
// configuration are disabled so their message history keeps its owner.
func (s *InstanceStore) Sync(ctx context.Context, configured []*Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin instance sync: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE instances SET enabled = 0`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("disable instances: %w", err)
	}

	for _, in := range configured {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instances (instance_id, name, base_url, api_key, enabled)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (instance_id) DO UPDATE SET
				name = excluded.name,
				base_url = excluded.base_url,
				api_key = excluded.api_key,
				enabled = excluded.enabled
		`, in.InstanceID, in.Name, in.BaseURL, in.APIKey, in.Enabled)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sync instance %s: %w", in.InstanceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit instance sync: %w", err)
	}
	return nil
}

// Get looks up an instance by id.
func (s *InstanceStore) Get(ctx context.Context, instanceID string) (*Instance, error) {
	in := &Instance{}
	err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE instance_id = ?`, instanceID), in)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return in, nil
}

// List returns all stored instances.
func (s *InstanceStore) List(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances ORDER BY instance_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		in := &Instance{}
		if err := scanInstance(rows, in); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, in)
	}
	return instances, rows.Err()
}

// TouchLastSeen records when an instance last answered a request.
func (s *InstanceStore) TouchLastSeen(ctx context.Context, instanceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET last_seen = ? WHERE instance_id = ?`,
		at.UnixMilli(), instanceID)
	if err != nil {
		return fmt.Errorf("touch instance last seen: %w", err)
	}
	return nil
}
