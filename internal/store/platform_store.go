package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Platform is a stored service platform definition. Config carries the
// platform-specific settings as opaque JSON that the platform factory
// decodes.
type Platform struct {
	PlatformID string
	Name       string
	Type       string
	Config     json.RawMessage
	Enabled    bool
	UpdateTime time.Time
}

// PlatformStore provides operations for platform definitions.
type PlatformStore struct {
	db *sql.DB
}

const platformColumns = `platform_id, name, type, config, enabled, update_time`

func scanPlatform(scanner interface{ Scan(...interface{}) error }, p *Platform) error {
	var cfg string
	var updateMs int64
	err := scanner.Scan(&p.PlatformID, &p.Name, &p.Type, &cfg, &p.Enabled, &updateMs)
	if err != nil {
		return err
	}
	p.Config = json.RawMessage(cfg)
	p.UpdateTime = msToTime(updateMs)
	return nil
}

// Save inserts or fully replaces a platform definition.
func (s *PlatformStore) Save(ctx context.Context, p *Platform) error {
	cfg := string(p.Config)
	if cfg == "" {
		cfg = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platforms (platform_id, name, type, config, enabled, update_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			config = excluded.config,
			enabled = excluded.enabled,
			update_time = excluded.update_time
	`, p.PlatformID, p.Name, p.Type, cfg, p.Enabled, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save platform: %w", err)
	}
	return nil
}

// InsertIfAbsent writes a platform only when no row with the same id
// exists. Used for config seeds, which never override stored edits.
func (s *PlatformStore) InsertIfAbsent(ctx context.Context, p *Platform) (bool, error) {
	cfg := string(p.Config)
	if cfg == "" {
		cfg = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO platforms (platform_id, name, type, config, enabled, update_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform_id) DO NOTHING
	`, p.PlatformID, p.Name, p.Type, cfg, p.Enabled, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("seed platform: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed platform rows affected: %w", err)
	}
	return n > 0, nil
}

// Get looks up a platform by id.
func (s *PlatformStore) Get(ctx context.Context, platformID string) (*Platform, error) {
	p := &Platform{}
	err := scanPlatform(s.db.QueryRowContext(ctx,
		`SELECT `+platformColumns+` FROM platforms WHERE platform_id = ?`, platformID), p)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get platform: %w", err)
	}
	return p, nil
}

// List returns all platform definitions.
func (s *PlatformStore) List(ctx context.Context) ([]*Platform, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+platformColumns+` FROM platforms ORDER BY platform_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()
	return collectPlatforms(rows)
}

// ListEnabled returns the enabled platform definitions.
func (s *PlatformStore) ListEnabled(ctx context.Context) ([]*Platform, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+platformColumns+` FROM platforms WHERE enabled = 1 ORDER BY platform_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled platforms: %w", err)
	}
	defer rows.Close()
	return collectPlatforms(rows)
}

// SetEnabled toggles a platform.
func (s *PlatformStore) SetEnabled(ctx context.Context, platformID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE platforms SET enabled = ?, update_time = ? WHERE platform_id = ?`,
		enabled, time.Now().UnixMilli(), platformID)
	if err != nil {
		return fmt.Errorf("set platform enabled: %w", err)
	}
	return nil
}

// Delete removes a platform definition.
func (s *PlatformStore) Delete(ctx context.Context, platformID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM platforms WHERE platform_id = ?`, platformID)
	if err != nil {
		return fmt.Errorf("delete platform: %w", err)
	}
	return nil
}

func collectPlatforms(rows *sql.Rows) ([]*Platform, error) {
	var platforms []*Platform
	for rows.Next() {
		p := &Platform{}
		if err := scanPlatform(rows, p); err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		platforms = append(platforms, p)
	}
	return platforms, rows.Err()
}
