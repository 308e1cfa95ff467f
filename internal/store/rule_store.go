package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Rule routes messages from chats to a platform. InstanceID and
// ChatPattern support "*" as a match-all; ChatPattern additionally
// supports a "regex:" prefix.
type Rule struct {
	RuleID         int64
	Name           string
	InstanceID     string
	ChatPattern    string
	PlatformID     string
	Priority       int
	Enabled        bool
	OnlyAtMessages bool
	AtName         string
	ReplyAtSender  bool
	UpdateTime     time.Time
}

// RuleStore provides operations for delivery rules.
type RuleStore struct {
	db *sql.DB
}

const ruleColumns = `rule_id, name, instance_id, chat_pattern, platform_id, priority, enabled, only_at_messages, at_name, reply_at_sender, update_time`

func scanRule(scanner interface{ Scan(...interface{}) error }, r *Rule) error {
	var updateMs int64
	err := scanner.Scan(&r.RuleID, &r.Name, &r.InstanceID, &r.ChatPattern, &r.PlatformID,
		&r.Priority, &r.Enabled, &r.OnlyAtMessages, &r.AtName, &r.ReplyAtSender, &updateMs)
	if err != nil {
		return err
	}
	r.UpdateTime = msToTime(updateMs)
	return nil
}

// Save inserts or fully replaces a rule. Rules carry explicit ids so that
// the priority tie-break stays stable across restarts.
func (s *RuleStore) Save(ctx context.Context, r *Rule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_rules (rule_id, name, instance_id, chat_pattern, platform_id,
			priority, enabled, only_at_messages, at_name, reply_at_sender, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id) DO UPDATE SET
			name = excluded.name,
			instance_id = excluded.instance_id,
			chat_pattern = excluded.chat_pattern,
			platform_id = excluded.platform_id,
			priority = excluded.priority,
			enabled = excluded.enabled,
			only_at_messages = excluded.only_at_messages,
			at_name = excluded.at_name,
			reply_at_sender = excluded.reply_at_sender,
			update_time = excluded.update_time
	`, r.RuleID, r.Name, r.InstanceID, r.ChatPattern, r.PlatformID,
		r.Priority, r.Enabled, r.OnlyAtMessages, r.AtName, r.ReplyAtSender, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

// InsertIfAbsent writes a rule only when no row with the same id exists.
// Used for config seeds, which never override stored edits.
func (s *RuleStore) InsertIfAbsent(ctx context.Context, r *Rule) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_rules (rule_id, name, instance_id, chat_pattern, platform_id,
			priority, enabled, only_at_messages, at_name, reply_at_sender, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id) DO NOTHING
	`, r.RuleID, r.Name, r.InstanceID, r.ChatPattern, r.PlatformID,
		r.Priority, r.Enabled, r.OnlyAtMessages, r.AtName, r.ReplyAtSender, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("seed rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed rule rows affected: %w", err)
	}
	return n > 0, nil
}

// Get looks up a rule by id.
func (s *RuleStore) Get(ctx context.Context, ruleID int64) (*Rule, error) {
	r := &Rule{}
	err := scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM delivery_rules WHERE rule_id = ?`, ruleID), r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// List returns all rules in evaluation order: priority descending, then
// rule id ascending.
func (s *RuleStore) List(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM delivery_rules ORDER BY priority DESC, rule_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListEnabled returns the enabled rules in evaluation order.
func (s *RuleStore) ListEnabled(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM delivery_rules WHERE enabled = 1 ORDER BY priority DESC, rule_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// SetEnabled toggles a rule.
func (s *RuleStore) SetEnabled(ctx context.Context, ruleID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE delivery_rules SET enabled = ?, update_time = ? WHERE rule_id = ?`,
		enabled, time.Now().UnixMilli(), ruleID)
	if err != nil {
		return fmt.Errorf("set rule enabled: %w", err)
	}
	return nil
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, ruleID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM delivery_rules WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

func collectRules(rows *sql.Rows) ([]*Rule, error) {
	var rules []*Rule
	for rows.Next() {
		r := &Rule{}
		if err := scanRule(rows, r); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
