package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Listener status values. Rows are never deleted, only flipped between
// these two states.
const (
	ListenerActive   = "active"
	ListenerInactive = "inactive"
)

// Listener is one chat the poller watches on one instance.
type Listener struct {
	InstanceID      string
	ChatName        string
	Status          string
	ManualAdded     bool
	LastMessageTime time.Time
	LastCheckTime   time.Time
	CreateTime      time.Time

	// ConversationID is a write-through copy of the most recent platform
	// conversation for this chat. Kept for the on-disk format of earlier
	// releases; the pipeline resolves conversations from
	// user_conversations and never reads this back.
	ConversationID string
}

// ListenerStore provides operations for listener rows.
type ListenerStore struct {
	db *sql.DB
}

const listenerColumns = `instance_id, chat_name, status, manual_added, last_message_time, last_check_time, create_time, conversation_id`

func scanListener(scanner interface{ Scan(...interface{}) error }, l *Listener) error {
	var msgMs, checkMs, createMs int64
	err := scanner.Scan(&l.InstanceID, &l.ChatName, &l.Status, &l.ManualAdded, &msgMs, &checkMs, &createMs, &l.ConversationID)
	if err != nil {
		return err
	}
	l.LastMessageTime = msToTime(msgMs)
	l.LastCheckTime = msToTime(checkMs)
	l.CreateTime = msToTime(createMs)
	return nil
}

// Upsert inserts a listener or reactivates an existing row. Re-adding an
// existing chat refreshes its activity clock instead of erroring. A manual
// add sticks; an automatic re-add never demotes a manual listener.
func (s *ListenerStore) Upsert(ctx context.Context, instanceID, chatName string, manual bool) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listeners (instance_id, chat_name, status, manual_added, last_message_time, create_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, chat_name) DO UPDATE SET
			status = ?,
			manual_added = MAX(manual_added, excluded.manual_added),
			last_message_time = excluded.last_message_time
	`, instanceID, chatName, ListenerActive, manual, now, now, ListenerActive)
	if err != nil {
		return fmt.Errorf("upsert listener: %w", err)
	}
	return nil
}

// Get looks up a listener by its primary key.
func (s *ListenerStore) Get(ctx context.Context, instanceID, chatName string) (*Listener, error) {
	l := &Listener{}
	err := scanListener(s.db.QueryRowContext(ctx,
		`SELECT `+listenerColumns+` FROM listeners WHERE instance_id = ? AND chat_name = ?`,
		instanceID, chatName), l)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get listener: %w", err)
	}
	return l, nil
}

// List returns every listener row for an instance.
func (s *ListenerStore) List(ctx context.Context, instanceID string) ([]*Listener, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listenerColumns+` FROM listeners WHERE instance_id = ? ORDER BY chat_name ASC`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("list listeners: %w", err)
	}
	defer rows.Close()
	return collectListeners(rows)
}

// ListActive returns the active listeners for an instance.
func (s *ListenerStore) ListActive(ctx context.Context, instanceID string) ([]*Listener, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listenerColumns+` FROM listeners WHERE instance_id = ? AND status = ? ORDER BY chat_name ASC`,
		instanceID, ListenerActive)
	if err != nil {
		return nil, fmt.Errorf("list active listeners: %w", err)
	}
	defer rows.Close()
	return collectListeners(rows)
}

// SetStatus flips a listener between active and inactive.
func (s *ListenerStore) SetStatus(ctx context.Context, instanceID, chatName, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE listeners SET status = ? WHERE instance_id = ? AND chat_name = ?`,
		status, instanceID, chatName)
	if err != nil {
		return fmt.Errorf("set listener status: %w", err)
	}
	return nil
}

// TouchMessage records message activity on a listener.
func (s *ListenerStore) TouchMessage(ctx context.Context, instanceID, chatName string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE listeners SET last_message_time = ? WHERE instance_id = ? AND chat_name = ?`,
		at.UnixMilli(), instanceID, chatName)
	if err != nil {
		return fmt.Errorf("touch listener message time: %w", err)
	}
	return nil
}

// TouchCheck records a completed poll pass on a listener.
func (s *ListenerStore) TouchCheck(ctx context.Context, instanceID, chatName string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE listeners SET last_check_time = ? WHERE instance_id = ? AND chat_name = ?`,
		at.UnixMilli(), instanceID, chatName)
	if err != nil {
		return fmt.Errorf("touch listener check time: %w", err)
	}
	return nil
}

// CountActive returns the number of active listeners on an instance.
func (s *ListenerStore) CountActive(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM listeners WHERE instance_id = ? AND status = ?`,
		instanceID, ListenerActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active listeners: %w", err)
	}
	return n, nil
}

// UpdateConversation writes through the most recent conversation id.
func (s *ListenerStore) UpdateConversation(ctx context.Context, instanceID, chatName, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE listeners SET conversation_id = ? WHERE instance_id = ? AND chat_name = ?`,
		conversationID, instanceID, chatName)
	if err != nil {
		return fmt.Errorf("update listener conversation: %w", err)
	}
	return nil
}

// ClearConversation empties the write-through conversation slot. Called
// when a platform reports the session gone.
func (s *ListenerStore) ClearConversation(ctx context.Context, instanceID, chatName string) error {
	return s.UpdateConversation(ctx, instanceID, chatName, "")
}

func collectListeners(rows *sql.Rows) ([]*Listener, error) {
	var listeners []*Listener
	for rows.Next() {
		l := &Listener{}
		if err := scanListener(rows, l); err != nil {
			return nil, fmt.Errorf("scan listener: %w", err)
		}
		listeners = append(listeners, l)
	}
	return listeners, rows.Err()
}
