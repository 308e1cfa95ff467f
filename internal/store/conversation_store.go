package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Conversation maps one sender in one chat on one platform to the
// platform-side conversation that carries their context.
type Conversation struct {
	InstanceID     string
	ChatName       string
	UserID         string
	PlatformID     string
	ConversationID string
	CreateTime     time.Time
	LastActive     time.Time
}

// ConversationStore provides operations for conversation mappings.
type ConversationStore struct {
	db *sql.DB
}

const conversationColumns = `instance_id, chat_name, user_id, platform_id, conversation_id, create_time, last_active`

func scanConversation(scanner interface{ Scan(...interface{}) error }, c *Conversation) error {
	var createMs, activeMs int64
	err := scanner.Scan(&c.InstanceID, &c.ChatName, &c.UserID, &c.PlatformID, &c.ConversationID, &createMs, &activeMs)
	if err != nil {
		return err
	}
	c.CreateTime = msToTime(createMs)
	c.LastActive = msToTime(activeMs)
	return nil
}

// Get looks up the conversation mapping for a key. Returns nil when the
// sender has no conversation yet.
func (s *ConversationStore) Get(ctx context.Context, instanceID, chatName, userID, platformID string) (*Conversation, error) {
	c := &Conversation{}
	err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM user_conversations
		 WHERE instance_id = ? AND chat_name = ? AND user_id = ? AND platform_id = ?`,
		instanceID, chatName, userID, platformID), c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// Put records a conversation id for a key and refreshes its activity
// clock. The original create_time survives updates.
func (s *ConversationStore) Put(ctx context.Context, instanceID, chatName, userID, platformID, conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_conversations (instance_id, chat_name, user_id, platform_id, conversation_id, create_time, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, chat_name, user_id, platform_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			last_active = excluded.last_active
	`, instanceID, chatName, userID, platformID, conversationID, now, now)
	if err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

// Delete drops the mapping for a key so the next message starts a fresh
// conversation.
func (s *ConversationStore) Delete(ctx context.Context, instanceID, chatName, userID, platformID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_conversations WHERE instance_id = ? AND chat_name = ? AND user_id = ? AND platform_id = ?`,
		instanceID, chatName, userID, platformID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// PurgeOlderThan removes mappings idle since before cutoff and returns
// how many were dropped.
func (s *ConversationStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_conversations WHERE last_active < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored mappings.
func (s *ConversationStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_conversations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}
