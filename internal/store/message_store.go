package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/wxmsg"
)

// DeliveryStatus is the lifecycle state of a stored message.
type DeliveryStatus int

const (
	StatusPending   DeliveryStatus = 0
	StatusDelivered DeliveryStatus = 1
	StatusFailed    DeliveryStatus = 2
	StatusSkipped   DeliveryStatus = 3

	// StatusInFlight marks a message claimed by a delivery worker. Rows in
	// this state are requeued to pending on startup.
	StatusInFlight DeliveryStatus = 4
)

// Skip reasons recorded alongside StatusSkipped.
const (
	SkipNoRule           = "no_rule"
	SkipNotAt            = "not_at"
	SkipMerged           = "merged"
	SkipPlatformDeclined = "platform_declined"
)

// Message is one inbound WeChat message and its delivery outcome.
type Message struct {
	InstanceID string
	MessageID  string

	ChatName     string
	Sender       string
	SenderRemark string
	MType        string
	MessageType  string
	Content      string

	LocalFilePath    string
	OriginalFilePath string
	FileType         string
	FileSize         int64

	CreateTime     time.Time
	Processed      bool
	DeliveryStatus DeliveryStatus
	DeliveryTime   time.Time
	PlatformID     string
	ReplyContent   string
	ReplyStatus    string
	ReplyTime      time.Time
	SkipReason     string

	Merged      bool
	MergedCount int
	MergedIDs   []string
}

// MessageStore provides operations for stored messages.
type MessageStore struct {
	db *sql.DB
}

// messageColumns is the column list shared by all message queries.
const messageColumns = `instance_id, message_id, chat_name, sender, sender_remark, mtype, message_type,
	content, local_file_path, original_file_path, file_type, file_size, create_time, processed,
	delivery_status, delivery_time, platform_id, reply_content, reply_status, reply_time, skip_reason,
	merged, merged_count, merged_ids`

// scanMessage scans a row into a Message struct.
func scanMessage(scanner interface{ Scan(...interface{}) error }, m *Message) error {
	var createMs, deliveryMs, replyMs int64
	var mergedIDs string
	err := scanner.Scan(
		&m.InstanceID, &m.MessageID, &m.ChatName, &m.Sender, &m.SenderRemark, &m.MType, &m.MessageType,
		&m.Content, &m.LocalFilePath, &m.OriginalFilePath, &m.FileType, &m.FileSize, &createMs, &m.Processed,
		&m.DeliveryStatus, &deliveryMs, &m.PlatformID, &m.ReplyContent, &m.ReplyStatus, &replyMs, &m.SkipReason,
		&m.Merged, &m.MergedCount, &mergedIDs,
	)
	if err != nil {
		return err
	}
	m.CreateTime = msToTime(createMs)
	m.DeliveryTime = msToTime(deliveryMs)
	m.ReplyTime = msToTime(replyMs)
	if mergedIDs != "" {
		if err := json.Unmarshal([]byte(mergedIDs), &m.MergedIDs); err != nil {
			return fmt.Errorf("decode merged_ids: %w", err)
		}
	}
	return nil
}

// Insert persists a message with delivery_status pending. It returns false
// without error when the message is filtered (self echoes, time separators,
// system/revoke types) or when the (instance_id, message_id) pair already
// exists. Re-polling the same remote id is a no-op.
func (s *MessageStore) Insert(ctx context.Context, m *Message) (bool, error) {
	if wxmsg.ShouldDrop(m.Sender, m.MessageType, m.MType) {
		return false, nil
	}

	fileType := m.FileType
	if fileType == "" {
		fileType = wxmsg.FileTypeNone
	}
	createTime := m.CreateTime
	if createTime.IsZero() {
		createTime = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (instance_id, message_id, chat_name, sender, sender_remark, mtype,
			message_type, content, local_file_path, original_file_path, file_type, file_size,
			create_time, delivery_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, message_id) DO NOTHING
	`, m.InstanceID, m.MessageID, m.ChatName, m.Sender, m.SenderRemark, m.MType,
		m.MessageType, m.Content, m.LocalFilePath, m.OriginalFilePath, fileType, m.FileSize,
		createTime.UnixMilli(), StatusPending)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows affected: %w", err)
	}
	return n > 0, nil
}

// Get looks up a message by its primary key.
func (s *MessageStore) Get(ctx context.Context, instanceID, messageID string) (*Message, error) {
	m := &Message{}
	err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE instance_id = ? AND message_id = ?`,
		instanceID, messageID), m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListPending returns up to limit pending messages in create_time order.
func (s *MessageStore) ListPending(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE delivery_status = ?
		 ORDER BY create_time ASC, message_id ASC LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListPendingPeers returns pending messages from the same (instance, chat,
// sender) whose create_time falls inside [from, to], excluding excludeID.
// Used to absorb bursts into one platform call.
func (s *MessageStore) ListPendingPeers(ctx context.Context, instanceID, chatName, sender string, from, to time.Time, excludeID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE delivery_status = ? AND instance_id = ? AND chat_name = ? AND sender = ?
		   AND create_time BETWEEN ? AND ? AND message_id != ?
		 ORDER BY create_time ASC, message_id ASC`,
		StatusPending, instanceID, chatName, sender, from.UnixMilli(), to.UnixMilli(), excludeID)
	if err != nil {
		return nil, fmt.Errorf("list pending peers: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ClaimForDelivery atomically transitions a message from pending to
// in-flight. Returns false when another worker already took the row.
func (s *MessageStore) ClaimForDelivery(ctx context.Context, instanceID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ? WHERE instance_id = ? AND message_id = ? AND delivery_status = ?`,
		StatusInFlight, instanceID, messageID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordDelivery finalises a claimed message with its outcome.
func (s *MessageStore) RecordDelivery(ctx context.Context, instanceID, messageID string, status DeliveryStatus, platformID, replyContent, replyStatus string, replyTime time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivery_status = ?, delivery_time = ?, platform_id = ?,
			reply_content = ?, reply_status = ?, reply_time = ?, processed = 1
		WHERE instance_id = ? AND message_id = ?
	`, status, time.Now().UnixMilli(), platformID,
		replyContent, replyStatus, timeToMs(replyTime),
		instanceID, messageID)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// MarkSkipped records messages as skipped with the given reason.
func (s *MessageStore) MarkSkipped(ctx context.Context, instanceID string, messageIDs []string, reason string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	for _, id := range messageIDs {
		_, err := s.db.ExecContext(ctx,
			`UPDATE messages SET delivery_status = ?, delivery_time = ?, skip_reason = ?, processed = 1
			 WHERE instance_id = ? AND message_id = ?`,
			StatusSkipped, now, reason, instanceID, id)
		if err != nil {
			return fmt.Errorf("mark message %s skipped: %w", id, err)
		}
	}
	return nil
}

// RecordMerge marks primaryID as the owner of a burst and the absorbed peers
// as skipped, in one transaction.
func (s *MessageStore) RecordMerge(ctx context.Context, instanceID, primaryID string, absorbedIDs []string) error {
	if len(absorbedIDs) == 0 {
		return nil
	}
	ids, err := json.Marshal(absorbedIDs)
	if err != nil {
		return fmt.Errorf("encode merged_ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET merged = 1, merged_count = ?, merged_ids = ? WHERE instance_id = ? AND message_id = ?`,
		len(absorbedIDs)+1, string(ids), instanceID, primaryID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record merge primary: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, id := range absorbedIDs {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET delivery_status = ?, delivery_time = ?, skip_reason = ?, processed = 1
			 WHERE instance_id = ? AND message_id = ?`,
			StatusSkipped, now, SkipMerged, instanceID, id)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record merge peer %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// RequeueInFlight returns in-flight messages to pending. Called once at
// startup so rows claimed by a crashed worker are not stranded.
func (s *MessageStore) RequeueInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ? WHERE delivery_status = ?`,
		StatusPending, StatusInFlight)
	if err != nil {
		return 0, fmt.Errorf("requeue in-flight messages: %w", err)
	}
	return res.RowsAffected()
}

// Requeue flips a failed message back to pending. Exposed for explicit
// admin retry only; the pipeline never does this on its own.
func (s *MessageStore) Requeue(ctx context.Context, instanceID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ?, skip_reason = '' WHERE instance_id = ? AND message_id = ? AND delivery_status = ?`,
		StatusPending, instanceID, messageID, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("requeue message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue rows affected: %w", err)
	}
	return n > 0, nil
}

// CountByStatus returns the number of messages per delivery status.
func (s *MessageStore) CountByStatus(ctx context.Context) (map[DeliveryStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT delivery_status, COUNT(*) FROM messages GROUP BY delivery_status`)
	if err != nil {
		return nil, fmt.Errorf("count messages by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[DeliveryStatus]int64)
	for rows.Next() {
		var status DeliveryStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := scanMessage(rows, m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
