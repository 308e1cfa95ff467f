// Package platform defines the contract between the delivery pipeline and
// the pluggable service platforms (Dify, OpenAI-compatible, Coze, keyword
// autoresponder, zhiweijz accounting). It is a leaf package: implementations
// and the pipeline both import it, never each other.
package platform

import (
	"context"
	"encoding/json"
	"time"
)

// SendMode selects how a reply is pushed back through the WeChat instance.
type SendMode string

const (
	// SendModeNormal sends the reply as a single message.
	SendModeNormal SendMode = "normal"

	// SendModeTyping streams the reply in small chunks to imitate typing.
	SendModeTyping SendMode = "typing"
)

// ParseSendMode normalises a config value, defaulting to SendModeNormal.
func ParseSendMode(s string) SendMode {
	if SendMode(s) == SendModeTyping {
		return SendModeTyping
	}
	return SendModeNormal
}

// Message is the normalised inbound message handed to a platform.
// The pipeline derives UserID and resequences ConversationID before calling
// Process; a platform never touches the store directly.
type Message struct {
	InstanceID   string
	MessageID    string
	ChatName     string
	Sender       string
	SenderRemark string

	// UserID is the conversation-scoped user identity. For group chats it is
	// "<chat_name>==<sender>", for private chats the sender itself.
	UserID string

	Content string
	IsGroup bool

	// Attachment fields. FileType is one of none/image/file/voice/video.
	FileType      string
	LocalFilePath string

	// UploadFileID is set by the pipeline when the target platform uploaded
	// the attachment ahead of Process (see Uploader).
	UploadFileID string

	// ConversationID is the persisted upstream conversation for this
	// (instance, chat, user, platform), or empty for a fresh session.
	ConversationID string

	CreateTime time.Time
}

// Result is the outcome of processing one message.
type Result struct {
	// Content is the reply text. May be empty when ShouldReply is false.
	Content string

	// ShouldReply indicates whether the pipeline should send Content back.
	// A false value with a nil error records the message as skipped.
	ShouldReply bool

	// ConversationID, when non-empty, is persisted so the next message from
	// the same user continues the upstream session.
	ConversationID string

	// DeclineReason labels a ShouldReply=false outcome for the delivery
	// record, e.g. "platform_declined".
	DeclineReason string

	// InvalidateConversation is set when the upstream rejected the supplied
	// conversation id and the call succeeded only after dropping it. The
	// pipeline deletes the stored mapping and persists ConversationID anew.
	InvalidateConversation bool

	// Raw carries the upstream response for diagnostics.
	Raw map[string]interface{}
}

// Config is the stored description of one platform instance.
type Config struct {
	ID      string
	Name    string
	Kind    string
	Raw     json.RawMessage
	Enabled bool
}

// Platform is the uniform contract every service platform implements.
type Platform interface {
	// ID returns the stable platform id from the store.
	ID() string
	// Name returns the human-readable platform name.
	Name() string
	// Kind returns the platform type: dify, openai, coze, keyword, zhiweijz.
	Kind() string

	// Init parses the type-specific config. It must be cheap and perform no
	// network I/O; a config error disables this platform only.
	Init(cfg *Config) error

	// TestConnection performs a full network probe against the upstream.
	TestConnection(ctx context.Context) error

	// Process turns one inbound message into a Result. Implementations
	// honour ctx cancellation at every network call.
	Process(ctx context.Context, msg *Message) (*Result, error)

	// SendMode reports how replies from this platform are sent.
	SendMode() SendMode

	// Cleanup releases any held resources. Called on removal and reload.
	Cleanup() error
}

// Uploader is implemented by platforms that accept file attachments through
// a separate upload endpoint. The pipeline uploads before Process and passes
// the returned id via Message.UploadFileID.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) (string, error)
}
