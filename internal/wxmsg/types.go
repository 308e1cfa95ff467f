// Package wxmsg holds the shared message vocabulary of the pipeline: the raw
// type codes the remote daemon reports, the message kind tags, and the
// derivation rules for sender identity and @-mentions.
package wxmsg

import "strings"

// Raw numeric message types from the remote daemon, kept as strings because
// the wire sends them both quoted and unquoted.
const (
	MTypeSystem = "10000"
	MTypeRevoke = "10002"
)

// Message kind tags as reported by the daemon.
const (
	KindFriend = "friend"
	KindGroup  = "group"
	KindSelf   = "self"
	KindTime   = "time"
	KindSys    = "sys"
)

// Attachment file types.
const (
	FileTypeNone  = "none"
	FileTypeImage = "image"
	FileTypeFile  = "file"
	FileTypeVoice = "voice"
	FileTypeVideo = "video"
)

// ShouldDrop reports whether a raw message must never be persisted: echoes of
// our own sends, timestamp separators and system/revoke notices.
func ShouldDrop(sender, kind, mtype string) bool {
	if strings.EqualFold(strings.TrimSpace(sender), "self") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindSelf, KindTime:
		return true
	}
	switch strings.TrimSpace(mtype) {
	case MTypeSystem, MTypeRevoke:
		return true
	}
	return false
}

// EffectiveSender prefers the remark name over the raw sender id.
func EffectiveSender(sender, remark string) string {
	if r := strings.TrimSpace(remark); r != "" {
		return r
	}
	return strings.TrimSpace(sender)
}

// IsGroupMessage reports whether the message came through a group chat.
// In private chats the daemon reports the chat name equal to the sender.
func IsGroupMessage(chatName, sender string) bool {
	return sender != "" && chatName != "" && sender != chatName
}

// DeriveUserID builds the conversation-scoped user identity from the
// effective sender name (remark over raw id). Group senders are qualified
// with their chat so the same nickname in two groups maps to two upstream
// conversations. Group detection compares the raw sender to the chat; the
// remark only shapes the resulting name.
func DeriveUserID(chatName, sender, remark string) string {
	name := EffectiveSender(sender, remark)
	if IsGroupMessage(chatName, sender) {
		return chatName + "==" + name
	}
	return name
}
