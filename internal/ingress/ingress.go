// Package ingress normalises raw polled messages and writes them to the
// store as pending deliveries. Self echoes, time separators and
// system/revoke notices are dropped before they touch the database, and
// re-polled remote ids are silently deduplicated.
package ingress

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/instance"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/wxmsg"
)

// Outcome classifies what happened to one raw message.
type Outcome string

const (
	// OutcomeAccepted means the message is persisted and pending delivery.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeFiltered means the message matched the drop filter.
	OutcomeFiltered Outcome = "filtered"
	// OutcomeDuplicate means the remote id was already stored.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeError means the store rejected the write after retries.
	OutcomeError Outcome = "error"
)

// Observer receives one callback per processed raw message. Implemented
// by the orchestrator's metrics.
type Observer interface {
	OnIngress(instanceID string, outcome Outcome)
}

// Ingress converts raw daemon messages into stored pending messages.
type Ingress struct {
	log      *slog.Logger
	store    *store.Store
	observer Observer
}

// New builds an ingress. observer may be nil.
func New(s *store.Store, log *slog.Logger, observer Observer) *Ingress {
	return &Ingress{
		log:      log.With("component", "ingress"),
		store:    s,
		observer: observer,
	}
}

// Accept processes one raw message from a poll of chatName on an
// instance. It reports whether the message was persisted.
func (i *Ingress) Accept(ctx context.Context, instanceID, chatName string, raw *instance.RawMessage) (bool, error) {
	msg := Normalize(instanceID, chatName, raw)

	if wxmsg.ShouldDrop(msg.Sender, msg.MessageType, msg.MType) {
		i.observe(instanceID, OutcomeFiltered)
		return false, nil
	}

	var inserted bool
	err := store.RetryWrite(ctx, i.log, "insert message", func() error {
		var err error
		inserted, err = i.store.Messages.Insert(ctx, msg)
		return err
	})
	if err != nil {
		i.observe(instanceID, OutcomeError)
		return false, err
	}

	if !inserted {
		i.observe(instanceID, OutcomeDuplicate)
		return false, nil
	}

	i.observe(instanceID, OutcomeAccepted)
	i.log.Debug("message accepted",
		"instance", instanceID,
		"chat", msg.ChatName,
		"message_id", msg.MessageID,
		"sender", msg.Sender)
	return true, nil
}

func (i *Ingress) observe(instanceID string, outcome Outcome) {
	if i.observer != nil {
		i.observer.OnIngress(instanceID, outcome)
	}
}

// Normalize converts one raw daemon message into the stored record:
// trims identities, classifies the attachment and fixes up the creation
// timestamp.
func Normalize(instanceID, chatName string, raw *instance.RawMessage) *store.Message {
	msg := &store.Message{
		InstanceID:       instanceID,
		MessageID:        raw.ID.String(),
		ChatName:         strings.TrimSpace(chatName),
		Sender:           strings.TrimSpace(raw.Sender),
		SenderRemark:     strings.TrimSpace(raw.SenderRemark),
		MType:            raw.MType.String(),
		MessageType:      strings.ToLower(strings.TrimSpace(raw.Kind)),
		Content:          raw.Content,
		LocalFilePath:    raw.FilePath,
		OriginalFilePath: raw.OriginalPath,
		FileSize:         raw.FileSize,
		CreateTime:       fromUnix(raw.CreateTime),
	}
	msg.FileType = classifyAttachment(msg.MessageType, raw.FilePath)
	return msg
}

// classifyAttachment derives the attachment type from the daemon's kind
// tag, falling back to the file extension.
func classifyAttachment(kind, filePath string) string {
	if filePath == "" {
		return wxmsg.FileTypeNone
	}
	switch kind {
	case "image", "pic":
		return wxmsg.FileTypeImage
	case "voice":
		return wxmsg.FileTypeVoice
	case "video":
		return wxmsg.FileTypeVideo
	case "file":
		return wxmsg.FileTypeFile
	}

	switch strings.ToLower(path.Ext(filePath)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return wxmsg.FileTypeImage
	case ".amr", ".silk", ".mp3", ".wav":
		return wxmsg.FileTypeVoice
	case ".mp4", ".mov", ".avi":
		return wxmsg.FileTypeVideo
	default:
		return wxmsg.FileTypeFile
	}
}

// fromUnix tolerates the daemon reporting seconds or milliseconds.
func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}
