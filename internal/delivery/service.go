// Package delivery drains pending messages from the store and pushes
// them through the pipeline: burst merge, rule match, platform call and
// the outbound reply. A fixed worker pool preserves per-conversation
// ordering by hashing each (instance, chat, sender) tuple onto one
// worker.
package delivery

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/conversation"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/rules"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/wxmsg"
	"github.com/zj591227045/WXAUTO-MGT-sub001/pkg/platform"
)

// Sender is the outbound slice of the instance client.
type Sender interface {
	Send(ctx context.Context, receiver, message string, atList []string) error
	SendTyping(ctx context.Context, receiver, message string, atList []string) error
}

// SenderSource resolves the sender for an instance id.
type SenderSource func(instanceID string) (Sender, bool)

// Platforms resolves loaded platforms. Implemented by platforms.Manager.
type Platforms interface {
	Get(id string) (platform.Platform, bool)
}

// Observer receives per-message delivery outcomes and per-call platform
// timings. May be nil.
type Observer interface {
	OnDelivery(platformID string, status store.DeliveryStatus, reason string)
	OnPlatformCall(kind string, err error, elapsed time.Duration)
}

// Reply status labels recorded with the delivery outcome.
const (
	replyOK              = "ok"
	replySendFailed      = "send_failed"
	replyPlatformError   = "platform_error"
	replySessionInvalid  = "session_invalid"
	replyPlatformMissing = "platform_missing"
	replyNoSender        = "no_sender"
)

// accountingKind gets the tighter call deadline.
const accountingKind = "zhiweijz"

// Options tune the delivery loop. Zero values get defaults.
type Options struct {
	Workers           int           // worker pool size, default 4
	ScanInterval      time.Duration // pending-scan period, default 500ms
	BatchSize         int           // pending rows per scan, default 50
	MergeWindow       time.Duration // burst merge window, default 1500ms
	PlatformTimeout   time.Duration // platform call deadline, default 60s
	AccountingTimeout time.Duration // accounting call deadline, default 30s
	ShutdownGrace     time.Duration // in-flight drain budget on shutdown, default 10s
	DownloadsDir      string        // attachment staging directory
}

func (o *Options) defaults() {
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.ScanInterval == 0 {
		o.ScanInterval = 500 * time.Millisecond
	}
	if o.BatchSize == 0 {
		o.BatchSize = 50
	}
	if o.MergeWindow == 0 {
		o.MergeWindow = 1500 * time.Millisecond
	}
	if o.PlatformTimeout == 0 {
		o.PlatformTimeout = 60 * time.Second
	}
	if o.AccountingTimeout == 0 {
		o.AccountingTimeout = 30 * time.Second
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = 10 * time.Second
	}
}

// Service is the delivery pipeline.
type Service struct {
	log           *slog.Logger
	store         *store.Store
	conversations *conversation.Map
	rules         *rules.Engine
	platforms     Platforms
	senders       SenderSource
	observe       Observer
	opts          Options
}

// NewService builds a delivery service. observer may be nil.
func NewService(s *store.Store, conv *conversation.Map, engine *rules.Engine, platforms Platforms, senders SenderSource, opts Options, log *slog.Logger, observer Observer) *Service {
	opts.defaults()
	return &Service{
		log:           log.With("component", "delivery"),
		store:         s,
		conversations: conv,
		rules:         engine,
		platforms:     platforms,
		senders:       senders,
		observe:       observer,
		opts:          opts,
	}
}

// Run requeues orphaned in-flight rows, then scans and delivers until
// ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	n, err := s.store.Messages.RequeueInFlight(ctx)
	if err != nil {
		return fmt.Errorf("requeue in-flight: %w", err)
	}
	if n > 0 {
		s.log.Info("requeued in-flight messages from previous run", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)

	// workCtx outlives ctx by the shutdown grace so a message that is
	// already past its claim can finish the platform call and record its
	// outcome instead of being aborted into an in-flight orphan.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(s.opts.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-workCtx.Done():
		}
		cancelWork()
	}()

	queues := make([]chan *store.Message, s.opts.Workers)
	for i := range queues {
		queues[i] = make(chan *store.Message, s.opts.BatchSize)
		q := queues[i]
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					// Claimed messages still queued are part of the drain.
					for {
						select {
						case msg := <-q:
							s.process(workCtx, msg)
						default:
							return ctx.Err()
						}
					}
				case msg := <-q:
					s.process(workCtx, msg)
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.opts.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := s.dispatch(ctx, queues); err != nil && ctx.Err() == nil {
					s.log.Error("dispatch failed", "error", err)
				}
			}
		}
	})

	return g.Wait()
}

// dispatch claims deliverable pending messages and routes each to its
// tuple's worker. Only the oldest pending message of a tuple is claimed
// per scan; younger ones stay pending so the worker can absorb them as
// a burst. Messages still inside the merge window wait for the next
// scan.
func (s *Service) dispatch(ctx context.Context, queues []chan *store.Message) error {
	pending, err := s.store.Messages.ListPending(ctx, s.opts.BatchSize)
	if err != nil {
		return err
	}

	now := time.Now()
	seen := make(map[string]bool)
	for _, msg := range pending {
		tuple := msg.InstanceID + "|" + msg.ChatName + "|" + msg.Sender
		if seen[tuple] {
			continue
		}
		seen[tuple] = true

		// A peer can leave the window between two scans, after its
		// primary was claimed but before that worker listed its peers.
		// The tuple hashes to the same worker either way, so ordering
		// holds and the burst merely delivers in two parts.
		if !msg.CreateTime.IsZero() && now.Sub(msg.CreateTime) < s.opts.MergeWindow {
			continue
		}

		claimed, err := s.store.Messages.ClaimForDelivery(ctx, msg.InstanceID, msg.MessageID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case queues[s.route(tuple, len(queues))] <- msg:
		}
	}
	return nil
}

func (s *Service) route(tuple string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(tuple))
	return int(h.Sum32()) % n
}

// Sweep runs one synchronous scan-and-deliver pass and returns the
// number of messages processed. Exposed for tests and one-shot runs.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	pending, err := s.store.Messages.ListPending(ctx, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	var processed int
	for _, msg := range pending {
		tuple := msg.InstanceID + "|" + msg.ChatName + "|" + msg.Sender
		if seen[tuple] {
			continue
		}
		seen[tuple] = true
		claimed, err := s.store.Messages.ClaimForDelivery(ctx, msg.InstanceID, msg.MessageID)
		if err != nil {
			return processed, err
		}
		if !claimed {
			continue
		}
		s.process(ctx, msg)
		processed++
	}
	return processed, nil
}

// process runs one claimed message through the full pipeline.
func (s *Service) process(ctx context.Context, msg *store.Message) {
	log := s.log.With("instance", msg.InstanceID, "chat", msg.ChatName, "message_id", msg.MessageID)

	content := s.merge(ctx, msg, log)

	rule := s.rules.Match(msg.InstanceID, msg.ChatName, content)
	if rule == nil {
		reason := store.SkipNoRule
		if r := s.rules.MatchIgnoringMention(msg.InstanceID, msg.ChatName); r != nil && r.OnlyAtMessages {
			reason = store.SkipNotAt
		}
		s.skip(ctx, msg, "", reason, log)
		return
	}

	p, ok := s.platforms.Get(rule.PlatformID)
	if !ok {
		log.Error("rule points at unloaded platform", "rule_id", rule.RuleID, "platform_id", rule.PlatformID)
		s.finish(ctx, msg, store.StatusFailed, rule.PlatformID, "", replyPlatformMissing, log)
		return
	}

	if rule.OnlyAtMessages {
		content = wxmsg.StripMention(content, rule.AtName)
	}

	isGroup := wxmsg.IsGroupMessage(msg.ChatName, msg.Sender)
	key := conversation.Key{
		InstanceID: msg.InstanceID,
		ChatName:   msg.ChatName,
		UserID:     wxmsg.DeriveUserID(msg.ChatName, msg.Sender, msg.SenderRemark),
		PlatformID: p.ID(),
	}
	conversationID, err := s.conversations.Get(ctx, key)
	if err != nil {
		log.Error("conversation lookup failed, proceeding without session", "error", err)
	}

	pmsg := &platform.Message{
		InstanceID:     msg.InstanceID,
		MessageID:      msg.MessageID,
		ChatName:       msg.ChatName,
		Sender:         msg.Sender,
		SenderRemark:   msg.SenderRemark,
		UserID:         key.UserID,
		Content:        content,
		IsGroup:        isGroup,
		FileType:       msg.FileType,
		LocalFilePath:  msg.LocalFilePath,
		ConversationID: conversationID,
		CreateTime:     msg.CreateTime,
	}
	s.uploadAttachment(ctx, p, pmsg, log)

	timeout := s.opts.PlatformTimeout
	if p.Kind() == accountingKind {
		timeout = s.opts.AccountingTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	res, err := p.Process(callCtx, pmsg)
	cancel()
	if s.observe != nil {
		s.observe.OnPlatformCall(p.Kind(), err, time.Since(start))
	}

	if err != nil {
		if platform.IsSessionInvalid(err) {
			log.Warn("platform session invalid, dropping mapping", "platform_id", p.ID(), "error", err)
			s.dropConversation(ctx, key, log)
			s.finish(ctx, msg, store.StatusFailed, p.ID(), "", replySessionInvalid, log)
			return
		}
		log.Error("platform call failed", "platform_id", p.ID(), "error", err)
		s.finish(ctx, msg, store.StatusFailed, p.ID(), "", replyPlatformError, log)
		return
	}

	if res.InvalidateConversation {
		s.dropConversation(ctx, key, log)
	}
	if res.ConversationID != "" && res.ConversationID != conversationID {
		if err := s.conversations.Put(ctx, key, res.ConversationID); err != nil {
			log.Error("persist conversation", "error", err)
		}
		if err := s.store.Listeners.UpdateConversation(ctx, msg.InstanceID, msg.ChatName, res.ConversationID); err != nil {
			log.Error("write-through conversation", "error", err)
		}
	}

	if !res.ShouldReply {
		reason := res.DeclineReason
		if reason == "" {
			reason = store.SkipPlatformDeclined
		}
		s.skip(ctx, msg, p.ID(), reason, log)
		return
	}

	s.reply(ctx, msg, rule, p, res, isGroup, log)
}

// merge absorbs the pending burst peers of a claimed primary message and
// returns the combined content.
func (s *Service) merge(ctx context.Context, msg *store.Message, log *slog.Logger) string {
	if msg.CreateTime.IsZero() {
		return msg.Content
	}
	peers, err := s.store.Messages.ListPendingPeers(ctx,
		msg.InstanceID, msg.ChatName, msg.Sender,
		msg.CreateTime, msg.CreateTime.Add(s.opts.MergeWindow), msg.MessageID)
	if err != nil {
		log.Error("list burst peers", "error", err)
		return msg.Content
	}
	if len(peers) == 0 {
		return msg.Content
	}

	parts := make([]string, 0, len(peers)+1)
	parts = append(parts, msg.Content)
	ids := make([]string, 0, len(peers))
	for _, peer := range peers {
		parts = append(parts, peer.Content)
		ids = append(ids, peer.MessageID)
	}
	if err := s.store.Messages.RecordMerge(ctx, msg.InstanceID, msg.MessageID, ids); err != nil {
		log.Error("record merge", "error", err)
		return msg.Content
	}
	log.Debug("merged burst", "absorbed", len(ids))
	return strings.Join(parts, "\n")
}

// uploadAttachment pre-uploads a staged attachment when the platform
// supports it. Failure degrades to a text-only call.
func (s *Service) uploadAttachment(ctx context.Context, p platform.Platform, pmsg *platform.Message, log *slog.Logger) {
	if pmsg.FileType == wxmsg.FileTypeNone || pmsg.LocalFilePath == "" {
		return
	}
	up, ok := p.(platform.Uploader)
	if !ok {
		return
	}

	path := pmsg.LocalFilePath
	if s.opts.DownloadsDir != "" {
		staged, err := s.stage(path)
		if err != nil {
			log.Warn("attachment staging failed", "path", path, "error", err)
		} else {
			path = staged
			defer os.Remove(staged)
		}
	}

	id, err := up.UploadFile(ctx, path)
	if err != nil {
		log.Warn("attachment upload failed, sending text only", "error", err)
		return
	}
	pmsg.UploadFileID = id
}

// stage copies an attachment into the downloads directory under a fresh
// name, so the source file can be rotated away by the daemon while the
// upload is still running.
func (s *Service) stage(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := os.MkdirAll(s.opts.DownloadsDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(s.opts.DownloadsDir, uuid.New().String()+filepath.Ext(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// reply pushes the platform's answer back through the instance.
func (s *Service) reply(ctx context.Context, msg *store.Message, rule *store.Rule, p platform.Platform, res *platform.Result, isGroup bool, log *slog.Logger) {
	sender, ok := s.senders(msg.InstanceID)
	if !ok {
		log.Error("no sender for instance")
		s.finish(ctx, msg, store.StatusFailed, p.ID(), res.Content, replyNoSender, log)
		return
	}

	text := res.Content
	var atList []string
	if rule.ReplyAtSender && isGroup {
		name := wxmsg.EffectiveSender(msg.Sender, msg.SenderRemark)
		text = wxmsg.PrependAt(name, text)
		atList = []string{name}
	}

	var err error
	if p.SendMode() == platform.SendModeTyping {
		err = sender.SendTyping(ctx, msg.ChatName, text, atList)
	} else {
		err = sender.Send(ctx, msg.ChatName, text, atList)
	}
	if err != nil {
		log.Error("reply send failed", "error", err)
		s.finish(ctx, msg, store.StatusFailed, p.ID(), res.Content, replySendFailed, log)
		return
	}

	s.finish(ctx, msg, store.StatusDelivered, p.ID(), res.Content, replyOK, log)
	log.Info("reply delivered", "platform_id", p.ID(), "chars", len(res.Content))
}

// dropConversation removes both the mapping and the legacy write-through
// copy on the listener row.
func (s *Service) dropConversation(ctx context.Context, key conversation.Key, log *slog.Logger) {
	if err := s.conversations.Delete(ctx, key); err != nil {
		log.Error("delete conversation mapping", "error", err)
	}
	if err := s.store.Listeners.ClearConversation(ctx, key.InstanceID, key.ChatName); err != nil {
		log.Error("clear listener conversation", "error", err)
	}
}

func (s *Service) skip(ctx context.Context, msg *store.Message, platformID, reason string, log *slog.Logger) {
	err := store.RetryWrite(ctx, log, "mark skipped", func() error {
		return s.store.Messages.MarkSkipped(ctx, msg.InstanceID, []string{msg.MessageID}, reason)
	})
	if err != nil {
		log.Error("mark skipped", "reason", reason, "error", err)
	}
	if s.observe != nil {
		s.observe.OnDelivery(platformID, store.StatusSkipped, reason)
	}
	log.Debug("message skipped", "reason", reason)
}

func (s *Service) finish(ctx context.Context, msg *store.Message, status store.DeliveryStatus, platformID, replyContent, replyStatus string, log *slog.Logger) {
	err := store.RetryWrite(ctx, log, "record delivery", func() error {
		return s.store.Messages.RecordDelivery(ctx, msg.InstanceID, msg.MessageID, status, platformID, replyContent, replyStatus, time.Now())
	})
	if err != nil {
		log.Error("record delivery", "error", err)
	}
	if s.observe != nil {
		s.observe.OnDelivery(platformID, status, replyStatus)
	}
}
