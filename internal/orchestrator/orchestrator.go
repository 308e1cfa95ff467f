// Package orchestrator wires the whole pipeline together: it opens the
// store, seeds it from configuration, builds the instance clients and
// platform workers and runs the polling, delivery and status loops
// until shut down.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/config"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/conversation"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/delivery"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/ingress"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/instance"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/listener"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/platforms"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/rules"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
)

const (
	conversationPurgeInterval = time.Hour
	backlogSampleInterval     = 15 * time.Second
)

// Supervisor owns every pipeline component and their lifecycles.
type Supervisor struct {
	log     *slog.Logger
	cfg     *config.Config
	version string

	ring    *ErrRing
	metrics *Metrics

	store         *store.Store
	registry      *instance.Registry
	platforms     *platforms.Manager
	rules         *rules.Engine
	conversations *conversation.Map
	listeners     *listener.Manager
	delivery      *delivery.Service
	status        *StatusServer
	reconnectors  []*instance.Reconnector

	started time.Time
}

// NewSupervisor prepares a supervisor. Run does the actual work.
func NewSupervisor(cfg *config.Config, version string, ring *ErrRing, metrics *Metrics, log *slog.Logger) *Supervisor {
	return &Supervisor{
		log:     log.With("component", "orchestrator"),
		cfg:     cfg,
		version: version,
		ring:    ring,
		metrics: metrics,
	}
}

// Run brings the pipeline up in dependency order and blocks until ctx
// is cancelled or a component fails fatally.
func (s *Supervisor) Run(ctx context.Context) error {
	s.started = time.Now()

	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(ctx, s.cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	s.store = st
	s.log.Info("store opened", "path", s.cfg.DatabasePath())

	if err := s.seed(ctx); err != nil {
		return err
	}

	s.buildComponents()

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.listeners.Run(runCtx) })
	g.Go(func() error { return s.delivery.Run(runCtx) })
	g.Go(func() error {
		s.conversations.RunPurge(runCtx, conversationPurgeInterval, s.cfg.ConversationPurgeAge())
		return runCtx.Err()
	})
	g.Go(func() error { return s.sampleBacklog(runCtx) })
	if s.cfg.StatusServer.Enabled {
		g.Go(func() error { return s.status.Run(runCtx) })
	}

	for _, r := range s.reconnectors {
		r.Start()
	}
	defer func() {
		for _, r := range s.reconnectors {
			r.Stop()
		}
		s.platforms.Close()
	}()

	s.log.Info("pipeline running",
		"instances", len(s.registry.IDs()),
		"platforms", s.platforms.Count(),
		"rules", s.rules.Count())

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seed reconciles configuration into the store: instances, fixed
// listeners, and any declared platform and rule seeds. Platform and
// rule seeds only fill gaps; rows already in the store win.
func (s *Supervisor) seed(ctx context.Context) error {
	instances := make([]*store.Instance, 0, len(s.cfg.Instances))
	for _, in := range s.cfg.Instances {
		instances = append(instances, &store.Instance{
			InstanceID: in.ID,
			Name:       in.Name,
			BaseURL:    in.BaseURL,
			APIKey:     in.APIKey,
			Enabled:    in.Enabled,
		})
	}
	if err := s.store.Instances.Sync(ctx, instances); err != nil {
		return fmt.Errorf("sync instances: %w", err)
	}

	fixed := make([]*store.FixedListener, 0, len(s.cfg.FixedListeners))
	for _, f := range s.cfg.FixedListeners {
		fixed = append(fixed, &store.FixedListener{
			SessionName: f.SessionName,
			Enabled:     f.Enabled,
			Description: f.Description,
		})
	}
	if err := s.store.FixedListeners.Sync(ctx, fixed); err != nil {
		return fmt.Errorf("sync fixed listeners: %w", err)
	}

	for _, ps := range s.cfg.Platforms {
		raw, err := json.Marshal(ps.Config)
		if err != nil {
			return fmt.Errorf("encode platform seed %s: %w", ps.ID, err)
		}
		inserted, err := s.store.Platforms.InsertIfAbsent(ctx, &store.Platform{
			PlatformID: ps.ID,
			Name:       ps.Name,
			Type:       ps.Type,
			Config:     raw,
			Enabled:    ps.Enabled,
		})
		if err != nil {
			return fmt.Errorf("seed platform %s: %w", ps.ID, err)
		}
		if inserted {
			s.log.Info("platform seeded", "platform_id", ps.ID, "type", ps.Type)
		}
	}

	for _, rs := range s.cfg.Rules {
		inserted, err := s.store.Rules.InsertIfAbsent(ctx, &store.Rule{
			RuleID:         rs.ID,
			Name:           rs.Name,
			InstanceID:     rs.InstanceID,
			ChatPattern:    rs.ChatPattern,
			PlatformID:     rs.PlatformID,
			Priority:       rs.Priority,
			Enabled:        rs.Enabled,
			OnlyAtMessages: rs.OnlyAtMessages,
			AtName:         rs.AtName,
			ReplyAtSender:  rs.ReplyAtSender,
		})
		if err != nil {
			return fmt.Errorf("seed rule %d: %w", rs.ID, err)
		}
		if inserted {
			s.log.Info("rule seeded", "rule_id", rs.ID, "name", rs.Name)
		}
	}

	return nil
}

// buildComponents constructs the pipeline over the seeded store.
func (s *Supervisor) buildComponents() {
	s.registry = instance.NewRegistry(s.log)
	for _, in := range s.cfg.Instances {
		if !in.Enabled {
			continue
		}
		s.registry.Configure(instance.ClientConfig{
			InstanceID:       in.ID,
			BaseURL:          in.BaseURL,
			APIKey:           in.APIKey,
			SendPerMinute:    s.cfg.SendRate.PerMinute,
			SendBurst:        s.cfg.SendRate.Burst,
			TypingChunkSize:  s.cfg.Pipeline.TypingChunkSize,
			TypingChunkDelay: s.cfg.TypingChunkDelay(),
			Log:              s.log,
		})
	}

	s.platforms = platforms.NewManager(s.store, s.log)
	if err := s.platforms.Load(context.Background()); err != nil {
		s.log.Error("platform load failed", "error", err)
	}

	s.rules = rules.NewEngine(s.log)
	if loaded, err := s.store.Rules.ListEnabled(context.Background()); err != nil {
		s.log.Error("rule load failed", "error", err)
	} else {
		s.rules.Load(loaded)
	}

	s.conversations = conversation.NewMap(s.store.Conversations, s.log)

	ing := ingress.New(s.store, s.log, s.metrics)

	daemons := make([]listener.Daemon, 0, len(s.registry.IDs()))
	for _, c := range s.registry.All() {
		daemons = append(daemons, c)
	}
	s.listeners = listener.NewManager(s.store, ing, daemons, listener.Options{
		PollInterval:    s.cfg.PollInterval(),
		ListenerTimeout: s.cfg.ListenerTimeout(),
		MaxListeners:    s.cfg.Pipeline.MaxListeners,
	}, s.log, s.metrics)

	senders := func(id string) (delivery.Sender, bool) {
		c, ok := s.registry.Get(id)
		if !ok {
			return nil, false
		}
		return c, true
	}
	s.delivery = delivery.NewService(s.store, s.conversations, s.rules, s.platforms, senders, delivery.Options{
		Workers:           s.cfg.Pipeline.DeliveryWorkers,
		MergeWindow:       s.cfg.MergeWindow(),
		PlatformTimeout:   s.cfg.PlatformCallTimeout(),
		AccountingTimeout: s.cfg.AccountingCallTimeout(),
		DownloadsDir:      s.cfg.DownloadsDir(),
	}, s.log, s.metrics)

	for _, c := range s.registry.All() {
		s.reconnectors = append(s.reconnectors, s.newReconnector(c))
	}

	if s.cfg.StatusServer.Enabled {
		s.status = NewStatusServer(s.cfg.StatusServer.Listen, s, s.ring, s.metrics, s.log)
	}
}

// newReconnector watches one daemon connection. The pollers flip the
// client's connected flag off on transport failures; the reconnector
// then re-initialises with backoff and re-subscribes the listeners.
func (s *Supervisor) newReconnector(c *instance.Client) *instance.Reconnector {
	r := instance.NewReconnector(instance.ReconnectorConfig{
		Log: s.log.With("component", "reconnect", "instance", c.ID()),
		CheckAlive: func(ctx context.Context) bool {
			if !c.APIConnected() {
				return false
			}
			st, err := c.GetStatus(ctx)
			ok := err == nil && st.Online
			if !ok {
				c.SetAPIConnected(false)
			}
			return ok
		},
		Reconnect: func(ctx context.Context) error {
			if err := c.Initialize(ctx); err != nil {
				return err
			}
			c.SetAPIConnected(true)
			return nil
		},
		OnUp: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.listeners.RearmInstance(ctx, c.ID())
		},
	})
	r.MarkConnected()
	return r
}

// sampleBacklog refreshes the pending-depth gauge.
func (s *Supervisor) sampleBacklog(ctx context.Context) error {
	ticker := time.NewTicker(backlogSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			counts, err := s.store.Messages.CountByStatus(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error("count message backlog", "error", err)
				}
				continue
			}
			s.metrics.SetPendingDepth(pendingDepth(counts))
		}
	}
}

// Snapshot assembles the live status view for the status server.
func (s *Supervisor) Snapshot(ctx context.Context) (*StatusSnapshot, error) {
	counts, err := s.store.Messages.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	return &StatusSnapshot{
		Version:       s.version,
		StartedAt:     s.started,
		UptimeSec:     int64(time.Since(s.started).Seconds()),
		Instances:     s.listeners.Snapshot(),
		Listeners:     s.listenerStatus(ctx),
		Platforms:     s.platforms.IDs(),
		PlatformStats: s.metrics.PlatformStats(),
		Rules:         s.rules.Count(),
		Messages:      messageCountLabels(counts),
		Errors:        s.ring.Recent(),
	}, nil
}

// listenerStatus reads the per-chat listener rows of every instance.
func (s *Supervisor) listenerStatus(ctx context.Context) []ListenerStatus {
	var out []ListenerStatus
	for _, id := range s.registry.IDs() {
		rows, err := s.store.Listeners.List(ctx, id)
		if err != nil {
			s.log.Error("list listeners for status", "instance", id, "error", err)
			continue
		}
		for _, l := range rows {
			out = append(out, ListenerStatus{
				InstanceID:    l.InstanceID,
				ChatName:      l.ChatName,
				Active:        l.Status == store.ListenerActive,
				Manual:        l.ManualAdded,
				LastMessageAt: l.LastMessageTime,
				LastCheckAt:   l.LastCheckTime,
			})
		}
	}
	return out
}
