// Package listener drives the polling loops against the WeChat daemons:
// the main-window unread sweep that discovers new chats, the per-chat
// listener polls, and the housekeeping pass that times out idle
// listeners, re-arms broken ones and keeps the fixed set pinned.
package listener

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/instance"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
)

// Daemon is the slice of the instance client the poller drives.
// *instance.Client implements it.
type Daemon interface {
	ID() string
	Initialize(ctx context.Context) error
	GetStatus(ctx context.Context) (*instance.Status, error)
	GetResources(ctx context.Context) (*instance.Resources, error)
	GetUnread(ctx context.Context, opts instance.UnreadOptions) (map[string][]*instance.RawMessage, error)
	AddListener(ctx context.Context, chat string, opts instance.ListenOptions) error
	RemoveListener(ctx context.Context, chat string) error
	GetListenerMessages(ctx context.Context, chat string) ([]*instance.RawMessage, error)
	APIConnected() bool
	SetAPIConnected(ok bool)
}

// Ingestor receives every polled raw message.
type Ingestor interface {
	Accept(ctx context.Context, instanceID, chatName string, raw *instance.RawMessage) (bool, error)
}

// Observer receives instance state updates for metrics and status
// reporting. May be nil.
type Observer interface {
	OnInstanceState(instanceID string, connected bool, activeListeners int)
	OnInstanceResources(instanceID string, cpuPercent, memoryPercent float64)
}

// Options tune the polling loops. Zero values get defaults.
type Options struct {
	PollInterval      time.Duration // listener/unread poll period, default 5s
	HousekeepInterval time.Duration // housekeeping period, default 60s
	ListenerTimeout   time.Duration // idle timeout for auto-added listeners, default 30m
	MaxListeners      int           // active listener cap per instance, default 30
}

func (o *Options) defaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.HousekeepInterval == 0 {
		o.HousekeepInterval = time.Minute
	}
	if o.ListenerTimeout == 0 {
		o.ListenerTimeout = 30 * time.Minute
	}
	if o.MaxListeners == 0 {
		o.MaxListeners = 30
	}
}

// saveAll instructs the daemon to stage every attachment kind locally so
// the pipeline can forward them.
var saveAll = instance.ListenOptions{SavePic: true, SaveVideo: true, SaveFile: true, SaveVoice: true, ParseURL: false}

type listenerKey struct {
	instanceID string
	chat       string
}

// InstanceSnapshot is the in-memory view of one instance's health.
type InstanceSnapshot struct {
	InstanceID      string              `json:"instance_id"`
	Connected       bool                `json:"connected"`
	ActiveListeners int                 `json:"active_listeners"`
	LastPoll        time.Time           `json:"last_poll"`
	Resources       *instance.Resources `json:"resources,omitempty"`
}

// Manager runs the polling loops for a set of daemons.
type Manager struct {
	log     *slog.Logger
	store   *store.Store
	ingest  Ingestor
	observe Observer
	opts    Options
	daemons []Daemon

	mu sync.Mutex
	// broken marks listeners whose remote chat window is gone; they are
	// skipped by the poll until housekeeping re-arms them.
	broken    map[listenerKey]bool
	snapshots map[string]*InstanceSnapshot
}

// NewManager builds a manager. observer may be nil.
func NewManager(s *store.Store, ingest Ingestor, daemons []Daemon, opts Options, log *slog.Logger, observer Observer) *Manager {
	opts.defaults()
	m := &Manager{
		log:       log.With("component", "listener"),
		store:     s,
		ingest:    ingest,
		observe:   observer,
		opts:      opts,
		daemons:   daemons,
		broken:    make(map[listenerKey]bool),
		snapshots: make(map[string]*InstanceSnapshot),
	}
	for _, d := range daemons {
		m.snapshots[d.ID()] = &InstanceSnapshot{InstanceID: d.ID()}
	}
	return m
}

// Run polls all instances until ctx is cancelled. Instances run in
// parallel with each other; polls of the same instance are sequential.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, d := range m.daemons {
		wg.Add(1)
		go func(d Daemon) {
			defer wg.Done()
			m.runInstance(ctx, d)
		}(d)
	}
	wg.Wait()
	return ctx.Err()
}

func (m *Manager) runInstance(ctx context.Context, d Daemon) {
	log := m.log.With("instance", d.ID())

	m.connect(ctx, d, log)
	m.housekeep(ctx, d, log)

	poll := time.NewTicker(m.opts.PollInterval)
	defer poll.Stop()
	housekeep := time.NewTicker(m.opts.HousekeepInterval)
	defer housekeep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			m.poll(ctx, d, log)
		case <-housekeep.C:
			m.housekeep(ctx, d, log)
		}
	}
}

// connect initialises the remote WeChat client and records the result.
func (m *Manager) connect(ctx context.Context, d Daemon, log *slog.Logger) {
	if err := d.Initialize(ctx); err != nil {
		log.Warn("daemon initialisation failed", "error", err)
		d.SetAPIConnected(false)
		m.updateSnapshot(ctx, d)
		return
	}
	d.SetAPIConnected(true)
	log.Info("daemon initialised")
	m.updateSnapshot(ctx, d)
}

// poll runs one pass of the unread sweep plus all per-listener polls.
func (m *Manager) poll(ctx context.Context, d Daemon, log *slog.Logger) {
	if !d.APIConnected() {
		return
	}
	m.pollUnread(ctx, d, log)
	m.pollListeners(ctx, d, log)
	m.updateSnapshot(ctx, d)
}

// pollUnread sweeps the daemon's main window. A chat that shows up here
// is not yet subscribed, so a listener is auto-added for it, subject to
// the cap. Its messages are ingested either way.
func (m *Manager) pollUnread(ctx context.Context, d Daemon, log *slog.Logger) {
	unread, err := d.GetUnread(ctx, instance.UnreadOptions(saveAll))
	if err != nil {
		if !instance.IsRemoteBusiness(err) {
			d.SetAPIConnected(false)
		}
		log.Warn("unread poll failed", "error", err)
		return
	}

	for chat, msgs := range unread {
		if len(msgs) == 0 {
			continue
		}
		m.ensureListener(ctx, d, chat, false, log)
		m.ingestBatch(ctx, d.ID(), chat, msgs, log)
	}
}

// pollListeners fetches new messages for every active listener.
func (m *Manager) pollListeners(ctx context.Context, d Daemon, log *slog.Logger) {
	active, err := m.store.Listeners.ListActive(ctx, d.ID())
	if err != nil {
		log.Error("list active listeners", "error", err)
		return
	}

	for _, l := range active {
		if ctx.Err() != nil {
			return
		}
		key := listenerKey{d.ID(), l.ChatName}
		m.mu.Lock()
		skip := m.broken[key]
		m.mu.Unlock()
		if skip {
			continue
		}

		msgs, err := d.GetListenerMessages(ctx, l.ChatName)
		switch {
		case instance.IsNotFound(err):
			// Chat window closed remotely. Leave the row active and let
			// housekeeping re-subscribe it.
			m.mu.Lock()
			m.broken[key] = true
			m.mu.Unlock()
			log.Warn("listener window gone, will re-arm", "chat", l.ChatName)
			continue
		case err != nil:
			if !instance.IsRemoteBusiness(err) {
				d.SetAPIConnected(false)
				log.Warn("listener poll failed, marking disconnected", "chat", l.ChatName, "error", err)
				return
			}
			log.Warn("listener poll failed", "chat", l.ChatName, "error", err)
			continue
		}

		m.ingestBatch(ctx, d.ID(), l.ChatName, msgs, log)
		if err := m.store.Listeners.TouchCheck(ctx, d.ID(), l.ChatName, time.Now()); err != nil {
			log.Error("touch listener check time", "chat", l.ChatName, "error", err)
		}
	}
}

// ingestBatch feeds one chat's polled messages to the ingress and
// refreshes the listener's activity clock when any of them sticks.
func (m *Manager) ingestBatch(ctx context.Context, instanceID, chat string, msgs []*instance.RawMessage, log *slog.Logger) {
	var accepted int
	for _, raw := range msgs {
		ok, err := m.ingest.Accept(ctx, instanceID, chat, raw)
		if err != nil {
			log.Error("ingest message", "chat", chat, "message_id", raw.ID, "error", err)
			continue
		}
		if ok {
			accepted++
		}
	}
	if accepted == 0 {
		return
	}
	if err := m.store.Listeners.Upsert(ctx, instanceID, chat, false); err != nil {
		log.Error("refresh listener activity", "chat", chat, "error", err)
	}
}

// ensureListener makes sure a chat has an active subscription, creating
// or reactivating it. A new automatic listener is refused over the cap;
// manual (fixed) listeners always go through.
func (m *Manager) ensureListener(ctx context.Context, d Daemon, chat string, manual bool, log *slog.Logger) {
	existing, err := m.store.Listeners.Get(ctx, d.ID(), chat)
	if err != nil {
		log.Error("look up listener", "chat", chat, "error", err)
		return
	}
	if existing != nil && existing.Status == store.ListenerActive && (!manual || existing.ManualAdded) {
		return
	}

	if existing == nil && !manual {
		n, err := m.store.Listeners.CountActive(ctx, d.ID())
		if err != nil {
			log.Error("count active listeners", "chat", chat, "error", err)
			return
		}
		if n >= m.opts.MaxListeners {
			log.Warn("listener cap reached, not subscribing",
				"chat", chat, "active", n, "max", m.opts.MaxListeners)
			return
		}
	}

	if err := m.store.Listeners.Upsert(ctx, d.ID(), chat, manual); err != nil {
		log.Error("upsert listener", "chat", chat, "error", err)
		return
	}
	if err := d.AddListener(ctx, chat, saveAll); err != nil {
		log.Warn("remote listener add failed, will re-arm", "chat", chat, "error", err)
		m.mu.Lock()
		m.broken[listenerKey{d.ID(), chat}] = true
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	delete(m.broken, listenerKey{d.ID(), chat})
	m.mu.Unlock()
	if existing == nil {
		log.Info("listener added", "chat", chat, "manual", manual)
	} else {
		log.Info("listener reactivated", "chat", chat)
	}
}

// RearmInstance re-subscribes every active listener on one instance.
// Called by the reconnect watcher when a daemon comes back between
// housekeeping passes.
func (m *Manager) RearmInstance(ctx context.Context, instanceID string) {
	for _, d := range m.daemons {
		if d.ID() == instanceID {
			m.rearmAll(ctx, d, m.log.With("instance", instanceID))
		}
	}
}

// housekeep is the slow loop: health probe, re-arming, idle timeout,
// fixed-listener reconciliation and a resource snapshot.
func (m *Manager) housekeep(ctx context.Context, d Daemon, log *slog.Logger) {
	wasConnected := d.APIConnected()

	st, err := d.GetStatus(ctx)
	connected := err == nil && st.Online
	d.SetAPIConnected(connected)

	if !connected {
		if wasConnected {
			log.Warn("daemon health probe failed", "error", err)
		}
		m.updateSnapshot(ctx, d)
		return
	}
	if err := m.store.Instances.TouchLastSeen(ctx, d.ID(), time.Now()); err != nil {
		log.Error("touch instance last seen", "error", err)
	}

	if !wasConnected {
		log.Info("daemon back online, re-subscribing listeners")
		m.rearmAll(ctx, d, log)
	} else {
		m.rearmBroken(ctx, d, log)
	}

	m.expireIdle(ctx, d, log)
	m.reconcileFixed(ctx, d, log)

	if res, err := d.GetResources(ctx); err == nil {
		m.mu.Lock()
		m.snapshots[d.ID()].Resources = res
		m.mu.Unlock()
		if m.observe != nil {
			m.observe.OnInstanceResources(d.ID(), res.CPUPercent, res.MemoryPercent)
		}
	}

	m.updateSnapshot(ctx, d)
}

// rearmAll re-subscribes every active listener after a daemon restart.
func (m *Manager) rearmAll(ctx context.Context, d Daemon, log *slog.Logger) {
	active, err := m.store.Listeners.ListActive(ctx, d.ID())
	if err != nil {
		log.Error("list active listeners", "error", err)
		return
	}
	for _, l := range active {
		key := listenerKey{d.ID(), l.ChatName}
		if err := d.AddListener(ctx, l.ChatName, saveAll); err != nil {
			log.Warn("re-subscribe failed", "chat", l.ChatName, "error", err)
			m.mu.Lock()
			m.broken[key] = true
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		delete(m.broken, key)
		m.mu.Unlock()
	}
}

// rearmBroken retries subscriptions whose remote window went away.
func (m *Manager) rearmBroken(ctx context.Context, d Daemon, log *slog.Logger) {
	m.mu.Lock()
	var keys []listenerKey
	for key, flagged := range m.broken {
		if flagged && key.instanceID == d.ID() {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		if err := d.AddListener(ctx, key.chat, saveAll); err != nil {
			log.Warn("re-arm failed", "chat", key.chat, "error", err)
			continue
		}
		m.mu.Lock()
		delete(m.broken, key)
		m.mu.Unlock()
		log.Info("listener re-armed", "chat", key.chat)
	}
}

// expireIdle inactivates automatic listeners that have been silent
// beyond the timeout. Manual listeners never expire.
func (m *Manager) expireIdle(ctx context.Context, d Daemon, log *slog.Logger) {
	active, err := m.store.Listeners.ListActive(ctx, d.ID())
	if err != nil {
		log.Error("list active listeners", "error", err)
		return
	}
	cutoff := time.Now().Add(-m.opts.ListenerTimeout)
	for _, l := range active {
		if l.ManualAdded {
			continue
		}
		last := l.LastMessageTime
		if last.IsZero() {
			last = l.CreateTime
		}
		if last.After(cutoff) {
			continue
		}
		if err := m.store.Listeners.SetStatus(ctx, d.ID(), l.ChatName, store.ListenerInactive); err != nil {
			log.Error("inactivate listener", "chat", l.ChatName, "error", err)
			continue
		}
		if err := d.RemoveListener(ctx, l.ChatName); err != nil {
			log.Warn("remote listener remove failed", "chat", l.ChatName, "error", err)
		}
		m.mu.Lock()
		delete(m.broken, listenerKey{d.ID(), l.ChatName})
		m.mu.Unlock()
		log.Info("idle listener expired", "chat", l.ChatName, "last_message", last)
	}
}

// reconcileFixed pins every enabled fixed chat as an active manual
// listener on this instance. Fixed chats bypass the cap.
func (m *Manager) reconcileFixed(ctx context.Context, d Daemon, log *slog.Logger) {
	fixed, err := m.store.FixedListeners.ListEnabled(ctx)
	if err != nil {
		log.Error("list fixed listeners", "error", err)
		return
	}
	for _, f := range fixed {
		m.ensureListener(ctx, d, f.SessionName, true, log)
	}
}

func (m *Manager) updateSnapshot(ctx context.Context, d Daemon) {
	n, err := m.store.Listeners.CountActive(ctx, d.ID())
	if err != nil {
		n = -1
	}
	m.mu.Lock()
	snap := m.snapshots[d.ID()]
	snap.Connected = d.APIConnected()
	snap.ActiveListeners = n
	snap.LastPoll = time.Now()
	m.mu.Unlock()
	if m.observe != nil {
		m.observe.OnInstanceState(d.ID(), d.APIConnected(), n)
	}
}

// Snapshot returns the current per-instance health view, sorted by id.
func (m *Manager) Snapshot() []InstanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InstanceSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Poll runs one poll pass over every instance. Exposed for tests.
func (m *Manager) Poll(ctx context.Context) {
	for _, d := range m.daemons {
		m.poll(ctx, d, m.log.With("instance", d.ID()))
	}
}

// Housekeep runs one housekeeping pass over every instance. Exposed for
// tests.
func (m *Manager) Housekeep(ctx context.Context) {
	for _, d := range m.daemons {
		m.housekeep(ctx, d, m.log.With("instance", d.ID()))
	}
}
