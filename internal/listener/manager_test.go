package listener

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/ingress"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/instance"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
)

// fakeDaemon scripts a remote daemon in memory.
type fakeDaemon struct {
	mu        sync.Mutex
	id        string
	online    bool
	connected bool

	unread    map[string][]*instance.RawMessage
	queued    map[string][]*instance.RawMessage
	gone      map[string]bool // chats whose window is closed
	listeners map[string]bool // remote subscription set

	addCalls    []string
	removeCalls []string
}

func newFakeDaemon(id string) *fakeDaemon {
	return &fakeDaemon{
		id:        id,
		online:    true,
		unread:    make(map[string][]*instance.RawMessage),
		queued:    make(map[string][]*instance.RawMessage),
		gone:      make(map[string]bool),
		listeners: make(map[string]bool),
	}
}

func (f *fakeDaemon) ID() string { return f.id }

func (f *fakeDaemon) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return &instance.APIError{Path: "/api/wechat/initialize", StatusCode: http.StatusBadGateway}
	}
	return nil
}

func (f *fakeDaemon) GetStatus(context.Context) (*instance.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return nil, &instance.APIError{Path: "/api/wechat/status", StatusCode: http.StatusBadGateway}
	}
	return &instance.Status{Online: true}, nil
}

func (f *fakeDaemon) GetResources(context.Context) (*instance.Resources, error) {
	return &instance.Resources{CPUPercent: 12.5, MemoryPercent: 40}, nil
}

func (f *fakeDaemon) GetUnread(context.Context, instance.UnreadOptions) (map[string][]*instance.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.unread
	f.unread = make(map[string][]*instance.RawMessage)
	return out, nil
}

func (f *fakeDaemon) AddListener(_ context.Context, chat string, _ instance.ListenOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls = append(f.addCalls, chat)
	if f.gone[chat] {
		return &instance.APIError{Path: "/api/message/listen/add", StatusCode: http.StatusNotFound}
	}
	f.listeners[chat] = true
	return nil
}

func (f *fakeDaemon) RemoveListener(_ context.Context, chat string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls = append(f.removeCalls, chat)
	delete(f.listeners, chat)
	return nil
}

func (f *fakeDaemon) GetListenerMessages(_ context.Context, chat string) ([]*instance.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[chat] {
		return nil, &instance.APIError{Path: "/api/message/listen/get", StatusCode: http.StatusNotFound}
	}
	msgs := f.queued[chat]
	delete(f.queued, chat)
	return msgs, nil
}

func (f *fakeDaemon) APIConnected() bool      { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }
func (f *fakeDaemon) SetAPIConnected(ok bool) { f.mu.Lock(); defer f.mu.Unlock(); f.connected = ok }

func (f *fakeDaemon) queue(chat string, msgs ...*instance.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[chat] = append(f.queued[chat], msgs...)
}

func (f *fakeDaemon) pushUnread(chat string, msgs ...*instance.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[chat] = append(f.unread[chat], msgs...)
}

func (f *fakeDaemon) subscribed(chat string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[chat]
}

var msgSeq int

func textMsg(content string) *instance.RawMessage {
	msgSeq++
	return &instance.RawMessage{
		ID:         instance.FlexString(string(rune('a'+msgSeq%26)) + content),
		Sender:     "alice",
		Content:    content,
		Kind:       "friend",
		MType:      "1",
		CreateTime: time.Now().Unix(),
	}
}

func newTestManager(t *testing.T, d Daemon, opts Options) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ing := ingress.New(s, slog.Default(), nil)
	return NewManager(s, ing, []Daemon{d}, opts, slog.Default(), nil), s
}

func TestUnreadPoll_AutoAddsListenerAndIngests(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{})
	ctx := context.Background()

	d.SetAPIConnected(true)
	d.pushUnread("新客户", textMsg("hello"))
	m.Poll(ctx)

	if !d.subscribed("新客户") {
		t.Error("chat was not subscribed remotely")
	}
	l, err := s.Listeners.Get(ctx, "inst1", "新客户")
	if err != nil || l == nil {
		t.Fatalf("listener row missing: %v", err)
	}
	if l.Status != store.ListenerActive || l.ManualAdded {
		t.Errorf("unexpected listener state: %+v", l)
	}

	pending, err := s.Messages.ListPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}
}

func TestUnreadPoll_RefusesOverCap(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{MaxListeners: 2})
	ctx := context.Background()
	d.SetAPIConnected(true)

	s.Listeners.Upsert(ctx, "inst1", "busy1", false)
	s.Listeners.Upsert(ctx, "inst1", "busy2", false)

	d.pushUnread("overflow", textMsg("hi"))
	m.Poll(ctx)

	if d.subscribed("overflow") {
		t.Error("listener added over the cap")
	}
	if l, _ := s.Listeners.Get(ctx, "inst1", "overflow"); l != nil {
		t.Error("listener row created over the cap")
	}
	// The message itself still flows through.
	if pending, _ := s.Messages.ListPending(ctx, 10); len(pending) != 1 {
		t.Errorf("expected the overflow message ingested, got %d pending", len(pending))
	}
}

func TestListenerPoll_IngestsAndTouches(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{})
	ctx := context.Background()
	d.SetAPIConnected(true)

	s.Listeners.Upsert(ctx, "inst1", "群A", false)
	before, _ := s.Listeners.Get(ctx, "inst1", "群A")

	time.Sleep(5 * time.Millisecond)
	d.queue("群A", textMsg("x"), textMsg("y"))
	m.Poll(ctx)

	after, _ := s.Listeners.Get(ctx, "inst1", "群A")
	if !after.LastMessageTime.After(before.LastMessageTime) {
		t.Error("message activity not refreshed")
	}
	if after.LastCheckTime.IsZero() {
		t.Error("check time not recorded")
	}
	if pending, _ := s.Messages.ListPending(ctx, 10); len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}
}

func TestListenerPoll_WindowGoneMarksBrokenThenRearms(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{})
	ctx := context.Background()
	d.SetAPIConnected(true)

	s.Listeners.Upsert(ctx, "inst1", "ghost", false)
	d.gone["ghost"] = true
	m.Poll(ctx)

	if !m.broken[listenerKey{"inst1", "ghost"}] {
		t.Fatal("listener not marked broken")
	}
	// Row stays active so housekeeping can bring it back.
	l, _ := s.Listeners.Get(ctx, "inst1", "ghost")
	if l.Status != store.ListenerActive {
		t.Errorf("broken listener was inactivated: %v", l.Status)
	}

	// Window reappears; housekeeping re-arms it.
	d.mu.Lock()
	d.gone["ghost"] = false
	d.mu.Unlock()
	m.Housekeep(ctx)

	if m.broken[listenerKey{"inst1", "ghost"}] {
		t.Error("listener still flagged broken after re-arm")
	}
	if !d.subscribed("ghost") {
		t.Error("listener not re-subscribed remotely")
	}
}

func TestHousekeep_ExpiresIdleAutoListeners(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{ListenerTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	d.SetAPIConnected(true)

	s.Listeners.Upsert(ctx, "inst1", "idle-auto", false)
	s.Listeners.Upsert(ctx, "inst1", "idle-manual", true)
	time.Sleep(20 * time.Millisecond)

	m.Housekeep(ctx)

	auto, _ := s.Listeners.Get(ctx, "inst1", "idle-auto")
	if auto.Status != store.ListenerInactive {
		t.Error("idle automatic listener not expired")
	}
	manual, _ := s.Listeners.Get(ctx, "inst1", "idle-manual")
	if manual.Status != store.ListenerActive {
		t.Error("manual listener must never expire")
	}

	var removedAuto bool
	for _, chat := range d.removeCalls {
		if chat == "idle-auto" {
			removedAuto = true
		}
		if chat == "idle-manual" {
			t.Error("manual listener removed remotely")
		}
	}
	if !removedAuto {
		t.Error("expired listener not removed remotely")
	}
}

func TestHousekeep_ReactivatesExpiredOnNewMessage(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{ListenerTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	d.SetAPIConnected(true)

	s.Listeners.Upsert(ctx, "inst1", "nap", false)
	time.Sleep(20 * time.Millisecond)
	m.Housekeep(ctx)
	if l, _ := s.Listeners.Get(ctx, "inst1", "nap"); l.Status != store.ListenerInactive {
		t.Fatal("precondition: listener should be expired")
	}

	// The chat speaks again through the unread sweep.
	d.pushUnread("nap", textMsg("wake up"))
	m.Poll(ctx)

	l, _ := s.Listeners.Get(ctx, "inst1", "nap")
	if l.Status != store.ListenerActive {
		t.Error("listener not reactivated by new message")
	}
	if !d.subscribed("nap") {
		t.Error("listener not re-subscribed remotely")
	}
}

func TestHousekeep_PinsFixedListeners(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{MaxListeners: 1})
	ctx := context.Background()
	d.SetAPIConnected(true)

	// Cap already used up by an auto listener.
	s.Listeners.Upsert(ctx, "inst1", "auto", false)

	s.FixedListeners.Sync(ctx, []*store.FixedListener{
		{SessionName: "运营群", Enabled: true, Description: "ops"},
	})

	m.Housekeep(ctx)

	l, _ := s.Listeners.Get(ctx, "inst1", "运营群")
	if l == nil || l.Status != store.ListenerActive || !l.ManualAdded {
		t.Fatalf("fixed listener not pinned: %+v", l)
	}
	if !d.subscribed("运营群") {
		t.Error("fixed listener not subscribed remotely")
	}
}

func TestHousekeep_ReconnectRearmsEverything(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{})
	ctx := context.Background()

	s.Listeners.Upsert(ctx, "inst1", "a", false)
	s.Listeners.Upsert(ctx, "inst1", "b", true)

	// Daemon goes down, polls stop.
	d.mu.Lock()
	d.online = false
	d.mu.Unlock()
	d.SetAPIConnected(true)
	m.Housekeep(ctx)
	if d.APIConnected() {
		t.Fatal("failed probe should mark instance disconnected")
	}

	// Back up: everything re-subscribes.
	d.mu.Lock()
	d.online = true
	d.mu.Unlock()
	m.Housekeep(ctx)

	if !d.APIConnected() {
		t.Fatal("instance should be connected after probe")
	}
	if !d.subscribed("a") || !d.subscribed("b") {
		t.Errorf("listeners not re-subscribed after reconnect: %v", d.listeners)
	}
}

func TestSnapshot(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{})
	ctx := context.Background()
	d.SetAPIConnected(true)
	s.Listeners.Upsert(ctx, "inst1", "chat", false)

	m.Housekeep(ctx)

	snaps := m.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	snap := snaps[0]
	if !snap.Connected || snap.ActiveListeners != 1 {
		t.Errorf("snapshot wrong: %+v", snap)
	}
	if snap.Resources == nil || snap.Resources.CPUPercent != 12.5 {
		t.Errorf("resources not captured: %+v", snap.Resources)
	}
}

func TestHousekeep_TouchesInstanceLastSeen(t *testing.T) {
	d := newFakeDaemon("inst1")
	m, s := newTestManager(t, d, Options{})
	ctx := context.Background()

	err := s.Instances.Sync(ctx, []*store.Instance{
		{InstanceID: "inst1", Name: "main", BaseURL: "http://daemon", Enabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	d.SetAPIConnected(true)

	before := time.Now().Add(-time.Second)
	m.Housekeep(ctx)

	in, err := s.Instances.Get(ctx, "inst1")
	if err != nil || in == nil {
		t.Fatalf("instance row missing: %v", err)
	}
	if in.LastSeen.Before(before) {
		t.Errorf("health probe did not touch last_seen: %v", in.LastSeen)
	}

	// A failed probe must not refresh it.
	touched := in.LastSeen
	d.online = false
	m.Housekeep(ctx)
	in, _ = s.Instances.Get(ctx, "inst1")
	if !in.LastSeen.Equal(touched) {
		t.Errorf("last_seen moved while the daemon was down: %v", in.LastSeen)
	}
}
