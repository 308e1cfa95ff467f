package store

import (
	"context"
	"testing"
	"time"
)

func TestListenerUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Listeners.Upsert(ctx, "wx_01", "技术交流群", false); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	l, err := s.Listeners.Get(ctx, "wx_01", "技术交流群")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l == nil {
		t.Fatal("expected listener, got nil")
	}
	if l.Status != ListenerActive {
		t.Errorf("status = %q, want active", l.Status)
	}
	if l.ManualAdded {
		t.Error("auto-added listener should not be manual")
	}
	if l.LastMessageTime.IsZero() || l.CreateTime.IsZero() {
		t.Error("activity and create times should be set on insert")
	}

	missing, err := s.Listeners.Get(ctx, "wx_01", "不存在的会话")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Error("missing listener should be nil")
	}
}

func TestListenerReaddReactivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Listeners.Upsert(ctx, "wx_01", "张三", false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Listeners.SetStatus(ctx, "wx_01", "张三", ListenerInactive); err != nil {
		t.Fatalf("set inactive: %v", err)
	}

	if err := s.Listeners.Upsert(ctx, "wx_01", "张三", false); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	l, _ := s.Listeners.Get(ctx, "wx_01", "张三")
	if l.Status != ListenerActive {
		t.Errorf("re-added listener should be active, got %q", l.Status)
	}
}

func TestListenerManualFlagSticks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Listeners.Upsert(ctx, "wx_01", "文件传输助手", true); err != nil {
		t.Fatalf("manual upsert: %v", err)
	}
	if err := s.Listeners.Upsert(ctx, "wx_01", "文件传输助手", false); err != nil {
		t.Fatalf("auto re-add: %v", err)
	}

	l, _ := s.Listeners.Get(ctx, "wx_01", "文件传输助手")
	if !l.ManualAdded {
		t.Error("automatic re-add must not demote a manual listener")
	}
}

func TestListenerTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Listeners.Upsert(ctx, "wx_01", "张三", false); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	msgAt := time.UnixMilli(1700000100000)
	checkAt := time.UnixMilli(1700000200000)
	if err := s.Listeners.TouchMessage(ctx, "wx_01", "张三", msgAt); err != nil {
		t.Fatalf("touch message: %v", err)
	}
	if err := s.Listeners.TouchCheck(ctx, "wx_01", "张三", checkAt); err != nil {
		t.Fatalf("touch check: %v", err)
	}

	l, _ := s.Listeners.Get(ctx, "wx_01", "张三")
	if !l.LastMessageTime.Equal(msgAt) {
		t.Errorf("last message time = %v, want %v", l.LastMessageTime, msgAt)
	}
	if !l.LastCheckTime.Equal(checkAt) {
		t.Errorf("last check time = %v, want %v", l.LastCheckTime, checkAt)
	}
}

func TestListenerListActiveAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, chat := range []string{"会话A", "会话B", "会话C"} {
		if err := s.Listeners.Upsert(ctx, "wx_01", chat, false); err != nil {
			t.Fatalf("upsert %s: %v", chat, err)
		}
	}
	if err := s.Listeners.Upsert(ctx, "wx_02", "会话A", false); err != nil {
		t.Fatalf("upsert other instance: %v", err)
	}
	if err := s.Listeners.SetStatus(ctx, "wx_01", "会话B", ListenerInactive); err != nil {
		t.Fatalf("set inactive: %v", err)
	}

	active, err := s.Listeners.ListActive(ctx, "wx_01")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active on wx_01, got %d", len(active))
	}

	all, err := s.Listeners.List(ctx, "wx_01")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("inactive rows must stay listed, got %d", len(all))
	}

	n, err := s.Listeners.CountActive(ctx, "wx_01")
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if n != 2 {
		t.Errorf("count active = %d, want 2", n)
	}
}

func TestListenerConversationSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Listeners.Upsert(ctx, "wx_01", "张三", false); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.Listeners.UpdateConversation(ctx, "wx_01", "张三", "conv-abc123"); err != nil {
		t.Fatalf("update conversation: %v", err)
	}
	l, _ := s.Listeners.Get(ctx, "wx_01", "张三")
	if l.ConversationID != "conv-abc123" {
		t.Errorf("conversation id = %q, want conv-abc123", l.ConversationID)
	}

	if err := s.Listeners.ClearConversation(ctx, "wx_01", "张三"); err != nil {
		t.Fatalf("clear conversation: %v", err)
	}
	l, _ = s.Listeners.Get(ctx, "wx_01", "张三")
	if l.ConversationID != "" {
		t.Errorf("conversation id should be cleared, got %q", l.ConversationID)
	}
}
