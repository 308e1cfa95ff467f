package store

import (
	"context"
	"testing"
	"time"
)

func TestInstanceSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Instances.Sync(ctx, []*Instance{
		{InstanceID: "wx_01", Name: "主账号", BaseURL: "http://10.0.0.5:5000", APIKey: "key-1", Enabled: true},
		{InstanceID: "wx_02", Name: "备用账号", BaseURL: "http://10.0.0.6:5000", APIKey: "key-2", Enabled: true},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := s.Instances.Get(ctx, "wx_01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected instance, got nil")
	}
	if got.Name != "主账号" || got.BaseURL != "http://10.0.0.5:5000" || got.APIKey != "key-1" {
		t.Errorf("unexpected fields: %+v", got)
	}

	// Second sync drops wx_02 and changes wx_01's key.
	err = s.Instances.Sync(ctx, []*Instance{
		{InstanceID: "wx_01", Name: "主账号", BaseURL: "http://10.0.0.5:5000", APIKey: "key-rotated", Enabled: true},
	})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	got, _ = s.Instances.Get(ctx, "wx_01")
	if got.APIKey != "key-rotated" {
		t.Errorf("configuration should be authoritative, got key %q", got.APIKey)
	}

	dropped, _ := s.Instances.Get(ctx, "wx_02")
	if dropped == nil {
		t.Fatal("dropped instance should keep its row")
	}
	if dropped.Enabled {
		t.Error("dropped instance should be disabled")
	}

	all, err := s.Instances.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 rows, got %d", len(all))
	}
}

func TestInstanceTouchLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Instances.Sync(ctx, []*Instance{
		{InstanceID: "wx_01", BaseURL: "http://10.0.0.5:5000", Enabled: true},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	at := time.UnixMilli(1700000300000)
	if err := s.Instances.TouchLastSeen(ctx, "wx_01", at); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, _ := s.Instances.Get(ctx, "wx_01")
	if !got.LastSeen.Equal(at) {
		t.Errorf("last seen = %v, want %v", got.LastSeen, at)
	}
}
