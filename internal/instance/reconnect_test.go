package instance

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestReconnector_NewDefaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Log: testLog})

	if r.heartbeat != 30*time.Second {
		t.Fatalf("heartbeat: %v", r.heartbeat)
	}
	if r.baseBackoff != 2*time.Second {
		t.Fatalf("baseBackoff: %v", r.baseBackoff)
	}
	if r.maxBackoff != time.Minute {
		t.Fatalf("maxBackoff: %v", r.maxBackoff)
	}
	if r.state != stateDown {
		t.Fatalf("initial state: %v", r.state)
	}
}

func TestReconnector_MarkConnected(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Log: testLog})

	r.MarkConnected()

	if !r.IsConnected() {
		t.Fatal("should be connected")
	}
	stats := r.Stats()
	if stats.Attempts != 0 {
		t.Fatalf("attempts: %d", stats.Attempts)
	}
	if stats.LastUp.IsZero() {
		t.Fatal("LastUp should be set")
	}
}

func TestReconnector_MarkDisconnected(t *testing.T) {
	var downCalls atomic.Int32
	r := NewReconnector(ReconnectorConfig{
		Log:    testLog,
		OnDown: func() { downCalls.Add(1) },
	})

	r.MarkConnected()
	r.MarkDisconnected()

	if r.IsConnected() {
		t.Fatal("should be disconnected")
	}
	if downCalls.Load() != 1 {
		t.Fatalf("OnDown calls: %d", downCalls.Load())
	}

	// Already down, so a second mark is a no-op.
	r.MarkDisconnected()
	if downCalls.Load() != 1 {
		t.Fatalf("repeated mark should not re-fire OnDown, calls: %d", downCalls.Load())
	}
}

func TestReconnector_Stop(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{
		Log:       testLog,
		Heartbeat: 50 * time.Millisecond,
		CheckAlive: func(ctx context.Context) bool {
			return true
		},
	})

	r.Start()
	r.Stop()
	r.Stop() // double stop must be safe

	if r.state != stateStopped {
		t.Fatalf("state: %v", r.state)
	}
}

func TestReconnector_BackoffRange(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{
		Log:         testLog,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	})

	cases := []struct {
		attempt  int
		min, max time.Duration
	}{
		{0, 750 * time.Millisecond, 1250 * time.Millisecond},
		{1, 1500 * time.Millisecond, 2500 * time.Millisecond},
		{2, 3 * time.Second, 5 * time.Second},
		{10, 0, 38 * time.Second}, // capped at max * 1.25
	}
	for _, tc := range cases {
		got := r.backoffFor(tc.attempt)
		if got < tc.min || got > tc.max {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", tc.attempt, got, tc.min, tc.max)
		}
	}
}

func TestReconnector_RecoversAfterKick(t *testing.T) {
	var attempts atomic.Int32
	var upCalls atomic.Int32

	r := NewReconnector(ReconnectorConfig{
		Log:         testLog,
		Heartbeat:   time.Hour, // only the kick should drive this test
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		CheckAlive:  func(ctx context.Context) bool { return true },
		Reconnect: func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return fmt.Errorf("still down")
			}
			return nil
		},
		OnUp: func() { upCalls.Add(1) },
	})

	r.MarkConnected()
	r.Start()
	defer r.Stop()

	r.MarkDisconnected()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.IsConnected() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !r.IsConnected() {
		t.Fatal("should have reconnected")
	}
	if attempts.Load() < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts.Load())
	}
	if upCalls.Load() != 1 {
		t.Fatalf("OnUp calls: %d", upCalls.Load())
	}
}

func TestReconnector_HeartbeatDetectsLoss(t *testing.T) {
	var alive atomic.Bool
	alive.Store(false)
	var downCalls atomic.Int32

	r := NewReconnector(ReconnectorConfig{
		Log:         testLog,
		Heartbeat:   10 * time.Millisecond,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		CheckAlive:  func(ctx context.Context) bool { return alive.Load() },
		Reconnect: func(ctx context.Context) error {
			alive.Store(true)
			return nil
		},
		OnDown: func() { downCalls.Add(1) },
	})

	r.MarkConnected()
	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if downCalls.Load() > 0 && r.IsConnected() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if downCalls.Load() == 0 {
		t.Fatal("heartbeat should have observed the loss")
	}
	if !r.IsConnected() {
		t.Fatal("should have reconnected after the loss")
	}
}
