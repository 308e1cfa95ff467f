package platforms

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func keywordDef(id string, keywords ...string) *store.Platform {
	cfg, _ := json.Marshal(map[string]interface{}{
		"rules": []map[string]interface{}{
			{"keywords": keywords, "match_type": "exact", "replies": []string{"ok"}},
		},
	})
	return &store.Platform{
		PlatformID: id,
		Name:       id,
		Type:       "keyword",
		Config:     cfg,
		Enabled:    true,
	}
}

func TestLoad_CreatesWorkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Platforms.Save(ctx, keywordDef("kw1", "a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Platforms.Save(ctx, keywordDef("kw2", "b")); err != nil {
		t.Fatal(err)
	}

	m := NewManager(s, slog.Default())
	if err := m.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	if m.Count() != 2 {
		t.Fatalf("expected 2 workers, got %d", m.Count())
	}
	if _, ok := m.Get("kw1"); !ok {
		t.Error("kw1 not loaded")
	}
}

func TestLoad_SkipsDisabledAndBroken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	disabled := keywordDef("off", "x")
	disabled.Enabled = false
	s.Platforms.Save(ctx, disabled)

	broken := &store.Platform{
		PlatformID: "broken", Name: "broken", Type: "keyword",
		Config:  json.RawMessage(`{"rules":[{"keywords":[],"replies":["x"]}]}`),
		Enabled: true,
	}
	s.Platforms.Save(ctx, broken)

	unknown := &store.Platform{
		PlatformID: "mystery", Name: "mystery", Type: "telepathy",
		Config: json.RawMessage(`{}`), Enabled: true,
	}
	s.Platforms.Save(ctx, unknown)

	s.Platforms.Save(ctx, keywordDef("good", "hello"))

	m := NewManager(s, slog.Default())
	if err := m.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	if m.Count() != 1 {
		t.Fatalf("expected only the good platform, got %v", m.IDs())
	}
}

func TestLoad_HotReloadKeepsUnchangedWorkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Platforms.Save(ctx, keywordDef("stable", "a"))
	s.Platforms.Save(ctx, keywordDef("changing", "b"))

	m := NewManager(s, slog.Default())
	if err := m.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	stableBefore, _ := m.Get("stable")
	changingBefore, _ := m.Get("changing")

	// Change one definition, add one, remove via disable.
	s.Platforms.Save(ctx, keywordDef("changing", "b", "b2"))
	s.Platforms.Save(ctx, keywordDef("fresh", "c"))
	s.Platforms.SetEnabled(ctx, "stable", false)

	if err := m.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if _, ok := m.Get("stable"); ok {
		t.Error("disabled platform still loaded")
	}
	if _, ok := m.Get("fresh"); !ok {
		t.Error("new platform not loaded")
	}
	changingAfter, _ := m.Get("changing")
	if changingAfter == changingBefore {
		t.Error("changed platform was not rebuilt")
	}
	_ = stableBefore

	// Reload with nothing changed keeps identity.
	freshBefore, _ := m.Get("fresh")
	if err := m.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	freshAfter, _ := m.Get("fresh")
	if freshBefore != freshAfter {
		t.Error("unchanged platform was needlessly rebuilt")
	}
}

func TestClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Platforms.Save(ctx, keywordDef("kw", "a"))

	m := NewManager(s, slog.Default())
	if err := m.Load(ctx); err != nil {
		t.Fatal(err)
	}
	m.Close()
	if m.Count() != 0 {
		t.Errorf("expected no workers after close, got %d", m.Count())
	}
}
