// Package platforms owns the live service-platform workers. The manager
// instantiates platforms from their stored definitions through the
// factory registry and supports hot reload: a changed definition swaps
// the worker, an unchanged one keeps it, so in-flight calls and held
// session state survive reloads of unrelated platforms.
package platforms

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
	"github.com/zj591227045/WXAUTO-MGT-sub001/pkg/platform"

	// Platform implementations register themselves with the default
	// factory registry.
	_ "github.com/zj591227045/WXAUTO-MGT-sub001/internal/platforms/coze"
	_ "github.com/zj591227045/WXAUTO-MGT-sub001/internal/platforms/dify"
	_ "github.com/zj591227045/WXAUTO-MGT-sub001/internal/platforms/keyword"
	_ "github.com/zj591227045/WXAUTO-MGT-sub001/internal/platforms/openaichat"
	_ "github.com/zj591227045/WXAUTO-MGT-sub001/internal/platforms/zhiweijz"
)

// Manager keeps one initialised Platform per enabled stored definition.
type Manager struct {
	log      *slog.Logger
	store    *store.Store
	registry *platform.Registry

	mu      sync.RWMutex
	workers map[string]*worker
}

type worker struct {
	platform platform.Platform
	def      *store.Platform
}

// NewManager builds an empty manager over the default factory registry.
func NewManager(s *store.Store, log *slog.Logger) *Manager {
	return &Manager{
		log:      log.With("component", "platforms"),
		store:    s,
		registry: platform.DefaultRegistry,
		workers:  make(map[string]*worker),
	}
}

// Load reads the enabled platform definitions from the store and
// reconciles the worker set: new ids are created, removed ids are cleaned
// up, changed definitions are rebuilt, untouched ones are kept as-is. A
// definition that fails to initialise is skipped with a log line and does
// not take the rest of the set down.
func (m *Manager) Load(ctx context.Context) error {
	defs, err := m.store.Platforms.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("load platform definitions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.PlatformID] = true

		if w, ok := m.workers[def.PlatformID]; ok && !definitionChanged(w.def, def) {
			continue
		}

		p, err := m.registry.Create(def.Type)
		if err != nil {
			m.log.Warn("platform type not registered, skipping",
				"platform_id", def.PlatformID, "type", def.Type, "error", err)
			continue
		}
		if err := p.Init(&platform.Config{
			ID:      def.PlatformID,
			Name:    def.Name,
			Kind:    def.Type,
			Raw:     def.Config,
			Enabled: def.Enabled,
		}); err != nil {
			m.log.Warn("platform config rejected, skipping",
				"platform_id", def.PlatformID, "type", def.Type, "error", err)
			continue
		}

		if old, ok := m.workers[def.PlatformID]; ok {
			if err := old.platform.Cleanup(); err != nil {
				m.log.Warn("platform cleanup failed", "platform_id", def.PlatformID, "error", err)
			}
			m.log.Info("platform rebuilt", "platform_id", def.PlatformID, "type", def.Type)
		} else {
			m.log.Info("platform loaded", "platform_id", def.PlatformID, "type", def.Type)
		}
		m.workers[def.PlatformID] = &worker{platform: p, def: def}
	}

	for id, w := range m.workers {
		if seen[id] {
			continue
		}
		if err := w.platform.Cleanup(); err != nil {
			m.log.Warn("platform cleanup failed", "platform_id", id, "error", err)
		}
		delete(m.workers, id)
		m.log.Info("platform removed", "platform_id", id)
	}

	return nil
}

// definitionChanged reports whether a stored definition differs from the
// one a worker was built from, ignoring the update timestamp.
func definitionChanged(old, new *store.Platform) bool {
	return old.Name != new.Name ||
		old.Type != new.Type ||
		old.Enabled != new.Enabled ||
		!bytes.Equal(old.Config, new.Config)
}

// Get returns the live platform for an id.
func (m *Manager) Get(id string) (platform.Platform, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, false
	}
	return w.platform, true
}

// IDs returns the loaded platform ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live platforms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// TestConnection probes one platform's upstream.
func (m *Manager) TestConnection(ctx context.Context, id string) error {
	p, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("platform %q not loaded", id)
	}
	return p.TestConnection(ctx)
}

// Close cleans up every worker. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.workers {
		if err := w.platform.Cleanup(); err != nil {
			m.log.Warn("platform cleanup failed", "platform_id", id, "error", err)
		}
		delete(m.workers, id)
	}
}
