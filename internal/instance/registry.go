package instance

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps instance ids to clients. Clients are created on first
// use and cached.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	configs map[string]ClientConfig
	clients map[string]*Client
}

// NewRegistry builds an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		configs: make(map[string]ClientConfig),
		clients: make(map[string]*Client),
	}
}

// Configure registers or replaces the connection details for an
// instance. A cached client for the same id is discarded so the next Get
// picks up the new details.
func (r *Registry) Configure(cfg ClientConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.InstanceID] = cfg
	delete(r.clients, cfg.InstanceID)
}

// Get returns the client for an instance, creating it on first use.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if ok {
		return c, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		return c, true
	}
	cfg, ok := r.configs[id]
	if !ok {
		return nil, false
	}
	if cfg.Log == nil {
		cfg.Log = r.log
	}
	c = NewClient(cfg)
	r.clients[id] = c
	return c, true
}

// All returns clients for every configured instance, in id order.
func (r *Registry) All() []*Client {
	clients := make([]*Client, 0, len(r.IDs()))
	for _, id := range r.IDs() {
		if c, ok := r.Get(id); ok {
			clients = append(clients, c)
		}
	}
	return clients
}

// IDs returns the configured instance ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
