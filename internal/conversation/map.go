// Package conversation keeps the (instance, chat, user, platform) ->
// conversation-id mapping that gives each sender a continuous session on
// a platform. A read-through cache sits in front of the store; a purge
// loop drops mappings idle beyond the configured age.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
)

// Key identifies one conversation mapping.
type Key struct {
	InstanceID string
	ChatName   string
	UserID     string
	PlatformID string
}

// Map is a thread-safe cache over the conversation store.
type Map struct {
	log   *slog.Logger
	store *store.ConversationStore

	mu    sync.RWMutex
	cache map[Key]string

	// misses records keys known to have no mapping, so a chatty sender
	// without a session does not hit the database on every message.
	misses map[Key]struct{}
}

// NewMap builds a map over the given store.
func NewMap(s *store.ConversationStore, log *slog.Logger) *Map {
	return &Map{
		log:    log.With("component", "conversation"),
		store:  s,
		cache:  make(map[Key]string),
		misses: make(map[Key]struct{}),
	}
}

// Get returns the conversation id for a key, or "" when the sender has no
// session yet.
func (m *Map) Get(ctx context.Context, key Key) (string, error) {
	m.mu.RLock()
	if id, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return id, nil
	}
	if _, ok := m.misses[key]; ok {
		m.mu.RUnlock()
		return "", nil
	}
	m.mu.RUnlock()

	c, err := m.store.Get(ctx, key.InstanceID, key.ChatName, key.UserID, key.PlatformID)
	if err != nil {
		return "", fmt.Errorf("conversation lookup: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil {
		m.misses[key] = struct{}{}
		return "", nil
	}
	m.cache[key] = c.ConversationID
	return c.ConversationID, nil
}

// Put persists a conversation id for a key and refreshes its activity.
func (m *Map) Put(ctx context.Context, key Key, conversationID string) error {
	if err := m.store.Put(ctx, key.InstanceID, key.ChatName, key.UserID, key.PlatformID, conversationID); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[key] = conversationID
	delete(m.misses, key)
	m.mu.Unlock()
	return nil
}

// Delete drops the mapping for a key. Called when a platform reports the
// session gone; the next message opens a fresh one.
func (m *Map) Delete(ctx context.Context, key Key) error {
	if err := m.store.Delete(ctx, key.InstanceID, key.ChatName, key.UserID, key.PlatformID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, key)
	m.misses[key] = struct{}{}
	m.mu.Unlock()
	return nil
}

// CacheSize returns the number of cached mappings.
func (m *Map) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// RunPurge deletes mappings idle for longer than maxAge, once per
// interval, until ctx is cancelled. The cache is reset after a purge so
// stale entries cannot survive in memory.
func (m *Map) RunPurge(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.PurgeOlderThan(ctx, time.Now().Add(-maxAge))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Error("conversation purge failed", "error", err)
				continue
			}
			if n > 0 {
				m.mu.Lock()
				m.cache = make(map[Key]string)
				m.misses = make(map[Key]struct{})
				m.mu.Unlock()
				m.log.Info("purged idle conversations", "count", n)
			}
		}
	}
}
