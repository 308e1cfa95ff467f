package instance

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Reconnector watches one instance connection and re-establishes it with
// exponential backoff when it drops. Liveness checks and the reconnect
// action are injected so the listener manager can re-arm its listeners
// from the OnUp callback.
type Reconnector struct {
	log *slog.Logger

	checkAlive func(ctx context.Context) bool
	reconnect  func(ctx context.Context) error
	onUp       func()
	onDown     func()

	heartbeat   time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu       sync.Mutex
	state    reconnectState
	attempts int
	lastUp   time.Time
	lastDown time.Time

	stopCh chan struct{}
	kickCh chan struct{}
}

type reconnectState int

const (
	stateDown reconnectState = iota
	stateUp
	stateStopped
)

// ReconnectorConfig configures a Reconnector.
type ReconnectorConfig struct {
	Log *slog.Logger

	// Heartbeat is how often the connection is probed while up.
	// Default 30s.
	Heartbeat time.Duration
	// BaseBackoff is the first retry delay; it doubles per failed
	// attempt. Default 2s.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay. Default 60s.
	MaxBackoff time.Duration

	// CheckAlive probes the connection while it is believed up.
	CheckAlive func(ctx context.Context) bool
	// Reconnect attempts to bring the connection back.
	Reconnect func(ctx context.Context) error
	// OnUp fires after a successful reconnect.
	OnUp func()
	// OnDown fires when an up connection is observed lost.
	OnDown func()
}

// NewReconnector builds a stopped-down reconnector; call Start to run it.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = time.Minute
	}

	return &Reconnector{
		log:         cfg.Log,
		checkAlive:  cfg.CheckAlive,
		reconnect:   cfg.Reconnect,
		onUp:        cfg.OnUp,
		onDown:      cfg.OnDown,
		heartbeat:   cfg.Heartbeat,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		state:       stateDown,
		stopCh:      make(chan struct{}),
		kickCh:      make(chan struct{}, 1),
	}
}

// Start launches the watch loop.
func (r *Reconnector) Start() {
	go r.run()
}

// Stop halts the watch loop.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateStopped {
		return
	}
	r.state = stateStopped
	close(r.stopCh)
}

// MarkConnected records the connection as up without a probe. Used after
// a successful initialize at startup.
func (r *Reconnector) MarkConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateStopped {
		return
	}
	r.state = stateUp
	r.lastUp = time.Now()
	r.attempts = 0
}

// MarkDisconnected records the connection as lost and nudges the watch
// loop so the backoff starts before the next heartbeat.
func (r *Reconnector) MarkDisconnected() {
	r.mu.Lock()
	wasUp := r.state == stateUp
	if wasUp {
		r.state = stateDown
		r.lastDown = time.Now()
	}
	r.mu.Unlock()

	if wasUp {
		if r.onDown != nil {
			r.onDown()
		}
		select {
		case r.kickCh <- struct{}{}:
		default:
		}
	}
}

// IsConnected reports whether the connection is believed up.
func (r *Reconnector) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateUp
}

// ReconnectStats is a snapshot of the reconnector's state.
type ReconnectStats struct {
	Connected bool
	Attempts  int
	LastUp    time.Time
	LastDown  time.Time
}

// Stats returns a snapshot of the reconnector's state.
func (r *Reconnector) Stats() ReconnectStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReconnectStats{
		Connected: r.state == stateUp,
		Attempts:  r.attempts,
		LastUp:    r.lastUp,
		LastDown:  r.lastDown,
	}
}

func (r *Reconnector) run() {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.kickCh:
		case <-ticker.C:
		}

		if r.IsConnected() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			alive := r.checkAlive(ctx)
			cancel()
			if alive {
				continue
			}
			r.log.Warn("heartbeat failed, connection lost")
			r.MarkDisconnected()
			// The kick from MarkDisconnected is eaten below.
			select {
			case <-r.kickCh:
			default:
			}
		}

		r.reconnectWithBackoff()
	}
}

// reconnectWithBackoff retries until the connection is back or the
// reconnector stops. Heartbeats pause while this runs; there is nothing
// to probe on a dead connection.
func (r *Reconnector) reconnectWithBackoff() {
	for attempt := 0; ; attempt++ {
		backoff := r.backoffFor(attempt)
		r.log.Info("reconnect scheduled", "attempt", attempt+1, "backoff", backoff)

		select {
		case <-r.stopCh:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := r.reconnect(ctx)
		cancel()

		if err == nil {
			r.mu.Lock()
			r.state = stateUp
			r.lastUp = time.Now()
			r.attempts = attempt + 1
			r.mu.Unlock()

			r.log.Info("reconnected", "attempts", attempt+1)
			if r.onUp != nil {
				r.onUp()
			}
			return
		}

		r.log.Error("reconnect failed", "attempt", attempt+1, "error", err)
		r.mu.Lock()
		if r.state == stateStopped {
			r.mu.Unlock()
			return
		}
		r.attempts = attempt + 1
		r.mu.Unlock()
	}
}

// backoffFor doubles the base delay per attempt, caps it, and jitters
// the result to 75%-125% so a fleet of instances does not thunder.
func (r *Reconnector) backoffFor(attempt int) time.Duration {
	backoff := float64(r.baseBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(r.maxBackoff) {
		backoff = float64(r.maxBackoff)
	}
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(backoff * jitter)
}
