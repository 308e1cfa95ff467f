package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const errRingCapacity = 100

// Event is one recorded pipeline error.
type Event struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// ErrRing keeps the most recent pipeline errors for the status API and
// fans them out to websocket subscribers. It doubles as a slog.Handler
// wrapper so every Error-level log line lands in the ring without the
// call sites knowing about it.
type ErrRing struct {
	mu     sync.Mutex
	events []Event
	next   int
	subs   map[chan Event]struct{}
}

// NewErrRing builds an empty ring.
func NewErrRing() *ErrRing {
	return &ErrRing{
		events: make([]Event, 0, errRingCapacity),
		subs:   make(map[chan Event]struct{}),
	}
}

// Record appends an event, evicting the oldest once full.
func (r *ErrRing) Record(component, message string) {
	ev := Event{Time: time.Now(), Component: component, Message: message}

	r.mu.Lock()
	if len(r.events) < errRingCapacity {
		r.events = append(r.events, ev)
	} else {
		r.events[r.next] = ev
		r.next = (r.next + 1) % errRingCapacity
	}
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block the pipeline.
		}
	}
	r.mu.Unlock()
}

// Recent returns the recorded events, oldest first.
func (r *ErrRing) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}

// Subscribe returns a channel receiving future events. The caller must
// Unsubscribe when done.
func (r *ErrRing) Subscribe() chan Event {
	ch := make(chan Event, 16)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe detaches a channel returned by Subscribe.
func (r *ErrRing) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	delete(r.subs, ch)
	r.mu.Unlock()
}

// ringHandler tees Error-level records into the ring.
type ringHandler struct {
	slog.Handler
	ring *ErrRing
}

// WrapHandler returns a slog handler that forwards everything to inner
// and additionally records Error-level lines in the ring.
func WrapHandler(inner slog.Handler, ring *ErrRing) slog.Handler {
	return &ringHandler{Handler: inner, ring: ring}
}

func (h *ringHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= slog.LevelError {
		component := ""
		rec.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
		h.ring.Record(component, rec.Message)
	}
	return h.Handler.Handle(ctx, rec)
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringHandler{Handler: h.Handler.WithAttrs(attrs), ring: h.ring}
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	return &ringHandler{Handler: h.Handler.WithGroup(name), ring: h.ring}
}
