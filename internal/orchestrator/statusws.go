package orchestrator

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsSnapshotInterval = 5 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The status port is not exposed publicly; origin checks would only
	// get in the way of local dashboards.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame is one message pushed to a status websocket client.
type wsFrame struct {
	Type     string          `json:"type"` // "status" or "error"
	Snapshot *StatusSnapshot `json:"snapshot,omitempty"`
	Event    *Event          `json:"event,omitempty"`
}

// handleWS upgrades the connection and streams a status snapshot every
// few seconds plus every pipeline error as it happens.
func (s *StatusServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.log.Debug("status websocket connected", "remote", r.RemoteAddr)

	events := s.ring.Subscribe()
	defer s.ring.Unsubscribe(events)

	// Drain client frames so pings and close messages are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(frame *wsFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(frame)
	}

	// Initial snapshot straight away, then on the ticker.
	if snap, err := s.source.Snapshot(r.Context()); err == nil {
		if err := write(&wsFrame{Type: "status", Snapshot: snap}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(wsSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := write(&wsFrame{Type: "error", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			snap, err := s.source.Snapshot(r.Context())
			if err != nil {
				s.log.Warn("websocket snapshot failed", "error", err)
				continue
			}
			if err := write(&wsFrame{Type: "status", Snapshot: snap}); err != nil {
				return
			}
		}
	}
}
