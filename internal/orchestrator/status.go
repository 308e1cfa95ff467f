package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/listener"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
)

// StatusSnapshot is the /api/status payload.
type StatusSnapshot struct {
	Version       string                      `json:"version"`
	StartedAt     time.Time                   `json:"started_at"`
	UptimeSec     int64                       `json:"uptime_seconds"`
	Instances     []listener.InstanceSnapshot `json:"instances"`
	Listeners     []ListenerStatus            `json:"listeners"`
	Platforms     []string                    `json:"platforms"`
	PlatformStats map[string]PlatformCounters `json:"platform_stats"`
	Rules         int                         `json:"rules"`
	Messages      map[string]int64            `json:"messages"`
	Errors        []Event                     `json:"recent_errors"`
}

// ListenerStatus is the per-chat activity line in the snapshot.
type ListenerStatus struct {
	InstanceID    string    `json:"instance_id"`
	ChatName      string    `json:"chat_name"`
	Active        bool      `json:"active"`
	Manual        bool      `json:"manual"`
	LastMessageAt time.Time `json:"last_message_at"`
	LastCheckAt   time.Time `json:"last_check_at"`
}

// snapshotter assembles the live status view.
type snapshotter interface {
	Snapshot(ctx context.Context) (*StatusSnapshot, error)
}

// StatusServer serves /healthz, /api/status, /api/status/ws and
// /metrics on its own listener.
type StatusServer struct {
	log     *slog.Logger
	srv     *http.Server
	source  snapshotter
	ring    *ErrRing
	metrics *Metrics
}

// NewStatusServer builds the server; call Run to serve.
func NewStatusServer(addr string, source snapshotter, ring *ErrRing, metrics *Metrics, log *slog.Logger) *StatusServer {
	s := &StatusServer{
		log:     log.With("component", "status"),
		source:  source,
		ring:    ring,
		metrics: metrics,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down with a short grace
// period.
func (s *StatusServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	}
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Snapshot(r.Context())
	if err != nil {
		s.log.Error("status snapshot failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log.Warn("status encode failed", "error", err)
	}
}

// pendingDepth reads the delivery backlog off message counts.
func pendingDepth(counts map[store.DeliveryStatus]int64) int64 {
	return counts[store.StatusPending] + counts[store.StatusInFlight]
}

// messageCountLabels converts store counts to the JSON payload shape.
func messageCountLabels(counts map[store.DeliveryStatus]int64) map[string]int64 {
	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[statusLabel(status)] = n
	}
	return out
}
