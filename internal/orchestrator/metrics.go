package orchestrator

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/ingress"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/store"
)

// Metrics is the Prometheus instrumentation of the pipeline. It
// implements the observer interfaces of the ingress, listener and
// delivery packages.
type Metrics struct {
	registry *prometheus.Registry

	ingressTotal     *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	platformCalls    *prometheus.CounterVec
	platformDuration *prometheus.HistogramVec

	instanceConnected *prometheus.GaugeVec
	activeListeners   *prometheus.GaugeVec
	instanceCPU       *prometheus.GaugeVec
	instanceMemory    *prometheus.GaugeVec
	pendingMessages   prometheus.Gauge

	// mu guards the per-platform mirror served on /api/status.
	mu             sync.Mutex
	platformCounts map[string]*PlatformCounters
}

// PlatformCounters is the per-platform delivery tally in the status
// snapshot.
type PlatformCounters struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// NewMetrics builds and registers the metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry:       reg,
		platformCounts: make(map[string]*PlatformCounters),
		ingressTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wxauto",
			Name:      "ingress_messages_total",
			Help:      "Polled messages by outcome.",
		}, []string{"instance", "outcome"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wxauto",
			Name:      "deliveries_total",
			Help:      "Finished deliveries by status and reason.",
		}, []string{"platform", "status", "reason"}),
		platformCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wxauto",
			Name:      "platform_calls_total",
			Help:      "Platform invocations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		platformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wxauto",
			Name:      "platform_call_seconds",
			Help:      "Platform invocation latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		instanceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wxauto",
			Name:      "instance_connected",
			Help:      "Whether the daemon answers its health probe (1/0).",
		}, []string{"instance"}),
		activeListeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wxauto",
			Name:      "active_listeners",
			Help:      "Active chat listeners per instance.",
		}, []string{"instance"}),
		instanceCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wxauto",
			Name:      "instance_cpu_percent",
			Help:      "Daemon host CPU usage.",
		}, []string{"instance"}),
		instanceMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wxauto",
			Name:      "instance_memory_percent",
			Help:      "Daemon host memory usage.",
		}, []string{"instance"}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wxauto",
			Name:      "pending_messages",
			Help:      "Messages waiting for delivery.",
		}),
	}

	reg.MustRegister(
		m.ingressTotal, m.deliveriesTotal, m.platformCalls, m.platformDuration,
		m.instanceConnected, m.activeListeners, m.instanceCPU, m.instanceMemory,
		m.pendingMessages,
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// OnIngress implements ingress.Observer.
func (m *Metrics) OnIngress(instanceID string, outcome ingress.Outcome) {
	m.ingressTotal.WithLabelValues(instanceID, string(outcome)).Inc()
}

// OnInstanceState implements part of listener.Observer.
func (m *Metrics) OnInstanceState(instanceID string, connected bool, activeListeners int) {
	v := 0.0
	if connected {
		v = 1
	}
	m.instanceConnected.WithLabelValues(instanceID).Set(v)
	if activeListeners >= 0 {
		m.activeListeners.WithLabelValues(instanceID).Set(float64(activeListeners))
	}
}

// OnInstanceResources implements part of listener.Observer.
func (m *Metrics) OnInstanceResources(instanceID string, cpuPercent, memoryPercent float64) {
	m.instanceCPU.WithLabelValues(instanceID).Set(cpuPercent)
	m.instanceMemory.WithLabelValues(instanceID).Set(memoryPercent)
}

// OnDelivery implements part of delivery.Observer.
func (m *Metrics) OnDelivery(platformID string, status store.DeliveryStatus, reason string) {
	m.deliveriesTotal.WithLabelValues(platformID, statusLabel(status), reason).Inc()

	// Skips before rule matching have no platform attached.
	if platformID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.platformCounts[platformID]
	if c == nil {
		c = &PlatformCounters{}
		m.platformCounts[platformID] = c
	}
	switch status {
	case store.StatusDelivered:
		c.Delivered++
	case store.StatusFailed:
		c.Failed++
	case store.StatusSkipped:
		c.Skipped++
	}
}

// PlatformStats returns a copy of the per-platform delivery tallies.
func (m *Metrics) PlatformStats() map[string]PlatformCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PlatformCounters, len(m.platformCounts))
	for id, c := range m.platformCounts {
		out[id] = *c
	}
	return out
}

// OnPlatformCall implements part of delivery.Observer.
func (m *Metrics) OnPlatformCall(kind string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.platformCalls.WithLabelValues(kind, outcome).Inc()
	m.platformDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// SetPendingDepth records the current delivery backlog.
func (m *Metrics) SetPendingDepth(n int64) {
	m.pendingMessages.Set(float64(n))
}

func statusLabel(status store.DeliveryStatus) string {
	switch status {
	case store.StatusDelivered:
		return "delivered"
	case store.StatusFailed:
		return "failed"
	case store.StatusSkipped:
		return "skipped"
	case store.StatusPending:
		return "pending"
	default:
		return strconv.Itoa(int(status))
	}
}
