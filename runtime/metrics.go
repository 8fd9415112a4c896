package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aogaki/delila2/cmn/atomic"
	"github.com/aogaki/delila2/lifecycle"
	"github.com/aogaki/delila2/transport"
)

// Metrics holds the atomic counters every Component Runtime publishes in
// its ComponentStatus snapshot (spec.md §3 "ComponentStatus") and, when a
// Prometheus registry is attached, as exported gauges/counters (served by
// the Monitor's /metrics endpoint).
type Metrics struct {
	eventsProcessed  atomic.Uint64
	bytesTransferred atomic.Uint64
	heartbeat        atomic.Uint64

	promEvents prometheus.Counter
	promBytes  prometheus.Counter
	promQueue  prometheus.Gauge
}

// RegisterPrometheus wires this component's counters into reg under a
// component_id label. Safe to call with a nil reg (Metrics stay local-only).
func (m *Metrics) RegisterPrometheus(reg prometheus.Registerer, componentID string) {
	if reg == nil {
		return
	}
	m.promEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "delila_component_events_processed_total",
		Help:        "Events processed by this component since start.",
		ConstLabels: prometheus.Labels{"component_id": componentID},
	})
	m.promBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "delila_component_bytes_transferred_total",
		Help:        "Bytes sent or received by this component since start.",
		ConstLabels: prometheus.Labels{"component_id": componentID},
	})
	m.promQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "delila_component_queue_size",
		Help:        "Current depth of this component's bounded inter-thread queue.",
		ConstLabels: prometheus.Labels{"component_id": componentID},
	})
	reg.MustRegister(m.promEvents, m.promBytes, m.promQueue)
}

// RecordEvents adds n to the events-processed counter.
func (m *Metrics) RecordEvents(n uint64) {
	m.eventsProcessed.Add(n)
	if m.promEvents != nil {
		m.promEvents.Add(float64(n))
	}
}

// RecordBytes adds n to the bytes-transferred counter.
func (m *Metrics) RecordBytes(n uint64) {
	m.bytesTransferred.Add(n)
	if m.promBytes != nil {
		m.promBytes.Add(float64(n))
	}
}

// SetQueueGauge publishes the current depth of a component's bounded queue.
func (m *Metrics) SetQueueGauge(n int) {
	if m.promQueue != nil {
		m.promQueue.Set(float64(n))
	}
}

// Snapshot builds a ComponentStatus from current counters. Each call bumps
// the heartbeat counter, matching the original ZMQTransport.hpp convention
// of incrementing it once per status publish.
func (m *Metrics) Snapshot(componentID string, lc *lifecycle.Machine, queueSize, queueMax int) transport.ComponentStatus {
	return transport.ComponentStatus{
		ComponentID:      componentID,
		State:            lc.Get().String(),
		WallTimestampMs:  time.Now().UnixMilli(),
		RunNumber:        lc.RunNumber(),
		EventsProcessed:  m.eventsProcessed.Load(),
		BytesTransferred: m.bytesTransferred.Load(),
		QueueSize:        queueSize,
		QueueMax:         queueMax,
		ErrorMessage:     lc.LastError(),
		HeartbeatCounter: m.heartbeat.Inc(),
	}
}
