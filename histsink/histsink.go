// Package histsink is the named external collaborator HistogramSink: it
// consumes decoded events and periodically publishes aggregates. The design
// only requires "consume decoded events, periodically publish aggregates
// over HTTP"; this implementation tracks per-(module,channel) energy
// histograms and exports them as Prometheus counters/histograms, leaving
// actual plot rendering out of scope.
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package histsink

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aogaki/delila2/frame"
)

// Sink accumulates per-channel energy histograms. Safe for concurrent use
// by a single Monitor receive loop feeding it decoded records.
type Sink struct {
	mu          sync.Mutex
	counts      map[chanKey]uint64
	energy      *prometheus.HistogramVec
	eventsTotal *prometheus.CounterVec
}

type chanKey struct {
	module, channel uint8
}

// NewSink constructs a Sink and registers its metrics with reg (typically
// prometheus.DefaultRegisterer, or a fresh registry in tests).
func NewSink(reg prometheus.Registerer) *Sink {
	s := &Sink{
		counts: make(map[chanKey]uint64),
		energy: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delila_event_energy",
			Help:    "Distribution of decoded event energy values.",
			Buckets: prometheus.LinearBuckets(0, 500, 20),
		}, []string{"module", "channel"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delila_monitor_events_total",
			Help: "Total decoded events observed by the monitor.",
		}, []string{"module", "channel"}),
	}
	if reg != nil {
		reg.MustRegister(s.energy, s.eventsTotal)
	}
	return s
}

// ObserveMinimal folds one minimal-record batch into the histogram.
func (s *Sink) ObserveMinimal(records []frame.MinimalEventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.observe(r.Module, r.Channel, float64(r.Energy))
	}
}

// ObserveFull folds one full-record batch into the histogram.
func (s *Sink) ObserveFull(records []frame.EventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.observe(r.Module, r.Channel, float64(r.Energy))
	}
}

func (s *Sink) observe(module, channel uint8, energy float64) {
	k := chanKey{module, channel}
	s.counts[k]++
	mod, ch := fmt.Sprint(module), fmt.Sprint(channel)
	s.energy.WithLabelValues(mod, ch).Observe(energy)
	s.eventsTotal.WithLabelValues(mod, ch).Inc()
}

// Count returns how many events have been observed for (module, channel).
func (s *Sink) Count(module, channel uint8) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[chanKey{module, channel}]
}

// Reset clears all accumulated counts. Called on Start of each run so a
// Monitor's histograms reflect only the current run.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[chanKey]uint64)
	s.energy.Reset()
	s.eventsTotal.Reset()
}
