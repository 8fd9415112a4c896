package histsink

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aogaki/delila2/frame"
)

func TestObserveMinimalCountsPerChannel(t *testing.T) {
	s := NewSink(prometheus.NewRegistry())
	s.ObserveMinimal([]frame.MinimalEventRecord{
		{Module: 0, Channel: 1, Energy: 1000},
		{Module: 0, Channel: 1, Energy: 1200},
		{Module: 0, Channel: 2, Energy: 900},
	})
	if got := s.Count(0, 1); got != 2 {
		t.Fatalf("count(0,1) = %d, want 2", got)
	}
	if got := s.Count(0, 2); got != 1 {
		t.Fatalf("count(0,2) = %d, want 1", got)
	}
	if got := s.Count(9, 9); got != 0 {
		t.Fatalf("count for unseen channel = %d, want 0", got)
	}
}

func TestResetClearsCounts(t *testing.T) {
	s := NewSink(prometheus.NewRegistry())
	s.ObserveMinimal([]frame.MinimalEventRecord{{Module: 0, Channel: 0, Energy: 1}})
	if s.Count(0, 0) != 1 {
		t.Fatal("expected count 1 before reset")
	}
	s.Reset()
	if s.Count(0, 0) != 0 {
		t.Fatal("expected count 0 after reset")
	}
}

func TestObserveFullCounts(t *testing.T) {
	s := NewSink(prometheus.NewRegistry())
	s.ObserveFull([]frame.EventRecord{{Module: 3, Channel: 4, Energy: 500}})
	if s.Count(3, 4) != 1 {
		t.Fatalf("count(3,4) = %d, want 1", s.Count(3, 4))
	}
}
