package mockhw

import "testing"

func TestTickProducesConfiguredCount(t *testing.T) {
	s := NewSource(Options{Modules: 2, Channels: 4, EventsPerTick: 5})
	batch := s.Tick()
	if len(batch) != 5 {
		t.Fatalf("got %d events, want 5", len(batch))
	}
	for _, r := range batch {
		if r.Module >= 2 || r.Channel >= 4 {
			t.Fatalf("record out of configured range: %+v", r)
		}
	}
}

func TestTimestampsAdvanceAcrossTicks(t *testing.T) {
	s := NewSource(Options{EventsPerTick: 1})
	first := s.Tick()[0].TimeStampNs
	second := s.Tick()[0].TimeStampNs
	if second <= first {
		t.Fatalf("timestamp did not advance: %v -> %v", first, second)
	}
}

func TestArmAndStartReturnNoError(t *testing.T) {
	s := NewSource(Options{})
	if err := s.ArmAcquisition(); err != nil {
		t.Fatalf("ArmAcquisition: %v", err)
	}
	if err := s.SwStartAcquisition(); err != nil {
		t.Fatalf("SwStartAcquisition: %v", err)
	}
}
