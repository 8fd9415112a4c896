package merger

import (
	"testing"

	"github.com/aogaki/delila2/frame"
)

func TestInputBufferDrainBelow(t *testing.T) {
	b := &inputBuffer{}
	b.push(timedRecord{ts: 10})
	b.push(timedRecord{ts: 20})
	b.push(timedRecord{ts: 30})

	out := b.drainBelow(20)
	if len(out) != 2 {
		t.Fatalf("expected 2 records drained, got %d", len(out))
	}
	if out[0].ts != 10 || out[1].ts != 20 {
		t.Fatalf("unexpected drain order: %+v", out)
	}
	if !b.empty() {
		h, ok := b.head()
		if !ok || h != 30 {
			t.Fatalf("expected remaining head 30, got %v (ok=%v)", h, ok)
		}
	}
}

func TestInputBufferHeadEmpty(t *testing.T) {
	b := &inputBuffer{}
	if _, ok := b.head(); ok {
		t.Fatal("expected no head on empty buffer")
	}
	b.markEOS()
	if !b.isEOS() {
		t.Fatal("expected isEOS true after markEOS")
	}
}

func TestTimeSortWatermarkExcludesEOSAndEmptyInputs(t *testing.T) {
	ts := &TimeSort{sortWindowNs: 5}
	a := &inputBuffer{}
	a.push(timedRecord{ts: 100})
	b := &inputBuffer{} // empty, not EOS: excluded from the minimum
	c := &inputBuffer{}
	c.push(timedRecord{ts: 50})
	c.eos = false
	d := &inputBuffer{}
	d.eos = true // EOS: excluded regardless of any stale buffered head
	d.buf = []timedRecord{{ts: 1}}
	ts.buffers = []*inputBuffer{a, b, c, d}

	watermark, ok := ts.watermark()
	if !ok {
		t.Fatal("expected a watermark with at least one active input")
	}
	if watermark != 45 { // min(100, 50) - 5
		t.Fatalf("expected watermark 45, got %v", watermark)
	}
}

func TestTimeSortWatermarkNoActiveInputs(t *testing.T) {
	ts := &TimeSort{sortWindowNs: 5}
	a := &inputBuffer{}
	a.eos = true
	ts.buffers = []*inputBuffer{a}
	if _, ok := ts.watermark(); ok {
		t.Fatal("expected no watermark when every input is EOS")
	}
}

func TestMinimalFullRoundTrip(t *testing.T) {
	orig := frame.EventRecord{Module: 42, Channel: 7, Energy: 100, EnergyShort: 50, TimeStampNs: 1234.5, Flags: 0xFF}
	m := minimalToFull(fullToMinimal(orig))
	if m.Module != orig.Module || m.Channel != orig.Channel || m.Energy != orig.Energy ||
		m.EnergyShort != orig.EnergyShort || m.TimeStampNs != orig.TimeStampNs || m.Flags != orig.Flags {
		t.Fatalf("round trip mismatch: %+v vs %+v", m, orig)
	}
}
