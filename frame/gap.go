package frame

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/aogaki/delila2/cmn/atomic"
)

// GapResult is the outcome of one GapDetector.Check call.
type GapResult int

const (
	GapOk GapResult = iota
	GapDetected
	GapBackwards
)

func (r GapResult) String() string {
	switch r {
	case GapOk:
		return "Ok"
	case GapDetected:
		return "Gap"
	case GapBackwards:
		return "Backwards"
	default:
		return "Unknown"
	}
}

// GapInfo records one detected sequence gap.
type GapInfo struct {
	ExpectedSeq  uint64
	ReceivedSeq  uint64
	DroppedCount uint64
}

// GapDetector is a receive-side, per-stream sequence-gap detector. The
// fan-out transport (C3) silently drops messages to slow subscribers; this
// is the telemetry that makes those drops visible without ever blocking the
// sender (spec.md §4.2).
type GapDetector struct {
	mu       sync.Mutex
	expected uint64
	has      bool
	lastGap  GapInfo
	gapCount atomic.Uint64

	// dupes is an auxiliary probabilistic check: a sequence number that
	// reappears (e.g. a retransmit from a misbehaving sender) is flagged
	// distinctly from an ordinary gap. False positives are acceptable; a
	// cuckoo filter trades a small error rate for O(1) membership tests on
	// an unbounded stream of sequence numbers.
	dupes *cuckoo.Filter
}

func NewGapDetector() *GapDetector {
	return &GapDetector{dupes: cuckoo.NewFilter(1 << 16)}
}

// Check compares sequence against the expected next value. The first call
// latches expected = sequence+1 and returns GapOk.
func (g *GapDetector) Check(sequence uint64) GapResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := seqKey(sequence)
	isDup := g.has && g.dupes.Lookup(key)

	if !g.has {
		g.has = true
		g.expected = sequence + 1
		g.dupes.InsertUnique(key)
		return GapOk
	}

	switch {
	case sequence == g.expected:
		g.expected = sequence + 1
		g.dupes.InsertUnique(key)
		return GapOk
	case sequence > g.expected:
		g.lastGap = GapInfo{
			ExpectedSeq:  g.expected,
			ReceivedSeq:  sequence,
			DroppedCount: sequence - g.expected,
		}
		g.expected = sequence + 1
		g.gapCount.Inc()
		g.dupes.InsertUnique(key)
		return GapDetected
	default:
		_ = isDup // duplicate-vs-reorder distinction is exposed via IsLikelyDuplicate
		return GapBackwards
	}
}

// IsLikelyDuplicate reports whether sequence was already seen by this
// detector. Only meaningful immediately after a GapBackwards result.
func (g *GapDetector) IsLikelyDuplicate(sequence uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dupes.Lookup(seqKey(sequence))
}

// Reset clears expected-sequence state and counters; used at run start.
func (g *GapDetector) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.has = false
	g.expected = 0
	g.lastGap = GapInfo{}
	g.gapCount.Store(0)
	g.dupes = cuckoo.NewFilter(1 << 16)
}

func (g *GapDetector) HasExpectedSequence() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.has
}

func (g *GapDetector) GetGapCount() uint64 { return g.gapCount.Load() }

func (g *GapDetector) GetLastGap() GapInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastGap
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(seq >> (8 * i))
	}
	return b
}
