package merger

import (
	"testing"
	"time"

	"github.com/aogaki/delila2/config"
	"github.com/aogaki/delila2/frame"
	"github.com/aogaki/delila2/mockhw"
	"github.com/aogaki/delila2/runtime"
)

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestSimpleMergerForwardsAndEmitsEOS wires two Source producers into a
// Simple merger and the merger's single output into a Writer, then checks
// that the merger only emits its own downstream EOS once both inputs have
// reported theirs, and that the writer observes it.
func TestSimpleMergerForwardsAndEmitsEOS(t *testing.T) {
	dir := t.TempDir()

	w := runtime.NewWriter()
	wBundle := config.Bundle{
		ComponentID: "writer-0",
		Data:        config.SocketBundle{Address: "127.0.0.1:0", Pattern: "load-balance", Role: "bind"},
	}
	if err := w.Bootstrap(wBundle, runtime.WriterParams{Dir: dir, Prefix: "run", Ext: ".dat"}, nil); err != nil {
		t.Fatalf("writer bootstrap: %v", err)
	}
	defer w.Shutdown()
	if !w.Configure() {
		t.Fatal("writer configure failed")
	}
	if !w.Arm() {
		t.Fatal("writer arm failed")
	}

	m := NewSimple()
	mOutBundle := config.Bundle{
		ComponentID: "merger-0",
		Data:        config.SocketBundle{Address: w.DataAddr(), Pattern: "load-balance", Role: "connect"},
	}
	mInBundles := []config.SocketBundle{
		{Address: "127.0.0.1:0", Pattern: "load-balance", Role: "bind"},
		{Address: "127.0.0.1:0", Pattern: "load-balance", Role: "bind"},
	}
	if err := m.Bootstrap(mOutBundle, mInBundles, runtime.DefaultQueueMax, nil); err != nil {
		t.Fatalf("merger bootstrap: %v", err)
	}
	defer m.Shutdown()
	if !m.Configure(runtime.DefaultQueueMax) {
		t.Fatal("merger configure failed")
	}
	if !m.Arm() {
		t.Fatal("merger arm failed")
	}
	in0Addr := m.ins[0].DataAddr()
	in1Addr := m.ins[1].DataAddr()

	sources := make([]*runtime.Source, 2)
	addrs := []string{in0Addr, in1Addr}
	for i := range sources {
		s := runtime.NewSource()
		sBundle := config.Bundle{
			ComponentID: "source",
			Data:        config.SocketBundle{Address: addrs[i], Pattern: "load-balance", Role: "connect"},
		}
		sp := runtime.SourceParams{
			HW:     mockhw.Options{EventsPerTick: 3, TickInterval: 2 * time.Millisecond},
			Format: frame.FormatMinimal,
		}
		if err := s.Bootstrap(sBundle, sp, nil); err != nil {
			t.Fatalf("source %d bootstrap: %v", i, err)
		}
		defer s.Shutdown()
		if !s.Configure(sp.HW, sp.Format, sp.Compress, sp.Checksum) {
			t.Fatalf("source %d configure failed", i)
		}
		if !s.Arm() {
			t.Fatalf("source %d arm failed", i)
		}
		sources[i] = s
	}

	if !w.Start(1) {
		t.Fatal("writer start failed")
	}
	if !m.Start(1) {
		t.Fatal("merger start failed")
	}
	for _, s := range sources {
		if !s.Start(1) {
			t.Fatal("source start failed")
		}
	}

	waitUntil(t, 2*time.Second, func() bool { return w.Status().EventsProcessed > 0 })

	for _, s := range sources {
		if !s.Stop(true) {
			t.Fatal("source graceful stop failed")
		}
	}
	waitUntil(t, 2*time.Second, func() bool { return m.eosCount.Load() >= 2 })
	if !m.Stop(true) {
		t.Fatal("merger graceful stop failed")
	}
	waitUntil(t, 2*time.Second, w.HasReceivedEOS)
	if !w.Stop(true) {
		t.Fatal("writer graceful stop failed")
	}
}
