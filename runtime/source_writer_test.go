package runtime

import (
	"os"
	"testing"
	"time"

	"github.com/aogaki/delila2/config"
	"github.com/aogaki/delila2/frame"
	"github.com/aogaki/delila2/mockhw"
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

// TestSourceToWriterEOSPropagation is scenario 4 of spec.md §8: a Source's
// graceful Stop must be observed by a connected Writer as HasReceivedEOS.
func TestSourceToWriterEOSPropagation(t *testing.T) {
	dir := t.TempDir()

	w := NewWriter()
	wBundle := config.Bundle{
		ComponentID: "writer-0",
		Data:        config.SocketBundle{Address: "127.0.0.1:0", Pattern: "load-balance", Role: "bind"},
	}
	if err := w.Bootstrap(wBundle, WriterParams{Dir: dir, Prefix: "run", Ext: ".dat"}, nil); err != nil {
		t.Fatalf("writer bootstrap: %v", err)
	}
	defer w.Shutdown()
	if !w.Configure() {
		t.Fatal("writer configure failed")
	}
	if !w.Arm() {
		t.Fatal("writer arm failed")
	}
	addr := w.t.DataAddr()

	s := NewSource()
	sBundle := config.Bundle{
		ComponentID: "source-0",
		Data:        config.SocketBundle{Address: addr, Pattern: "load-balance", Role: "connect"},
	}
	sp := SourceParams{HW: mockhw.Options{EventsPerTick: 4, TickInterval: 2 * time.Millisecond}, Format: frame.FormatMinimal}
	if err := s.Bootstrap(sBundle, sp, nil); err != nil {
		t.Fatalf("source bootstrap: %v", err)
	}
	defer s.Shutdown()
	if !s.Configure(sp.HW, sp.Format, sp.Compress, sp.Checksum) {
		t.Fatal("source configure failed")
	}
	if !s.Arm() {
		t.Fatal("source arm failed")
	}

	if !w.Start(42) {
		t.Fatal("writer start failed")
	}
	if !s.Start(42) {
		t.Fatal("source start failed")
	}

	waitUntil(t, time.Second, func() bool { return w.Status().EventsProcessed > 0 })

	if !s.Stop(true) {
		t.Fatal("source graceful stop failed")
	}
	waitUntil(t, time.Second, w.HasReceivedEOS)
	if !w.Stop(true) {
		t.Fatal("writer graceful stop failed")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one run file, got %d", len(entries))
	}
	info, err := entries[0].Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Fatal("expected the run file to contain at least one record")
	}
	if info.Size()%frame.SizeofMinimalEventRecord != 0 {
		t.Fatalf("run file size %d is not a multiple of %d (no frame headers expected)", info.Size(), frame.SizeofMinimalEventRecord)
	}
}

// TestSourceUngracefulStopLeavesNoEOS covers the negative half of the same
// property: an ungraceful Stop never emits EOS within the same run.
func TestSourceUngracefulStopLeavesNoEOS(t *testing.T) {
	dir := t.TempDir()

	w := NewWriter()
	wBundle := config.Bundle{
		ComponentID: "writer-1",
		Data:        config.SocketBundle{Address: "127.0.0.1:0", Pattern: "load-balance", Role: "bind"},
	}
	if err := w.Bootstrap(wBundle, WriterParams{Dir: dir, Prefix: "run", Ext: ".dat"}, nil); err != nil {
		t.Fatalf("writer bootstrap: %v", err)
	}
	defer w.Shutdown()
	w.Configure()
	w.Arm()
	addr := w.t.DataAddr()

	s := NewSource()
	sBundle := config.Bundle{
		ComponentID: "source-1",
		Data:        config.SocketBundle{Address: addr, Pattern: "load-balance", Role: "connect"},
	}
	sp2 := SourceParams{HW: mockhw.Options{EventsPerTick: 2, TickInterval: 2 * time.Millisecond}, Format: frame.FormatMinimal}
	if err := s.Bootstrap(sBundle, sp2, nil); err != nil {
		t.Fatalf("source bootstrap: %v", err)
	}
	defer s.Shutdown()
	s.Configure(sp2.HW, sp2.Format, sp2.Compress, sp2.Checksum)
	s.Arm()

	w.Start(7)
	s.Start(7)
	waitUntil(t, time.Second, func() bool { return w.Status().EventsProcessed > 0 })

	if !s.Stop(false) {
		t.Fatal("source ungraceful stop failed")
	}
	time.Sleep(100 * time.Millisecond)
	if w.HasReceivedEOS() {
		t.Fatal("ungraceful stop must not emit EOS")
	}
	w.Stop(false)
}
