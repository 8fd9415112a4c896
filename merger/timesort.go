/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package merger

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aogaki/delila2/cmn/atomic"
	"github.com/aogaki/delila2/cmn/nlog"
	"github.com/aogaki/delila2/config"
	"github.com/aogaki/delila2/frame"
	"github.com/aogaki/delila2/lifecycle"
	"github.com/aogaki/delila2/runtime"
	"github.com/aogaki/delila2/transport"
)

// defaultFlushInterval is how often the merge thread recomputes the
// low-water mark and flushes records that have fallen behind it.
const defaultFlushInterval = 20 * time.Millisecond

// timedRecord is one decoded record tagged with its origin format, buffered
// until it can be flushed in global timestamp order.
type timedRecord struct {
	ts      float64
	full    frame.EventRecord
	minimal frame.MinimalEventRecord
	isFull  bool
}

// atomicFloat64 stores a float64 behind atomic.Uint64's compare-and-swap-free
// load/store, avoiding a mutex for the single monotonic watermark value
// shared between the merge thread (writer) and the receive threads
// (readers, for the late-arrival check).
type atomicFloat64 struct{ bits atomic.Uint64 }

func (f *atomicFloat64) Load() float64 { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat64) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

// inputBuffer is one input's FIFO of not-yet-flushed records. Per-input
// arrival order is assumed non-decreasing in timestamp, so the buffer's
// head is always that input's earliest unflushed record.
type inputBuffer struct {
	mu  sync.Mutex
	buf []timedRecord
	eos bool
}

func (b *inputBuffer) push(r timedRecord) {
	b.mu.Lock()
	b.buf = append(b.buf, r)
	b.mu.Unlock()
}

func (b *inputBuffer) markEOS() {
	b.mu.Lock()
	b.eos = true
	b.mu.Unlock()
}

// head returns the earliest buffered timestamp and whether one exists.
func (b *inputBuffer) head() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return 0, false
	}
	return b.buf[0].ts, true
}

// drainBelow removes and returns every buffered record with ts <= watermark.
func (b *inputBuffer) drainBelow(watermark float64) []timedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := 0
	for i < len(b.buf) && b.buf[i].ts <= watermark {
		i++
	}
	if i == 0 {
		return nil
	}
	out := append([]timedRecord(nil), b.buf[:i]...)
	b.buf = b.buf[i:]
	return out
}

func (b *inputBuffer) isEOS() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eos
}

func (b *inputBuffer) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) == 0
}

// TimeSort is the timestamp-windowed merger: each input's records are
// buffered until the merge thread's low-water mark (min of every active
// input's head timestamp, minus the configured sort window) passes them,
// at which point they are emitted downstream in global timestamp order.
// A record that arrives after the watermark has already passed it is
// dropped and counted rather than reordered in (spec.md §5, "late
// arrivals").
type TimeSort struct {
	id   string
	lc   lifecycle.Machine
	out  transport.Transport
	ins  []transport.Transport
	spec []inputSpec
	met  runtime.Metrics

	sortWindowNs float64
	outFormat    frame.FormatVersion
	code         *frame.Codec

	buffers   []*inputBuffer
	highWater atomicFloat64
	lateDrops atomic.Uint64
	numInputs int32
	eosCount  atomic.Int32

	listener *runtime.CommandListener
	running  atomic.Bool
	recvWg   sync.WaitGroup
	mergeWg  sync.WaitGroup
}

func NewTimeSort() *TimeSort {
	return &TimeSort{outFormat: frame.FormatMinimal, code: frame.NewCodec()}
}

// Bootstrap mirrors Simple.Bootstrap: open control-plane sockets on the
// output transport, record the input specs, start the command listener.
// defSortWindowNs seeds t.sortWindowNs so a remote Configure command with no
// payload still picks up the operator's configured window.
func (t *TimeSort) Bootstrap(outBundle config.Bundle, inBundles []config.SocketBundle, defSortWindowNs float64, reg prometheus.Registerer) error {
	t.id = outBundle.ComponentID
	t.sortWindowNs = defSortWindowNs
	tc, err := outBundle.TransportConfig()
	if err != nil {
		return errors.Wrap(err, "timesort merger: output transport config")
	}
	t.out.Configure(tc)
	if err := t.out.ConnectControl(); err != nil {
		return errors.Wrap(err, "timesort merger: connect control plane")
	}
	t.spec = make([]inputSpec, len(inBundles))
	for i, b := range inBundles {
		t.spec[i] = inputSpec{bundle: b}
	}
	t.met.RegisterPrometheus(reg, t.id)
	if outBundle.Command.Address != "" {
		t.listener = runtime.NewCommandListener(&t.out, t.handleCommand)
		t.listener.Start()
	}
	return nil
}

// Configure allocates the per-input transports and buffers. sortWindowNs is
// the window behind the slowest input's head that a record must clear
// before it is eligible to flush.
func (t *TimeSort) Configure(sortWindowNs float64) bool {
	return t.lc.Configure(func() error {
		if len(t.spec) == 0 {
			return errors.New("timesort merger: at least one input is required")
		}
		if sortWindowNs < 0 {
			return errors.New("timesort merger: sort window must be non-negative")
		}
		t.sortWindowNs = sortWindowNs
		t.ins = make([]transport.Transport, len(t.spec))
		t.buffers = make([]*inputBuffer, len(t.spec))
		for i, sp := range t.spec {
			tc, err := (&config.Bundle{Data: sp.bundle}).TransportConfig()
			if err != nil {
				return errors.Wrapf(err, "timesort merger: input %d", i)
			}
			t.ins[i].Configure(tc)
			t.buffers[i] = &inputBuffer{}
		}
		t.numInputs = int32(len(t.ins))
		return nil
	})
}

// Arm connects every input socket and the output data socket.
func (t *TimeSort) Arm() bool {
	return t.lc.Arm(func() error {
		for i := range t.ins {
			if err := t.ins[i].ConnectData(); err != nil {
				return errors.Wrapf(err, "timesort merger: connect input %d", i)
			}
		}
		return errors.Wrap(t.out.ConnectData(), "timesort merger: connect output data socket")
	})
}

// Start resets per-run state and launches N receive threads plus the merge
// thread.
func (t *TimeSort) Start(runNumber uint64) bool {
	return t.lc.Start(runNumber, func() error {
		for _, b := range t.buffers {
			b.buf = nil
			b.eos = false
		}
		t.lateDrops.Store(0)
		t.eosCount.Store(0)
		t.highWater.Store(math.Inf(-1))
		t.code.ResetSequence()
		t.running.Store(true)
		for i := range t.ins {
			t.recvWg.Add(1)
			go t.receiveLoop(i)
		}
		t.mergeWg.Add(1)
		go t.mergeLoop()
		return nil
	})
}

// Stop tears down the worker threads. A graceful stop lets the merge loop
// observe every input's EOS and flush the remaining buffered records before
// joining.
func (t *TimeSort) Stop(graceful bool) bool {
	return t.lc.Stop(graceful, func(graceful bool) error {
		if graceful {
			deadline := time.Now().Add(500 * time.Millisecond)
			for time.Now().Before(deadline) && t.eosCount.Load() < t.numInputs {
				time.Sleep(10 * time.Millisecond)
			}
		}
		t.running.Store(false)
		t.recvWg.Wait()
		t.mergeWg.Wait()
		return nil
	})
}

// Reset returns to Idle.
func (t *TimeSort) Reset() { t.lc.Reset(func() { t.ins = nil; t.buffers = nil }) }

// Shutdown stops the command listener and disconnects every socket.
func (t *TimeSort) Shutdown() {
	if t.listener != nil {
		t.listener.Stop()
	}
	for i := range t.ins {
		t.ins[i].Disconnect()
	}
	t.out.Disconnect()
}

// LateDrops reports how many records arrived after the watermark had
// already passed their timestamp.
func (t *TimeSort) LateDrops() uint64 { return t.lateDrops.Load() }

func (t *TimeSort) receiveLoop(idx int) {
	defer t.recvWg.Done()
	in := &t.ins[idx]
	buf := t.buffers[idx]
	for t.running.Load() {
		raw := in.ReceiveBytes()
		if raw == nil {
			continue
		}
		batch, err := frame.Decode(raw)
		if err != nil {
			nlog.Warningf("timesort merger %s: input %d: rejecting malformed frame: %v", t.id, idx, err)
			continue
		}
		if batch.EOS {
			buf.markEOS()
			n := t.eosCount.Add(1)
			nlog.Infof("timesort merger %s: input %d reported EOS (%d/%d)", t.id, idx, n, t.numInputs)
			return
		}
		switch batch.Version {
		case frame.FormatFull:
			for _, r := range batch.Full {
				t.pushOrDrop(buf, timedRecord{ts: r.TimeStampNs, full: r, isFull: true})
			}
		default:
			for _, r := range batch.Minimal {
				t.pushOrDrop(buf, timedRecord{ts: r.TimeStampNs, minimal: r})
			}
		}
	}
}

// pushOrDrop drops r and counts it as a late arrival if the merge thread's
// watermark has already advanced past its timestamp; every other record is
// buffered normally.
func (t *TimeSort) pushOrDrop(buf *inputBuffer, r timedRecord) {
	if r.ts <= t.highWater.Load() {
		t.lateDrops.Add(1)
		return
	}
	buf.push(r)
}

func (t *TimeSort) mergeLoop() {
	defer t.mergeWg.Done()
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()
	for {
		allEOS := t.eosCount.Load() >= t.numInputs
		t.flush(allEOS)
		if allEOS && t.allBuffersEmpty() {
			t.emitEOS()
			return
		}
		if !t.running.Load() && !allEOS {
			return
		}
		<-ticker.C
	}
}

func (t *TimeSort) allBuffersEmpty() bool {
	for _, b := range t.buffers {
		if !b.empty() {
			return false
		}
	}
	return true
}

// flush recomputes the low-water mark and emits every record that has
// cleared it, sorted by timestamp. When allEOS is true every remaining
// record is flushed regardless of window.
func (t *TimeSort) flush(allEOS bool) {
	computed, ok := t.watermark()
	if allEOS {
		ok = true
		computed = math.Inf(1)
	}
	if !ok {
		return
	}
	mark := t.highWater.Load()
	if computed > mark {
		mark = computed
		t.highWater.Store(mark)
	}
	var records []timedRecord
	for _, b := range t.buffers {
		records = append(records, b.drainBelow(mark)...)
	}
	if len(records) == 0 {
		return
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ts < records[j].ts })
	t.send(records)
}

// watermark is min(heads) - sortWindowNs across inputs that currently have
// buffered data. An input with an empty buffer and no EOS yet is excluded
// from the minimum rather than blocking every other input's progress; the
// records it eventually delivers older than an already-advanced watermark
// are the late arrivals this merger drops and counts.
func (t *TimeSort) watermark() (float64, bool) {
	minTs, have := 0.0, false
	for _, b := range t.buffers {
		if b.isEOS() {
			continue
		}
		h, ok := b.head()
		if !ok {
			continue
		}
		if !have || h < minTs {
			minTs, have = h, true
		}
	}
	if !have {
		return 0, false
	}
	return minTs - t.sortWindowNs, true
}

func (t *TimeSort) send(records []timedRecord) {
	opt := frame.Options{}
	if t.outFormat == frame.FormatFull {
		full := make([]frame.EventRecord, len(records))
		for i, r := range records {
			if r.isFull {
				full[i] = r.full
			} else {
				full[i] = minimalToFull(r.minimal)
			}
		}
		buf := t.code.EncodeFullAuto(full, opt)
		if t.out.SendBytes(buf) {
			t.met.RecordEvents(uint64(len(full)))
			t.met.RecordBytes(uint64(len(buf)))
		}
		return
	}
	minimal := make([]frame.MinimalEventRecord, len(records))
	for i, r := range records {
		if r.isFull {
			minimal[i] = fullToMinimal(r.full)
		} else {
			minimal[i] = r.minimal
		}
	}
	buf := t.code.EncodeMinimalAuto(minimal, opt)
	if t.out.SendBytes(buf) {
		t.met.RecordEvents(uint64(len(minimal)))
		t.met.RecordBytes(uint64(len(buf)))
	}
}

func (t *TimeSort) emitEOS() {
	eos := t.code.EncodeEOS(t.outFormat)
	if !t.out.SendBytes(eos) {
		nlog.Warningf("timesort merger %s: downstream EOS send failed", t.id)
	}
}

func minimalToFull(m frame.MinimalEventRecord) frame.EventRecord {
	return frame.EventRecord{
		TimeStampNs: m.TimeStampNs,
		Module:      m.Module,
		Channel:     m.Channel,
		Energy:      m.Energy,
		EnergyShort: m.EnergyShort,
		Flags:       m.Flags,
	}
}

func fullToMinimal(r frame.EventRecord) frame.MinimalEventRecord {
	return frame.MinimalEventRecord{
		Module:      r.Module,
		Channel:     r.Channel,
		Energy:      r.Energy,
		EnergyShort: r.EnergyShort,
		TimeStampNs: r.TimeStampNs,
		Flags:       r.Flags,
	}
}

// Status returns the current ComponentStatus snapshot.
func (t *TimeSort) Status() transport.ComponentStatus {
	return t.met.Snapshot(t.id, &t.lc, 0, 0)
}

// CommandAddr returns the command socket's actual bound address, for
// wiring an Operator to a merger that bound an ephemeral port.
func (t *TimeSort) CommandAddr() string { return t.out.CommandAddr() }

func (t *TimeSort) handleCommand(cmd transport.Command) transport.CommandResponse {
	resp := transport.CommandResponse{}
	switch cmd.Type {
	case transport.CmdConfigure:
		sortWindowNs := t.sortWindowNs
		if cmd.Payload != "" {
			var params struct {
				SortWindowNs float64 `json:"sort_window_ns"`
			}
			if err := json.Unmarshal([]byte(cmd.Payload), &params); err == nil {
				sortWindowNs = params.SortWindowNs
			}
		}
		resp.Success = t.Configure(sortWindowNs)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidConfiguration
			resp.Message = t.lc.LastError()
		}
	case transport.CmdArm:
		resp.Success = t.Arm()
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
			resp.Message = t.lc.LastError()
		}
	case transport.CmdStart:
		resp.Success = t.Start(cmd.RunNumber)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
		}
	case transport.CmdStop:
		resp.Success = t.Stop(cmd.Graceful)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
		}
	case transport.CmdReset:
		t.Reset()
		resp.Success = true
	case transport.CmdGetStatus:
		buf, _ := json.Marshal(t.Status())
		resp.Success = true
		resp.Payload = string(buf)
	case transport.CmdGetConfig:
		resp.Success = true
		resp.Payload = t.id
	case transport.CmdPing:
		resp.Success = true
	default:
		resp.ErrorCode = transport.Unknown
	}
	resp.CurrentState = t.lc.Get().String()
	return resp
}
