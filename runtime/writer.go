package runtime

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aogaki/delila2/cmn/atomic"
	"github.com/aogaki/delila2/cmn/nlog"
	"github.com/aogaki/delila2/config"
	"github.com/aogaki/delila2/frame"
	"github.com/aogaki/delila2/lifecycle"
	"github.com/aogaki/delila2/persist"
	"github.com/aogaki/delila2/transport"
)

// eosWaitBudget bounds how long a graceful Stop waits for the upstream EOS
// sentinel before closing the run file anyway (spec.md §5: "a graceful Stop
// additionally waits for EOS propagation with a per-component budget
// (typically a few hundred ms)").
const eosWaitBudget = 500 * time.Millisecond

// WriterParams are the role-specific parameters a Writer's Configure reads
// from its component bundle (spec.md §6 "output path, file prefix").
type WriterParams struct {
	Dir    string
	Prefix string
	Ext    string
}

// Writer is the one-input, zero-output component runtime: ReceiveBytes,
// decode via C1, append decoded records through FilePersister (spec.md
// §4.5 "Writer").
type Writer struct {
	id     string
	lc     lifecycle.Machine
	t      transport.Transport
	pers   *persist.FilePersister
	gap    *frame.GapDetector
	met    Metrics
	params WriterParams

	listener    *CommandListener
	running     atomic.Bool
	eosReceived atomic.Bool
	wg          sync.WaitGroup
}

func NewWriter() *Writer { return &Writer{gap: frame.NewGapDetector()} }

// Bootstrap opens the control-plane sockets and starts the command listener.
func (w *Writer) Bootstrap(bundle config.Bundle, params WriterParams, reg prometheus.Registerer) error {
	w.id = bundle.ComponentID
	w.params = params
	tc, err := bundle.TransportConfig()
	if err != nil {
		return errors.Wrap(err, "writer: transport config")
	}
	w.t.Configure(tc)
	if err := w.t.ConnectControl(); err != nil {
		return errors.Wrap(err, "writer: connect control plane")
	}
	w.met.RegisterPrometheus(reg, w.id)
	if bundle.Command.Address != "" {
		w.listener = NewCommandListener(&w.t, w.handleCommand)
		w.listener.Start()
	}
	return nil
}

// Configure validates the output directory and instantiates the persister.
func (w *Writer) Configure() bool {
	return w.lc.Configure(func() error {
		if w.params.Dir == "" {
			return errors.New("writer: empty output directory")
		}
		w.pers = persist.NewFilePersister(persist.Options{Dir: w.params.Dir, Prefix: w.params.Prefix, Ext: w.params.Ext})
		return nil
	})
}

// Arm connects the data socket.
func (w *Writer) Arm() bool {
	return w.lc.Arm(func() error {
		return errors.Wrap(w.t.ConnectData(), "writer: connect data socket")
	})
}

// Start opens this run's output file and starts the receive loop.
func (w *Writer) Start(runNumber uint64) bool {
	return w.lc.Start(runNumber, func() error {
		path, err := w.pers.NextRunPath(runNumber)
		if err != nil {
			return err
		}
		if err := w.pers.Open(path); err != nil {
			return err
		}
		w.gap.Reset()
		w.eosReceived.Store(false)
		w.running.Store(true)
		w.wg.Add(1)
		go w.loop()
		return nil
	})
}

// Stop waits (when graceful) for the upstream EOS sentinel, then closes the
// run file. HasReceivedEOS reports whether it actually arrived in time.
func (w *Writer) Stop(graceful bool) bool {
	return w.lc.Stop(graceful, func(graceful bool) error {
		if graceful {
			w.waitForEOS(eosWaitBudget)
		}
		w.running.Store(false)
		w.wg.Wait()
		return w.pers.Close()
	})
}

// Reset returns to Idle, discarding configuration.
func (w *Writer) Reset() { w.lc.Reset(func() { w.pers = nil }) }

// Shutdown stops the command listener and tears down every socket.
func (w *Writer) Shutdown() {
	if w.listener != nil {
		w.listener.Stop()
	}
	w.t.Disconnect()
}

// HasReceivedEOS reports whether the current run's receive loop has seen
// the upstream End-Of-Stream sentinel.
func (w *Writer) HasReceivedEOS() bool { return w.eosReceived.Load() }

func (w *Writer) waitForEOS(budget time.Duration) {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		if w.eosReceived.Load() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for w.running.Load() {
		buf := w.t.ReceiveBytes()
		if buf == nil {
			continue
		}
		batch, err := frame.Decode(buf)
		if err != nil {
			nlog.Warningf("writer %s: rejecting malformed frame: %v", w.id, err)
			continue
		}
		if batch.EOS {
			w.eosReceived.Store(true)
			w.running.Store(false)
			return
		}
		if r := w.gap.Check(batch.Sequence); r == frame.GapDetected {
			nlog.Warningf("writer %s: sequence gap: %+v", w.id, w.gap.GetLastGap())
		}
		if err := w.pers.AppendBatch(buf); err != nil {
			continue
		}
		w.met.RecordEvents(uint64(recordCount(batch)))
		w.met.RecordBytes(uint64(len(buf)))
	}
}

func recordCount(b *frame.DecodedBatch) int {
	if b.Version == frame.FormatFull {
		return len(b.Full)
	}
	return len(b.Minimal)
}

// Status returns the current ComponentStatus snapshot.
func (w *Writer) Status() transport.ComponentStatus {
	return w.met.Snapshot(w.id, &w.lc, 0, 0)
}

// CommandAddr returns the command socket's actual bound address, for
// wiring an Operator to a component that bound an ephemeral port.
func (w *Writer) CommandAddr() string { return w.t.CommandAddr() }

func (w *Writer) handleCommand(cmd transport.Command) transport.CommandResponse {
	resp := transport.CommandResponse{}
	switch cmd.Type {
	case transport.CmdConfigure:
		resp.Success = w.Configure()
		if !resp.Success {
			resp.ErrorCode = transport.InvalidConfiguration
			resp.Message = w.lc.LastError()
		}
	case transport.CmdArm:
		resp.Success = w.Arm()
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
			resp.Message = w.lc.LastError()
		}
	case transport.CmdStart:
		resp.Success = w.Start(cmd.RunNumber)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
			resp.Message = w.lc.LastError()
		}
	case transport.CmdStop:
		resp.Success = w.Stop(cmd.Graceful)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
		}
	case transport.CmdReset:
		w.Reset()
		resp.Success = true
	case transport.CmdGetStatus:
		buf, _ := json.Marshal(w.Status())
		resp.Success = true
		resp.Payload = string(buf)
	case transport.CmdGetConfig:
		resp.Success = true
		resp.Payload = w.id
	case transport.CmdPing:
		resp.Success = true
	default:
		resp.ErrorCode = transport.Unknown
	}
	resp.CurrentState = w.lc.Get().String()
	return resp
}
