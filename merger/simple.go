// Package merger implements C7: the N-input, 1-output buffered forwarder
// described in spec.md §4.5 "Merger" — a Simple (FIFO-by-arrival) variant
// and a Time-Sort (timestamp-windowed) variant, both built on the same
// Component Runtime primitives (bounded queue, command listener, lifecycle)
// as Source/Writer/Monitor.
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package merger

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
	"github.com/aogaki/delila2/runtime"
	"github.com/aogaki/delila2/transport"
)

// inputSpec is one of a Merger's N input sockets: independently addressed,
// independently connected, each fed by its own receive thread.
type inputSpec struct {
	bundle config.SocketBundle
}

// Simple is the FIFO-by-arrival merger: each input thread receives and
// pushes the raw encoded buffer onto one shared bounded queue; a single
// send thread pops and forwards downstream. Order is arrival order, not
// cross-input timestamp order (spec.md §5 "Within Simple Merger").
type Simple struct {
	id   string
	lc   lifecycle.Machine
	out  transport.Transport
	ins  []transport.Transport
	spec []inputSpec
	met  runtime.Metrics

	queue        *runtime.Queue
	eosCount     atomic.Int32
	numInputs    int32
	listener     *runtime.CommandListener
	running      atomic.Bool
	recvWg       sync.WaitGroup
	sendWg       sync.WaitGroup
	outFormat    frame.FormatVersion
	defQueueMax  int
}

func NewSimple() *Simple { return &Simple{outFormat: frame.FormatMinimal, defQueueMax: runtime.DefaultQueueMax} }

// Bootstrap opens the control-plane sockets on the output transport (inputs
// have no command socket of their own — the merger is one component) and
// starts the command listener. defQueueMax, when non-zero, overrides
// runtime.DefaultQueueMax for the bounded queue this merger allocates on
// Configure.
func (s *Simple) Bootstrap(outBundle config.Bundle, inBundles []config.SocketBundle, defQueueMax int, reg prometheus.Registerer) error {
	s.id = outBundle.ComponentID
	if defQueueMax > 0 {
		s.defQueueMax = defQueueMax
	}
	tc, err := outBundle.TransportConfig()
	if err != nil {
		return errors.Wrap(err, "merger: output transport config")
	}
	s.out.Configure(tc)
	if err := s.out.ConnectControl(); err != nil {
		return errors.Wrap(err, "merger: connect control plane")
	}
	s.spec = make([]inputSpec, len(inBundles))
	for i, b := range inBundles {
		s.spec[i] = inputSpec{bundle: b}
	}
	s.met.RegisterPrometheus(reg, s.id)
	if outBundle.Command.Address != "" {
		s.listener = runtime.NewCommandListener(&s.out, s.handleCommand)
		s.listener.Start()
	}
	return nil
}

// Configure allocates the per-input transports and the shared queue.
func (s *Simple) Configure(queueMax int) bool {
	return s.lc.Configure(func() error {
		if len(s.spec) == 0 {
			return errors.New("merger: at least one input is required")
		}
		s.ins = make([]transport.Transport, len(s.spec))
		for i, sp := range s.spec {
			tc, err := (&config.Bundle{Data: sp.bundle}).TransportConfig()
			if err != nil {
				return errors.Wrapf(err, "merger: input %d", i)
			}
			s.ins[i].Configure(tc)
		}
		s.queue = runtime.NewQueue(queueMax)
		s.numInputs = int32(len(s.ins))
		return nil
	})
}

// Arm connects every input socket and the output data socket.
func (s *Simple) Arm() bool {
	return s.lc.Arm(func() error {
		for i := range s.ins {
			if err := s.ins[i].ConnectData(); err != nil {
				return errors.Wrapf(err, "merger: connect input %d", i)
			}
		}
		return errors.Wrap(s.out.ConnectData(), "merger: connect output data socket")
	})
}

// Start resets per-run state and launches N receive threads plus one send
// thread.
func (s *Simple) Start(runNumber uint64) bool {
	return s.lc.Start(runNumber, func() error {
		s.queue = runtime.NewQueue(s.queue.Max())
		s.eosCount.Store(0)
		s.running.Store(true)
		for i := range s.ins {
			s.recvWg.Add(1)
			go s.receiveLoop(i)
		}
		s.sendWg.Add(1)
		go s.sendLoop()
		return nil
	})
}

// Stop tears down the worker threads. Graceful stop is implied by the
// simple merger's own EOS accounting: the send loop already emits EOS and
// exits once every input has reported it, so Stop mainly joins threads
// that, in the graceful case, have likely already finished.
func (s *Simple) Stop(graceful bool) bool {
	return s.lc.Stop(graceful, func(graceful bool) error {
		if !graceful {
			s.queue.Discard()
		}
		s.running.Store(false)
		s.recvWg.Wait()
		if graceful {
			// give the send loop a bounded window to flush and emit EOS
			// before the hard stop below.
			deadline := time.Now().Add(500 * time.Millisecond)
			for time.Now().Before(deadline) && s.queue.Len() > 0 {
				time.Sleep(10 * time.Millisecond)
			}
		}
		s.queue.Discard()
		s.sendWg.Wait()
		return nil
	})
}

// Reset returns to Idle.
func (s *Simple) Reset() { s.lc.Reset(func() { s.ins = nil; s.queue = nil }) }

// Shutdown stops the command listener and disconnects every socket.
func (s *Simple) Shutdown() {
	if s.listener != nil {
		s.listener.Stop()
	}
	for i := range s.ins {
		s.ins[i].Disconnect()
	}
	s.out.Disconnect()
}

func (s *Simple) receiveLoop(idx int) {
	defer s.recvWg.Done()
	in := &s.ins[idx]
	for s.running.Load() {
		buf := in.ReceiveBytes()
		if buf == nil {
			continue
		}
		batch, err := frame.Decode(buf)
		if err != nil {
			nlog.Warningf("merger %s: input %d: rejecting malformed frame: %v", s.id, idx, err)
			continue
		}
		if batch.EOS {
			n := s.eosCount.Add(1)
			nlog.Infof("merger %s: input %d reported EOS (%d/%d)", s.id, idx, n, s.numInputs)
			return
		}
		s.queue.Push(buf)
	}
}

func (s *Simple) sendLoop() {
	defer s.sendWg.Done()
	for {
		buf, ok := s.queue.Pop(1 * time.Second)
		if ok {
			if s.out.SendBytes(buf) {
				s.met.RecordBytes(uint64(len(buf)))
			}
			continue
		}
		if s.eosCount.Load() >= s.numInputs && s.numInputs > 0 {
			eos := frame.NewCodec().EncodeEOS(s.outFormat)
			if !s.out.SendBytes(eos) {
				nlog.Warningf("merger %s: downstream EOS send failed", s.id)
			}
			return
		}
		if !s.running.Load() {
			return
		}
	}
}

// Status returns the current ComponentStatus snapshot.
func (s *Simple) Status() transport.ComponentStatus {
	qlen, qmax := 0, 0
	if s.queue != nil {
		qlen, qmax = s.queue.Len(), s.queue.Max()
	}
	return s.met.Snapshot(s.id, &s.lc, qlen, qmax)
}

// CommandAddr returns the command socket's actual bound address, for
// wiring an Operator to a merger that bound an ephemeral port.
func (s *Simple) CommandAddr() string { return s.out.CommandAddr() }

func (s *Simple) handleCommand(cmd transport.Command) transport.CommandResponse {
	resp := transport.CommandResponse{}
	switch cmd.Type {
	case transport.CmdConfigure:
		resp.Success = s.Configure(s.defQueueMax)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidConfiguration
			resp.Message = s.lc.LastError()
		}
	case transport.CmdArm:
		resp.Success = s.Arm()
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
			resp.Message = s.lc.LastError()
		}
	case transport.CmdStart:
		resp.Success = s.Start(cmd.RunNumber)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
		}
	case transport.CmdStop:
		resp.Success = s.Stop(cmd.Graceful)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
		}
	case transport.CmdReset:
		s.Reset()
		resp.Success = true
	case transport.CmdGetStatus:
		buf, _ := json.Marshal(s.Status())
		resp.Success = true
		resp.Payload = string(buf)
	case transport.CmdGetConfig:
		resp.Success = true
		resp.Payload = s.id
	case transport.CmdPing:
		resp.Success = true
	default:
		resp.ErrorCode = transport.Unknown
	}
	resp.CurrentState = s.lc.Get().String()
	return resp
}
