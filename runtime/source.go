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
	"github.com/aogaki/delila2/mockhw"
	"github.com/aogaki/delila2/transport"
)

// Source is the zero-input, one-output component runtime: pull events from
// HardwareSource, encode via C1, SendBytes on the data socket (spec.md
// §4.5 "Source").
type Source struct {
	id   string
	lc   lifecycle.Machine
	t    transport.Transport
	code *frame.Codec
	hw   *mockhw.Source
	met  Metrics

	hwOpt    mockhw.Options
	format   frame.FormatVersion
	compress bool
	checksum bool

	listener *CommandListener
	running  atomic.Bool
	wg       sync.WaitGroup
}

func NewSource() *Source {
	return &Source{code: frame.NewCodec(), format: frame.FormatMinimal}
}

// SourceParams are the role-specific parameters a Source's Configure reads
// from its component bundle (spec.md §6 "mock mode, mock event rate").
type SourceParams struct {
	HW       mockhw.Options
	Format   frame.FormatVersion
	Compress bool
	Checksum bool
}

// Bootstrap opens the control-plane sockets (status + command) and starts
// the command listener. Called once at process start so the Operator's
// first Configure command has a live REP socket to land on.
func (s *Source) Bootstrap(bundle config.Bundle, params SourceParams, reg prometheus.Registerer) error {
	s.id = bundle.ComponentID
	s.hwOpt = params.HW
	if params.Format != 0 {
		s.format = params.Format
	}
	s.compress = params.Compress
	s.checksum = params.Checksum
	tc, err := bundle.TransportConfig()
	if err != nil {
		return errors.Wrap(err, "source: transport config")
	}
	s.t.Configure(tc)
	if err := s.t.ConnectControl(); err != nil {
		return errors.Wrap(err, "source: connect control plane")
	}
	s.met.RegisterPrometheus(reg, s.id)
	if bundle.Command.Address != "" {
		s.listener = NewCommandListener(&s.t, s.handleCommand)
		s.listener.Start()
	}
	return nil
}

// Configure validates the mock hardware parameters and encode options.
func (s *Source) Configure(hwOpt mockhw.Options, format frame.FormatVersion, compress, checksum bool) bool {
	return s.lc.Configure(func() error {
		if format != frame.FormatFull && format != frame.FormatMinimal {
			return errors.Errorf("source: unsupported format_version %d", format)
		}
		s.hwOpt = hwOpt
		s.format = format
		s.compress = compress
		s.checksum = checksum
		return nil
	})
}

// Arm connects the data socket and issues the hardware Arm call.
func (s *Source) Arm() bool {
	return s.lc.Arm(func() error {
		if err := s.t.ConnectData(); err != nil {
			return errors.Wrap(err, "source: connect data socket")
		}
		s.hw = mockhw.NewSource(s.hwOpt)
		return s.hw.ArmAcquisition()
	})
}

// Start records the run number, issues the hardware software trigger, and
// starts the producer loop.
func (s *Source) Start(runNumber uint64) bool {
	return s.lc.Start(runNumber, func() error {
		if err := s.hw.SwStartAcquisition(); err != nil {
			return err
		}
		s.code.ResetSequence()
		s.running.Store(true)
		s.wg.Add(1)
		go s.loop()
		return nil
	})
}

// Stop halts the producer loop. If graceful, an EOS sentinel is sent after
// the loop has fully drained its last batch.
func (s *Source) Stop(graceful bool) bool {
	return s.lc.Stop(graceful, func(graceful bool) error {
		s.running.Store(false)
		s.wg.Wait()
		if graceful {
			eos := s.code.EncodeEOS(s.format)
			if !s.t.SendBytes(eos) {
				nlog.Warningf("source %s: EOS send failed (no connected peer)", s.id)
			}
		}
		return nil
	})
}

// Reset returns to Idle, discarding configuration.
func (s *Source) Reset() { s.lc.Reset(func() { s.hw = nil }) }

// Shutdown stops the command listener and tears down every socket. Call
// once, at process exit.
func (s *Source) Shutdown() {
	if s.listener != nil {
		s.listener.Stop()
	}
	s.t.Disconnect()
}

func (s *Source) loop() {
	defer s.wg.Done()
	for s.running.Load() {
		batch := s.hw.Tick()
		var buf []byte
		opt := frame.Options{Compress: s.compress, Checksum: s.checksum}
		if s.format == frame.FormatFull {
			buf = s.code.EncodeFullAuto(toFullRecords(batch), opt)
		} else {
			buf = s.code.EncodeMinimalAuto(batch, opt)
		}
		if s.t.SendBytes(buf) {
			s.met.RecordEvents(uint64(len(batch)))
			s.met.RecordBytes(uint64(len(buf)))
		}
		time.Sleep(s.hw.TickInterval())
	}
}

// toFullRecords is a placeholder conversion for sources configured to emit
// full-format records from a mock generator that only yields the minimal
// shape; real hardware sources populate EventRecord directly.
func toFullRecords(minimal []frame.MinimalEventRecord) []frame.EventRecord {
	out := make([]frame.EventRecord, len(minimal))
	for i, m := range minimal {
		out[i] = frame.EventRecord{
			TimeStampNs: m.TimeStampNs,
			Module:      m.Module,
			Channel:     m.Channel,
			Energy:      m.Energy,
			EnergyShort: m.EnergyShort,
			Flags:       m.Flags,
		}
	}
	return out
}

// Status returns the current ComponentStatus snapshot.
func (s *Source) Status() transport.ComponentStatus {
	return s.met.Snapshot(s.id, &s.lc, 0, 0)
}

// CommandAddr returns the command socket's actual bound address, for
// wiring an Operator to a component that bound an ephemeral port.
func (s *Source) CommandAddr() string { return s.t.CommandAddr() }

func (s *Source) handleCommand(cmd transport.Command) transport.CommandResponse {
	resp := transport.CommandResponse{CurrentState: s.lc.Get().String()}
	switch cmd.Type {
	case transport.CmdConfigure:
		ok := s.Configure(s.hwOpt, s.format, s.compress, s.checksum)
		resp.Success = ok
		if !ok {
			resp.ErrorCode = transport.InvalidStateTransition
			resp.Message = s.lc.LastError()
		}
	case transport.CmdArm:
		ok := s.Arm()
		resp.Success = ok
		if !ok {
			resp.ErrorCode = transport.InvalidStateTransition
			resp.Message = s.lc.LastError()
		}
	case transport.CmdStart:
		ok := s.Start(cmd.RunNumber)
		resp.Success = ok
		if !ok {
			resp.ErrorCode = transport.InvalidStateTransition
			resp.Message = s.lc.LastError()
		}
	case transport.CmdStop:
		ok := s.Stop(cmd.Graceful)
		resp.Success = ok
		if !ok {
			resp.ErrorCode = transport.InvalidStateTransition
		}
	case transport.CmdReset:
		s.Reset()
		resp.Success = true
	case transport.CmdGetStatus:
		st := s.Status()
		buf, _ := json.Marshal(st)
		resp.Success = true
		resp.Payload = string(buf)
	case transport.CmdGetConfig:
		resp.Success = true
		resp.Payload = s.id
	case transport.CmdPing:
		resp.Success = true
	default:
		resp.Success = false
		resp.ErrorCode = transport.Unknown
	}
	resp.CurrentState = s.lc.Get().String()
	return resp
}
