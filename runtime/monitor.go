package runtime

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/aogaki/delila2/cmn/atomic"
	"github.com/aogaki/delila2/cmn/nlog"
	"github.com/aogaki/delila2/config"
	"github.com/aogaki/delila2/frame"
	"github.com/aogaki/delila2/histsink"
	"github.com/aogaki/delila2/lifecycle"
	"github.com/aogaki/delila2/transport"
)

// Monitor is the one-input, zero-output component runtime that feeds
// decoded records to the named HistogramSink collaborator and, when an
// HTTP port is configured, serves a JSON aggregate endpoint over fasthttp
// (spec.md §4.5 "Monitor"; out-of-scope histogram rendering is left to
// histsink.Sink itself).
type Monitor struct {
	id      string
	lc      lifecycle.Machine
	t       transport.Transport
	sink    *histsink.Sink
	gap     *frame.GapDetector
	met     Metrics
	httpAddr string

	listener    *CommandListener
	httpSrv     *fasthttp.Server
	httpLn      net.Listener
	metricsFunc fasthttp.RequestHandler
	running     atomic.Bool
	wg          sync.WaitGroup
}

func NewMonitor() *Monitor { return &Monitor{gap: frame.NewGapDetector()} }

// Bootstrap opens the control-plane sockets and starts the command listener.
func (m *Monitor) Bootstrap(bundle config.Bundle, httpAddr string, reg prometheus.Registerer) error {
	m.id = bundle.ComponentID
	m.httpAddr = httpAddr
	tc, err := bundle.TransportConfig()
	if err != nil {
		return errors.Wrap(err, "monitor: transport config")
	}
	m.t.Configure(tc)
	if err := m.t.ConnectControl(); err != nil {
		return errors.Wrap(err, "monitor: connect control plane")
	}
	m.met.RegisterPrometheus(reg, m.id)
	m.sink = histsink.NewSink(reg)
	if gatherer, ok := reg.(prometheus.Gatherer); ok {
		m.metricsFunc = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	} else {
		m.metricsFunc = fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	}
	if bundle.Command.Address != "" {
		m.listener = NewCommandListener(&m.t, m.handleCommand)
		m.listener.Start()
	}
	return nil
}

// Configure is a no-op beyond validating state: the sink was already built
// in Bootstrap, matching the teacher's pattern of doing heavy allocation
// once and gating only state transitions here.
func (m *Monitor) Configure() bool { return m.lc.Configure(nil) }

// Arm connects the data socket and serves the HTTP aggregate endpoint if
// one was configured.
func (m *Monitor) Arm() bool {
	return m.lc.Arm(func() error {
		if err := m.t.ConnectData(); err != nil {
			return errors.Wrap(err, "monitor: connect data socket")
		}
		if m.httpAddr == "" {
			return nil
		}
		ln, err := net.Listen("tcp", m.httpAddr)
		if err != nil {
			return errors.Wrap(err, "monitor: http listen")
		}
		m.httpLn = ln
		m.httpSrv = &fasthttp.Server{Handler: m.httpHandler}
		go func() {
			if err := m.httpSrv.Serve(ln); err != nil {
				nlog.Warningf("monitor %s: http server stopped: %v", m.id, err)
			}
		}()
		return nil
	})
}

// Start resets the run's histograms and starts the receive loop.
func (m *Monitor) Start(runNumber uint64) bool {
	return m.lc.Start(runNumber, func() error {
		m.sink.Reset()
		m.gap.Reset()
		m.running.Store(true)
		m.wg.Add(1)
		go m.loop()
		return nil
	})
}

// Stop halts the receive loop.
func (m *Monitor) Stop(graceful bool) bool {
	return m.lc.Stop(graceful, func(graceful bool) error {
		m.running.Store(false)
		m.wg.Wait()
		return nil
	})
}

// Reset returns to Idle.
func (m *Monitor) Reset() { m.lc.Reset(nil) }

// Shutdown stops the command listener, the HTTP endpoint, and every socket.
func (m *Monitor) Shutdown() {
	if m.listener != nil {
		m.listener.Stop()
	}
	if m.httpLn != nil {
		_ = m.httpLn.Close()
	}
	m.t.Disconnect()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	for m.running.Load() {
		buf := m.t.ReceiveBytes()
		if buf == nil {
			continue
		}
		batch, err := frame.Decode(buf)
		if err != nil {
			nlog.Warningf("monitor %s: rejecting malformed frame: %v", m.id, err)
			continue
		}
		if batch.EOS {
			continue
		}
		if r := m.gap.Check(batch.Sequence); r == frame.GapDetected {
			nlog.Warningf("monitor %s: sequence gap: %+v", m.id, m.gap.GetLastGap())
		}
		switch batch.Version {
		case frame.FormatFull:
			m.sink.ObserveFull(batch.Full)
			m.met.RecordEvents(uint64(len(batch.Full)))
		default:
			m.sink.ObserveMinimal(batch.Minimal)
			m.met.RecordEvents(uint64(len(batch.Minimal)))
		}
		m.met.RecordBytes(uint64(len(buf)))
	}
}

func (m *Monitor) httpHandler(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/stats":
		buf, _ := json.Marshal(m.Status())
		ctx.SetContentType("application/json")
		_, _ = ctx.Write(buf)
	case "/metrics":
		m.metricsFunc(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// Status returns the current ComponentStatus snapshot.
func (m *Monitor) Status() transport.ComponentStatus {
	return m.met.Snapshot(m.id, &m.lc, 0, 0)
}

// CommandAddr returns the command socket's actual bound address, for
// wiring an Operator to a component that bound an ephemeral port.
func (m *Monitor) CommandAddr() string { return m.t.CommandAddr() }

func (m *Monitor) handleCommand(cmd transport.Command) transport.CommandResponse {
	resp := transport.CommandResponse{}
	switch cmd.Type {
	case transport.CmdConfigure:
		resp.Success = m.Configure()
		if !resp.Success {
			resp.ErrorCode = transport.InvalidConfiguration
		}
	case transport.CmdArm:
		resp.Success = m.Arm()
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
			resp.Message = m.lc.LastError()
		}
	case transport.CmdStart:
		resp.Success = m.Start(cmd.RunNumber)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
		}
	case transport.CmdStop:
		resp.Success = m.Stop(cmd.Graceful)
		if !resp.Success {
			resp.ErrorCode = transport.InvalidStateTransition
		}
	case transport.CmdReset:
		m.Reset()
		resp.Success = true
	case transport.CmdGetStatus:
		buf, _ := json.Marshal(m.Status())
		resp.Success = true
		resp.Payload = string(buf)
	case transport.CmdGetConfig:
		resp.Success = true
		resp.Payload = m.id
	case transport.CmdPing:
		resp.Success = true
	default:
		resp.ErrorCode = transport.Unknown
	}
	resp.CurrentState = m.lc.Get().String()
	return resp
}
