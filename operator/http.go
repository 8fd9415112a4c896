/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package operator

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"github.com/aogaki/delila2/cmn/nlog"
)

// Server exposes an Operator's job and component status over a small
// fasthttp JSON API (spec.md §4.6 "the run control UI polls the Operator
// over HTTP rather than opening its own command sockets").
type Server struct {
	op  *Operator
	ln  net.Listener
	srv *fasthttp.Server
}

// NewServer builds a Server for op. Listen must be called to start serving.
func NewServer(op *Operator) *Server { return &Server{op: op} }

// Listen binds addr and serves in the background until Close is called.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "operator: http listen")
	}
	s.ln = ln
	s.srv = &fasthttp.Server{Handler: s.handler}
	go func() {
		if err := s.srv.Serve(ln); err != nil {
			nlog.Warningf("operator: http server stopped: %v", err)
		}
	}()
	return nil
}

// Close stops the listener.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// jobIDResponse is the body returned by every …AllAsync action route: the
// job id the caller polls for completion at /jobs/{id}.
type jobIDResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/status":
		s.writeJSON(ctx, s.op.GetAllComponentStatus())
	case strings.HasPrefix(path, "/status/"):
		id := strings.TrimPrefix(path, "/status/")
		st, err := s.op.GetComponentStatus(id)
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		s.writeJSON(ctx, st)
	case strings.HasPrefix(path, "/jobs/"):
		jobID := strings.TrimPrefix(path, "/jobs/")
		job, ok := s.op.GetJobStatus(jobID)
		if !ok {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		s.writeJSON(ctx, job)
	case path == "/actions/configure" && ctx.IsPost():
		s.writeJSON(ctx, jobIDResponse{JobID: s.op.ConfigureAllAsync()})
	case path == "/actions/arm" && ctx.IsPost():
		s.writeJSON(ctx, jobIDResponse{JobID: s.op.ArmAllAsync()})
	case path == "/actions/start" && ctx.IsPost():
		run, _ := strconv.ParseUint(string(ctx.QueryArgs().Peek("run")), 10, 64)
		s.writeJSON(ctx, jobIDResponse{JobID: s.op.StartAllAsync(run)})
	case path == "/actions/stop" && ctx.IsPost():
		graceful := string(ctx.QueryArgs().Peek("graceful")) != "false"
		s.writeJSON(ctx, jobIDResponse{JobID: s.op.StopAllAsync(graceful)})
	case path == "/actions/reset" && ctx.IsPost():
		s.writeJSON(ctx, jobIDResponse{JobID: s.op.ResetAllAsync()})
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	_, _ = ctx.Write(buf)
}
