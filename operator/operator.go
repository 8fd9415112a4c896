/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package operator

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/aogaki/delila2/cmn/cos"
	"github.com/aogaki/delila2/cmn/nlog"
	"github.com/aogaki/delila2/hk"
	"github.com/aogaki/delila2/transport"
)

// DefaultCommandTimeout bounds each per-component request/reply round trip
// dispatched by an …AllAsync job.
const DefaultCommandTimeout = 2 * time.Second

// jobRetention is how long a Completed/Failed job stays queryable via
// GetJobStatus before the housekeeper prunes it from the ledger.
const jobRetention = 10 * time.Minute

// Operator manages a registered set of component command addresses and
// drives them through the lifecycle concurrently (spec.md §4.6). It never
// touches the data plane itself.
type Operator struct {
	mu         sync.Mutex
	components []Component
	lastState  map[string]string

	ledger     *ledger
	cmdTimeout time.Duration
	hkName     string
}

// New returns an Operator whose job table is persisted at dbPath (pass
// ":memory:" for a non-persistent ledger). A housekeeper callback prunes
// Completed/Failed jobs older than jobRetention (spec.md SPEC_FULL §1 "hk").
func New(dbPath string) (*Operator, error) {
	l, err := newLedger(dbPath)
	if err != nil {
		return nil, err
	}
	o := &Operator{
		lastState:  make(map[string]string),
		ledger:     l,
		cmdTimeout: DefaultCommandTimeout,
		hkName:     "operator-jobs-" + cos.GenUUID() + hk.NameSuffix,
	}
	hk.Reg(o.hkName, o.pruneJobs, jobRetention)
	return o, nil
}

// pruneJobs is the housekeeper callback: delete stale jobs, then ask to be
// called again in jobRetention.
func (o *Operator) pruneJobs() time.Duration {
	if n, err := o.ledger.pruneOlderThan(time.Now().Add(-jobRetention)); err != nil {
		nlog.Warningf("operator: job prune: %v", err)
	} else if n > 0 {
		nlog.Infof("operator: pruned %d stale job(s)", n)
	}
	return jobRetention
}

// Close releases the job ledger and unregisters the housekeeper callback.
func (o *Operator) Close() error {
	hk.Unreg(o.hkName)
	return o.ledger.close()
}

// Register adds c to the managed component set. Safe to call at any time;
// a component registered mid-run is simply included in the next …AllAsync
// fan-out.
func (o *Operator) Register(c Component) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.components = append(o.components, c)
	o.lastState[c.ID] = lifecycleUnknown
}

// snapshot returns a copy of the registered component list, safe to range
// over without holding the lock.
func (o *Operator) snapshot() []Component {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Component(nil), o.components...)
}

func (o *Operator) setLastState(id, state string) {
	o.mu.Lock()
	o.lastState[id] = state
	o.mu.Unlock()
}

const lifecycleUnknown = "Unknown"

// IsAllInState reports whether every registered component's last-known
// state equals state. Vacuously true with no registered components
// (spec.md §4.6).
func (o *Operator) IsAllInState(state string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range o.components {
		if o.lastState[c.ID] != state {
			return false
		}
	}
	return true
}

// GetComponentStatus issues a live GetStatus command to id's command
// listener and decodes the reply payload.
func (o *Operator) GetComponentStatus(id string) (transport.ComponentStatus, error) {
	for _, c := range o.snapshot() {
		if c.ID == id {
			return o.fetchStatus(c)
		}
	}
	return transport.ComponentStatus{}, cos.NewErrNotFound("component %q", id)
}

// GetAllComponentStatus fans a live GetStatus out to every registered
// component concurrently and returns whatever answered, keyed by ID.
// Components that do not respond within cmdTimeout are simply omitted.
func (o *Operator) GetAllComponentStatus() map[string]transport.ComponentStatus {
	components := o.snapshot()
	out := make(map[string]transport.ComponentStatus, len(components))
	var mu sync.Mutex
	var g errgroup.Group
	for _, c := range components {
		c := c
		g.Go(func() error {
			st, err := o.fetchStatus(c)
			if err != nil {
				return nil //nolint:nilerr // best-effort aggregate, not a job
			}
			mu.Lock()
			out[c.ID] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Operator) fetchStatus(c Component) (transport.ComponentStatus, error) {
	resp, err := o.dispatch(c, transport.Command{Type: transport.CmdGetStatus, RequestID: cos.GenUUID()})
	if err != nil {
		return transport.ComponentStatus{}, err
	}
	var st transport.ComponentStatus
	if err := json.Unmarshal([]byte(resp.Payload), &st); err != nil {
		return transport.ComponentStatus{}, err
	}
	return st, nil
}

// dispatch opens a short-lived REQ transport to c's command address, issues
// cmd, and tears the transport back down (spec.md §4.6: "opens a
// short-lived REQ transport to each").
func (o *Operator) dispatch(c Component, cmd transport.Command) (*transport.CommandResponse, error) {
	if c.CommandAddress == "" {
		return nil, errors.Errorf("operator: component %q has no command address", c.ID)
	}
	var t transport.Transport
	t.Configure(transport.Config{Command: transport.SocketConfig{
		Address: c.CommandAddress, Pattern: transport.PatternReqRep, Role: transport.RoleConnect,
	}})
	if err := t.ConnectControl(); err != nil {
		return nil, errors.Wrapf(err, "operator: connect to %q", c.ID)
	}
	defer t.Disconnect()

	resp := t.SendCommand(cmd, o.cmdTimeout)
	if resp == nil {
		return nil, errors.Errorf("operator: %q: command %s timed out", c.ID, cmd.Type)
	}
	o.setLastState(c.ID, resp.CurrentState)
	if !resp.Success {
		return resp, errors.Errorf("operator: %q: command %s rejected: %s (%s)", c.ID, cmd.Type, resp.ErrorCode, resp.Message)
	}
	return resp, nil
}

// runJob records a new Pending job, runs fn on a detached goroutine, and
// returns the job id immediately.
func (o *Operator) runJob(op string, fn func() error) string {
	jobID := newJobID()
	job := Job{JobID: jobID, Op: op, State: JobPending, CreatedAtMs: nowMs()}
	if err := o.ledger.put(job); err != nil {
		nlog.Warningf("operator: job %s: failed to persist Pending state: %v", jobID, err)
	}
	go func() {
		job.State = JobRunning
		_ = o.ledger.put(job)
		if err := fn(); err != nil {
			job.State = JobFailed
			job.ErrorMessage = err.Error()
		} else {
			job.State = JobCompleted
		}
		job.CompletedMs = nowMs()
		if err := o.ledger.put(job); err != nil {
			nlog.Warningf("operator: job %s: failed to persist final state: %v", jobID, err)
		}
	}()
	return jobID
}

// GetJobStatus returns the job record for jobID.
func (o *Operator) GetJobStatus(jobID string) (Job, bool) {
	j, ok, err := o.ledger.get(jobID)
	if err != nil {
		nlog.Warningf("operator: get job %s: %v", jobID, err)
		return Job{}, false
	}
	return j, ok
}

// fanOut dispatches cmd to every component in order, collecting every
// distinct failure rather than stopping at the first (spec.md §7: "a
// failed async job does not affect other jobs or component state beyond
// the component that rejected the command").
func (o *Operator) fanOut(components []Component, cmdFor func(Component) transport.Command) error {
	var errs cos.Errs
	var g errgroup.Group
	g.SetLimit(1) // one dispatch at a time, in slice order
	for _, c := range components {
		c := c
		g.Go(func() error {
			if _, err := o.dispatch(c, cmdFor(c)); err != nil {
				errs.Add(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if !errs.Empty() {
		return errors.New(errs.Error())
	}
	return nil
}

// ConfigureAllAsync issues Configure to every registered component.
func (o *Operator) ConfigureAllAsync() string {
	components := o.snapshot()
	return o.runJob("ConfigureAll", func() error {
		return o.fanOut(components, func(Component) transport.Command {
			return transport.Command{Type: transport.CmdConfigure, RequestID: cos.GenUUID()}
		})
	})
}

// ArmAllAsync issues Arm to every registered component.
func (o *Operator) ArmAllAsync() string {
	components := o.snapshot()
	return o.runJob("ArmAll", func() error {
		return o.fanOut(components, func(Component) transport.Command {
			return transport.Command{Type: transport.CmdArm, RequestID: cos.GenUUID()}
		})
	})
}

// StartAllAsync issues Start(run) to every registered component, launched
// in ascending start_order so the earliest-ordered components' commands
// are dispatched first (spec.md §4.6).
func (o *Operator) StartAllAsync(run uint64) string {
	components := byStartOrderAsc(o.snapshot())
	return o.runJob("StartAll", func() error {
		return o.fanOut(components, func(Component) transport.Command {
			return transport.Command{Type: transport.CmdStart, RequestID: cos.GenUUID(), RunNumber: run}
		})
	})
}

// StopAllAsync issues Stop(graceful) to every registered component,
// launched in descending start_order (spec.md §4.6).
func (o *Operator) StopAllAsync(graceful bool) string {
	components := byStartOrderDesc(o.snapshot())
	return o.runJob("StopAll", func() error {
		return o.fanOut(components, func(Component) transport.Command {
			return transport.Command{Type: transport.CmdStop, RequestID: cos.GenUUID(), Graceful: graceful}
		})
	})
}

// ResetAllAsync issues Reset to every registered component.
func (o *Operator) ResetAllAsync() string {
	components := o.snapshot()
	return o.runJob("ResetAll", func() error {
		return o.fanOut(components, func(Component) transport.Command {
			return transport.Command{Type: transport.CmdReset, RequestID: cos.GenUUID()}
		})
	})
}

func nowMs() int64 { return time.Now().UnixMilli() }
