// Package lifecycle implements the shared component state machine used by
// every Source, Writer, Monitor, Merger, and the Operator itself:
//
//	Idle --Configure()--> Configured --Arm()--> Armed --Start(run)--> Running
//	  ^       ^                ^                  ^                       |
//	  |       |                +------------------+-----Stop()------------+
//	  |       +--Reset()--from any state
//	  +--Reset()--from Error
//	Any --fault--> Error
//
// The state lives in a single atomic value; readers never take a lock.
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package lifecycle

import (
	"sync"

	"github.com/aogaki/delila2/cmn/atomic"
	"github.com/aogaki/delila2/cmn/nlog"
)

// State is one of the five states a component can be in.
type State int32

const (
	Idle State = iota
	Configured
	Armed
	Running
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Configured:
		return "Configured"
	case Armed:
		return "Armed"
	case Running:
		return "Running"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Machine is one component's lifecycle state holder. Zero value starts Idle.
type Machine struct {
	state   atomic.Int32
	mu      sync.Mutex // serializes the read-check-write of a transition
	runNum  uint64
	lastErr string
}

// Get returns the current state. Lock-free.
func (m *Machine) Get() State { return State(m.state.Load()) }

// RunNumber returns the run number recorded by the most recent Start.
func (m *Machine) RunNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runNum
}

// LastError returns the message recorded by the most recent transition into
// Error, if any.
func (m *Machine) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Configure transitions Idle -> Configured. fn performs the actual
// validation/allocation; a non-nil error moves the machine to Error instead
// and the error is recorded as LastError.
func (m *Machine) Configure(fn func() error) bool {
	return m.transition(Idle, Configured, fn)
}

// Arm transitions Configured -> Armed.
func (m *Machine) Arm(fn func() error) bool {
	return m.transition(Configured, Armed, fn)
}

// Start transitions Armed -> Running, recording runNumber on success.
func (m *Machine) Start(runNumber uint64, fn func() error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if State(m.state.Load()) != Armed {
		return false
	}
	if err := callOrNil(fn); err != nil {
		m.fail(err)
		return false
	}
	m.runNum = runNumber
	m.state.Store(int32(Running))
	return true
}

// Stop transitions Running -> Configured. graceful is passed through to fn
// so the caller can flush/EOS before the state flips.
func (m *Machine) Stop(graceful bool, fn func(graceful bool) error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if State(m.state.Load()) != Running {
		return false
	}
	if fn != nil {
		if err := fn(graceful); err != nil {
			m.fail(err)
			return false
		}
	}
	m.state.Store(int32(Configured))
	return true
}

// Reset transitions any state, including Error, back to Idle. Same-state
// (Idle -> Idle) is still a valid call: it clears config/error.
func (m *Machine) Reset(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn != nil {
		fn()
	}
	m.lastErr = ""
	m.runNum = 0
	m.state.Store(int32(Idle))
}

// transition performs a generic from->to move guarded by fn. Invalid
// transitions (current state != from) return false without mutating state
// or invoking fn.
func (m *Machine) transition(from, to State, fn func() error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if State(m.state.Load()) != from {
		return false
	}
	if err := callOrNil(fn); err != nil {
		m.fail(err)
		return false
	}
	m.state.Store(int32(to))
	return true
}

// fail must be called with mu held.
func (m *Machine) fail(err error) {
	m.lastErr = err.Error()
	m.state.Store(int32(Error))
	nlog.Errorf("lifecycle: transition failed: %v", err)
}

func callOrNil(fn func() error) error {
	if fn == nil {
		return nil
	}
	return fn()
}
