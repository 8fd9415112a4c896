// Package transport is a broker-less byte transport exposing four named
// communication patterns (fan-out, load-balance, request/reply, paired) over
// plain TCP sockets. No serialization happens here — it only moves bytes
// whose ownership transfers across the send/receive boundary.
/*
 * Copyright (c) 2024, DELILA2 Project.
 */
package transport

import (
	"sync"

	"github.com/aogaki/delila2/cmn/debug"
)

// Transport owns up to three independently addressed sockets: data, status,
// and command. A socket with an empty configured address is disabled.
type Transport struct {
	mu      sync.Mutex
	cfg     Config
	data    *socket
	status  *socket
	command *socket
}

// Configure must precede Connect. It validates nothing beyond struct shape —
// address parsing failures surface at Connect time from net.Listen/Dial.
func (t *Transport) Configure(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

// Connect binds or dials each enabled socket per its configured role.
// Subscriber (fan-out, connect-role) sockets have no separate subscription
// filter to set: this transport has no topic concept, so "empty filter" is
// simply "accept everything received".
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	debug.Assert(t.data == nil && t.status == nil && t.command == nil)

	timeout := t.cfg.recvTimeout()
	if t.cfg.Data.enabled() {
		t.data = newSocket(t.cfg.Data, timeout)
		if err := t.data.connect(); err != nil {
			return err
		}
	}
	if t.cfg.Status.enabled() {
		t.status = newSocket(t.cfg.Status, timeout)
		if err := t.status.connect(); err != nil {
			return err
		}
	}
	if t.cfg.Command.enabled() {
		t.command = newSocket(t.cfg.Command, timeout)
		if err := t.command.connect(); err != nil {
			return err
		}
	}
	return nil
}

// ConnectControl binds/dials only the status and command sockets. Runtime
// components call this from Bootstrap: the command REP
// socket must already be live for the Operator to reach a component at all,
// while the data socket's bind-before-connect ordering is the concern of
// Arm (see ConnectData and spec.md §4.3's "slow joiner" note).
func (t *Transport) ConnectControl() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	timeout := t.cfg.recvTimeout()
	if t.cfg.Status.enabled() && t.status == nil {
		t.status = newSocket(t.cfg.Status, timeout)
		if err := t.status.connect(); err != nil {
			return err
		}
	}
	if t.cfg.Command.enabled() && t.command == nil {
		t.command = newSocket(t.cfg.Command, timeout)
		if err := t.command.connect(); err != nil {
			return err
		}
	}
	return nil
}

// ConnectData binds/dials only the data socket. Called from Arm, after
// every component in a distributed run has had a chance to reach
// ConnectControl, so binders are up before connectors dial in.
func (t *Transport) ConnectData() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.Data.enabled() && t.data == nil {
		t.data = newSocket(t.cfg.Data, t.cfg.recvTimeout())
		return t.data.connect()
	}
	return nil
}

// Disconnect tears down every owned socket. Safe to call more than once.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range []*socket{t.data, t.status, t.command} {
		if s != nil {
			s.close()
		}
	}
	t.data, t.status, t.command = nil, nil, nil
}

// DataAddr returns the data socket's actual bound address (useful when the
// configured address used an ephemeral port, e.g. "127.0.0.1:0") or the
// empty string if the data socket is disabled or not yet connected.
func (t *Transport) DataAddr() string {
	t.mu.Lock()
	d := t.data
	t.mu.Unlock()
	if d == nil {
		return ""
	}
	if d.ln != nil {
		return d.ln.Addr().String()
	}
	return d.cfg.Address
}

// CommandAddr returns the command socket's actual bound address (useful
// when the configured address used an ephemeral port) or the empty string
// if the command socket is disabled or not yet connected.
func (t *Transport) CommandAddr() string {
	t.mu.Lock()
	c := t.command
	t.mu.Unlock()
	if c == nil {
		return ""
	}
	if c.ln != nil {
		return c.ln.Addr().String()
	}
	return c.cfg.Address
}

// IsConnected reports whether the data socket has at least one live peer.
// Components with no data socket (pure command listeners) always report
// false here; check the command socket's round trips instead.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	d := t.data
	t.mu.Unlock()
	return d != nil && d.isConnected()
}

// SendBytes transfers ownership of buf to the data socket. The caller must
// not touch buf again after this call returns true.
func (t *Transport) SendBytes(buf []byte) bool {
	t.mu.Lock()
	d := t.data
	t.mu.Unlock()
	if d == nil {
		return false
	}
	return d.send(buf)
}

// ReceiveBytes returns a freshly owned buffer, or nil on timeout / no data
// socket configured.
func (t *Transport) ReceiveBytes() []byte {
	t.mu.Lock()
	d := t.data
	t.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.receive()
}
