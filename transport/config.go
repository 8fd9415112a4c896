package transport

import "time"

// DefaultRecvTimeout bounds every ReceiveBytes/ReceiveCommand call so a
// component's worker loop can observe shutdownRequested promptly (spec.md §5).
const DefaultRecvTimeout = 1 * time.Second

// SocketConfig configures one of a Transport's three sockets. An empty
// Address disables the socket entirely (SPEC_FULL.md Open Question Decision
// #1: address-emptiness replaces a separate boolean enable flag).
type SocketConfig struct {
	Address string
	Pattern Pattern
	Role    Role
}

func (c SocketConfig) enabled() bool { return c.Address != "" }

// Config bundles up to three independently addressed sockets: data, status,
// and command. Equal addresses are not merged: each enabled socket binds or
// dials its own address, so two bind-role sockets on one address fail at
// Connect. Setting an address empty disables that socket.
type Config struct {
	Data        SocketConfig
	Status      SocketConfig
	Command     SocketConfig
	RecvTimeout time.Duration
}

func (c *Config) recvTimeout() time.Duration {
	if c.RecvTimeout > 0 {
		return c.RecvTimeout
	}
	return DefaultRecvTimeout
}
