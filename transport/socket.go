package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aogaki/delila2/cmn/atomic"
	"github.com/aogaki/delila2/cmn/nlog"
)

// maxFrameLen guards against a corrupt length prefix turning into an
// unbounded allocation.
const maxFrameLen = 256 << 20

// writeFrame writes buf as a length-prefixed message. A Write call's
// failure (including a write-deadline timeout) is reported to the caller;
// if part of the frame was already written, conn is closed so the peer
// never reads a partial frame followed by further data.
func writeFrame(conn net.Conn, buf []byte, deadline time.Duration) error {
	if deadline > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(deadline))
		defer conn.SetWriteDeadline(time.Time{})
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if n, err := conn.Write(lenBuf[:]); err != nil {
		if n > 0 {
			_ = conn.Close() // part of the frame is on the wire
		}
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	if _, err := conn.Write(buf); err != nil {
		_ = conn.Close() // the length prefix is already on the wire
		return err
	}
	return nil
}

func readFrame(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, io.ErrUnexpectedEOF
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// socket is one of a Transport's up-to-three underlying byte-moving
// primitives. A bind-role socket listens and accumulates N peer connections
// (fan-out broadcasts to all of them; load-balance round-robins sends and
// fans in receives). A connect-role socket dials out and reconnects on drop.
type socket struct {
	cfg         SocketConfig
	recvTimeout time.Duration

	mu       sync.Mutex
	conns    []net.Conn
	rrSend   int
	ln       net.Listener
	dialConn net.Conn

	recvCh    chan []byte
	closeCh   chan struct{}
	wg        sync.WaitGroup
	connected atomic.Bool
}

func newSocket(cfg SocketConfig, recvTimeout time.Duration) *socket {
	return &socket{
		cfg:         cfg,
		recvTimeout: recvTimeout,
		recvCh:      make(chan []byte, 1024),
		closeCh:     make(chan struct{}),
	}
}

func (s *socket) connect() error {
	if !s.cfg.enabled() {
		return nil
	}
	switch s.cfg.Role {
	case RoleBind:
		ln, err := net.Listen("tcp", s.cfg.Address)
		if err != nil {
			return err
		}
		s.ln = ln
		s.connected.Store(true)
		s.wg.Add(1)
		go s.acceptLoop()
	case RoleConnect:
		s.connected.Store(true)
		s.wg.Add(1)
		go s.dialLoop()
	}
	return nil
}

func (s *socket) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				nlog.Warningf("transport: accept on %s: %v", s.cfg.Address, err)
				return
			}
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.readLoop(c)
		}(conn)
	}
}

// dialLoop dials out, reconnecting with a short backoff while the socket is
// still wanted. Only one outbound connection is maintained at a time.
func (s *socket) dialLoop() {
	defer s.wg.Done()
	backoff := 100 * time.Millisecond
	const maxBackoff = 2 * time.Second
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", s.cfg.Address, 2*time.Second)
		if err != nil {
			select {
			case <-s.closeCh:
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond
		s.mu.Lock()
		s.dialConn = conn
		s.mu.Unlock()
		s.readLoop(conn) // blocks until conn drops or closeCh fires
		s.mu.Lock()
		s.dialConn = nil
		s.mu.Unlock()
		select {
		case <-s.closeCh:
			return
		default:
		}
	}
}

func (s *socket) readLoop(conn net.Conn) {
	for {
		buf, err := readFrame(conn, 0)
		if err != nil {
			s.dropConn(conn)
			return
		}
		if s.cfg.Pattern == PatternFanOut {
			select {
			case s.recvCh <- buf:
			default:
				// fan-out to a slow receiver drops silently; the gap detector
				// on the far end is the visible consequence.
			}
		} else {
			// other patterns block, pushing back on the sender.
			select {
			case s.recvCh <- buf:
			case <-s.closeCh:
				return
			}
		}
		select {
		case <-s.closeCh:
			return
		default:
		}
	}
}

func (s *socket) dropConn(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func (s *socket) isConnected() bool {
	if !s.cfg.enabled() {
		return false
	}
	if s.cfg.Role == RoleConnect {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.dialConn != nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) > 0
}

// send transfers buf to one or more peers per the configured pattern.
// Returns false if there is no live peer to send to, or the write fails or
// misses its deadline (50 ms per peer for fan-out, the receive timeout
// otherwise).
func (s *socket) send(buf []byte) bool {
	if !s.cfg.enabled() {
		return false
	}
	switch s.cfg.Pattern {
	case PatternFanOut:
		return s.broadcast(buf)
	default: // load-balance, req-rep, pair all send to exactly one peer
		return s.sendOne(buf)
	}
}

// broadcast writes buf to every connected peer with a short write deadline;
// a peer that would block is skipped (dropped), never blocking the sender.
func (s *socket) broadcast(buf []byte) bool {
	s.mu.Lock()
	peers := append([]net.Conn(nil), s.conns...)
	dial := s.dialConn
	s.mu.Unlock()
	if dial != nil {
		peers = append(peers, dial)
	}
	if len(peers) == 0 {
		return false
	}
	sentAny := false
	for _, c := range peers {
		if writeFrame(c, buf, 50*time.Millisecond) == nil {
			sentAny = true
		}
	}
	return sentAny
}

func (s *socket) sendOne(buf []byte) bool {
	s.mu.Lock()
	var target net.Conn
	if s.dialConn != nil {
		target = s.dialConn
	} else if n := len(s.conns); n > 0 {
		target = s.conns[s.rrSend%n]
		s.rrSend++
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}
	return writeFrame(target, buf, s.recvTimeout) == nil
}

// receive waits up to the socket's receive timeout for the next available
// message, or returns nil on timeout / disconnection.
func (s *socket) receive() []byte {
	select {
	case buf := <-s.recvCh:
		return buf
	case <-time.After(s.recvTimeout):
		return nil
	case <-s.closeCh:
		return nil
	}
}

func (s *socket) close() {
	select {
	case <-s.closeCh:
		return // already closed
	default:
		close(s.closeCh)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	dial := s.dialConn
	s.conns = nil
	s.dialConn = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	if dial != nil {
		_ = dial.Close()
	}
	s.wg.Wait()
	s.connected.Store(false)
}
