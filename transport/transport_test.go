package transport

import (
	"testing"
	"time"
)

func waitConnected(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for connection")
}

func bindAndDial(t *testing.T, pattern Pattern) (*Transport, *Transport) {
	t.Helper()
	server := &Transport{}
	server.Configure(Config{Data: SocketConfig{Address: "127.0.0.1:0", Pattern: pattern, Role: RoleBind}})
	if err := server.Connect(); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	addr := server.data.ln.Addr().String()

	client := &Transport{}
	client.Configure(Config{Data: SocketConfig{Address: addr, Pattern: pattern, Role: RoleConnect}})
	if err := client.Connect(); err != nil {
		t.Fatalf("client connect: %v", err)
	}

	waitConnected(t, server.IsConnected)
	waitConnected(t, client.IsConnected)
	return server, client
}

func TestPairRoundTrip(t *testing.T) {
	server, client := bindAndDial(t, PatternPair)
	defer server.Disconnect()
	defer client.Disconnect()

	if !client.SendBytes([]byte("hello")) {
		t.Fatal("client send failed")
	}
	got := server.ReceiveBytes()
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	if !server.SendBytes([]byte("world")) {
		t.Fatal("server send failed")
	}
	got = client.ReceiveBytes()
	if string(got) != "world" {
		t.Fatalf("got %q, want %q", got, "world")
	}
}

func TestLoadBalanceFanIn(t *testing.T) {
	server := &Transport{}
	server.Configure(Config{Data: SocketConfig{Address: "127.0.0.1:0", Pattern: PatternLoadBalance, Role: RoleBind}})
	if err := server.Connect(); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer server.Disconnect()
	addr := server.data.ln.Addr().String()

	var clients []*Transport
	for i := 0; i < 3; i++ {
		c := &Transport{}
		c.Configure(Config{Data: SocketConfig{Address: addr, Pattern: PatternLoadBalance, Role: RoleConnect}})
		if err := c.Connect(); err != nil {
			t.Fatalf("client %d connect: %v", i, err)
		}
		defer c.Disconnect()
		waitConnected(t, c.IsConnected)
		clients = append(clients, c)
	}
	waitConnected(t, func() bool {
		server.data.mu.Lock()
		n := len(server.data.conns)
		server.data.mu.Unlock()
		return n == 3
	})

	for i, c := range clients {
		if !c.SendBytes([]byte{byte(i)}) {
			t.Fatalf("client %d send failed", i)
		}
	}
	seen := map[byte]bool{}
	for i := 0; i < 3; i++ {
		buf := server.ReceiveBytes()
		if buf == nil {
			t.Fatal("expected a message, got timeout")
		}
		seen[buf[0]] = true
	}
	for i := 0; i < 3; i++ {
		if !seen[byte(i)] {
			t.Fatalf("never received message from client %d", i)
		}
	}
}

func TestFanOutBroadcast(t *testing.T) {
	server := &Transport{}
	server.Configure(Config{Data: SocketConfig{Address: "127.0.0.1:0", Pattern: PatternFanOut, Role: RoleBind}})
	if err := server.Connect(); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer server.Disconnect()
	addr := server.data.ln.Addr().String()

	var subs []*Transport
	for i := 0; i < 2; i++ {
		c := &Transport{}
		c.Configure(Config{Data: SocketConfig{Address: addr, Pattern: PatternFanOut, Role: RoleConnect}})
		if err := c.Connect(); err != nil {
			t.Fatalf("sub %d connect: %v", i, err)
		}
		defer c.Disconnect()
		waitConnected(t, c.IsConnected)
		subs = append(subs, c)
	}
	waitConnected(t, func() bool {
		server.data.mu.Lock()
		n := len(server.data.conns)
		server.data.mu.Unlock()
		return n == 2
	})

	if !server.SendBytes([]byte("broadcast")) {
		t.Fatal("broadcast send failed")
	}
	for i, s := range subs {
		got := s.ReceiveBytes()
		if string(got) != "broadcast" {
			t.Fatalf("subscriber %d got %q, want %q", i, got, "broadcast")
		}
	}
}

func TestCommandRoundTrip(t *testing.T) {
	server := &Transport{}
	server.Configure(Config{Command: SocketConfig{Address: "127.0.0.1:0", Pattern: PatternReqRep, Role: RoleBind}})
	if err := server.Connect(); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer server.Disconnect()
	addr := server.command.ln.Addr().String()

	client := &Transport{}
	client.Configure(Config{Command: SocketConfig{Address: addr, Pattern: PatternReqRep, Role: RoleConnect}})
	if err := client.Connect(); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer client.Disconnect()

	waitConnected(t, func() bool {
		server.command.mu.Lock()
		n := len(server.command.conns)
		server.command.mu.Unlock()
		return n == 1
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		cmd := server.ReceiveCommand(2 * time.Second)
		if cmd == nil {
			t.Error("server never received command")
			return
		}
		server.SendCommandResponse(CommandResponse{
			RequestID:    cmd.RequestID,
			Success:      true,
			CurrentState: "Configured",
		})
	}()

	resp := client.SendCommand(Command{Type: CmdConfigure, RequestID: "r1"}, 2*time.Second)
	<-done
	if resp == nil {
		t.Fatal("client got no response")
	}
	if !resp.Success || resp.CurrentState != "Configured" || resp.RequestID != "r1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestReceiveBytesTimeoutReturnsNil(t *testing.T) {
	server, client := bindAndDial(t, PatternPair)
	defer server.Disconnect()
	defer client.Disconnect()
	server.data.recvTimeout = 50 * time.Millisecond
	if got := server.ReceiveBytes(); got != nil {
		t.Fatalf("expected nil on timeout, got %v", got)
	}
}

func TestSendBytesFalseWhenDisconnected(t *testing.T) {
	tr := &Transport{}
	tr.Configure(Config{Data: SocketConfig{Address: "", Pattern: PatternPair, Role: RoleConnect}})
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()
	if tr.SendBytes([]byte("x")) {
		t.Fatal("expected false: no data socket configured")
	}
	if tr.ReceiveBytes() != nil {
		t.Fatal("expected nil: no data socket configured")
	}
}
