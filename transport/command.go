package transport

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommandType enumerates the lifecycle/control operations a Command may
// request.
type CommandType string

const (
	CmdConfigure CommandType = "Configure"
	CmdArm       CommandType = "Arm"
	CmdStart     CommandType = "Start"
	CmdStop      CommandType = "Stop"
	CmdReset     CommandType = "Reset"
	CmdGetStatus CommandType = "GetStatus"
	CmdGetConfig CommandType = "GetConfig"
	CmdPing      CommandType = "Ping"
)

// Command is the wire contract of the request side of the command channel.
// It is encoded as a self-describing JSON document (the spec requires only
// that the encoding be self-describing key/value; jsoniter is the teacher's
// own choice for this over encoding/json).
type Command struct {
	Type       CommandType `json:"type"`
	RequestID  string      `json:"request_id"`
	ConfigPath string      `json:"config_path,omitempty"`
	Payload    string      `json:"payload,omitempty"`
	RunNumber  uint64      `json:"run_number,omitempty"`
	Graceful   bool        `json:"graceful,omitempty"`
}

// CommandResponse is the matching reply.
type CommandResponse struct {
	RequestID    string    `json:"request_id"`
	Success      bool      `json:"success"`
	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	CurrentState string    `json:"current_state"`
	Message      string    `json:"message,omitempty"`
	Payload      string    `json:"payload,omitempty"`
}

// SendCommand performs a request/reply round trip on the command socket:
// encode cmd, send it, and wait up to timeout for a decoded response.
// Returns nil on timeout or if the command socket is disabled.
func (t *Transport) SendCommand(cmd Command, timeout time.Duration) *CommandResponse {
	if t.command == nil {
		return nil
	}
	buf, err := json.Marshal(cmd)
	if err != nil {
		return nil
	}
	if !t.command.sendOne(buf) {
		return nil
	}
	saved := t.command.recvTimeout
	t.command.recvTimeout = timeout
	raw := t.command.receive()
	t.command.recvTimeout = saved
	if raw == nil {
		return nil
	}
	var resp CommandResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return &resp
}

// ReceiveCommand waits up to timeout for an incoming command on the replier
// side of the command socket.
func (t *Transport) ReceiveCommand(timeout time.Duration) *Command {
	if t.command == nil {
		return nil
	}
	saved := t.command.recvTimeout
	t.command.recvTimeout = timeout
	raw := t.command.receive()
	t.command.recvTimeout = saved
	if raw == nil {
		return nil
	}
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil
	}
	return &cmd
}

// SendCommandResponse replies to the most recently received command.
func (t *Transport) SendCommandResponse(resp CommandResponse) bool {
	if t.command == nil {
		return false
	}
	buf, err := json.Marshal(resp)
	if err != nil {
		return false
	}
	return t.command.sendOne(buf)
}

var errNotConnected = errors.New("transport: socket not connected")
