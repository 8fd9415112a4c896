package transport

import "time"

// ComponentStatus is produced on demand from a component's atomic counters
// and carried over the status channel (published with SendStatus, read with
// ReceiveStatus; no reply is sent).
type ComponentStatus struct {
	ComponentID      string `json:"component_id"`
	State            string `json:"state"`
	WallTimestampMs  int64  `json:"wall_timestamp_ms"`
	RunNumber        uint64 `json:"run_number"`
	EventsProcessed  uint64 `json:"events_processed"`
	BytesTransferred uint64 `json:"bytes_transferred"`
	QueueSize        int    `json:"queue_size"`
	QueueMax         int    `json:"queue_max"`
	ErrorMessage     string `json:"error_message,omitempty"`
	HeartbeatCounter uint64 `json:"heartbeat_counter"`
}

// SendStatus publishes st on the status socket. Like SendBytes, this is
// fire-and-forget on a fan-out status socket.
func (t *Transport) SendStatus(st ComponentStatus) bool {
	if t.status == nil {
		return false
	}
	buf, err := json.Marshal(st)
	if err != nil {
		return false
	}
	return t.status.send(buf)
}

// ReceiveStatus waits up to timeout for a status update.
func (t *Transport) ReceiveStatus(timeout time.Duration) *ComponentStatus {
	if t.status == nil {
		return nil
	}
	saved := t.status.recvTimeout
	t.status.recvTimeout = timeout
	raw := t.status.receive()
	t.status.recvTimeout = saved
	if raw == nil {
		return nil
	}
	var st ComponentStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil
	}
	return &st
}
