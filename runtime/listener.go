package runtime

import (
	"sync"
	"time"

	"github.com/aogaki/delila2/cmn/atomic"
	"github.com/aogaki/delila2/cmn/nlog"
	"github.com/aogaki/delila2/transport"
)

// CommandListenerTimeout bounds each ReceiveCommand poll so Stop observes
// shutdownRequested promptly (spec.md §5).
const CommandListenerTimeout = 1 * time.Second

// Dispatch handles one received Command and returns the CommandResponse to
// reply with; it is supplied by Source/Writer/Monitor/Merger, each of which
// drives its own Lifecycle Core.
type Dispatch func(transport.Command) transport.CommandResponse

// CommandListener runs the optional bound REP socket loop described in
// spec.md §4.5: pull a command, dispatch to the local lifecycle, reply with
// the post-transition state.
type CommandListener struct {
	t        *transport.Transport
	dispatch Dispatch
	running  atomic.Bool
	wg       sync.WaitGroup
}

func NewCommandListener(t *transport.Transport, dispatch Dispatch) *CommandListener {
	return &CommandListener{t: t, dispatch: dispatch}
}

// Start begins the listener loop on its own goroutine. A second call while
// already running is a no-op.
func (l *CommandListener) Start() {
	if !l.running.CAS(false, true) {
		return
	}
	l.wg.Add(1)
	go l.loop()
}

// Stop signals the loop to exit and joins it. Safe to call when not started.
func (l *CommandListener) Stop() {
	if !l.running.CAS(true, false) {
		return
	}
	l.wg.Wait()
}

func (l *CommandListener) loop() {
	defer l.wg.Done()
	for l.running.Load() {
		cmd := l.t.ReceiveCommand(CommandListenerTimeout)
		if cmd == nil {
			continue
		}
		resp := l.dispatch(*cmd)
		resp.RequestID = cmd.RequestID
		if !l.t.SendCommandResponse(resp) {
			nlog.Warningf("runtime: command listener: failed to reply to request %s", cmd.RequestID)
		}
	}
}
