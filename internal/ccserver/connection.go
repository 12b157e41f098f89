package ccserver

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// waitForPollInterval bounds how promptly awaitWaitFor notices a dropped
// connection while blocked: it periodically arms a short read deadline on
// the socket so a closed peer's EOF surfaces within one interval instead of
// leaking the reader goroutine forever. Mirrors the teacher's
// ipc.PipeServer per-connection SetDeadline discipline.
var waitForPollInterval = 200 * time.Millisecond

// waitForTimeout bounds how long a connection may block inside a single
// wait-for before the command fails with ErrTimedOut (§5 "Internal
// timeouts": recv_timeout on the main-thread reply). A var, not a const, so
// tests can shrink it rather than waiting out the real interval.
var waitForTimeout = 30 * time.Second

// readDeadliner is implemented by every real rawConn (net.Conn, and
// peekedConn which embeds one); only test doubles may lack it.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// connState is the per-connection state machine (§4.9).
type connState int

const (
	stateAccepted connState = iota
	stateHandshake
	stateReady
	stateHandlingCommand
	stateClosing
	stateClosed
)

// paneOutputState tracks pause/flow-control for one pane within a
// connection (§4.7's per-pane state machine).
type paneOutputState struct {
	paused      bool
	lastOutput  time.Time
	armedAt     time.Time // clock start for the current Running interval
	pausedAt    time.Time // when this pane most recently entered Paused
	manualState string    // "" | "on" | "off", set by refresh-client -A %P:on/off
}

// Connection is one accepted client's full session state (§3's "Session
// state" entity): active ids, pending notifications, pause state,
// subscriptions, buffer store, and the per-host-window "last active tab"
// memory windowFlags' "-" bit needs.
type Connection struct {
	id     int
	server *Server
	conn   rawConn
	framer *Framer

	mu sync.Mutex

	state connState

	activeSessionCC int
	activeWindowCC  int
	activePaneCC    int

	oneshot bool

	buffers *BufferStore

	pending []string // queued notification lines, flushed after each command's guarded block

	paneStates   map[int]*paneOutputState // keyed by CC pane id
	pauseAfter   time.Duration            // 0 disables pause mode
	waitExit     bool
	pauseArmedAt time.Time // when pauseAfter was last armed

	subscriptions map[string]*Subscription

	lastActiveTab map[int]int // host window id -> last-active host tab id, for the "-" window flag

	detachRequested bool
	exitReason      string
}

// rawConn is the minimal surface Connection needs from a socket: plain
// Read/Write/Close, never wrapped in a buffered reader (§9 "Windows socket
// quirk" — a buffered line reader over a peer-closed UDS/TCP connection can
// lose the last unterminated line).
type rawConn interface {
	io.ReadWriteCloser
}

// NewConnection constructs a fresh per-connection state machine. oneshot
// marks a connection whose first line was "oneshot" (§4.9 handshake step
// 1): it skips the DCS/greeting entirely and closes after one command.
func NewConnection(server *Server, conn rawConn, oneshot bool) *Connection {
	return &Connection{
		server:        server,
		conn:          conn,
		framer:        NewFramer(func() int64 { return time.Now().Unix() }),
		state:         stateAccepted,
		buffers:       NewBufferStore(),
		paneStates:    map[int]*paneOutputState{},
		subscriptions: map[string]*Subscription{},
		lastActiveTab: map[int]int{},
		oneshot:       oneshot,
	}
}

// Run drives the connection end to end: handshake, then the raw read loop,
// until EOF, an I/O error, or detach. It is the Connection's entire
// lifetime; callers run it on its own goroutine per accepted socket.
func (c *Connection) Run(ctx *CommandContext) {
	c.server.registerConnection(c)
	defer c.server.unregisterConnection(c)
	defer c.conn.Close()

	if err := c.handshake(ctx); err != nil {
		slog.Debug("[ccserver] handshake failed", "conn", c.id, "error", err)
		return
	}

	c.readLoop(ctx)
}

// handshake performs §4.9 steps 1-4: optional DCS start, interning the
// active workspace, emitting the opening empty guarded block (counter=1),
// then the session-changed / sessions-changed / window-add / pane-changed
// notification burst.
func (c *Connection) handshake(ctx *CommandContext) error {
	c.mu.Lock()
	c.state = stateHandshake
	c.mu.Unlock()

	if !c.oneshot {
		if _, err := c.conn.Write([]byte{0x1b, 'P', '1', '0', '0', '0', 'p'}); err != nil {
			return err
		}
	}

	ws, tab, pane, err := ctx.ActiveContext()
	if err == nil && ws != nil {
		ccSession := c.server.IDMap.InternSession(ws.Name)
		c.mu.Lock()
		c.activeSessionCC = ccSession
		c.mu.Unlock()

		if _, err := c.conn.Write([]byte(c.framer.FrameSuccess(""))); err != nil {
			return err
		}

		var greeting strings.Builder
		greeting.WriteString(NotifySessionChanged(ccSession, ws.Name))
		greeting.WriteString(NotifySessionsChanged())
		for _, t := range ws.Tabs {
			ccWindow := c.server.IDMap.InternWindow(t.ID)
			greeting.WriteString(NotifyWindowAdd(ccWindow))
		}
		if tab != nil {
			ccWindow := c.server.IDMap.InternWindow(tab.ID)
			c.mu.Lock()
			c.activeWindowCC = ccWindow
			c.mu.Unlock()
		}
		if pane != nil {
			ccWindow := c.server.IDMap.InternWindow(tab.ID)
			ccPane := c.server.IDMap.InternPane(pane.ID)
			c.mu.Lock()
			c.activePaneCC = ccPane
			c.mu.Unlock()
			greeting.WriteString(NotifyWindowPaneChanged(ccWindow, ccPane))
		}
		if _, err := c.conn.Write([]byte(greeting.String())); err != nil {
			return err
		}
	} else {
		if _, err := c.conn.Write([]byte(c.framer.FrameSuccess(""))); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.state = stateReady
	c.mu.Unlock()
	return nil
}

// readLoop accumulates raw bytes and splits on '\n' itself (never a
// bufio.Reader layered over the socket, per §9). A zero-length line is
// ignored. Each full line is dispatched through handleLine.
func (c *Connection) readLoop(ctx *CommandContext) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		c.mu.Lock()
		detach := c.detachRequested
		c.mu.Unlock()
		if detach {
			c.writeExitAndClose()
			return
		}

		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := string(buf[:idx])
				buf = buf[idx+1:]
				if line == "" {
					continue
				}
				if !c.handleLine(ctx, line) {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("[ccserver] connection read error", "conn", c.id, "error", err)
			}
			return
		}
		if c.oneshot {
			return
		}
	}
}

func indexByte(b []byte, target byte) int {
	for i, v := range b {
		if v == target {
			return i
		}
	}
	return -1
}

// handleLine parses and executes one command line, writes its guarded
// response, drains pending notifications, and polls subscriptions. It
// returns false when the connection should stop reading (detach/oneshot
// exit already written).
func (c *Connection) handleLine(ctx *CommandContext, line string) bool {
	c.mu.Lock()
	c.state = stateHandlingCommand
	c.mu.Unlock()

	startedAt := time.Now()
	cmd, parseErr := ParseCommand(line)
	var body string
	var isErr bool
	if parseErr != nil {
		body = parseErr.Error()
		isErr = true
	} else {
		result := Dispatch(ctx, c, cmd)
		if result.Blocked != "" {
			c.recordAudit(ctx, cmd.Verb, startedAt, true, "")
			c.awaitWaitFor(ctx, result.Blocked)
			return c.afterCommand(ctx)
		}
		body = result.Body
		isErr = result.Err != nil
		if isErr {
			body = result.Err.Error()
		}
	}
	c.recordAudit(ctx, cmd.Verb, startedAt, !isErr, body)

	var frame string
	if isErr {
		frame = c.framer.FrameError(body)
	} else {
		frame = c.framer.FrameSuccess(body)
	}
	if _, err := c.conn.Write([]byte(frame)); err != nil {
		return false
	}
	return c.afterCommand(ctx)
}

// recordAudit appends one entry to the optional command log (Server.Audit).
// It is a no-op when auditing is disabled or the connection has no active
// workspace yet (e.g. a parse error before a session could be resolved).
func (c *Connection) recordAudit(ctx *CommandContext, verb string, startedAt time.Time, ok bool, detail string) {
	if ctx.Server.Audit == nil {
		return
	}
	c.mu.Lock()
	ccSession := c.activeSessionCC
	c.mu.Unlock()
	workspace, found := ctx.Server.IDMap.SessionName(ccSession)
	if !found {
		return
	}
	if err := ctx.Server.Audit.Record(workspace, verb, startedAt, time.Since(startedAt), ok, detail); err != nil {
		slog.Debug("[ccserver] audit record failed", "error", err)
	}
}

// afterCommand drains queued notifications and runs one subscription poll,
// matching the read-loop order specified in §4.9. Returns false if detach
// was requested mid-command (the exit line has already been written).
func (c *Connection) afterCommand(ctx *CommandContext) bool {
	c.drainPending()
	c.pollSubscriptions(ctx)

	c.mu.Lock()
	detach := c.detachRequested
	c.mu.Unlock()
	if detach {
		c.writeExitAndClose()
		return false
	}
	if c.oneshot {
		return false
	}
	c.mu.Lock()
	c.state = stateReady
	c.mu.Unlock()
	return true
}

// awaitWaitFor blocks the reader goroutine on a named wait-for signal
// (§4.7, §9), writing the guarded empty-success response once woken, an
// %error if waitForTimeout elapses first (ErrTimedOut, §5/§7), or nothing
// at all if the peer disconnects first — cancellation observed via a
// polling read-deadline watcher on the same socket, since this goroutine
// is also the only reader and a blocked wait-for would otherwise never see
// the close. Either way the registry slot is released via Forget so Wait
// doesn't leak it (§9 "Cancellation = connection drop").
func (c *Connection) awaitWaitFor(ctx *CommandContext, name string) {
	waitCh := c.server.WaitFor.Wait(name)

	dl, ok := c.conn.(readDeadliner)
	if !ok {
		// No deadline support (e.g. a bare test double): wait on the signal
		// alone, same as before connection-close cancellation existed.
		<-waitCh
		_, _ = c.conn.Write([]byte(c.framer.FrameSuccess("")))
		return
	}

	stop := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		buf := make([]byte, 1)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := dl.SetReadDeadline(time.Now().Add(waitForPollInterval)); err != nil {
				return
			}
			n, err := c.conn.Read(buf)
			if n > 0 {
				continue // a client blocked on wait-for shouldn't send more input; drop it
			}
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return // real read error: the peer is gone
			}
		}
	}()

	timeout := time.NewTimer(waitForTimeout)
	defer timeout.Stop()

	select {
	case <-waitCh:
		close(stop)
		<-closed
		_ = dl.SetReadDeadline(time.Time{})
		_, _ = c.conn.Write([]byte(c.framer.FrameSuccess("")))
	case <-timeout.C:
		c.server.WaitFor.Forget(name, waitCh)
		close(stop)
		<-closed
		_ = dl.SetReadDeadline(time.Time{})
		_, _ = c.conn.Write([]byte(c.framer.FrameError(ErrTimedOut.Error())))
	case <-closed:
		c.server.WaitFor.Forget(name, waitCh)
	}
}

// Enqueue appends a notification line to be flushed after the in-flight
// command's guarded block (§4.7(e)).
func (c *Connection) Enqueue(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, line)
}

// EnqueueImmediate delivers a notification line outside of any in-flight
// command — used by the notification pump (pump.go) for host events
// that arrive between commands.
func (c *Connection) EnqueueImmediate(line string) {
	c.mu.Lock()
	c.pending = append(c.pending, line)
	c.mu.Unlock()
}

func (c *Connection) drainPending() {
	c.mu.Lock()
	lines := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, line := range lines {
		if _, err := c.conn.Write([]byte(line)); err != nil {
			return
		}
	}
}

// RequestDetach arms detach (detach-client, kill-server targeting this
// connection): the next natural pause point writes %exit and closes.
func (c *Connection) RequestDetach(reason string) {
	c.mu.Lock()
	c.detachRequested = true
	c.exitReason = reason
	c.mu.Unlock()
}

func (c *Connection) writeExitAndClose() {
	c.mu.Lock()
	reason := c.exitReason
	c.state = stateClosing
	c.mu.Unlock()
	_, _ = c.conn.Write([]byte(NotifyExit(reason)))
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

// ActivePane/ActiveWindow/ActiveSession return the connection's current
// default context (CC ids), used when a target component is absent.
func (c *Connection) ActiveSession() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSessionCC
}

func (c *Connection) ActiveWindow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeWindowCC
}

func (c *Connection) ActivePane() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePaneCC
}

func (c *Connection) SetActiveSession(cc int) { c.mu.Lock(); c.activeSessionCC = cc; c.mu.Unlock() }
func (c *Connection) SetActiveWindow(cc int)  { c.mu.Lock(); c.activeWindowCC = cc; c.mu.Unlock() }
func (c *Connection) SetActivePane(cc int)    { c.mu.Lock(); c.activePaneCC = cc; c.mu.Unlock() }

// ArmPauseAfter sets the pause-after threshold (refresh-client -f
// pause-after=N[,wait-exit]); zero disables pause mode for every pane.
// Arming (or re-arming) starts every pane's Running clock over at now, so
// the threshold is measured from when it was set, not from whenever a pane
// last happened to produce output.
func (c *Connection) ArmPauseAfter(d time.Duration, waitExit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseAfter = d
	c.waitExit = waitExit
	now := time.Now()
	c.pauseArmedAt = now
	for _, st := range c.paneStates {
		st.paused = false
		st.armedAt = now
	}
}

// paneState returns (creating if needed) the per-pane pause state for a CC
// pane id.
func (c *Connection) paneState(ccPaneID int) *paneOutputState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.paneStates[ccPaneID]
	if !ok {
		st = &paneOutputState{armedAt: c.pauseArmedAt}
		c.paneStates[ccPaneID] = st
	}
	return st
}

// SetManualPaneState implements refresh-client -A %P:continue|pause|on|off.
func (c *Connection) SetManualPaneState(ccPaneID int, directive string) string {
	st := c.paneState(ccPaneID)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch directive {
	case "continue":
		if st.paused {
			st.paused = false
			st.armedAt = time.Now()
			return NotifyContinue(ccPaneID)
		}
	case "pause":
		if !st.paused {
			st.paused = true
			st.pausedAt = time.Now()
			return NotifyPause(ccPaneID)
		}
	case "on", "off":
		st.manualState = directive
	}
	return ""
}

// ObservePaneOutput runs the pause-mode state machine for one pane-output
// event (§4.7's state-machine table) and returns the notification line to
// emit, already choosing %output vs %extended-output, or "" if the pane is
// paused and nothing should be emitted.
func (c *Connection) ObservePaneOutput(ccPaneID int, data []byte) string {
	st := c.paneState(ccPaneID)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	pauseAfter := c.pauseAfter
	st.lastOutput = now

	if pauseAfter > 0 && !st.paused && st.manualState != "off" && now.Sub(st.armedAt) > pauseAfter {
		// Output age (time since the pane's Running interval started)
		// exceeded the threshold: pause and report this burst's own age as 0.
		st.paused = true
		st.pausedAt = now
		return NotifyPause(ccPaneID) + NotifyExtendedOutput(ccPaneID, 0, data)
	}
	if st.paused {
		return NotifyExtendedOutput(ccPaneID, now.Sub(st.pausedAt).Milliseconds(), data)
	}
	return NotifyOutput(ccPaneID, data)
}

func (c *Connection) addSubscription(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[sub.Name] = sub
}

func (c *Connection) removeSubscription(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, name)
}

func (c *Connection) listSubscriptions() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		out = append(out, sub)
	}
	return out
}

func (c *Connection) pollSubscriptions(ctx *CommandContext) {
	for _, sub := range c.listSubscriptions() {
		lines := sub.Poll(ctx, c)
		for _, line := range lines {
			c.EnqueueImmediate(line)
		}
	}
}
