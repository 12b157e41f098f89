package ccserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	maxOneshotPeekBytes       = 64 // enough to recognize the literal "oneshot\n" sentinel
	defaultMaxConnections     = 64
	connSlotAcquireTimeout    = 5 * time.Second
)

// Listener owns the accept loop for one bound transport (§4.10): a POSIX
// Unix-domain socket or a Windows TCP loopback socket, chosen by
// bindTransport's platform-specific half. It mirrors the teacher's
// ipc.PipeServer shape (connection-slot limiting, graceful Stop, per-conn
// goroutine) generalized from one-command-per-connection to the
// control-mode protocol's long-lived connections.
type Listener struct {
	ctx     *CommandContext
	server  *Server
	address string // value exported as WEZTERM_TMUX_CC

	mu       sync.Mutex
	listener net.Listener
	started  bool
	wg       sync.WaitGroup

	connSlots chan struct{}
}

// NewListener binds the platform transport under runtimeDir (POSIX) or to
// 127.0.0.1:0 (Windows; runtimeDir is unused there) and returns a Listener
// ready for Serve. pid names the POSIX socket file per §6.
func NewListener(ctx *CommandContext, runtimeDir string, pid int) (*Listener, error) {
	ln, addr, err := bindTransport(runtimeDir, pid)
	if err != nil {
		return nil, fmt.Errorf("bind control-mode transport: %w", err)
	}
	return &Listener{
		ctx:       ctx,
		server:    ctx.Server,
		address:   addr,
		listener:  ln,
		connSlots: make(chan struct{}, defaultMaxConnections),
	}, nil
}

// Address is the value to export as WEZTERM_TMUX_CC (and embed in TMUX=).
func (l *Listener) Address() string { return l.address }

// Serve runs the blocking accept loop (§5 "the listener runs a blocking
// accept loop in its own worker"). It returns once Close is called and the
// listener's Accept starts failing.
func (l *Listener) Serve() {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()

	consecutiveErrors := 0
	for {
		l.mu.Lock()
		ln := l.listener
		started := l.started
		l.mu.Unlock()
		if !started || ln == nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			if !started {
				return
			}
			consecutiveErrors++
			if consecutiveErrors > 10 {
				slog.Warn("[ccserver] accept loop: repeated failures", "error", err, "count", consecutiveErrors)
				time.Sleep(500 * time.Millisecond)
			} else {
				slog.Debug("[ccserver] accept error", "error", err)
			}
			continue
		}
		consecutiveErrors = 0

		if !l.acquireConnectionSlot() {
			conn.Close()
			continue
		}

		l.wg.Go(func() {
			defer l.releaseConnectionSlot()
			l.handleAccepted(conn)
		})
	}
}

// Close stops the accept loop and waits for in-flight connections to
// unwind their own Close (it does not forcibly sever them).
func (l *Listener) Close() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	ln := l.listener
	l.listener = nil
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	l.wg.Wait()
	return err
}

func (l *Listener) handleAccepted(conn net.Conn) {
	wrapped, oneshot, err := detectOneshot(conn)
	if err != nil {
		slog.Debug("[ccserver] oneshot detection failed", "error", err)
		conn.Close()
		return
	}
	c := NewConnection(l.server, wrapped, oneshot)
	c.Run(l.ctx)
}

func (l *Listener) acquireConnectionSlot() bool {
	timer := time.NewTimer(connSlotAcquireTimeout)
	defer timer.Stop()
	select {
	case l.connSlots <- struct{}{}:
		return true
	case <-timer.C:
		slog.Warn("[ccserver] connection slot exhausted, rejecting client")
		return false
	}
}

func (l *Listener) releaseConnectionSlot() {
	select {
	case <-l.connSlots:
	default:
	}
}

// peekedConn replays a handful of already-read bytes before resuming reads
// from the underlying connection. detectOneshot uses it to consume the
// "oneshot" sentinel line (§4.9 step 1) without layering a bufio.Reader
// over the socket for the connection's entire lifetime (§9's "never
// line-buffer on top of the platform socket" applies to the steady-state
// read loop, not this one-time handshake peek).
type peekedConn struct {
	net.Conn
	leftover []byte
}

func (p *peekedConn) Read(b []byte) (int, error) {
	if len(p.leftover) > 0 {
		n := copy(b, p.leftover)
		p.leftover = p.leftover[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// detectOneshot reads just enough to decide whether the connection opened
// with the literal "oneshot" line. If it did, that line is consumed for
// good (the caller's next read sees whatever follows it) and oneshot=true
// is returned; otherwise every byte read here is replayed to the caller
// and oneshot=false.
func detectOneshot(conn net.Conn) (rawConn, bool, error) {
	buf := make([]byte, 0, maxOneshotPeekBytes)
	chunk := make([]byte, maxOneshotPeekBytes)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if idx := indexByte(buf, '\n'); idx >= 0 {
				line := buf[:idx]
				rest := buf[idx+1:]
				if string(line) == "oneshot" {
					return &peekedConn{Conn: conn, leftover: rest}, true, nil
				}
				return &peekedConn{Conn: conn, leftover: buf}, false, nil
			}
			if len(buf) >= maxOneshotPeekBytes {
				return &peekedConn{Conn: conn, leftover: buf}, false, nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &peekedConn{Conn: conn, leftover: buf}, false, nil
			}
			return nil, false, err
		}
	}
}
