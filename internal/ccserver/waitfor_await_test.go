package ccserver

import (
	"net"
	"strings"
	"testing"
	"time"
)

func newWaitTestConnection(t *testing.T, conn net.Conn) *Connection {
	t.Helper()
	server := &Server{WaitFor: NewWaitRegistry()}
	c := NewConnection(server, conn, false)
	return c
}

// readFrame reads one guarded block (%begin.../%end or %error) off conn,
// blocking until it arrives or the read deadline (set by the caller) fires.
func readFrame(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return string(buf[:n])
}

func TestAwaitWaitForWakesOnSignal(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newWaitTestConnection(t, server)

	done := make(chan struct{})
	go func() {
		c.awaitWaitFor(&CommandContext{Server: c.server}, "mychannel")
		close(done)
	}()

	// Give awaitWaitFor a moment to register the waiter before signalling.
	time.Sleep(20 * time.Millisecond)
	c.server.WaitFor.Signal("mychannel")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame := readFrame(t, client)
	if !strings.HasPrefix(frame, "%begin") || !strings.Contains(frame, "%end") {
		t.Errorf("frame = %q, want a successful guarded block", frame)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("awaitWaitFor did not return after being signalled")
	}
}

func TestAwaitWaitForCancelsOnConnectionClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := newWaitTestConnection(t, server)

	done := make(chan struct{})
	go func() {
		c.awaitWaitFor(&CommandContext{Server: c.server}, "neversignalled")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close() // simulate the peer disconnecting while blocked

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("awaitWaitFor leaked its goroutine past connection close")
	}

	// The registry slot must have been released, not left dangling.
	c.server.WaitFor.Signal("neversignalled") // must not panic / block
}

func TestAwaitWaitForTimesOutWithErrTimedOut(t *testing.T) {
	orig := waitForTimeout
	waitForTimeout = 30 * time.Millisecond
	t.Cleanup(func() { waitForTimeout = orig })

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newWaitTestConnection(t, server)

	done := make(chan struct{})
	go func() {
		c.awaitWaitFor(&CommandContext{Server: c.server}, "neverarrives")
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame := readFrame(t, client)
	if !strings.HasPrefix(frame, "%begin") || !strings.Contains(frame, "%error") {
		t.Errorf("frame = %q, want an %%error guarded block", frame)
	}
	if !strings.Contains(frame, ErrTimedOut.Error()) {
		t.Errorf("frame = %q, want it to contain %q", frame, ErrTimedOut.Error())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("awaitWaitFor did not return after its timeout elapsed")
	}

	// Signalling the now-forgotten name afterward must not panic or block.
	c.server.WaitFor.Signal("neverarrives")
}
