package ccserver

import (
	"sync"

	"myT-x/internal/hostmux"
	"myT-x/internal/sessionlog"
)

// Server owns the pieces shared across every connection: the host mux
// handle, the single process-wide id map (ids must stay stable no matter
// which connection observes them first), the wait-for registry, and the
// suppress-window-change counters keyed by host window id (§4.10).
//
// Global mutable state here mirrors the host mux's own
// process-wide-singleton discipline (§9): in a re-implementation that
// injects a HostMux capability end to end, Server is that injection point.
type Server struct {
	Mux     *hostmux.Manager
	IDMap   *IDMap
	WaitFor *WaitRegistry

	// Audit is an optional per-workspace command log (display-message's
	// "#{command_log}"); nil disables recording entirely.
	Audit *sessionlog.AuditStore

	DefaultShell string
	RuntimeDir   string // socket directory (POSIX) — see listener.go
	CacheDir     string // id-map persistence directory, empty disables it

	mu          sync.Mutex
	connections map[int]*Connection
	nextConnID  int

	suppressWindowChange map[int]int // host window id -> pending-suppress count

	busToken int
}

// NewServer wires a Server to an already-constructed host mux manager and
// subscribes its notification pump (§4.10) to the manager's event bus.
func NewServer(mux *hostmux.Manager, idmap *IDMap, defaultShell, runtimeDir, cacheDir string) *Server {
	s := &Server{
		Mux:                  mux,
		IDMap:                idmap,
		WaitFor:              NewWaitRegistry(),
		DefaultShell:         defaultShell,
		RuntimeDir:           runtimeDir,
		CacheDir:             cacheDir,
		connections:          map[int]*Connection{},
		suppressWindowChange: map[int]int{},
	}
	s.busToken = mux.Subscribe(s.handleHostEvent)
	return s
}

// Close tears down the bus subscription; existing connections are left to
// their own Close cycle.
func (s *Server) Close() {
	s.Mux.Unsubscribe(s.busToken)
}

func (s *Server) registerConnection(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConnID++
	c.id = s.nextConnID
	s.connections[c.id] = c
}

func (s *Server) unregisterConnection(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, c.id)
}

func (s *Server) eachConnection(fn func(*Connection)) {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}

// incSuppressWindowChange and consumeSuppressWindowChange implement the
// select-window feedback-loop guard (§4.10): select-window increments the
// counter before mutation; the next WindowInvalidated for that host window
// decrements and is swallowed.
func (s *Server) incSuppressWindowChange(hostWindowID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressWindowChange[hostWindowID]++
}

func (s *Server) consumeSuppressWindowChange(hostWindowID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressWindowChange[hostWindowID] > 0 {
		s.suppressWindowChange[hostWindowID]--
		return true
	}
	return false
}
