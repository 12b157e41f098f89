package hostmux

import "sync"

// EventKind enumerates the host events the notification pump (§4.10)
// translates into CC wire lines.
type EventKind string

const (
	EventPaneAdded            EventKind = "pane-added"
	EventPaneRemoved          EventKind = "pane-removed"
	EventPaneFocused          EventKind = "pane-focused"
	EventPaneOutput           EventKind = "pane-output"
	EventTabResized           EventKind = "tab-resized"
	EventTabTitleChanged      EventKind = "tab-title-changed"
	EventTabAddedToWindow     EventKind = "tab-added-to-window"
	EventWindowInvalidated    EventKind = "window-invalidated"
	EventWindowRemoved        EventKind = "window-removed"
	EventWorkspaceRenamed     EventKind = "workspace-renamed"
	EventAssignClipboard      EventKind = "assign-clipboard"
)

// Event is one host mux occurrence. Only the fields relevant to Kind are
// populated; the rest are zero.
type Event struct {
	Kind          EventKind
	HostPaneID    int
	HostTabID     int
	HostWindowID  int
	Bytes         []byte // PaneOutput
	NewName       string // TabTitleChanged / WorkspaceRenamed
	OldName       string // WorkspaceRenamed
	ClipboardData string // AssignClipboard
}

// Callback receives every event published on the bus.
type Callback func(Event)

// Bus is a multi-consumer fan-out used by the notification pump. The
// control-mode server registers one callback for all of its connections and
// fans each event out to them itself (§4.10, §9 "Event fan-out").
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]Callback
	nextID    int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{listeners: map[int]Callback{}}
}

// Subscribe registers cb and returns a token to later Unsubscribe it.
func (b *Bus) Subscribe(cb Callback) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = cb
	return id
}

// Unsubscribe removes a previously registered callback. Safe to call twice.
func (b *Bus) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, token)
}

// Publish fans an event out to every subscriber. Callbacks run synchronously
// on the publisher's goroutine (the caller of a Manager method, or a pane's
// output pump goroutine); a slow subscriber therefore delays delivery to the
// others, so subscribers must enqueue and return quickly.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, cb := range b.listeners {
		cb(evt)
	}
}
