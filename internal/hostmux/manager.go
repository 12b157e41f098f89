package hostmux

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"myT-x/internal/terminal"
)

// ErrNotFound is returned by lookups that fail to resolve a workspace, tab,
// or pane.
var ErrNotFound = errors.New("hostmux: not found")

// Manager owns every workspace/tab/pane the host currently displays. All
// mutation happens under mu; the naming convention carried over from the
// teacher applies here too: methods suffixed Locked/RLocked require the
// caller to already hold mu (write or read respectively).
type Manager struct {
	mu sync.RWMutex

	workspaces map[string]*Workspace
	tabs       map[int]*Tab
	panes      map[int]*Pane
	hostWindows map[int]*HostWindow

	nextTabID        int
	nextPaneID       int
	nextHostWindowID int

	bus *Bus
	now func() time.Time

	defaultShell string
}

// NewManager constructs an empty Manager.
func NewManager(defaultShell string) *Manager {
	return &Manager{
		workspaces:  map[string]*Workspace{},
		tabs:        map[int]*Tab{},
		panes:       map[int]*Pane{},
		hostWindows: map[int]*HostWindow{},
		bus:         NewBus(),
		now:         time.Now,
		defaultShell: defaultShell,
	}
}

// SetDefaultShell updates the shell spawned for future panes; it does not
// affect panes already running. Used by the config hot-reload path.
func (m *Manager) SetDefaultShell(shell string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultShell = shell
}

// Subscribe registers cb on the manager's event bus.
func (m *Manager) Subscribe(cb Callback) int { return m.bus.Subscribe(cb) }

// Unsubscribe removes a previously registered callback.
func (m *Manager) Unsubscribe(token int) { m.bus.Unsubscribe(token) }

// PaneSpawn describes how to spawn the shell behind a new pane.
type PaneSpawn struct {
	Cwd     string
	Env     []string
	Columns int
	Rows    int
}

func (m *Manager) allocTabID() int {
	m.nextTabID++
	return m.nextTabID
}

func (m *Manager) allocPaneID() int {
	m.nextPaneID++
	return m.nextPaneID
}

func (m *Manager) allocHostWindowID() int {
	m.nextHostWindowID++
	return m.nextHostWindowID
}

func (m *Manager) spawnPane(spawn PaneSpawn) (*terminal.Terminal, error) {
	cols, rows := spawn.Columns, spawn.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return terminal.Start(terminal.Config{
		Shell:   m.defaultShell,
		Dir:     spawn.Cwd,
		Env:     spawn.Env,
		Columns: cols,
		Rows:    rows,
	})
}

// CreateWorkspace creates a new workspace with one host window, one tab,
// and one pane, and marks it the workspace's active tab/pane. Creating a
// workspace under a name that already exists returns the existing one
// (new-session / split-window's implicit session creation is idempotent on
// name, matching tmux).
func (m *Manager) CreateWorkspace(name string, spawn PaneSpawn) (*Workspace, *Tab, *Pane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.workspaces[name]; ok {
		tab := ws.Tabs[0]
		return ws, tab, m.activePaneLocked(tab), nil
	}

	term, err := m.spawnPane(spawn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create pane failed: %w", err)
	}

	paneID := m.allocPaneID()
	pane := &Pane{ID: paneID, Index: 0, Width: spawn.Columns, Height: spawn.Rows, Active: true, Cwd: spawn.Cwd, Terminal: term}

	tabID := m.allocTabID()
	tab := &Tab{ID: tabID, Name: "0", Panes: []*Pane{pane}, Split: newLeaf(paneID), ActivePaneID: paneID}
	pane.Tab = tab

	hwID := m.allocHostWindowID()
	hw := &HostWindow{ID: hwID, TabIDs: []int{tabID}, ActiveTabID: tabID}
	tab.HostWindowID = hwID

	ws := &Workspace{Name: name, Tabs: []*Tab{tab}, ActiveTabID: tabID, CreatedAt: m.now(), Attached: true, ProvisionToken: newProvisionToken()}
	tab.Workspace = ws

	m.workspaces[name] = ws
	m.tabs[tabID] = tab
	m.panes[paneID] = pane
	m.hostWindows[hwID] = hw

	slog.Debug("[hostmux] workspace created", "workspace", name, "tab", tabID, "pane", paneID)
	m.bus.Publish(Event{Kind: EventTabAddedToWindow, HostTabID: tabID, HostWindowID: hwID})
	m.bus.Publish(Event{Kind: EventPaneAdded, HostPaneID: paneID, HostTabID: tabID})
	m.startPaneOutputPump(pane)
	return ws, tab, pane, nil
}

// HasWorkspace reports whether a workspace by that name exists.
func (m *Manager) HasWorkspace(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.workspaces[name]
	return ok
}

// Workspace returns a deep clone of the named workspace (safe to read
// without holding any lock).
func (m *Manager) Workspace(name string) (*Workspace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[name]
	if !ok {
		return nil, false
	}
	return cloneWorkspace(ws), true
}

// Workspaces returns a clone of every workspace, in creation order is not
// guaranteed (map iteration); callers needing deterministic ordering should
// sort by Name or CreatedAt.
func (m *Manager) Workspaces() []*Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, cloneWorkspace(ws))
	}
	return out
}

// Tab returns a clone of the tab by host id.
func (m *Manager) Tab(id int) (*Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[id]
	if !ok {
		return nil, false
	}
	return cloneTab(t), true
}

// Pane returns a clone of the pane by host id.
func (m *Manager) Pane(id int) (*Pane, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.panes[id]
	if !ok {
		return nil, false
	}
	return clonePane(p), true
}

func (m *Manager) activePaneLocked(tab *Tab) *Pane {
	if tab == nil {
		return nil
	}
	for _, p := range tab.Panes {
		if p != nil && p.ID == tab.ActivePaneID {
			return p
		}
	}
	if len(tab.Panes) > 0 {
		return tab.Panes[0]
	}
	return nil
}

func cloneWorkspace(ws *Workspace) *Workspace {
	if ws == nil {
		return nil
	}
	out := &Workspace{Name: ws.Name, ActiveTabID: ws.ActiveTabID, CreatedAt: ws.CreatedAt, Attached: ws.Attached, ProvisionToken: ws.ProvisionToken}
	out.Tabs = make([]*Tab, len(ws.Tabs))
	for i, t := range ws.Tabs {
		out.Tabs[i] = cloneTab(t)
		out.Tabs[i].Workspace = out
	}
	return out
}

func cloneTab(t *Tab) *Tab {
	if t == nil {
		return nil
	}
	out := &Tab{
		ID: t.ID, Name: t.Name, ActivePaneID: t.ActivePaneID,
		HostWindowID: t.HostWindowID, Zoomed: t.Zoomed, LastActive: t.LastActive,
		Split: CloneSplit(t.Split),
	}
	out.Panes = make([]*Pane, len(t.Panes))
	for i, p := range t.Panes {
		cp := clonePane(p)
		cp.Tab = out
		out.Panes[i] = cp
	}
	return out
}

func clonePane(p *Pane) *Pane {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tab = nil // caller must not dereference Tab on a clone outside the lock
	return &cp
}

// findTabByID finds a tab within a clone-free (live) tab list; callers must
// hold m.mu.
func findTabByID(tabs []*Tab, id int) (*Tab, int) {
	for i, t := range tabs {
		if t != nil && t.ID == id {
			return t, i
		}
	}
	return nil, -1
}

func findPaneByID(panes []*Pane, id int) (*Pane, int) {
	for i, p := range panes {
		if p != nil && p.ID == id {
			return p, i
		}
	}
	return nil, -1
}
