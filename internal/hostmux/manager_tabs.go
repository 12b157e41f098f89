package hostmux

import (
	"fmt"
	"log/slog"
)

// NewTab creates a new tab (tmux "window") inside an existing workspace,
// in a new host window of its own (tmux new-window opens a fresh window on
// the desktop in this model; break-pane and move-window are what relocate a
// tab between host windows).
func (m *Manager) NewTab(workspaceName, name string, spawn PaneSpawn) (*Tab, *Pane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[workspaceName]
	if !ok {
		return nil, nil, fmt.Errorf("can't find session: %s", workspaceName)
	}

	term, err := m.spawnPane(spawn)
	if err != nil {
		return nil, nil, fmt.Errorf("create pane failed: %w", err)
	}

	paneID := m.allocPaneID()
	pane := &Pane{ID: paneID, Index: 0, Width: spawn.Columns, Height: spawn.Rows, Active: true, Cwd: spawn.Cwd, Terminal: term}

	tabID := m.allocTabID()
	if name == "" {
		name = fmt.Sprintf("%d", tabID)
	}
	tab := &Tab{ID: tabID, Name: name, Panes: []*Pane{pane}, Split: newLeaf(paneID), ActivePaneID: paneID, Workspace: ws}
	pane.Tab = tab

	hwID := m.allocHostWindowID()
	hw := &HostWindow{ID: hwID, TabIDs: []int{tabID}, ActiveTabID: tabID}
	tab.HostWindowID = hwID

	ws.Tabs = append(ws.Tabs, tab)
	ws.ActiveTabID = tabID

	m.tabs[tabID] = tab
	m.panes[paneID] = pane
	m.hostWindows[hwID] = hw

	m.bus.Publish(Event{Kind: EventTabAddedToWindow, HostTabID: tabID, HostWindowID: hwID})
	m.bus.Publish(Event{Kind: EventPaneAdded, HostPaneID: paneID, HostTabID: tabID})
	m.startPaneOutputPump(pane)
	slog.Debug("[hostmux] tab created", "workspace", workspaceName, "tab", tabID)
	return cloneTab(tab), clonePane(pane), nil
}

// KillTabResult reports the consequences of removing a tab.
type KillTabResult struct {
	ClosedPaneIDs   []int
	WorkspaceEmpty  bool
	HostWindowEmpty bool
	HostWindowID    int
}

// KillTab removes a tab and every pane inside it. If the tab was its
// workspace's last tab, the workspace is removed too.
func (m *Manager) KillTab(tabID int) (KillTabResult, error) {
	m.mu.Lock()
	tab, ok := m.tabs[tabID]
	if !ok {
		m.mu.Unlock()
		return KillTabResult{}, fmt.Errorf("can't find window: %d", tabID)
	}
	ws := tab.Workspace
	result := KillTabResult{HostWindowID: tab.HostWindowID}
	for _, p := range tab.Panes {
		if p == nil {
			continue
		}
		result.ClosedPaneIDs = append(result.ClosedPaneIDs, p.ID)
		delete(m.panes, p.ID)
	}
	delete(m.tabs, tabID)

	if hw, ok := m.hostWindows[tab.HostWindowID]; ok {
		hw.TabIDs = removeInt(hw.TabIDs, tabID)
		if len(hw.TabIDs) == 0 {
			result.HostWindowEmpty = true
			delete(m.hostWindows, hw.ID)
		} else if hw.ActiveTabID == tabID {
			hw.ActiveTabID = hw.TabIDs[len(hw.TabIDs)-1]
		}
	}

	if ws != nil {
		_, idx := findTabByID(ws.Tabs, tabID)
		if idx >= 0 {
			ws.Tabs = append(ws.Tabs[:idx], ws.Tabs[idx+1:]...)
		}
		if len(ws.Tabs) == 0 {
			result.WorkspaceEmpty = true
			delete(m.workspaces, ws.Name)
		} else if ws.ActiveTabID == tabID {
			ws.ActiveTabID = ws.Tabs[len(ws.Tabs)-1].ID
		}
	}
	closedPanes := append([]int(nil), result.ClosedPaneIDs...)
	m.mu.Unlock()

	for _, id := range closedPanes {
		m.bus.Publish(Event{Kind: EventPaneRemoved, HostPaneID: id, HostTabID: tabID})
	}
	m.bus.Publish(Event{Kind: EventWindowRemoved, HostWindowID: result.HostWindowID})
	slog.Debug("[hostmux] tab killed", "tab", tabID, "workspaceEmpty", result.WorkspaceEmpty)
	return result, nil
}

// RenameTab changes a tab's display name.
func (m *Manager) RenameTab(tabID int, name string) error {
	m.mu.Lock()
	tab, ok := m.tabs[tabID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("can't find window: %d", tabID)
	}
	tab.Name = name
	m.mu.Unlock()
	m.bus.Publish(Event{Kind: EventTabTitleChanged, HostTabID: tabID, NewName: name})
	return nil
}

// SelectTab makes tabID the active tab of its workspace and host window,
// incrementing nothing itself — callers (handlers) manage the
// suppress-window-change counter described in spec.md §4.10.
func (m *Manager) SelectTab(tabID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("can't find window: %d", tabID)
	}
	if tab.Workspace != nil {
		tab.Workspace.ActiveTabID = tabID
	}
	if hw, ok := m.hostWindows[tab.HostWindowID]; ok {
		hw.ActiveTabID = tabID
	}
	return nil
}

// MoveTab relocates a tab to a different workspace (tmux move-window).
func (m *Manager) MoveTab(tabID int, targetWorkspace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("can't find window: %d", tabID)
	}
	srcWs := tab.Workspace
	dstWs, ok := m.workspaces[targetWorkspace]
	if !ok {
		return fmt.Errorf("can't find session: %s", targetWorkspace)
	}
	if srcWs != nil {
		_, idx := findTabByID(srcWs.Tabs, tabID)
		if idx >= 0 {
			srcWs.Tabs = append(srcWs.Tabs[:idx], srcWs.Tabs[idx+1:]...)
		}
	}
	tab.Workspace = dstWs
	dstWs.Tabs = append(dstWs.Tabs, tab)
	dstWs.ActiveTabID = tabID
	return nil
}

func removeInt(xs []int, v int) []int {
	out := xs[:0]
	for _, x := range xs {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
