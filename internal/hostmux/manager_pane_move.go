package hostmux

import (
	"fmt"
	"log/slog"
)

// DetachPane removes a live pane from its current tab's tree and pane list
// without closing its Terminal, leaving the tab (and workspace, if it was
// the last pane) cleaned up exactly as KillPane would. The returned Pane
// keeps its Terminal and is otherwise ready to be re-attached elsewhere via
// AttachPaneToNewTab or AttachPaneBeside. Used by break-pane and
// move-pane/join-pane (§4.7's "notable contracts").
func (m *Manager) DetachPane(paneID int) (*Pane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pane, ok := m.panes[paneID]
	if !ok {
		return nil, fmt.Errorf("can't find pane: %d", paneID)
	}
	tab := pane.Tab
	delete(m.panes, paneID)

	if tab != nil {
		_, idx := findPaneByID(tab.Panes, paneID)
		if idx >= 0 {
			tab.Panes = append(tab.Panes[:idx], tab.Panes[idx+1:]...)
		}
		removeLeaf(&tab.Split, paneID)
		for i, p := range tab.Panes {
			if p != nil {
				p.Index = i
			}
		}
		if len(tab.Panes) == 0 {
			m.destroyEmptyTabLocked(tab)
		} else if tab.ActivePaneID == paneID {
			tab.ActivePaneID = tab.Panes[len(tab.Panes)-1].ID
			tab.Panes[len(tab.Panes)-1].Active = true
		}
	}

	// Mutate pane in place (rather than allocating a replacement) so the
	// pane's running output pump, which closed over this *Pane, keeps
	// feeding the same scrollback after re-attachment.
	pane.Tab = nil
	pane.Active = true
	pane.Index = 0
	m.panes[paneID] = pane
	return pane, nil
}

// destroyEmptyTabLocked removes a tab that DetachPane/KillPane just emptied,
// cleaning up its HostWindow and Workspace bookkeeping. Callers hold m.mu.
func (m *Manager) destroyEmptyTabLocked(tab *Tab) {
	delete(m.tabs, tab.ID)
	if hw, ok := m.hostWindows[tab.HostWindowID]; ok {
		hw.TabIDs = removeInt(hw.TabIDs, tab.ID)
		if len(hw.TabIDs) == 0 {
			delete(m.hostWindows, hw.ID)
		}
	}
	if ws := tab.Workspace; ws != nil {
		_, idx := findTabByID(ws.Tabs, tab.ID)
		if idx >= 0 {
			ws.Tabs = append(ws.Tabs[:idx], ws.Tabs[idx+1:]...)
		}
		if len(ws.Tabs) == 0 {
			delete(m.workspaces, ws.Name)
		}
	}
}

// AttachPaneToNewTab gives a detached pane its own fresh tab and host window
// inside workspaceName (break-pane's default destination).
func (m *Manager) AttachPaneToNewTab(pane *Pane, workspaceName, name string) (*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[workspaceName]
	if !ok {
		return nil, fmt.Errorf("can't find session: %s", workspaceName)
	}

	tabID := m.allocTabID()
	if name == "" {
		name = fmt.Sprintf("%d", tabID)
	}
	tab := &Tab{ID: tabID, Name: name, Panes: []*Pane{pane}, Split: newLeaf(pane.ID), ActivePaneID: pane.ID, Workspace: ws}
	pane.Tab = tab
	pane.Index = 0

	hwID := m.allocHostWindowID()
	hw := &HostWindow{ID: hwID, TabIDs: []int{tabID}, ActiveTabID: tabID}
	tab.HostWindowID = hwID

	ws.Tabs = append(ws.Tabs, tab)
	ws.ActiveTabID = tabID

	m.tabs[tabID] = tab
	m.hostWindows[hwID] = hw

	slog.Debug("[hostmux] pane broken into new tab", "pane", pane.ID, "tab", tabID, "workspace", workspaceName)
	m.bus.Publish(Event{Kind: EventTabAddedToWindow, HostTabID: tabID, HostWindowID: hwID})
	return tab, nil
}

// AttachPaneBeside inserts a detached pane into besidePaneID's tab, as a
// left/top sibling (before=true) or right/bottom sibling, split in the
// given direction (move-pane / join-pane).
func (m *Manager) AttachPaneBeside(pane *Pane, besidePaneID int, direction SplitDirection, before bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	beside, ok := m.panes[besidePaneID]
	if !ok {
		return fmt.Errorf("can't find pane: %d", besidePaneID)
	}
	tab := beside.Tab
	if tab == nil {
		return fmt.Errorf("can't find pane: %d", besidePaneID)
	}

	var split *SplitNode
	if before {
		split = &SplitNode{Kind: SplitInternal, Direction: direction, Ratio: 0.5, Children: [2]*SplitNode{newLeaf(pane.ID), newLeaf(beside.ID)}}
	} else {
		split = &SplitNode{Kind: SplitInternal, Direction: direction, Ratio: 0.5, Children: [2]*SplitNode{newLeaf(beside.ID), newLeaf(pane.ID)}}
	}
	replaceLeaf(&tab.Split, beside.ID, split)

	pane.Tab = tab
	for _, p := range tab.Panes {
		if p != nil {
			p.Active = false
		}
	}
	pane.Active = true
	if before {
		tab.Panes = append([]*Pane{pane}, tab.Panes...)
	} else {
		tab.Panes = append(tab.Panes, pane)
	}
	for i, p := range tab.Panes {
		if p != nil {
			p.Index = i
		}
	}
	tab.ActivePaneID = pane.ID

	slog.Debug("[hostmux] pane attached beside", "pane", pane.ID, "beside", besidePaneID, "tab", tab.ID)
	m.bus.Publish(Event{Kind: EventTabResized, HostTabID: tab.ID})
	return nil
}
