package hostmux

import (
	"fmt"
	"log/slog"

	"myT-x/internal/terminal"
)

// SplitPane creates a sibling pane next to sourcePaneID in the given
// direction and returns the new pane. sizeRatio is the fraction of the
// covering rectangle given to the *new* pane (clamped to (0,1)); 0 picks an
// even 50/50 split.
func (m *Manager) SplitPane(sourcePaneID int, direction SplitDirection, sizeRatio float64, spawn PaneSpawn) (*Pane, error) {
	m.mu.Lock()
	source, ok := m.panes[sourcePaneID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("can't find pane: %d", sourcePaneID)
	}
	tab := source.Tab
	if tab == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("can't find pane: %d", sourcePaneID)
	}
	if spawn.Cwd == "" {
		spawn.Cwd = source.Cwd
	}
	if spawn.Columns <= 0 {
		spawn.Columns = source.Width
	}
	if spawn.Rows <= 0 {
		spawn.Rows = source.Height
	}
	m.mu.Unlock()

	term, err := m.spawnPane(spawn)
	if err != nil {
		return nil, fmt.Errorf("create pane failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-resolve: source may have been removed while spawning (spawning
	// releases the lock so a concurrent kill-pane can run).
	source, ok = m.panes[sourcePaneID]
	if !ok {
		term.Close()
		return nil, fmt.Errorf("can't find pane: %d", sourcePaneID)
	}
	tab = source.Tab

	newID := m.allocPaneID()
	newPane := &Pane{ID: newID, Width: spawn.Columns, Height: spawn.Rows, Cwd: spawn.Cwd, Terminal: term, Tab: tab}

	if sizeRatio <= 0 || sizeRatio >= 1 {
		sizeRatio = 0.5
	}
	split := &SplitNode{
		Kind:      SplitInternal,
		Direction: direction,
		Ratio:     1 - sizeRatio,
		Children:  [2]*SplitNode{newLeaf(source.ID), newLeaf(newID)},
	}
	replaceLeaf(&tab.Split, source.ID, split)

	for _, p := range tab.Panes {
		if p != nil {
			p.Active = false
		}
	}
	newPane.Active = true
	tab.Panes = append(tab.Panes, newPane)
	for idx, p := range tab.Panes {
		if p != nil {
			p.Index = idx
		}
	}
	tab.ActivePaneID = newID

	m.panes[newID] = newPane
	slog.Debug("[hostmux] pane split", "source", sourcePaneID, "new", newID, "tab", tab.ID)
	m.bus.Publish(Event{Kind: EventPaneAdded, HostPaneID: newID, HostTabID: tab.ID})
	m.bus.Publish(Event{Kind: EventTabResized, HostTabID: tab.ID})
	m.startPaneOutputPump(newPane)
	return clonePane(newPane), nil
}

// replaceLeaf finds the leaf for paneID within *root and replaces it with
// replacement. Also handles root itself being that leaf.
func replaceLeaf(root **SplitNode, paneID int, replacement *SplitNode) bool {
	node := *root
	if node == nil {
		return false
	}
	if node.Kind == SplitLeaf && node.PaneID == paneID {
		*root = replacement
		return true
	}
	if node.Kind == SplitInternal {
		if replaceLeaf(&node.Children[0], paneID, replacement) {
			return true
		}
		if replaceLeaf(&node.Children[1], paneID, replacement) {
			return true
		}
	}
	return false
}

// removeLeaf removes the leaf for paneID from *root, collapsing the parent
// internal node into its surviving sibling.
func removeLeaf(root **SplitNode, paneID int) bool {
	node := *root
	if node == nil {
		return false
	}
	if node.Kind == SplitLeaf {
		return false
	}
	for i := 0; i < 2; i++ {
		child := node.Children[i]
		if child != nil && child.Kind == SplitLeaf && child.PaneID == paneID {
			sibling := node.Children[1-i]
			*root = sibling
			return true
		}
	}
	if removeLeaf(&node.Children[0], paneID) {
		return true
	}
	return removeLeaf(&node.Children[1], paneID)
}

// KillPaneResult reports whether killing a pane also closed its tab/workspace.
type KillPaneResult struct {
	Terminal      *terminal.Terminal
	TabClosed     bool
	WorkspaceDone bool
	TabID         int
}

// KillPane removes one pane. If it was the tab's last pane, the tab (and
// possibly the workspace) is removed too. The caller owns closing the
// returned Terminal after releasing any external locks.
func (m *Manager) KillPane(paneID int) (KillPaneResult, error) {
	m.mu.Lock()
	pane, ok := m.panes[paneID]
	if !ok {
		m.mu.Unlock()
		return KillPaneResult{}, fmt.Errorf("can't find pane: %d", paneID)
	}
	tab := pane.Tab
	m.mu.Unlock()

	if tab != nil {
		m.mu.RLock()
		onlyPane := len(tab.Panes) <= 1
		m.mu.RUnlock()
		if onlyPane {
			result, err := m.KillTab(tab.ID)
			if err != nil {
				return KillPaneResult{}, err
			}
			return KillPaneResult{Terminal: pane.Terminal, TabClosed: true, WorkspaceDone: result.WorkspaceEmpty, TabID: tab.ID}, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
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
		if tab.ActivePaneID == paneID && len(tab.Panes) > 0 {
			tab.ActivePaneID = tab.Panes[len(tab.Panes)-1].ID
			tab.Panes[len(tab.Panes)-1].Active = true
		}
	}

	slog.Debug("[hostmux] pane killed", "pane", paneID)
	tabID := -1
	if tab != nil {
		tabID = tab.ID
	}
	m.bus.Publish(Event{Kind: EventPaneRemoved, HostPaneID: paneID, HostTabID: tabID})
	if tab != nil {
		m.bus.Publish(Event{Kind: EventTabResized, HostTabID: tab.ID})
	}
	return KillPaneResult{Terminal: pane.Terminal, TabID: tabID}, nil
}

// SelectPane makes paneID the active pane of its tab.
func (m *Manager) SelectPane(paneID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pane, ok := m.panes[paneID]
	if !ok {
		return fmt.Errorf("can't find pane: %d", paneID)
	}
	tab := pane.Tab
	if tab == nil {
		return fmt.Errorf("can't find pane: %d", paneID)
	}
	for _, p := range tab.Panes {
		if p != nil {
			p.Active = p.ID == paneID
		}
	}
	tab.ActivePaneID = paneID
	m.bus.Publish(Event{Kind: EventPaneFocused, HostPaneID: paneID, HostTabID: tab.ID})
	return nil
}

// ResizePane resizes a pane and its Terminal (tmux resize-pane).
func (m *Manager) ResizePane(paneID, cols, rows int) error {
	m.mu.Lock()
	pane, ok := m.panes[paneID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("can't find pane: %d", paneID)
	}
	pane.Width, pane.Height = cols, rows
	term := pane.Terminal
	tabID := -1
	if pane.Tab != nil {
		tabID = pane.Tab.ID
	}
	m.mu.Unlock()

	if term != nil {
		if err := term.Resize(cols, rows); err != nil {
			return fmt.Errorf("resize pane failed: %w", err)
		}
	}
	m.bus.Publish(Event{Kind: EventTabResized, HostTabID: tabID})
	return nil
}

// ToggleZoom flips a tab's zoomed flag (selectl/resize-pane -Z equivalent).
func (m *Manager) ToggleZoom(tabID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("can't find window: %d", tabID)
	}
	tab.Zoomed = !tab.Zoomed
	return nil
}

// WriteToPane sends raw bytes to a pane's PTY (send-keys/paste-buffer).
func (m *Manager) WriteToPane(paneID int, data []byte) error {
	m.mu.RLock()
	pane, ok := m.panes[paneID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("can't find pane: %d", paneID)
	}
	if pane.Terminal == nil {
		return fmt.Errorf("pane has no terminal: %d", paneID)
	}
	_, err := pane.Terminal.Write(data)
	return err
}

// CaptureLines returns a copy of a pane's scrollback lines (capture-pane).
func (m *Manager) CaptureLines(paneID int) ([]string, error) {
	m.mu.RLock()
	pane, ok := m.panes[paneID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("can't find pane: %d", paneID)
	}
	m.mu.Lock()
	if pane.scroll == nil {
		pane.scroll = newScrollback()
	}
	sb := pane.scroll
	m.mu.Unlock()
	return sb.Lines(), nil
}

// SetPaneHeader updates the cached pane-border-format text.
func (m *Manager) SetPaneHeader(paneID int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pane, ok := m.panes[paneID]
	if !ok {
		return fmt.Errorf("can't find pane: %d", paneID)
	}
	pane.Header = text
	return nil
}

// SetPaneHeaderVisible toggles pane-border-status display for a whole tab.
func (m *Manager) SetPaneHeaderVisible(tabID int, visible bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("can't find window: %d", tabID)
	}
	for _, p := range tab.Panes {
		if p != nil {
			p.HeaderOn = visible
		}
	}
	return nil
}

// RenamePaneTitle sets a pane's display title (not a tmux verb on its own,
// but used by capture/display formatting and #{pane_title}).
func (m *Manager) RenamePaneTitle(paneID int, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pane, ok := m.panes[paneID]
	if !ok {
		return fmt.Errorf("can't find pane: %d", paneID)
	}
	pane.Title = title
	return nil
}
