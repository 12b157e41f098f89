package hostmux

import (
	"fmt"
	"log/slog"
)

// RenameWorkspace changes a workspace's name (tmux rename-session). The
// workspace is re-keyed in the manager's map since Workspace.Name is the
// lookup key.
func (m *Manager) RenameWorkspace(oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[oldName]
	if !ok {
		return fmt.Errorf("can't find session: %s", oldName)
	}
	if oldName == newName {
		return nil
	}
	if _, exists := m.workspaces[newName]; exists {
		return fmt.Errorf("duplicate session: %s", newName)
	}
	delete(m.workspaces, oldName)
	ws.Name = newName
	m.workspaces[newName] = ws
	m.bus.Publish(Event{Kind: EventWorkspaceRenamed, OldName: oldName, NewName: newName})
	slog.Debug("[hostmux] workspace renamed", "from", oldName, "to", newName)
	return nil
}

// KillWorkspaceResult reports every host window/pane torn down by
// KillWorkspace, so the caller can close Terminals and emit notification
// lines for each one.
type KillWorkspaceResult struct {
	ClosedPaneIDs  []int
	ClosedTabIDs   []int
	HostWindowIDs  []int
}

// KillWorkspace removes a workspace and every tab/pane inside it (tmux
// kill-session).
func (m *Manager) KillWorkspace(name string) (KillWorkspaceResult, error) {
	m.mu.Lock()
	ws, ok := m.workspaces[name]
	if !ok {
		m.mu.Unlock()
		return KillWorkspaceResult{}, fmt.Errorf("can't find session: %s", name)
	}
	tabIDs := make([]int, 0, len(ws.Tabs))
	for _, t := range ws.Tabs {
		if t != nil {
			tabIDs = append(tabIDs, t.ID)
		}
	}
	m.mu.Unlock()

	var result KillWorkspaceResult
	for _, tabID := range tabIDs {
		killed, err := m.KillTab(tabID)
		if err != nil {
			continue
		}
		result.ClosedTabIDs = append(result.ClosedTabIDs, tabID)
		result.ClosedPaneIDs = append(result.ClosedPaneIDs, killed.ClosedPaneIDs...)
		if killed.HostWindowEmpty {
			result.HostWindowIDs = append(result.HostWindowIDs, killed.HostWindowID)
		}
	}

	m.mu.Lock()
	delete(m.workspaces, name)
	m.mu.Unlock()

	slog.Debug("[hostmux] workspace killed", "workspace", name, "tabs", len(result.ClosedTabIDs))
	return result, nil
}

// WorkspaceNames returns every workspace name, unsorted.
func (m *Manager) WorkspaceNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.workspaces))
	for name := range m.workspaces {
		out = append(out, name)
	}
	return out
}
