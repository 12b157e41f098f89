package ccserver

import (
	"sort"

	"myT-x/internal/hostmux"
)

// CommandContext bundles everything a handler needs beyond the Connection
// itself: the shared Server (host mux + id map + wait-for registry).
// Handlers take (ctx, conn, cmd) and never touch package-level state, so
// tests can construct a CommandContext around a fresh in-memory
// hostmux.Manager.
type CommandContext struct {
	Server *Server
}

// ActiveContext picks the workspace/tab/pane the connection should default
// to: the oldest live workspace (deterministic across the process, absent
// any stronger host-side "foreground workspace" signal), its active tab,
// and that tab's active pane.
func (ctx *CommandContext) ActiveContext() (*hostmux.Workspace, *hostmux.Tab, *hostmux.Pane, error) {
	workspaces := ctx.Server.Mux.Workspaces()
	if len(workspaces) == 0 {
		return nil, nil, nil, errCantFindSession("")
	}
	sort.Slice(workspaces, func(i, j int) bool { return workspaces[i].CreatedAt.Before(workspaces[j].CreatedAt) })
	ws := workspaces[0]

	var tab *hostmux.Tab
	for _, t := range ws.Tabs {
		if t != nil && t.ID == ws.ActiveTabID {
			tab = t
			break
		}
	}
	if tab == nil && len(ws.Tabs) > 0 {
		tab = ws.Tabs[0]
	}
	if tab == nil {
		return ws, nil, nil, nil
	}

	var pane *hostmux.Pane
	for _, p := range tab.Panes {
		if p != nil && p.ID == tab.ActivePaneID {
			pane = p
			break
		}
	}
	if pane == nil && len(tab.Panes) > 0 {
		pane = tab.Panes[0]
	}
	return ws, tab, pane, nil
}

// ResolvedTarget is the looked-up form of a Target: live host entities plus
// their CC ids, ready for a handler to read or mutate.
type ResolvedTarget struct {
	Workspace *hostmux.Workspace
	Tab       *hostmux.Tab
	Pane      *hostmux.Pane

	SessionCC int
	WindowCC  int
	PaneCC    int
}

// Resolve looks up t against the id map and host mux, falling back to conn's
// current active session/window/pane for any absent component. It mirrors
// tmux's own target resolution: a pane target implies its window and
// session; a window target implies its session.
func (ctx *CommandContext) Resolve(conn *Connection, t Target) (ResolvedTarget, error) {
	var r ResolvedTarget

	ws, err := ctx.resolveSession(conn, t.Session)
	if err != nil {
		return r, err
	}
	r.Workspace = ws
	r.SessionCC = ctx.Server.IDMap.InternSession(ws.Name)

	tab, err := ctx.resolveWindow(conn, ws, t.Window)
	if err != nil {
		return r, err
	}
	r.Tab = tab
	if tab != nil {
		r.WindowCC = ctx.Server.IDMap.InternWindow(tab.ID)
	}

	pane, err := ctx.resolvePane(conn, tab, t.Pane)
	if err != nil {
		return r, err
	}
	r.Pane = pane
	if pane != nil {
		r.PaneCC = ctx.Server.IDMap.InternPane(pane.ID)
	}
	return r, nil
}

func (ctx *CommandContext) resolveSession(conn *Connection, ref Ref) (*hostmux.Workspace, error) {
	switch ref.Kind {
	case RefNone:
		name, ok := ctx.Server.IDMap.SessionName(conn.ActiveSession())
		if !ok {
			ws, _, _, err := ctx.ActiveContext()
			return ws, err
		}
		ws, ok := ctx.Server.Mux.Workspace(name)
		if !ok {
			return nil, errCantFindSession(name)
		}
		return ws, nil
	case RefID:
		name, ok := ctx.Server.IDMap.SessionName(ref.ID)
		if !ok {
			return nil, errCantFindSession("")
		}
		ws, ok := ctx.Server.Mux.Workspace(name)
		if !ok {
			return nil, errCantFindSession(name)
		}
		return ws, nil
	case RefName:
		ws, ok := ctx.Server.Mux.Workspace(ref.Name)
		if !ok {
			return nil, errCantFindSession(ref.Name)
		}
		return ws, nil
	default:
		return nil, errCantFindSession("")
	}
}

func (ctx *CommandContext) resolveWindow(conn *Connection, ws *hostmux.Workspace, ref Ref) (*hostmux.Tab, error) {
	if ws == nil {
		return nil, nil
	}
	switch ref.Kind {
	case RefNone:
		activeCC := conn.ActiveWindow()
		if hostTab, ok := ctx.Server.IDMap.HostTab(activeCC); ok {
			if tab, idx := findTabInWorkspace(ws, hostTab); idx >= 0 {
				return tab, nil
			}
		}
		for _, t := range ws.Tabs {
			if t != nil && t.ID == ws.ActiveTabID {
				return t, nil
			}
		}
		if len(ws.Tabs) > 0 {
			return ws.Tabs[0], nil
		}
		return nil, nil
	case RefID:
		hostTab, ok := ctx.Server.IDMap.HostTab(ref.ID)
		if !ok {
			return nil, errCantFindWindow("")
		}
		tab, idx := findTabInWorkspace(ws, hostTab)
		if idx < 0 {
			return nil, errCantFindWindow("")
		}
		return tab, nil
	case RefIndex:
		if ref.Index < 0 || ref.Index >= len(ws.Tabs) {
			return nil, errCantFindWindow("")
		}
		return ws.Tabs[ref.Index], nil
	case RefName:
		for _, t := range ws.Tabs {
			if t != nil && t.Name == ref.Name {
				return t, nil
			}
		}
		return nil, errCantFindWindow(ref.Name)
	default:
		return nil, nil
	}
}

func (ctx *CommandContext) resolvePane(conn *Connection, tab *hostmux.Tab, ref Ref) (*hostmux.Pane, error) {
	if tab == nil {
		return nil, nil
	}
	switch ref.Kind {
	case RefNone:
		activeCC := conn.ActivePane()
		if hostPane, ok := ctx.Server.IDMap.HostPane(activeCC); ok {
			if p, idx := findPaneInTab(tab, hostPane); idx >= 0 {
				return p, nil
			}
		}
		for _, p := range tab.Panes {
			if p != nil && p.ID == tab.ActivePaneID {
				return p, nil
			}
		}
		if len(tab.Panes) > 0 {
			return tab.Panes[0], nil
		}
		return nil, nil
	case RefID:
		hostPane, ok := ctx.Server.IDMap.HostPane(ref.ID)
		if !ok {
			return nil, errCantFindPane("")
		}
		p, idx := findPaneInTab(tab, hostPane)
		if idx < 0 {
			return nil, errCantFindPane("")
		}
		return p, nil
	case RefIndex:
		if ref.Index < 0 || ref.Index >= len(tab.Panes) {
			return nil, errCantFindPane("")
		}
		return tab.Panes[ref.Index], nil
	default:
		return nil, nil
	}
}

func findTabInWorkspace(ws *hostmux.Workspace, hostTabID int) (*hostmux.Tab, int) {
	for i, t := range ws.Tabs {
		if t != nil && t.ID == hostTabID {
			return t, i
		}
	}
	return nil, -1
}

func findPaneInTab(tab *hostmux.Tab, hostPaneID int) (*hostmux.Pane, int) {
	for i, p := range tab.Panes {
		if p != nil && p.ID == hostPaneID {
			return p, i
		}
	}
	return nil, -1
}
