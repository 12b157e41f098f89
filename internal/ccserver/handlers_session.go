package ccserver

import (
	"fmt"
	"sort"
	"strings"

	"myT-x/internal/hostmux"
)

const defaultListSessionsFormat = "#{session_id}: #{session_windows} windows"
const defaultListWindowsFormat = "#{window_index}: #{window_name}#{window_flags}"
const defaultListPanesFormat = "#{pane_index}: #{pane_id} [#{pane_width}x#{pane_height}]"

func handleListSessions(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	format := formatFlag(cmd, defaultListSessionsFormat)
	workspaces := ctx.Server.Mux.Workspaces()
	sort.Slice(workspaces, func(i, j int) bool { return workspaces[i].CreatedAt.Before(workspaces[j].CreatedAt) })

	var out strings.Builder
	for _, ws := range workspaces {
		fctx := sessionFormatContext(ws, ctx.Server.IDMap)
		line, _ := ExpandFormat(format, fctx, false)
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return ok(out.String())
}

func handleHasSession(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	if t.Session.Kind == RefName {
		if !ctx.Server.Mux.HasWorkspace(t.Session.Name) {
			return fail(errCantFindSession(t.Session.Name))
		}
		return ok("")
	}
	if _, err := ctx.Resolve(conn, t); err != nil {
		return fail(err)
	}
	return ok("")
}

func handleNewSession(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	name := cmd.Flags["s"]
	if name == "" && len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}
	if name == "" {
		name = fmt.Sprintf("session-%d", len(ctx.Server.Mux.Workspaces())+1)
	}

	spawn := hostmux.PaneSpawn{Cwd: cmd.Dir, Env: cmd.Env, Columns: 80, Rows: 24}
	ws, tab, pane, err := ctx.Server.Mux.CreateWorkspace(name, spawn)
	if err != nil {
		return fail(errHost("create session failed", err))
	}

	ccSession := ctx.Server.IDMap.InternSession(ws.Name)
	conn.SetActiveSession(ccSession)
	if tab != nil {
		conn.SetActiveWindow(ctx.Server.IDMap.InternWindow(tab.ID))
	}
	if pane != nil {
		conn.SetActivePane(ctx.Server.IDMap.InternPane(pane.ID))
	}
	conn.Enqueue(NotifySessionsChanged())

	if cmd.HasFlag("P") {
		format := formatFlag(cmd, "#{session_name}")
		fctx := sessionFormatContext(ws, ctx.Server.IDMap)
		line, _ := ExpandFormat(format, fctx, false)
		return ok(line)
	}
	return ok("")
}

func handleRenameSession(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	if len(cmd.Args) == 0 {
		return fail(newParseError("rename-session: missing new name"))
	}
	newName := cmd.Args[0]
	oldName := r.Workspace.Name
	if err := ctx.Server.Mux.RenameWorkspace(oldName, newName); err != nil {
		return fail(errHost("rename session failed", err))
	}
	ctx.Server.IDMap.RekeySession(oldName, newName)
	conn.Enqueue(NotifySessionRenamed(r.SessionCC, newName))
	return ok("")
}

func handleKillSession(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	name := r.Workspace.Name
	result, err := ctx.Server.Mux.KillWorkspace(name)
	if err != nil {
		return fail(errHost("kill session failed", err))
	}
	for _, paneID := range result.ClosedPaneIDs {
		ctx.Server.IDMap.EvictPane(paneID)
	}
	for _, tabID := range result.ClosedTabIDs {
		if ccWindow, ok := ctx.Server.IDMap.WindowID(tabID); ok {
			conn.Enqueue(NotifyWindowClose(ccWindow))
		}
		ctx.Server.IDMap.EvictWindow(tabID)
	}
	ctx.Server.IDMap.EvictSession(name)
	conn.Enqueue(NotifySessionsChanged())
	return ok("")
}

func handleAttachSession(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	conn.SetActiveSession(r.SessionCC)
	if r.Tab != nil {
		conn.SetActiveWindow(r.WindowCC)
	}
	if r.Pane != nil {
		conn.SetActivePane(r.PaneCC)
	}
	conn.Enqueue(NotifySessionChanged(r.SessionCC, r.Workspace.Name))
	return ok("")
}

func handleDetachClient(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	conn.RequestDetach("")
	return ok("")
}

func handleSwitchClient(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	return handleAttachSession(ctx, conn, cmd)
}

func handleListClients(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	var out strings.Builder
	ctx.Server.eachConnection(func(c *Connection) {
		fmt.Fprintf(&out, "client-%d: $%d\n", c.id, c.ActiveSession())
	})
	return ok(out.String())
}

func handleServerInfo(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	return ok(fmt.Sprintf("tmux 3.3a (wezterm-compat), %d sessions\n", len(ctx.Server.Mux.Workspaces())))
}
