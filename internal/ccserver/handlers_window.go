package ccserver

import (
	"strings"

	"myT-x/internal/hostmux"
)

func handleListWindows(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	ws, err := ctx.resolveSession(conn, t.Session)
	if err != nil {
		return fail(err)
	}
	format := formatFlag(cmd, defaultListWindowsFormat)

	var out strings.Builder
	for _, tab := range ws.Tabs {
		if tab == nil {
			continue
		}
		fctx := windowFormatContext(tab, ws, ctx.Server.IDMap)
		line, _ := ExpandFormat(format, fctx, false)
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return ok(out.String())
}

func handleNewWindow(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	ws, err := ctx.resolveSession(conn, t.Session)
	if err != nil {
		return fail(err)
	}
	name := cmd.Flags["n"]
	spawn := hostmux.PaneSpawn{Cwd: cmd.Dir, Env: cmd.Env, Columns: 80, Rows: 24}
	tab, pane, err := ctx.Server.Mux.NewTab(ws.Name, name, spawn)
	if err != nil {
		return fail(errHost("create window failed", err))
	}
	ccWindow := ctx.Server.IDMap.InternWindow(tab.ID)
	conn.Enqueue(NotifyWindowAdd(ccWindow))
	if pane != nil {
		ccPane := ctx.Server.IDMap.InternPane(pane.ID)
		conn.Enqueue(NotifyWindowPaneChanged(ccWindow, ccPane))
	}
	if cmd.HasFlag("P") {
		format := formatFlag(cmd, "#{window_name}")
		fctx := windowFormatContext(tab, ws, ctx.Server.IDMap)
		line, _ := ExpandFormat(format, fctx, false)
		return ok(line)
	}
	return ok("")
}

func handleKillWindow(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	if r.Tab == nil {
		return fail(errCantFindWindow(""))
	}
	result, err := ctx.Server.Mux.KillTab(r.Tab.ID)
	if err != nil {
		return fail(errHost("kill window failed", err))
	}
	for _, paneID := range result.ClosedPaneIDs {
		ctx.Server.IDMap.EvictPane(paneID)
	}
	conn.Enqueue(NotifyWindowClose(r.WindowCC))
	ctx.Server.IDMap.EvictWindow(r.Tab.ID)
	if result.WorkspaceEmpty {
		conn.Enqueue(NotifySessionsChanged())
	}
	return ok("")
}

func handleSelectWindow(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	if r.Tab == nil {
		return fail(errCantFindWindow(""))
	}
	ctx.Server.incSuppressWindowChange(r.Tab.HostWindowID)
	if err := ctx.Server.Mux.SelectTab(r.Tab.ID); err != nil {
		return fail(errHost("select window failed", err))
	}
	conn.SetActiveSession(r.SessionCC)
	conn.SetActiveWindow(r.WindowCC)
	conn.Enqueue(NotifySessionWindowChanged(r.SessionCC, r.WindowCC))
	return ok("")
}

func handleRenameWindow(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	if r.Tab == nil {
		return fail(errCantFindWindow(""))
	}
	if len(cmd.Args) == 0 {
		return fail(newParseError("rename-window: missing new name"))
	}
	if err := ctx.Server.Mux.RenameTab(r.Tab.ID, cmd.Args[0]); err != nil {
		return fail(errHost("rename window failed", err))
	}
	conn.Enqueue(NotifyWindowRenamed(r.WindowCC, cmd.Args[0]))
	return ok("")
}

func handleMoveWindow(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	if r.Tab == nil {
		return fail(errCantFindWindow(""))
	}
	destName := cmd.Flags["s"]
	if destName == "" {
		return fail(newParseError("move-window: missing destination (-s)"))
	}
	if err := ctx.Server.Mux.MoveTab(r.Tab.ID, destName); err != nil {
		return fail(errHost("move window failed", err))
	}
	return ok("")
}

func handleSelectLayout(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	if r.Tab == nil {
		return fail(errCantFindWindow(""))
	}
	w, h := tabExtent(r.Tab)
	layout := EncodeLayout(r.Tab.Split, w, h, ctx.Server.IDMap)
	conn.Enqueue(NotifyLayoutChange(r.WindowCC, layout))
	return ok("")
}

// break-pane names its source pane with "-s" (defaulting to the connection's
// current pane) and its destination session with "-t", matching move-pane's
// reversed convention rather than every other handler's plain "-t" target.
func handleBreakPane(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	var src Target
	var err error
	if s, has := cmd.Flags["s"]; has {
		if src, err = ParseTarget(s); err != nil {
			return fail(err)
		}
	}
	r, err := ctx.Resolve(conn, src)
	if err != nil {
		return fail(err)
	}
	if r.Pane == nil {
		return fail(errCantFindPane(""))
	}
	destSession := r.Workspace.Name
	if s := cmd.Flags["t"]; s != "" {
		if dt, derr := ParseTarget(s); derr == nil && dt.Session.Kind == RefName {
			destSession = dt.Session.Name
		}
	}
	pane, err := ctx.Server.Mux.DetachPane(r.Pane.ID)
	if err != nil {
		return fail(errHost("break-pane failed", err))
	}
	tab, err := ctx.Server.Mux.AttachPaneToNewTab(pane, destSession, "")
	if err != nil {
		return fail(errHost("break-pane failed", err))
	}
	ccWindow := ctx.Server.IDMap.InternWindow(tab.ID)
	conn.Enqueue(NotifyWindowAdd(ccWindow))
	conn.Enqueue(NotifyWindowPaneChanged(ccWindow, ctx.Server.IDMap.InternPane(pane.ID)))
	return ok("")
}
