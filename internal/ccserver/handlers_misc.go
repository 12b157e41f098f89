package ccserver

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"myT-x/internal/sessionlog"
)

// commandLogSummary renders the last few audited commands for workspace as
// a single display-message-friendly line, newest first.
func commandLogSummary(audit *sessionlog.AuditStore, workspace string) string {
	const recentCommandLogLines = 5
	entries, err := audit.Recent(workspace, recentCommandLogLines)
	if err != nil || len(entries) == 0 {
		return ""
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		status := "ok"
		if !e.OK {
			status = "error"
		}
		parts = append(parts, fmt.Sprintf("%s(%s,%s,%s)", e.Verb, status, e.Duration, humanize.Time(e.StartedAt)))
	}
	return strings.Join(parts, " ")
}

func handleKillServer(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	for _, name := range ctx.Server.Mux.WorkspaceNames() {
		result, err := ctx.Server.Mux.KillWorkspace(name)
		if err != nil {
			continue
		}
		for _, paneID := range result.ClosedPaneIDs {
			ctx.Server.IDMap.EvictPane(paneID)
		}
		for _, tabID := range result.ClosedTabIDs {
			ctx.Server.IDMap.EvictWindow(tabID)
		}
		ctx.Server.IDMap.EvictSession(name)
	}
	ctx.Server.eachConnection(func(c *Connection) {
		c.RequestDetach("server exiting")
	})
	conn.RequestDetach("server exiting")
	return ok("")
}

func handleRefreshClient(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	if size, okFlag := cmd.Flags["C"]; okFlag {
		w, h, err := parseWxH(size)
		if err != nil {
			return fail(newParseError("refresh-client: %s", err.Error()))
		}
		t, err := targetFlag(cmd)
		if err != nil {
			return fail(err)
		}
		r, err := ctx.Resolve(conn, t)
		if err == nil && r.Pane != nil {
			_ = ctx.Server.Mux.ResizePane(r.Pane.ID, w, h)
		}
	}
	if f, okFlag := cmd.Flags["f"]; okFlag {
		if f == "!pause-after" {
			conn.ArmPauseAfter(0, false)
		} else if strings.HasPrefix(f, "pause-after=") {
			spec := strings.TrimPrefix(f, "pause-after=")
			parts := strings.SplitN(spec, ",", 2)
			n, err := strconv.Atoi(parts[0])
			if err != nil {
				return fail(newParseError("refresh-client: bad pause-after value %q", spec))
			}
			waitExit := len(parts) > 1 && parts[1] == "wait-exit"
			conn.ArmPauseAfter(time.Duration(n)*time.Second, waitExit)
		}
	}
	if a, okFlag := cmd.Flags["A"]; okFlag {
		parts := strings.SplitN(a, ":", 2)
		if len(parts) == 2 && strings.HasPrefix(parts[0], "%") {
			if ccPane, perr := parseDigits(parts[0][1:]); perr {
				if line := conn.SetManualPaneState(ccPane, parts[1]); line != "" {
					conn.Enqueue(line)
				}
			}
		}
	}
	if b, okFlag := cmd.Flags["B"]; okFlag {
		parts := strings.SplitN(b, ":", 3)
		if len(parts) == 1 {
			conn.removeSubscription(parts[0])
		} else if len(parts) == 3 {
			conn.addSubscription(NewSubscription(parts[0], parts[1], parts[2]))
		} else {
			return fail(newParseError("refresh-client: malformed -B argument %q", b))
		}
	}
	return ok("")
}

func parseWxH(spec string) (int, int, error) {
	parts := strings.SplitN(spec, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed size %q", spec)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed width in %q", spec)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed height in %q", spec)
	}
	return w, h, nil
}

func handleDisplayMessage(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	format := "#{session_name}:#{window_index}.#{pane_index}"
	if len(cmd.Args) > 0 {
		format = cmd.Args[0]
	}
	fctx := FormatContext{}
	if r.Pane != nil {
		fctx = paneFormatContext(r.Pane, r.Tab, r.Workspace, ctx.Server.IDMap)
	} else if r.Tab != nil {
		fctx = windowFormatContext(r.Tab, r.Workspace, ctx.Server.IDMap)
	} else if r.Workspace != nil {
		fctx = sessionFormatContext(r.Workspace, ctx.Server.IDMap)
	}
	if r.Workspace != nil && ctx.Server.Audit != nil {
		fctx["command_log"] = commandLogSummary(ctx.Server.Audit, r.Workspace.Name)
	}
	if r.Workspace != nil {
		fctx["session_provision_token"] = r.Workspace.ProvisionToken
	}
	value, commentary := ExpandFormat(format, fctx, cmd.HasFlag("v"))
	if cmd.HasFlag("v") {
		var out strings.Builder
		for _, line := range commentary {
			out.WriteString(line)
			out.WriteByte('\n')
		}
		out.WriteString(value)
		return ok(out.String())
	}
	return ok(value)
}

func handleShowOptions(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	var out strings.Builder
	opts := listOptions()
	names := make([]string, 0, len(opts))
	for _, opt := range opts {
		names = append(names, opt.Name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, _ := optionValue(name)
		if cmd.HasFlag("v") {
			fmt.Fprintf(&out, "%s\n", value)
		} else {
			fmt.Fprintf(&out, "%s %s\n", name, value)
		}
	}
	return ok(out.String())
}

func handleSetOption(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	if len(cmd.Args) == 0 {
		return fail(newParseError("set-option: missing option name"))
	}
	name := cmd.Args[0]
	var value string
	if len(cmd.Args) > 1 {
		value = cmd.Args[1]
	}

	switch name {
	case "pane-border-format":
		t, err := targetFlag(cmd)
		if err != nil {
			return fail(err)
		}
		r, err := ctx.Resolve(conn, t)
		if err != nil {
			return fail(err)
		}
		if r.Pane == nil {
			return fail(errCantFindPane(""))
		}
		if err := ctx.Server.Mux.SetPaneHeader(r.Pane.ID, value); err != nil {
			return fail(errHost("set-option failed", err))
		}
	case "pane-border-status":
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
		if err := ctx.Server.Mux.SetPaneHeaderVisible(r.Tab.ID, value == "on"); err != nil {
			return fail(errHost("set-option failed", err))
		}
	}
	// Every other option is reporting-only (show-options); setting it
	// succeeds without side effects.
	return ok("")
}

func handleShowBuffer(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	name := cmd.Flags["b"]
	if name == "" {
		var ok2 bool
		name, ok2 = conn.buffers.MostRecent()
		if !ok2 {
			return fail(newParseError("no buffers"))
		}
	}
	data, found := conn.buffers.Get(name)
	if !found {
		return fail(newParseError("no buffer %s", name))
	}
	return ok(string(data))
}

func handleSetBuffer(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	if len(cmd.Args) == 0 {
		return fail(newParseError("set-buffer: missing data"))
	}
	name := cmd.Flags["b"]
	name = conn.buffers.Set(name, []byte(cmd.Args[0]), cmd.HasFlag("a"))
	conn.Enqueue(NotifyPasteBufferChanged(name))
	return ok("")
}

func handleDeleteBuffer(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	name, found := conn.buffers.Delete(cmd.Flags["b"])
	if !found {
		return fail(newParseError("no buffer %s", cmd.Flags["b"]))
	}
	conn.Enqueue(NotifyPasteBufferDeleted(name))
	return ok("")
}

func handlePasteBuffer(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	name := cmd.Flags["b"]
	if name == "" {
		var found bool
		name, found = conn.buffers.MostRecent()
		if !found {
			return fail(newParseError("no buffers"))
		}
	}
	data, found := conn.buffers.Get(name)
	if !found {
		return fail(newParseError("no buffer %s", name))
	}
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	r, err := ctx.Resolve(conn, t)
	if err != nil {
		return fail(err)
	}
	if r.Pane == nil {
		return fail(errCantFindPane(""))
	}
	if err := ctx.Server.Mux.WriteToPane(r.Pane.ID, data); err != nil {
		return fail(errHost("paste-buffer failed", err))
	}
	if cmd.HasFlag("d") {
		if deletedName, found := conn.buffers.Delete(name); found {
			conn.Enqueue(NotifyPasteBufferDeleted(deletedName))
		}
	}
	return ok("")
}

func handleListBuffers(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	var out strings.Builder
	for _, name := range conn.buffers.List() {
		data, _ := conn.buffers.Get(name)
		fmt.Fprintf(&out, "%s: %d bytes: %q\n", name, len(data), bufferSample(data))
	}
	return ok(out.String())
}

func handleListCommands(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	names := make([]string, 0, len(knownVerbs))
	for name := range knownVerbs {
		names = append(names, name)
	}
	sort.Strings(names)
	var out strings.Builder
	for _, name := range names {
		out.WriteString(name)
		out.WriteByte('\n')
	}
	return ok(out.String())
}

// handleCopyMode is a deliberate no-op: the host mux has no scroll/selection
// mode of its own to enter, and nothing in this server renders one. A
// well-behaved client treats the guarded empty success as "copy mode
// entered" and proceeds to send its own cursor/selection keys, which land as
// ordinary pane input.
func handleCopyMode(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	return ok("")
}

func handleWaitFor(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	if len(cmd.Args) == 0 {
		return fail(newParseError("wait-for: missing channel name"))
	}
	name := cmd.Args[0]
	if cmd.HasFlag("S") {
		ctx.Server.WaitFor.Signal(name)
		return ok("")
	}
	if cmd.HasFlag("L") || cmd.HasFlag("U") {
		// Locking channels aren't modelled; treat lock/unlock as immediate
		// no-ops rather than blocking forever.
		return ok("")
	}
	return blocked(name)
}

// handlePipePane is a deliberate no-op beyond acknowledging the command: the
// host mux exposes no raw child-process piping primitive to tap a pane's
// output into or read a pane's input from. Closing/toggling an unopened
// pipe (no-args, -o) is indistinguishable from opening one, so every form
// just succeeds.
func handlePipePane(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	return ok("")
}

// handleDisplayPopup is a deliberate no-op: popups are a client-rendered UI
// overlay with no host-mux equivalent surface to draw into.
func handleDisplayPopup(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	return ok("")
}

func handleRunShell(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	if len(cmd.Args) == 0 {
		return fail(newParseError("run-shell: missing command"))
	}
	shellCmd := cmd.Args[0]

	var targetPaneID int
	hasTarget := false
	if t, err := targetFlag(cmd); err == nil && cmd.HasFlag("t") {
		if r, rerr := ctx.Resolve(conn, t); rerr == nil && r.Pane != nil {
			targetPaneID = r.Pane.ID
			hasTarget = true
		}
	}

	run := func() {
		c := exec.CommandContext(context.Background(), ctx.Server.DefaultShell, "-c", shellCmd)
		output, _ := c.CombinedOutput()
		if hasTarget {
			_ = ctx.Server.Mux.WriteToPane(targetPaneID, output)
		}
	}

	delay := time.Duration(0)
	if d, okFlag := cmd.Flags["d"]; okFlag {
		if n, err := strconv.Atoi(d); err == nil {
			delay = time.Duration(n) * time.Second
		}
	}

	if cmd.HasFlag("b") {
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			run()
		}()
		return ok("")
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if hasTarget {
		run()
		return ok("")
	}

	c := exec.CommandContext(context.Background(), ctx.Server.DefaultShell, "-c", shellCmd)
	output, err := c.CombinedOutput()
	if err != nil {
		return fail(errHost("run-shell failed", err))
	}
	return ok(string(output))
}
