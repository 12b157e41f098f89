package ccserver

import (
	"strconv"
	"strings"

	"myT-x/internal/hostmux"
)

func handleListPanes(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	t, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	ws, err := ctx.resolveSession(conn, t.Session)
	if err != nil {
		return fail(err)
	}
	tab, err := ctx.resolveWindow(conn, ws, t.Window)
	if err != nil {
		return fail(err)
	}
	format := formatFlag(cmd, defaultListPanesFormat)

	tabs := ws.Tabs
	if tab != nil {
		tabs = []*hostmux.Tab{tab}
	}

	var out strings.Builder
	for _, tb := range tabs {
		if tb == nil {
			continue
		}
		for _, pane := range tb.Panes {
			if pane == nil {
				continue
			}
			fctx := paneFormatContext(pane, tb, ws, ctx.Server.IDMap)
			line, _ := ExpandFormat(format, fctx, false)
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return ok(out.String())
}

func handleSelectPane(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
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
	if cmd.HasFlag("Z") {
		if err := ctx.Server.Mux.ToggleZoom(r.Tab.ID); err != nil {
			return fail(errHost("select-pane failed", err))
		}
	}
	if err := ctx.Server.Mux.SelectPane(r.Pane.ID); err != nil {
		return fail(errHost("select-pane failed", err))
	}
	conn.SetActivePane(r.PaneCC)
	conn.Enqueue(NotifyWindowPaneChanged(r.WindowCC, r.PaneCC))
	return ok("")
}

func handleSplitWindow(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
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

	direction := hostmux.SplitVertical // "-v" is the default per §4.7
	if cmd.HasFlag("h") {
		direction = hostmux.SplitHorizontal
	}

	ratio := 0.5
	if l, ok := cmd.Flags["l"]; ok {
		ratio = parseSizeRatio(l, r.Pane, direction)
	}

	spawn := hostmux.PaneSpawn{Cwd: cmd.Dir, Env: cmd.Env}
	newPane, err := ctx.Server.Mux.SplitPane(r.Pane.ID, direction, ratio, spawn)
	if err != nil {
		return fail(errHost("create pane failed", err))
	}

	tab, _ := ctx.Server.Mux.Tab(r.Tab.ID)
	if tab != nil {
		w, h := tabExtent(tab)
		layout := EncodeLayout(tab.Split, w, h, ctx.Server.IDMap)
		conn.Enqueue(NotifyLayoutChange(r.WindowCC, layout))
	}
	ccPane := ctx.Server.IDMap.InternPane(newPane.ID)
	conn.Enqueue(NotifyWindowPaneChanged(r.WindowCC, ccPane))

	if cmd.HasFlag("P") {
		format := formatFlag(cmd, "#{pane_id}")
		fctx := paneFormatContext(newPane, tab, r.Workspace, ctx.Server.IDMap)
		line, _ := ExpandFormat(format, fctx, false)
		return ok(line)
	}
	return ok("")
}

// parseSizeRatio converts "-l N" or "-l N%" into the fraction of the
// relevant extent (width for -h, height for -v) the *new* pane should get.
func parseSizeRatio(spec string, source *hostmux.Pane, direction hostmux.SplitDirection) float64 {
	pct := strings.HasSuffix(spec, "%")
	numStr := strings.TrimSuffix(spec, "%")
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0.5
	}
	if pct {
		return float64(n) / 100.0
	}
	total := source.Width
	if direction == hostmux.SplitVertical {
		total = source.Height
	}
	if total <= 0 {
		return 0.5
	}
	ratio := float64(n) / float64(total)
	if ratio <= 0 || ratio >= 1 {
		return 0.5
	}
	return ratio
}

func handleKillPane(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
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
	result, err := ctx.Server.Mux.KillPane(r.Pane.ID)
	if err != nil {
		return fail(errHost("kill-pane failed", err))
	}
	if result.Terminal != nil {
		_ = result.Terminal.Close()
	}
	ctx.Server.IDMap.EvictPane(r.Pane.ID)
	if result.TabClosed {
		conn.Enqueue(NotifyWindowClose(r.WindowCC))
		ctx.Server.IDMap.EvictWindow(r.Tab.ID)
		if result.WorkspaceDone {
			conn.Enqueue(NotifySessionsChanged())
		}
	} else if tab, ok := ctx.Server.Mux.Tab(r.Tab.ID); ok {
		w, h := tabExtent(tab)
		layout := EncodeLayout(tab.Split, w, h, ctx.Server.IDMap)
		conn.Enqueue(NotifyLayoutChange(r.WindowCC, layout))
	}
	return ok("")
}

func handleResizePane(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
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
	cols, rows := r.Pane.Width, r.Pane.Height
	if x, ok := cmd.Flags["x"]; ok {
		if n, err := strconv.Atoi(x); err == nil {
			cols = n
		}
	}
	if y, ok := cmd.Flags["y"]; ok {
		if n, err := strconv.Atoi(y); err == nil {
			rows = n
		}
	}
	if err := ctx.Server.Mux.ResizePane(r.Pane.ID, cols, rows); err != nil {
		return fail(errHost("resize-pane failed", err))
	}
	if tab, ok := ctx.Server.Mux.Tab(r.Tab.ID); ok {
		w, h := tabExtent(tab)
		layout := EncodeLayout(tab.Split, w, h, ctx.Server.IDMap)
		conn.Enqueue(NotifyLayoutChange(r.WindowCC, layout))
	}
	return ok("")
}

func handleResizeWindow(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
	return handleResizePane(ctx, conn, cmd)
}

func handleSendKeys(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
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
	bytes, err := TranslateSendKeys(cmd.Args, cmd.HasFlag("l"), cmd.HasFlag("H"))
	if err != nil {
		return fail(newParseError("%s", err.Error()))
	}
	if err := ctx.Server.Mux.WriteToPane(r.Pane.ID, bytes); err != nil {
		return fail(errHost("send-keys failed", err))
	}
	return ok("")
}

func handleCapturePane(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
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
	lines, err := ctx.Server.Mux.CaptureLines(r.Pane.ID)
	if err != nil {
		return fail(errHost("capture-pane failed", err))
	}

	start, end := 0, len(lines)-1
	if s, ok := cmd.Flags["S"]; ok {
		if n, err := strconv.Atoi(s); err == nil && n < 0 {
			start = maxInt(0, len(lines)+n)
		} else if err == nil {
			start = n
		}
	}
	if e, ok := cmd.Flags["N"]; ok {
		if n, err := strconv.Atoi(e); err == nil {
			end = minInt(end, start+n-1)
		}
	}
	start = clampInt(start, 0, len(lines))
	end = clampInt(end, -1, len(lines)-1)

	var body strings.Builder
	if start <= end {
		for _, l := range lines[start : end+1] {
			if !cmd.HasFlag("e") {
				l = stripSGR(l)
			}
			if cmd.HasFlag("C") {
				l = octalEscapeNonPrintable(l)
			}
			body.WriteString(l)
			body.WriteByte('\n')
		}
	}
	return ok(body.String())
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// stripSGR removes ANSI SGR escape sequences ("\x1b[...m") from a captured
// line, used unless capture-pane -e asked to keep them.
func stripSGR(s string) string {
	var out strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && !(s[j] >= 0x40 && s[j] <= 0x7e) {
				j++
			}
			if j < len(s) {
				i = j + 1
				continue
			}
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String()
}

// octalEscapeNonPrintable implements capture-pane -C: non-printable bytes
// become "\OOO" octal escapes.
func octalEscapeNonPrintable(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c < 0x7f {
			out.WriteByte(c)
		} else {
			out.WriteString(octalEscape(c))
		}
	}
	return out.String()
}

func octalEscape(c byte) string {
	const digits = "01234567"
	return "\\" + string(digits[(c>>6)&7]) + string(digits[(c>>3)&7]) + string(digits[c&7])
}

// move-pane/join-pane names its source pane with "-s" (defaulting to the
// connection's current pane, like every other command's "-t" does) and its
// destination with "-t" — the reverse of every other handler in this file.
func handleMovePane(ctx *CommandContext, conn *Connection, cmd Command) DispatchResult {
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

	dst, err := targetFlag(cmd)
	if err != nil {
		return fail(err)
	}
	dest, err := ctx.Resolve(conn, dst)
	if err != nil {
		return fail(err)
	}
	if dest.Pane == nil {
		return fail(errCantFindPane(""))
	}

	direction := hostmux.SplitVertical
	if cmd.HasFlag("h") {
		direction = hostmux.SplitHorizontal
	}
	before := cmd.HasFlag("b")

	pane, err := ctx.Server.Mux.DetachPane(r.Pane.ID)
	if err != nil {
		return fail(errHost("move-pane failed", err))
	}
	if err := ctx.Server.Mux.AttachPaneBeside(pane, dest.Pane.ID, direction, before); err != nil {
		return fail(errHost("move-pane failed", err))
	}

	if tab, ok := ctx.Server.Mux.Tab(dest.Tab.ID); ok {
		w, h := tabExtent(tab)
		layout := EncodeLayout(tab.Split, w, h, ctx.Server.IDMap)
		conn.Enqueue(NotifyLayoutChange(dest.WindowCC, layout))
	}
	return ok("")
}
