package ccserver

import (
	"fmt"
	"strconv"

	"myT-x/internal/hostmux"
)

// paneFormatContext builds the §4.2 "Pane" variable set for one pane,
// within the tab/workspace it belongs to.
func paneFormatContext(pane *hostmux.Pane, tab *hostmux.Tab, ws *hostmux.Workspace, idmap *IDMap) FormatContext {
	ctx := FormatContext{}
	ccPane := idmap.InternPane(pane.ID)
	ctx["pane_id"] = fmt.Sprintf("%%%d", ccPane)
	ctx["pane_index"] = strconv.Itoa(pane.Index)
	ctx["pane_width"] = strconv.Itoa(pane.Width)
	ctx["pane_height"] = strconv.Itoa(pane.Height)
	ctx["pane_active"] = boolFlag(pane.Active)
	ctx["pane_left"] = strconv.Itoa(pane.Left)
	ctx["pane_top"] = strconv.Itoa(pane.Top)
	ctx["pane_dead"] = boolFlag(pane.Dead)
	ctx["pane_title"] = pane.Title
	ctx["pane_current_command"] = pane.Command
	ctx["pane_current_path"] = pane.Cwd
	ctx["pane_pid"] = strconv.Itoa(pane.Pid)
	ctx["pane_mode"] = ""
	if tab != nil {
		mergeInto(ctx, windowFormatContext(tab, ws, idmap))
	}
	if ws != nil {
		mergeInto(ctx, sessionFormatContext(ws, idmap))
	}
	return ctx
}

// windowFormatContext builds the §4.2 "Window" variable set for one tab.
func windowFormatContext(tab *hostmux.Tab, ws *hostmux.Workspace, idmap *IDMap) FormatContext {
	ctx := FormatContext{}
	ccWindow := idmap.InternWindow(tab.ID)
	ctx["window_id"] = fmt.Sprintf("@%d", ccWindow)
	ctx["window_index"] = strconv.Itoa(indexOfTab(ws, tab.ID))
	ctx["window_name"] = tab.Name
	active := ws != nil && ws.ActiveTabID == tab.ID
	ctx["window_active"] = boolFlag(active)
	w, h := tabExtent(tab)
	ctx["window_width"] = strconv.Itoa(w)
	ctx["window_height"] = strconv.Itoa(h)
	ctx["window_flags"] = windowFlags(tab, active)
	ctx["window_panes"] = strconv.Itoa(len(tab.Panes))
	return ctx
}

// sessionFormatContext builds the §4.2 "Session" variable set.
func sessionFormatContext(ws *hostmux.Workspace, idmap *IDMap) FormatContext {
	ctx := FormatContext{}
	ccSession := idmap.InternSession(ws.Name)
	ctx["session_id"] = fmt.Sprintf("$%d", ccSession)
	ctx["session_name"] = ws.Name
	ctx["session_windows"] = strconv.Itoa(len(ws.Tabs))
	ctx["session_attached"] = "1"
	return ctx
}

// globalFormatContext builds the §4.2 "Global/client" variable set.
func globalFormatContext(pid int, clientName, socketPath string, historyLimit, historySize int) FormatContext {
	return FormatContext{
		"version":       "3.3a",
		"pid":           strconv.Itoa(pid),
		"client_name":   clientName,
		"socket_path":   socketPath,
		"history_limit": strconv.Itoa(historyLimit),
		"history_size":  strconv.Itoa(historySize),
		"cursor_x":      "0",
		"cursor_y":      "0",
	}
}

// bufferFormatContext builds the §4.2 "Buffer" variable set. sample is
// truncated to at most 50 bytes with control characters stripped, per spec.
func bufferFormatContext(name string, data []byte) FormatContext {
	return FormatContext{
		"buffer_name":   name,
		"buffer_size":   strconv.Itoa(len(data)),
		"buffer_sample": bufferSample(data),
	}
}

func bufferSample(data []byte) string {
	limit := len(data)
	if limit > 50 {
		limit = 50
	}
	out := make([]byte, 0, limit)
	for _, b := range data[:limit] {
		if b < 0x20 || b == 0x7f {
			continue
		}
		out = append(out, b)
	}
	return string(out)
}

func mergeInto(dst, src FormatContext) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func indexOfTab(ws *hostmux.Workspace, tabID int) int {
	if ws == nil {
		return 0
	}
	for i, t := range ws.Tabs {
		if t != nil && t.ID == tabID {
			return i
		}
	}
	return 0
}

// tabExtent returns the covering rectangle of a tab's split tree, taken
// from its widest/tallest pane row (the panes already carry absolute
// width/height as maintained by hostmux's resize/split bookkeeping).
func tabExtent(tab *hostmux.Tab) (int, int) {
	var w, h int
	for _, p := range tab.Panes {
		if p == nil {
			continue
		}
		if right := p.Left + p.Width; right > w {
			w = right
		}
		if bottom := p.Top + p.Height; bottom > h {
			h = bottom
		}
	}
	return w, h
}

// windowFlags renders the §4.2 window_flags string: "*" active, "-" last,
// "Z" zoomed, concatenated in that order.
func windowFlags(tab *hostmux.Tab, active bool) string {
	flags := ""
	if active {
		flags += "*"
	}
	if tab.LastActive {
		flags += "-"
	}
	if tab.Zoomed {
		flags += "Z"
	}
	return flags
}
