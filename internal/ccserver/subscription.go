package ccserver

import "fmt"

// Subscription is a client-registered format string evaluated periodically
// against a target, created by "refresh-client -B NAME:TARGET:FMT" and
// destroyed by "refresh-client -B NAME" or detach (§3, §4.7). It emits
// %subscription-changed only when the formatted value changes.
type Subscription struct {
	Name       string
	TargetSpec string // "$S" / "@W" / "%P" / "%*" / "@*"
	Format     string
	lastValues map[string]string // row id -> last formatted value
}

// NewSubscription builds a subscription from the three parts of
// refresh-client -B's "NAME:TARGET:FMT" argument, already split by the caller.
func NewSubscription(name, targetSpec, format string) *Subscription {
	return &Subscription{Name: name, TargetSpec: targetSpec, Format: format, lastValues: map[string]string{}}
}

// Poll evaluates the subscription's format against every row its target
// spec matches, returning one %subscription-changed line per row whose
// value changed since the last poll.
func (s *Subscription) Poll(ctx *CommandContext, conn *Connection) []string {
	rows := s.matchRows(ctx)
	var changed []string
	for _, row := range rows {
		value, _ := ExpandFormat(s.Format, row.ctx, false)
		if prev, ok := s.lastValues[row.id]; ok && prev == value {
			continue
		}
		s.lastValues[row.id] = value
		changed = append(changed, NotifySubscriptionChanged(s.Name, row.sessionCC, row.windowCC, row.paneIndex, row.paneCC, value))
	}
	return changed
}

type subscriptionRow struct {
	id        string
	ctx       FormatContext
	sessionCC int
	windowCC  int
	paneIndex int
	paneCC    int
}

// matchRows resolves the subscription's target spec against live host
// state: a literal "$N"/"@N"/"%N" id restricts to exactly that
// session/window/pane (and everything inside it); "%*" matches every pane,
// "@*" matches every window (and its panes).
func (s *Subscription) matchRows(ctx *CommandContext) []subscriptionRow {
	wantSession, wantWindow, wantPane, allWindows, allPanes := parseSubscriptionSpec(s.TargetSpec)

	var rows []subscriptionRow
	for _, ws := range ctx.Server.Mux.Workspaces() {
		sessionCC := ctx.Server.IDMap.InternSession(ws.Name)
		if wantSession != 0 && wantSession != sessionCC {
			continue
		}
		for _, tab := range ws.Tabs {
			if tab == nil {
				continue
			}
			windowCC := ctx.Server.IDMap.InternWindow(tab.ID)
			if !allWindows && wantWindow != 0 && wantWindow != windowCC {
				continue
			}
			for _, pane := range tab.Panes {
				if pane == nil {
					continue
				}
				paneCC := ctx.Server.IDMap.InternPane(pane.ID)
				if !allPanes && wantPane != 0 && wantPane != paneCC {
					continue
				}
				fctx := paneFormatContext(pane, tab, ws, ctx.Server.IDMap)
				rows = append(rows, subscriptionRow{
					id:        fmt.Sprintf("%d:%d:%d", sessionCC, windowCC, paneCC),
					ctx:       fctx,
					sessionCC: sessionCC,
					windowCC:  windowCC,
					paneIndex: pane.Index,
					paneCC:    paneCC,
				})
			}
		}
	}
	return rows
}

// parseSubscriptionSpec decodes "$S"/"@W"/"%P"/"%*"/"@*" into the
// constraints matchRows applies. An unrecognised spec matches everything.
func parseSubscriptionSpec(spec string) (wantSession, wantWindow, wantPane int, allWindows, allPanes bool) {
	if spec == "" {
		return 0, 0, 0, true, true
	}
	switch spec[0] {
	case '$':
		if n, ok := parseDigits(spec[1:]); ok {
			wantSession = n
		}
		allWindows, allPanes = true, true
	case '@':
		if spec == "@*" {
			allWindows, allPanes = true, true
			return
		}
		if n, ok := parseDigits(spec[1:]); ok {
			wantWindow = n
		}
		allPanes = true
	case '%':
		if spec == "%*" {
			allPanes = true
			allWindows = true
			return
		}
		if n, ok := parseDigits(spec[1:]); ok {
			wantPane = n
		}
	default:
		allWindows, allPanes = true, true
	}
	return
}
