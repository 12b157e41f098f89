package ccserver

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Framer emits guarded blocks and notification lines for one connection.
// Its counter is strictly monotonic per connection; guard lines share the
// same timestamp and counter pair.
type Framer struct {
	counter int64
	nowUnix func() int64
}

// NewFramer constructs a Framer. nowUnix is injected so tests can pin time.
func NewFramer(nowUnix func() int64) *Framer {
	return &Framer{nowUnix: nowUnix}
}

// nextCounter returns the next strictly-increasing guard counter, starting
// at 1.
func (f *Framer) nextCounter() int64 {
	return atomic.AddInt64(&f.counter, 1)
}

// FrameSuccess renders a "%begin ... / body / %end ..." guarded block. body
// is emitted verbatim (not vis-encoded) and may be empty or multi-line; a
// non-empty body that does not already end in "\n" gets one appended.
func (f *Framer) FrameSuccess(body string) string {
	ts := f.nowUnix()
	n := f.nextCounter()
	return frameBlock(ts, n, "end", body)
}

// FrameError renders a "%begin ... / body / %error ..." guarded block.
func (f *Framer) FrameError(body string) string {
	ts := f.nowUnix()
	n := f.nextCounter()
	return frameBlock(ts, n, "error", body)
}

func frameBlock(ts, n int64, closer, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%%begin %d %d 1\n", ts, n)
	if body != "" {
		b.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "%%%s %d %d 1\n", closer, ts, n)
	return b.String()
}

// Notification line builders (§4.6). Each returns one newline-terminated
// line, never wrapped in a guarded block.

func NotifySessionChanged(sessionID int, name string) string {
	return fmt.Sprintf("%%session-changed $%d %s\n", sessionID, name)
}

func NotifySessionsChanged() string { return "%sessions-changed\n" }

func NotifySessionRenamed(sessionID int, name string) string {
	return fmt.Sprintf("%%session-renamed $%d %s\n", sessionID, name)
}

func NotifySessionWindowChanged(sessionID, windowID int) string {
	return fmt.Sprintf("%%session-window-changed $%d @%d\n", sessionID, windowID)
}

func NotifyWindowAdd(windowID int) string { return fmt.Sprintf("%%window-add @%d\n", windowID) }

func NotifyWindowClose(windowID int) string { return fmt.Sprintf("%%window-close @%d\n", windowID) }

func NotifyWindowRenamed(windowID int, name string) string {
	return fmt.Sprintf("%%window-renamed @%d %s\n", windowID, name)
}

func NotifyWindowPaneChanged(windowID, paneID int) string {
	return fmt.Sprintf("%%window-pane-changed @%d %%%d\n", windowID, paneID)
}

func NotifyLayoutChange(windowID int, layout string) string {
	return fmt.Sprintf("%%layout-change @%d %s\n", windowID, layout)
}

func NotifyOutput(paneID int, data []byte) string {
	return fmt.Sprintf("%%output %%%d %s\n", paneID, VisEncode(data))
}

func NotifyExtendedOutput(paneID int, ageMs int64, data []byte) string {
	return fmt.Sprintf("%%extended-output %%%d %d : %s\n", paneID, ageMs, VisEncode(data))
}

func NotifyPause(paneID int) string { return fmt.Sprintf("%%pause %%%d\n", paneID) }

func NotifyContinue(paneID int) string { return fmt.Sprintf("%%continue %%%d\n", paneID) }

func NotifyPasteBufferChanged(name string) string {
	return fmt.Sprintf("%%paste-buffer-changed %s\n", name)
}

func NotifyPasteBufferDeleted(name string) string {
	return fmt.Sprintf("%%paste-buffer-deleted %s\n", name)
}

func NotifySubscriptionChanged(name string, sessionID, windowID, paneIndex, paneID int, value string) string {
	return fmt.Sprintf("%%subscription-changed %s $%d @%d %d %%%d : %s\n", name, sessionID, windowID, paneIndex, paneID, value)
}

func NotifyExit(reason string) string {
	if reason == "" {
		return "%exit\n"
	}
	return fmt.Sprintf("%%exit %s\n", reason)
}

// VisEncode renders data using the vis(3) encoding required for %output and
// %extended-output bodies: printable ASCII other than backslash and '#'
// pass through verbatim, '\' becomes "\\", and every other byte becomes
// "\OOO" (backslash plus three-digit octal), including '\n' -> "\012" and
// '\r' -> "\015".
func VisEncode(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		switch {
		case c == '\\':
			b.WriteString(`\\`)
		case c == '#':
			fmt.Fprintf(&b, `\%03o`, c)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\%03o`, c)
		}
	}
	return b.String()
}

// VisDecode reverses VisEncode, returning the exact original bytes.
func VisDecode(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	i := 0
	for i < len(s) {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			i++
			continue
		}
		if i+1 >= len(s) {
			return nil, fmt.Errorf("vis decode: trailing backslash")
		}
		if s[i+1] == '\\' {
			out = append(out, '\\')
			i += 2
			continue
		}
		if i+4 > len(s) {
			return nil, fmt.Errorf("vis decode: truncated octal escape")
		}
		octal := s[i+1 : i+4]
		var v int
		if _, err := fmt.Sscanf(octal, "%o", &v); err != nil {
			return nil, fmt.Errorf("vis decode: bad octal escape %q: %w", octal, err)
		}
		out = append(out, byte(v))
		i += 4
	}
	return out, nil
}
