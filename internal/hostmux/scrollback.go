package hostmux

import (
	"bytes"
	"strings"
	"sync"
)

// scrollbackLimit bounds how many trailing lines capture-pane can reach.
// tmux's default history-limit is 2000; this mirrors that.
const scrollbackLimit = 2000

// scrollback is an append-only, capped ring of completed output lines plus
// the current (possibly partial) line, fed by a pane's raw PTY stream.
type scrollback struct {
	mu      sync.Mutex
	lines   []string
	partial bytes.Buffer
}

func newScrollback() *scrollback {
	return &scrollback{}
}

// Feed appends raw pane bytes, splitting completed lines off into the ring.
func (s *scrollback) Feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial.Write(b)
	for {
		buf := s.partial.Bytes()
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(string(buf[:idx]), "\r")
		s.appendLineLocked(line)
		s.partial.Next(idx + 1)
	}
}

func (s *scrollback) appendLineLocked(line string) {
	s.lines = append(s.lines, line)
	if len(s.lines) > scrollbackLimit {
		s.lines = s.lines[len(s.lines)-scrollbackLimit:]
	}
}

// Lines returns the completed lines plus the current partial line appended
// as the final entry (mirrors tmux treating the cursor row as capturable).
func (s *scrollback) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines), len(s.lines)+1)
	copy(out, s.lines)
	if s.partial.Len() > 0 {
		out = append(out, strings.TrimSuffix(s.partial.String(), "\r"))
	}
	return out
}
