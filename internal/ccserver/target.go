package ccserver

import "fmt"

// RefKind distinguishes how a target component named itself.
type RefKind int

const (
	RefNone  RefKind = iota // component absent from the target string
	RefID                   // "$N" / "@N" / "%N" — an explicit CC id
	RefIndex                // bare digits — a window/pane index, never an id
	RefName                 // bare name — session name or window name
)

// Ref is one resolved-but-not-yet-looked-up component of a Target.
type Ref struct {
	Kind  RefKind
	ID    int    // valid when Kind == RefID
	Index int    // valid when Kind == RefIndex
	Name  string // valid when Kind == RefName
}

// Target is the parsed form of a "$S:@W.%P" string. Absent components have
// Kind == RefNone and mean "use the connection's current context".
type Target struct {
	Session Ref
	Window  Ref
	Pane    Ref
}

// ParseTarget parses a tmux target string. It never touches the id map —
// resolving a Ref against live state is a handler concern (context.go).
func ParseTarget(s string) (Target, error) {
	var t Target
	if s == "" {
		return t, nil
	}

	session, rest := s, ""
	if idx := indexUnescaped(s, '.'); idx >= 0 {
		session, rest = s[:idx], s[idx+1:]
	}
	window := ""
	if idx := indexUnescaped(session, ':'); idx >= 0 {
		window = session[idx+1:]
		session = session[:idx]
	}
	pane := rest

	var err error
	if session != "" {
		if t.Session, err = parseSessionRef(session); err != nil {
			return Target{}, fmt.Errorf("invalid target: %q", s)
		}
	}
	if window != "" {
		if t.Window, err = parseWindowRef(window); err != nil {
			return Target{}, fmt.Errorf("invalid target: %q", s)
		}
	}
	if pane != "" {
		if t.Pane, err = parsePaneRef(pane); err != nil {
			return Target{}, fmt.Errorf("invalid target: %q", s)
		}
	}
	return t, nil
}

func indexUnescaped(s string, sep byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return i
		}
	}
	return -1
}

func parseSessionRef(s string) (Ref, error) {
	if len(s) > 0 && s[0] == '$' {
		n, ok := parseDigits(s[1:])
		if !ok {
			return Ref{}, fmt.Errorf("bad session id: %q", s)
		}
		return Ref{Kind: RefID, ID: n}, nil
	}
	return Ref{Kind: RefName, Name: s}, nil
}

func parseWindowRef(s string) (Ref, error) {
	if len(s) > 0 && s[0] == '@' {
		n, ok := parseDigits(s[1:])
		if !ok {
			return Ref{}, fmt.Errorf("bad window id: %q", s)
		}
		return Ref{Kind: RefID, ID: n}, nil
	}
	if n, ok := parseDigits(s); ok {
		return Ref{Kind: RefIndex, Index: n}, nil
	}
	return Ref{Kind: RefName, Name: s}, nil
}

func parsePaneRef(s string) (Ref, error) {
	if len(s) > 0 && s[0] == '%' {
		n, ok := parseDigits(s[1:])
		if !ok {
			return Ref{}, fmt.Errorf("bad pane id: %q", s)
		}
		return Ref{Kind: RefID, ID: n}, nil
	}
	if n, ok := parseDigits(s); ok {
		return Ref{Kind: RefIndex, Index: n}, nil
	}
	return Ref{}, fmt.Errorf("bad pane ref: %q", s)
}

func parseDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
