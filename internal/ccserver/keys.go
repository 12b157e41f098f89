package ccserver

import (
	"fmt"
	"strconv"
	"strings"
)

// namedKeys maps the send-keys named-key vocabulary (§4.7) to the byte
// sequence written into the pane's PTY. Arrow/function/navigation keys send
// the VT100/xterm escape sequences a real terminal would produce.
var namedKeys = map[string][]byte{
	"Enter":    {'\r'},
	"Space":    {' '},
	"Tab":      {'\t'},
	"Escape":   {0x1b},
	"BSpace":   {0x7f},
	"Left":     {0x1b, '[', 'D'},
	"Right":    {0x1b, '[', 'C'},
	"Up":       {0x1b, '[', 'A'},
	"Down":     {0x1b, '[', 'B'},
	"Home":     {0x1b, '[', 'H'},
	"End":      {0x1b, '[', 'F'},
	"PageUp":   {0x1b, '[', '5', '~'},
	"PageDown": {0x1b, '[', '6', '~'},
	"Insert":   {0x1b, '[', '2', '~'},
	"Delete":   {0x1b, '[', '3', '~'},
}

func init() {
	// F1-F4 use SS3 sequences, F5-F12 use CSI ~ sequences, matching
	// standard xterm function-key encodings.
	ss3 := map[string]byte{"F1": 'P', "F2": 'Q', "F3": 'R', "F4": 'S'}
	for name, final := range ss3 {
		namedKeys[name] = []byte{0x1b, 'O', final}
	}
	tilde := map[string]string{
		"F5": "15", "F6": "17", "F7": "18", "F8": "19",
		"F9": "20", "F10": "21", "F11": "23", "F12": "24",
	}
	for name, code := range tilde {
		namedKeys[name] = append([]byte{0x1b, '['}, append([]byte(code), '~')...)
	}
}

// TranslateSendKeys translates send-keys arguments to the raw bytes written
// into a pane. literalForce makes every argument a literal string
// regardless of named-key matching ("-l"); hexForce treats every argument
// as one hex byte ("0xHH" or "HH"), with no splitting inside it ("-H").
func TranslateSendKeys(args []string, literalForce, hexForce bool) ([]byte, error) {
	out := make([]byte, 0, 64)
	for _, arg := range args {
		switch {
		case hexForce:
			b, err := parseHexToken(arg)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		case literalForce:
			out = append(out, arg...)
		default:
			if v, ok := namedKeys[arg]; ok {
				out = append(out, v...)
				continue
			}
			if b, ok := parseControlKey(arg); ok {
				out = append(out, b)
				continue
			}
			if b, ok := parseMetaKey(arg); ok {
				out = append(out, b...)
				continue
			}
			if strings.HasPrefix(arg, "0x") || strings.HasPrefix(arg, "0X") {
				if b, err := parseHexToken(arg); err == nil {
					out = append(out, b)
					continue
				}
			}
			out = append(out, arg...)
		}
	}
	return out, nil
}

// parseControlKey parses "C-{letter}" notation into a control byte.
func parseControlKey(arg string) (byte, bool) {
	if len(arg) != 3 || arg[0] != 'C' || arg[1] != '-' {
		return 0, false
	}
	ch := arg[2]
	switch ch {
	case '@':
		return 0x00, true
	case '\\':
		return 0x1c, true
	case ']':
		return 0x1d, true
	case '^':
		return 0x1e, true
	case '_':
		return 0x1f, true
	}
	if ch >= 'a' && ch <= 'z' {
		return ch - 'a' + 1, true
	}
	if ch >= 'A' && ch <= 'Z' {
		return ch - 'A' + 1, true
	}
	return 0, false
}

// parseMetaKey parses "M-{char}" notation: ESC followed by the char byte.
func parseMetaKey(arg string) ([]byte, bool) {
	if len(arg) != 3 || arg[0] != 'M' || arg[1] != '-' {
		return nil, false
	}
	return []byte{0x1b, arg[2]}, true
}

func parseHexToken(tok string) (byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
	v, err := strconv.ParseUint(trimmed, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("bad hex key token %q: %w", tok, err)
	}
	return byte(v), nil
}
