package ccserver

import "strings"

// FormatContext is a flat variable table built per row (per pane / window /
// session / buffer) by the handler that needs it. Missing keys expand to
// the empty string, matching tmux's lenient behaviour.
type FormatContext map[string]string

// shortAliases maps the single-character forms listed in §4.2 to their full
// variable names.
var shortAliases = map[byte]string{
	'D': "pane_id",
	'F': "window_flags",
	'I': "window_index",
	'P': "pane_index",
	'S': "session_name",
	'T': "pane_title",
	'W': "window_name",
}

// ExpandFormat expands a tmux format string against ctx. verbose, when
// true, additionally returns one "# name -> value" commentary line per
// expanded #{var} or short-alias reference, in left-to-right order
// (display-message -v).
func ExpandFormat(format string, ctx FormatContext, verbose bool) (string, []string) {
	var out strings.Builder
	var commentary []string
	i := 0
	for i < len(format) {
		c := format[i]
		if c != '#' {
			out.WriteByte(c)
			i++
			continue
		}
		// c == '#'
		if i+1 >= len(format) {
			out.WriteByte('#')
			i++
			continue
		}
		next := format[i+1]
		switch {
		case next == '#':
			out.WriteByte('#')
			i += 2
		case next == '{':
			expr, consumed := extractBraceExpr(format[i:])
			if consumed == 0 {
				out.WriteByte('#')
				i++
				continue
			}
			val := evalExpr(expr, ctx, &commentary, verbose)
			out.WriteString(val)
			i += consumed
		default:
			if name, ok := shortAliases[next]; ok {
				val := ctx[name]
				if verbose {
					commentary = append(commentary, "# "+name+" -> "+val)
				}
				out.WriteString(val)
				i += 2
			} else {
				out.WriteByte('#')
				out.WriteByte(next)
				i += 2
			}
		}
	}
	return out.String(), commentary
}

// extractBraceExpr expects s to start with "#{" and returns the inner
// expression (without the "#{" "}") and the number of bytes consumed from
// s, tracking nesting depth so inner "#{...}" and "{...}" pairs (conditional
// arms) are not split early.
func extractBraceExpr(s string) (string, int) {
	if len(s) < 2 || s[0] != '#' || s[1] != '{' {
		return "", 0
	}
	depth := 1
	i := 2
	for i < len(s) {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[2:i], i + 1
			}
		}
		i++
	}
	return "", 0 // unterminated: treat as literal
}

// evalExpr evaluates one #{...} body: either a conditional "?cond,t,f" or a
// plain variable reference (itself possibly containing nested #{...}).
func evalExpr(expr string, ctx FormatContext, commentary *[]string, verbose bool) string {
	if strings.HasPrefix(expr, "?") {
		cond, tArm, fArm := splitConditional(expr[1:])
		// cond names a variable, exactly like a plain #{var} body.
		condVal := evalExpr(cond, ctx, commentary, verbose)
		if isTruthy(condVal) {
			val, c := ExpandFormat(tArm, ctx, verbose)
			*commentary = append(*commentary, c...)
			return val
		}
		val, c := ExpandFormat(fArm, ctx, verbose)
		*commentary = append(*commentary, c...)
		return val
	}

	// Plain variable name; it may itself contain "#{...}" nesting (rare but
	// grammatically legal), so expand it first.
	name, nameCommentary := ExpandFormat(expr, ctx, verbose)
	*commentary = append(*commentary, nameCommentary...)
	val, ok := ctx[name]
	if !ok {
		return ""
	}
	if verbose {
		*commentary = append(*commentary, "# "+name+" -> "+val)
	}
	return val
}

// splitConditional splits "cond,t,f" into its three arms. A comma at depth 0
// (not inside a nested #{...}) closes the current arm.
func splitConditional(s string) (cond, tArm, fArm string) {
	arms := splitArmsDepthAware(s, 3)
	switch len(arms) {
	case 3:
		return arms[0], arms[1], arms[2]
	case 2:
		return arms[0], arms[1], ""
	case 1:
		return arms[0], "", ""
	default:
		return "", "", ""
	}
}

// splitArmsDepthAware splits s on commas that appear at brace-depth 0,
// stopping once maxArms-1 splits have been made (the final arm keeps any
// remaining commas verbatim, matching tmux's left-to-right arm parsing).
func splitArmsDepthAware(s string, maxArms int) []string {
	var arms []string
	depth := 0
	start := 0
	for i := 0; i < len(s) && len(arms) < maxArms-1; i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				arms = append(arms, s[start:i])
				start = i + 1
			}
		}
	}
	arms = append(arms, s[start:])
	return arms
}

// isTruthy matches tmux conditional semantics: truthy iff non-empty and not
// the literal string "0".
func isTruthy(s string) bool {
	return s != "" && s != "0"
}
