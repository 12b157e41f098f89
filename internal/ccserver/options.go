package ccserver

import "sync"

// knownOptions is the fixed table show-options / show-window-options
// reports (§4.7). Only pane-border-format and pane-border-status have any
// effect when set; every other option is reporting-only. "default-shell"
// is the one entry the config hot-reload path (SetDefaultShellOption)
// updates at runtime; the rest are static for this server's lifetime.
var knownOptionsMu sync.RWMutex
var knownOptions = []struct{ Name, Value string }{
	{"base-index", "0"},
	{"pane-base-index", "0"},
	{"status", "off"},
	{"focus-events", "on"},
	{"default-shell", "/bin/sh"},
	{"mouse", "off"},
	{"set-titles", "off"},
	{"allow-rename", "on"},
	{"renumber-windows", "off"},
	{"aggressive-resize", "off"},
	{"mode-keys", "emacs"},
	{"remain-on-exit", "off"},
}

func optionValue(name string) (string, bool) {
	knownOptionsMu.RLock()
	defer knownOptionsMu.RUnlock()
	for _, opt := range knownOptions {
		if opt.Name == name {
			return opt.Value, true
		}
	}
	return "", false
}

func listOptions() []struct{ Name, Value string } {
	knownOptionsMu.RLock()
	defer knownOptionsMu.RUnlock()
	out := make([]struct{ Name, Value string }, len(knownOptions))
	copy(out, knownOptions)
	return out
}

// SetDefaultShellOption updates the reported "default-shell" option value,
// called from the config hot-reload path alongside
// hostmux.Manager.SetDefaultShell so show-options reflects the shell newly
// spawned panes will actually use.
func SetDefaultShellOption(shell string) {
	knownOptionsMu.Lock()
	defer knownOptionsMu.Unlock()
	for i := range knownOptions {
		if knownOptions[i].Name == "default-shell" {
			knownOptions[i].Value = shell
			return
		}
	}
}
