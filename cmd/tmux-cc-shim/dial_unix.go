//go:build !windows

package main

import "net"

// dialCC connects to the control-mode transport named by WEZTERM_TMUX_CC,
// a Unix-domain socket path on this platform (§6).
func dialCC(addr string) (net.Conn, error) {
	return net.Dial("unix", addr)
}
