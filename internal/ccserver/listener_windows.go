//go:build windows

package ccserver

import "net"

// bindTransport binds a TCP loopback socket on an OS-assigned ephemeral
// port (§6 "Windows: TCP 127.0.0.1:<ephemeral>"). runtimeDir and pid are
// unused on this platform; the address alone distinguishes server
// instances, the same way the POSIX path embeds pid.
func bindTransport(runtimeDir string, pid int) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	return ln, ln.Addr().String(), nil
}
