//go:build !unix

package socket

import "syscall"

// control is a no-op where golang.org/x/sys/unix is unavailable; the
// platform defaults for buffer sizes apply.
func control(Options) func(network, address string, rc syscall.RawConn) error {
	return nil
}
