//go:build unix

package socket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control applies Options to the raw descriptor before bind.
func control(opts Options) func(network, address string, rc syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		var sockErr error
		err := rc.Control(func(fd uintptr) {
			if opts.Broadcast {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); sockErr != nil {
					return
				}
			}
			if opts.ReceiveBuffer > 0 {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReceiveBuffer); sockErr != nil {
					return
				}
			}
			if opts.SendBuffer > 0 {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
