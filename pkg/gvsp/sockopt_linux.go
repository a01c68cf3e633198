//go:build linux

package gvsp

import (
	"net"

	"golang.org/x/sys/unix"
)

// SO_RCVBUFFORCE ignores net.core.rmem_max, but needs CAP_NET_ADMIN.
// Without the capability we fall back to SO_RCVBUF, which the kernel clamps.
func setReceiveBuffer(conn *net.UDPConn, size int) {
	raw, err := conn.SyscallConn()
	if err == nil {
		var sockErr error
		raw.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, size)
		})
		if sockErr == nil {
			return
		}
	}
	conn.SetReadBuffer(size)
}
