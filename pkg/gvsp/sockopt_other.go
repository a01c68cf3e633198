//go:build !linux

package gvsp

import "net"

func setReceiveBuffer(conn *net.UDPConn, size int) {
	conn.SetReadBuffer(size)
}
