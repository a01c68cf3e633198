// Package gvcptest provides an in-process GigE Vision device for tests.
// It answers GVCP on a loopback UDP port, and keeps a simple register file.
package gvcptest

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/cyclopcam/camnode/pkg/gvcp"
)

const (
	statusInvalidAddress gvcp.Status = 0x8003
)

// Device is a fake camera control channel
type Device struct {
	Info gvcp.DeviceInfo

	mu        sync.Mutex
	onWrite   func(addr, value uint32) gvcp.Status
	registers map[uint32]uint32
	dropNext  int
	host      *net.UDPAddr
	conn      *net.UDPConn
	done      chan struct{}
}

// Start listens on a loopback port and serves GVCP until Close
func Start(info gvcp.DeviceInfo) (*Device, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	d := &Device{
		Info:      info,
		registers: map[uint32]uint32{},
		conn:      conn,
		done:      make(chan struct{}),
	}
	go d.serve()
	return d, nil
}

// Addr is the device's GVCP address
func (d *Device) Addr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Host is the address of the last host that sent us a command
func (d *Device) Host() *net.UDPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host
}

func (d *Device) Close() {
	d.conn.Close()
	<-d.done
}

func (d *Device) SetRegister(addr, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registers[addr] = value
}

func (d *Device) Register(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registers[addr]
}

// SetOnWrite installs a hook that is called (without the lock held) before a register is written.
// Returning a non-success status makes the write fail, and the register keeps its old value.
func (d *Device) SetOnWrite(fn func(addr, value uint32) gvcp.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onWrite = fn
}

// DropNext makes the device ignore the next n commands, to exercise client retries
func (d *Device) DropNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropNext = n
}

func (d *Device) serve() {
	defer close(d.done)
	buf := make([]byte, 1500)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		cmd, err := gvcp.DecodeCommand(buf[:n])
		if err != nil {
			continue
		}
		d.mu.Lock()
		d.host = from
		drop := d.dropNext > 0
		if drop {
			d.dropNext--
		}
		d.mu.Unlock()
		if drop {
			continue
		}
		if reply := d.handle(cmd); reply != nil {
			d.conn.WriteToUDP(reply, from)
		}
	}
}

func (d *Device) handle(cmd gvcp.Packet) []byte {
	switch cmd.Command {
	case gvcp.CmdDiscovery:
		return gvcp.EncodeAck(gvcp.StatusSuccess, gvcp.AckDiscovery, cmd.ID, d.Info.EncodeDiscoveryAck())
	case gvcp.CmdReadReg:
		out := make([]byte, len(cmd.Payload)/4*4)
		d.mu.Lock()
		defer d.mu.Unlock()
		for i := 0; i+4 <= len(cmd.Payload); i += 4 {
			addr := binary.BigEndian.Uint32(cmd.Payload[i:])
			v, ok := d.registers[addr]
			if !ok {
				return gvcp.EncodeAck(statusInvalidAddress, gvcp.AckReadReg, cmd.ID, nil)
			}
			binary.BigEndian.PutUint32(out[i:], v)
		}
		return gvcp.EncodeAck(gvcp.StatusSuccess, gvcp.AckReadReg, cmd.ID, out)
	case gvcp.CmdWriteReg:
		d.mu.Lock()
		onWrite := d.onWrite
		d.mu.Unlock()
		index := uint16(0)
		for i := 0; i+8 <= len(cmd.Payload); i += 8 {
			addr := binary.BigEndian.Uint32(cmd.Payload[i:])
			value := binary.BigEndian.Uint32(cmd.Payload[i+4:])
			if onWrite != nil {
				if status := onWrite(addr, value); status != gvcp.StatusSuccess {
					ack := make([]byte, 4)
					binary.BigEndian.PutUint16(ack[2:], index)
					return gvcp.EncodeAck(status, gvcp.AckWriteReg, cmd.ID, ack)
				}
			}
			d.SetRegister(addr, value)
			index++
		}
		ack := make([]byte, 4)
		binary.BigEndian.PutUint16(ack[2:], index)
		return gvcp.EncodeAck(gvcp.StatusSuccess, gvcp.AckWriteReg, cmd.ID, ack)
	}
	return nil
}
