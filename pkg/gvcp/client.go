package gvcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client talks GVCP to a single device.
// GVCP allows only one outstanding command, so all requests are serialized.
type Client struct {
	Timeout time.Duration // per attempt
	Retries int           // additional attempts after a timeout

	conn   *net.UDPConn
	mu     sync.Mutex
	nextID uint16
}

// Dial creates a client for the device at ip, on the standard GVCP port
func Dial(ip net.IP) (*Client, error) {
	return DialAddr(net.JoinHostPort(ip.String(), strconv.Itoa(Port)))
}

// DialAddr creates a client for the device at addr (host:port)
func DialAddr(addr string) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &Client{
		Timeout: 200 * time.Millisecond,
		Retries: 3,
		conn:    conn,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// LocalAddr is the host side of the control channel. Devices expect the stream channel
// destination to be reachable through the same interface.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// RemoteAddr is the device side of the control channel
func (c *Client) RemoteAddr() *net.UDPAddr {
	return c.conn.RemoteAddr().(*net.UDPAddr)
}

// ReadRegister reads a single 32-bit register
func (c *Client) ReadRegister(ctx context.Context, addr uint32) (uint32, error) {
	v, err := c.ReadRegisters(ctx, addr)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// ReadRegisters reads several 32-bit registers in a single request
func (c *Client) ReadRegisters(ctx context.Context, addrs ...uint32) ([]uint32, error) {
	ack, err := c.transact(ctx, CmdReadReg, AckReadReg, FlagAckRequired, encodeReadReg(addrs))
	if err != nil {
		return nil, err
	}
	if len(ack.Payload) < 4*len(addrs) {
		return nil, fmt.Errorf("%w: readreg ack has %v bytes for %v registers", ErrMalformed, len(ack.Payload), len(addrs))
	}
	values := make([]uint32, len(addrs))
	for i := range values {
		values[i] = binary.BigEndian.Uint32(ack.Payload[i*4:])
	}
	return values, nil
}

// WriteRegister writes a single 32-bit register
func (c *Client) WriteRegister(ctx context.Context, addr, value uint32) error {
	_, err := c.transact(ctx, CmdWriteReg, AckWriteReg, FlagAckRequired, encodeWriteReg(addr, value))
	if err != nil {
		return fmt.Errorf("write register 0x%04x: %w", addr, err)
	}
	return nil
}

// Discover sends a unicast discovery command to the device
func (c *Client) Discover(ctx context.Context) (DeviceInfo, error) {
	ack, err := c.transact(ctx, CmdDiscovery, AckDiscovery, FlagAckRequired, nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	return DecodeDiscoveryAck(ack.Payload)
}

func (c *Client) transact(ctx context.Context, cmd, answer Command, flags uint8, payload []byte) (Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	if c.nextID == 0 {
		// zero is not a valid request id
		c.nextID = 1
	}
	id := c.nextID
	req := EncodeCommand(cmd, id, flags, payload)
	buf := make([]byte, 1500)

	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}
		if _, err := c.conn.Write(req); err != nil {
			return Packet{}, err
		}
		deadline := time.Now().Add(c.Timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		c.conn.SetReadDeadline(deadline)
		for {
			n, err := c.conn.Read(buf)
			if err != nil {
				lastErr = err
				break
			}
			ack, err := DecodeAck(buf[:n])
			if err != nil || ack.ID != id {
				// stale reply to a request that we already gave up on
				continue
			}
			if ack.Status != StatusSuccess {
				return ack, &StatusError{Command: cmd, Status: ack.Status}
			}
			if ack.Command != answer {
				return ack, fmt.Errorf("%w: expected ack 0x%04x, got 0x%04x", ErrMalformed, uint16(answer), uint16(ack.Command))
			}
			return ack, nil
		}
		var netErr net.Error
		if !(errors.As(lastErr, &netErr) && netErr.Timeout()) {
			return Packet{}, lastErr
		}
	}
	return Packet{}, fmt.Errorf("gvcp command 0x%04x to %v: no answer after %v attempts: %w", uint16(cmd), c.conn.RemoteAddr(), c.Retries+1, lastErr)
}
