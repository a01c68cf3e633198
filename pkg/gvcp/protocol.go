// Package gvcp implements the parts of the GigE Vision Control Protocol that we need to
// find cameras on the local network, take control of them, and read/write their registers.
//
// All GVCP traffic is UDP on port 3956, big endian.
package gvcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Port is the well known GVCP port on the device
const Port = 3956

const headerKey = 0x42
const headerSize = 8

// Command flags
const (
	FlagAckRequired       = 0x01
	FlagAllowBroadcastAck = 0x10 // Discovery only: device may broadcast its reply
)

type Command uint16

const (
	CmdDiscovery Command = 0x0002
	AckDiscovery Command = 0x0003
	CmdReadReg   Command = 0x0080
	AckReadReg   Command = 0x0081
	CmdWriteReg  Command = 0x0082
	AckWriteReg  Command = 0x0083
)

// Bootstrap registers, which are at fixed addresses on every GigE Vision device
const (
	RegHeartbeatTimeout uint32 = 0x0938 // milliseconds
	RegCCP              uint32 = 0x0A00 // control channel privilege
	RegSCP0             uint32 = 0x0D00 // stream channel 0 host port
	RegSCPS0            uint32 = 0x0D04 // stream channel 0 packet size
	RegSCDA0            uint32 = 0x0D18 // stream channel 0 destination address
)

// Values for RegCCP
const (
	CCPExclusive uint32 = 1 << 0
	CCPControl   uint32 = 1 << 1
)

// Status is the status code of an acknowledge
type Status uint16

const StatusSuccess Status = 0x0000

var statusNames = map[Status]string{
	0x8001: "NOT_IMPLEMENTED",
	0x8002: "INVALID_PARAMETER",
	0x8003: "INVALID_ADDRESS",
	0x8004: "WRITE_PROTECT",
	0x8005: "BAD_ALIGNMENT",
	0x8006: "ACCESS_DENIED",
	0x8007: "BUSY",
	0x800B: "PACKET_UNAVAILABLE",
	0x800C: "DATA_OVERRUN",
	0x800D: "INVALID_HEADER",
	0x8FFF: "ERROR",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(s))
}

// StatusError is returned when the device answers with a non-success status
type StatusError struct {
	Command Command
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gvcp command 0x%04x failed with status %v", uint16(e.Command), e.Status)
}

var ErrMalformed = errors.New("malformed gvcp packet")

// Packet is a decoded command (sent by host) or acknowledge (sent by device)
type Packet struct {
	Flags   uint8  // commands only
	Status  Status // acks only
	Command Command
	ID      uint16
	Payload []byte
}

// EncodeCommand builds a command packet
func EncodeCommand(cmd Command, id uint16, flags uint8, payload []byte) []byte {
	b := make([]byte, headerSize+len(payload))
	b[0] = headerKey
	b[1] = flags
	binary.BigEndian.PutUint16(b[2:], uint16(cmd))
	binary.BigEndian.PutUint16(b[4:], uint16(len(payload)))
	binary.BigEndian.PutUint16(b[6:], id)
	copy(b[headerSize:], payload)
	return b
}

// DecodeCommand parses a command packet (this is what a device does)
func DecodeCommand(b []byte) (Packet, error) {
	if len(b) < headerSize || b[0] != headerKey {
		return Packet{}, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(b[4:]))
	if len(b) < headerSize+n {
		return Packet{}, ErrMalformed
	}
	return Packet{
		Flags:   b[1],
		Command: Command(binary.BigEndian.Uint16(b[2:])),
		ID:      binary.BigEndian.Uint16(b[6:]),
		Payload: b[headerSize : headerSize+n],
	}, nil
}

// EncodeAck builds an acknowledge packet (this is what a device does)
func EncodeAck(status Status, answer Command, id uint16, payload []byte) []byte {
	b := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(b[0:], uint16(status))
	binary.BigEndian.PutUint16(b[2:], uint16(answer))
	binary.BigEndian.PutUint16(b[4:], uint16(len(payload)))
	binary.BigEndian.PutUint16(b[6:], id)
	copy(b[headerSize:], payload)
	return b
}

// DecodeAck parses an acknowledge packet
func DecodeAck(b []byte) (Packet, error) {
	if len(b) < headerSize {
		return Packet{}, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(b[4:]))
	if len(b) < headerSize+n {
		return Packet{}, ErrMalformed
	}
	return Packet{
		Status:  Status(binary.BigEndian.Uint16(b[0:])),
		Command: Command(binary.BigEndian.Uint16(b[2:])),
		ID:      binary.BigEndian.Uint16(b[6:]),
		Payload: b[headerSize : headerSize+n],
	}, nil
}

// Size of the discovery ack payload, which mirrors the first bootstrap registers
const discoveryAckSize = 248

// DeviceInfo is the content of a discovery acknowledge
type DeviceInfo struct {
	SpecMajor        uint16
	SpecMinor        uint16
	DeviceMode       uint32
	MAC              net.HardwareAddr
	IP               net.IP
	SubnetMask       net.IPMask
	Gateway          net.IP
	Manufacturer     string
	Model            string
	DeviceVersion    string
	ManufacturerInfo string
	Serial           string
	UserName         string
}

// DecodeDiscoveryAck parses the payload of a discovery acknowledge
func DecodeDiscoveryAck(p []byte) (DeviceInfo, error) {
	if len(p) < discoveryAckSize {
		return DeviceInfo{}, fmt.Errorf("%w: discovery ack is %v bytes", ErrMalformed, len(p))
	}
	d := DeviceInfo{
		SpecMajor:        binary.BigEndian.Uint16(p[0:]),
		SpecMinor:        binary.BigEndian.Uint16(p[2:]),
		DeviceMode:       binary.BigEndian.Uint32(p[4:]),
		MAC:              net.HardwareAddr(append([]byte(nil), p[10:16]...)),
		IP:               net.IPv4(p[36], p[37], p[38], p[39]).To4(),
		SubnetMask:       net.IPv4Mask(p[52], p[53], p[54], p[55]),
		Gateway:          net.IPv4(p[68], p[69], p[70], p[71]).To4(),
		Manufacturer:     cString(p[72:104]),
		Model:            cString(p[104:136]),
		DeviceVersion:    cString(p[136:168]),
		ManufacturerInfo: cString(p[168:216]),
		Serial:           cString(p[216:232]),
		UserName:         cString(p[232:248]),
	}
	return d, nil
}

// EncodeDiscoveryAck is the inverse of DecodeDiscoveryAck
func (d *DeviceInfo) EncodeDiscoveryAck() []byte {
	p := make([]byte, discoveryAckSize)
	binary.BigEndian.PutUint16(p[0:], d.SpecMajor)
	binary.BigEndian.PutUint16(p[2:], d.SpecMinor)
	binary.BigEndian.PutUint32(p[4:], d.DeviceMode)
	copy(p[10:16], d.MAC)
	copy(p[36:40], d.IP.To4())
	copy(p[52:56], d.SubnetMask)
	copy(p[68:72], d.Gateway.To4())
	copy(p[72:104], d.Manufacturer)
	copy(p[104:136], d.Model)
	copy(p[136:168], d.DeviceVersion)
	copy(p[168:216], d.ManufacturerInfo)
	copy(p[216:232], d.Serial)
	copy(p[232:248], d.UserName)
	return p
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i != -1 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func encodeReadReg(addrs []uint32) []byte {
	b := make([]byte, 4*len(addrs))
	for i, a := range addrs {
		binary.BigEndian.PutUint32(b[i*4:], a)
	}
	return b
}

func encodeWriteReg(addr, value uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:], addr)
	binary.BigEndian.PutUint32(b[4:], value)
	return b
}
