// Package gvsp receives images from GigE Vision cameras.
//
// A camera sends each image as a block of UDP packets: a leader that describes the image,
// payload packets that carry the pixels, and a trailer that ends the block.
package gvsp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const headerSize = 8

// PacketFormat is the low nibble of byte 4 of the GVSP header
type PacketFormat uint8

const (
	FormatLeader  PacketFormat = 1
	FormatTrailer PacketFormat = 2
	FormatPayload PacketFormat = 3
)

// Only image payloads are supported
const PayloadTypeImage = 0x0001

const leaderSize = headerSize + 36
const trailerSize = headerSize + 8

var ErrMalformed = errors.New("malformed gvsp packet")
var ErrUnsupportedPayload = errors.New("unsupported gvsp payload type")

type Header struct {
	Status   uint16
	BlockID  uint16
	Format   PacketFormat
	PacketID uint32 // 24 bits
}

// Leader describes the image that follows
type Leader struct {
	PayloadType uint16
	Timestamp   uint64 // device ticks
	PixelFormat uint32
	Width       int
	Height      int
	OffsetX     int
	OffsetY     int
	PaddingX    int // bytes at the end of every row
	PaddingY    int // bytes at the end of the image
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, ErrMalformed
	}
	return Header{
		Status:   binary.BigEndian.Uint16(b[0:]),
		BlockID:  binary.BigEndian.Uint16(b[2:]),
		Format:   PacketFormat(b[4] & 0x0f),
		PacketID: uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
	}, nil
}

func encodeHeader(b []byte, h Header) {
	binary.BigEndian.PutUint16(b[0:], h.Status)
	binary.BigEndian.PutUint16(b[2:], h.BlockID)
	b[4] = byte(h.Format) & 0x0f
	b[5] = byte(h.PacketID >> 16)
	b[6] = byte(h.PacketID >> 8)
	b[7] = byte(h.PacketID)
}

func DecodeLeader(b []byte) (Leader, error) {
	if len(b) < leaderSize {
		return Leader{}, fmt.Errorf("%w: leader is %v bytes", ErrMalformed, len(b))
	}
	p := b[headerSize:]
	l := Leader{
		PayloadType: binary.BigEndian.Uint16(p[2:]),
		Timestamp:   uint64(binary.BigEndian.Uint32(p[4:]))<<32 | uint64(binary.BigEndian.Uint32(p[8:])),
		PixelFormat: binary.BigEndian.Uint32(p[12:]),
		Width:       int(binary.BigEndian.Uint32(p[16:])),
		Height:      int(binary.BigEndian.Uint32(p[20:])),
		OffsetX:     int(binary.BigEndian.Uint32(p[24:])),
		OffsetY:     int(binary.BigEndian.Uint32(p[28:])),
		PaddingX:    int(binary.BigEndian.Uint16(p[32:])),
		PaddingY:    int(binary.BigEndian.Uint16(p[34:])),
	}
	if l.PayloadType != PayloadTypeImage {
		return l, fmt.Errorf("%w: 0x%04x", ErrUnsupportedPayload, l.PayloadType)
	}
	return l, nil
}

// EncodeLeader builds a leader packet. Cameras do this, and so do our tests.
func EncodeLeader(blockID uint16, l Leader) []byte {
	b := make([]byte, leaderSize)
	encodeHeader(b, Header{BlockID: blockID, Format: FormatLeader, PacketID: 0})
	p := b[headerSize:]
	binary.BigEndian.PutUint16(p[2:], PayloadTypeImage)
	binary.BigEndian.PutUint32(p[4:], uint32(l.Timestamp>>32))
	binary.BigEndian.PutUint32(p[8:], uint32(l.Timestamp))
	binary.BigEndian.PutUint32(p[12:], l.PixelFormat)
	binary.BigEndian.PutUint32(p[16:], uint32(l.Width))
	binary.BigEndian.PutUint32(p[20:], uint32(l.Height))
	binary.BigEndian.PutUint32(p[24:], uint32(l.OffsetX))
	binary.BigEndian.PutUint32(p[28:], uint32(l.OffsetY))
	binary.BigEndian.PutUint16(p[32:], uint16(l.PaddingX))
	binary.BigEndian.PutUint16(p[34:], uint16(l.PaddingY))
	return b
}

// EncodePayload builds a payload packet
func EncodePayload(blockID uint16, packetID uint32, data []byte) []byte {
	b := make([]byte, headerSize+len(data))
	encodeHeader(b, Header{BlockID: blockID, Format: FormatPayload, PacketID: packetID})
	copy(b[headerSize:], data)
	return b
}

// EncodeTrailer builds a trailer packet
func EncodeTrailer(blockID uint16, packetID uint32, height int) []byte {
	b := make([]byte, trailerSize)
	encodeHeader(b, Header{BlockID: blockID, Format: FormatTrailer, PacketID: packetID})
	binary.BigEndian.PutUint16(b[headerSize+2:], PayloadTypeImage)
	binary.BigEndian.PutUint32(b[headerSize+4:], uint32(height))
	return b
}

// Packetize splits an image into the packets that a camera would send,
// with at most 'chunk' bytes of pixel data per payload packet.
func Packetize(blockID uint16, l Leader, data []byte, chunk int) [][]byte {
	packets := [][]byte{EncodeLeader(blockID, l)}
	id := uint32(1)
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		packets = append(packets, EncodePayload(blockID, id, data[off:end]))
		id++
	}
	packets = append(packets, EncodeTrailer(blockID, id, l.Height))
	return packets
}
