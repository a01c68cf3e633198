package gvsp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testImage(width, height, padding int) []byte {
	stride := width*3 + padding
	data := make([]byte, stride*height)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func sendPackets(t *testing.T, r *Receiver, packets [][]byte) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()})
	require.NoError(t, err)
	defer conn.Close()
	for _, p := range packets {
		_, err := conn.Write(p)
		require.NoError(t, err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	p := EncodePayload(0x1234, 0x0a0b0c, []byte{1, 2, 3})
	h, err := DecodeHeader(p)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), h.BlockID)
	require.Equal(t, FormatPayload, h.Format)
	require.Equal(t, uint32(0x0a0b0c), h.PacketID)

	l := Leader{PayloadType: PayloadTypeImage, Timestamp: 1<<40 + 5, PixelFormat: 0x02180014, Width: 640, Height: 480, OffsetX: 320, OffsetY: 240, PaddingX: 4}
	got, err := DecodeLeader(EncodeLeader(7, l))
	require.NoError(t, err)
	require.Equal(t, l, got)
}

func TestReceiveBlock(t *testing.T) {
	r, err := Listen(net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	defer r.Close()

	width, height, padding := 16, 8, 4
	data := testImage(width, height, padding)
	l := Leader{PayloadType: PayloadTypeImage, PixelFormat: 0x02180014, Width: width, Height: height, PaddingX: padding, Timestamp: 99}
	sendPackets(t, r, Packetize(3, l, data, 100))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	block, err := r.ReadBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(3), block.ID)
	require.Equal(t, data, block.Data)
	require.Equal(t, uint64(99), block.Leader.Timestamp)
	require.Equal(t, padding, block.Leader.PaddingX)
}

func TestIncompleteBlock(t *testing.T) {
	r, err := Listen(net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	defer r.Close()

	data := testImage(16, 8, 0)
	l := Leader{PayloadType: PayloadTypeImage, PixelFormat: 0x02180014, Width: 16, Height: 8}
	packets := Packetize(4, l, data, 100)
	// drop the second payload packet
	packets = append(packets[:2], packets[3:]...)
	sendPackets(t, r, packets)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = r.ReadBlock(ctx)
	require.Error(t, err)
	require.True(t, IsIncomplete(err))
}

func TestReadBlockHonorsContext(t *testing.T) {
	r, err := Listen(net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = r.ReadBlock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestLateInterruptIgnored(t *testing.T) {
	r, err := Listen(net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	defer r.Close()

	// First read is cancelled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.ReadBlock(ctx)
	require.ErrorIs(t, err, context.Canceled)
	stale := r.lastGen

	data := testImage(16, 8, 0)
	l := Leader{PayloadType: PayloadTypeImage, PixelFormat: 0x02180014, Width: 16, Height: 8}
	sender, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.Port()})
	require.NoError(t, err)
	defer sender.Close()
	go func() {
		time.Sleep(20 * time.Millisecond)
		// The first read's callback fires while the second read is waiting
		r.interrupt(stale)
		time.Sleep(20 * time.Millisecond)
		for _, p := range Packetize(5, l, data, 100) {
			sender.Write(p)
		}
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	block, err := r.ReadBlock(ctx2)
	require.NoError(t, err)
	require.Equal(t, uint16(5), block.ID)
}
