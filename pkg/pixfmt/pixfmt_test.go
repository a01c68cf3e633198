package pixfmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesPerPixel(t *testing.T) {
	require.Equal(t, 1, Mono8.BytesPerPixel())
	require.Equal(t, 3, RGB8.BytesPerPixel())
	require.Equal(t, 3, BGR8.BytesPerPixel())
	require.Equal(t, 1, BayerRG8.BytesPerPixel())
	require.True(t, BayerBG8.IsBayer())
	require.False(t, RGB8.IsBayer())
	require.Equal(t, "RGB8", RGB8.String())
	require.Equal(t, "0x01100003", Format(0x01100003).String())
}

func TestRGBToBGRKeepsPadding(t *testing.T) {
	width, height, stride := 3, 2, 12 // 3 bytes of padding per row
	src := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := src[y*stride+x*3:]
			p[0], p[1], p[2] = byte(10*y+x), 100, 200
		}
		src[y*stride+9] = 0xee
	}
	dst, dstStride, err := ToBGR(RGB8, width, height, src, stride)
	require.NoError(t, err)
	require.Equal(t, stride, dstStride)
	require.Len(t, dst, stride*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := dst[y*dstStride+x*3:]
			require.Equal(t, []byte{200, 100, byte(10*y + x)}, p[:3])
		}
	}
}

func TestMono8ToBGR(t *testing.T) {
	src := []byte{1, 2, 0, 3, 4, 0} // 2x2, stride 3
	dst, dstStride, err := ToBGR(Mono8, 2, 2, src, 3)
	require.NoError(t, err)
	require.Equal(t, 9, dstStride)
	require.Equal(t, []byte{1, 1, 1, 2, 2, 2}, dst[0:6])
	require.Equal(t, []byte{3, 3, 3, 4, 4, 4}, dst[9:15])
}

func TestBayerRG8(t *testing.T) {
	// R G
	// G B
	src := []byte{
		90, 40,
		60, 10,
	}
	dst, dstStride, err := ToBGR(BayerRG8, 2, 2, src, 2)
	require.NoError(t, err)
	require.Equal(t, 6, dstStride)
	for i := 0; i < 4; i++ {
		require.Equal(t, []byte{10, 50, 90}, dst[i*3:i*3+3])
	}

	_, _, err = ToBGR(BayerRG8, 3, 2, make([]byte, 6), 3)
	require.Error(t, err)
}

func TestToBGRErrors(t *testing.T) {
	_, _, err := ToBGR(Format(0x01100003), 2, 2, make([]byte, 100), 4)
	require.ErrorIs(t, err, ErrUnsupported)

	_, _, err = ToBGR(RGB8, 4, 4, make([]byte, 10), 12)
	require.ErrorIs(t, err, ErrShortBuffer)

	_, _, err = ToBGR(RGB8, 4, 4, make([]byte, 100), 8)
	require.Error(t, err)
}
