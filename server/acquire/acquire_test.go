package acquire

import (
	"context"
	"errors"
	"testing"

	"github.com/cyclopcam/camnode/pkg/pixfmt"
	"github.com/cyclopcam/camnode/server/catalog"
	"github.com/cyclopcam/camnode/server/device"
	"github.com/cyclopcam/camnode/server/device/simcam"
	"github.com/cyclopcam/camnode/server/session"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	raw *device.RawImage
	err error
}

func (f *fixedSource) Retrieve(ctx context.Context) (*device.RawImage, error) {
	return f.raw, f.err
}

// A BGR8 buffer with 7 bytes of padding on every row
func paddedBGR(width, height, padding int) *device.RawImage {
	stride := width*3 + padding
	data := make([]byte, stride*height)
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			p := data[r*stride+c*3:]
			p[0] = byte(r)
			p[1] = byte(c)
			p[2] = byte(r*16 + c)
		}
		for i := width * 3; i < stride; i++ {
			data[r*stride+i] = 0xEE
		}
	}
	return &device.RawImage{
		Width:        width,
		Height:       height,
		PixelFormat:  pixfmt.BGR8,
		Data:         data,
		ReceivedSize: len(data),
	}
}

func TestPaddedStride(t *testing.T) {
	raw := paddedBGR(5, 4, 7)
	strideBytes := 5*3 + 7

	wrapped, err := wrapBGR(raw)
	require.NoError(t, err)
	require.Equal(t, strideBytes, wrapped.Stride)
	for r := 0; r < 4; r++ {
		for c := 0; c < 5; c++ {
			p := wrapped.Pixels[r*strideBytes+c*3:]
			require.Equal(t, []byte{byte(r), byte(c), byte(r*16 + c)}, p[:3], "pixel %v,%v", r, c)
		}
	}

	img, err := ToBGR(raw)
	require.NoError(t, err)
	require.Equal(t, 5, img.Width)
	require.Equal(t, 4, img.Height)
	for r := 0; r < 4; r++ {
		for c := 0; c < 5; c++ {
			p := img.Pixels[r*img.Stride+c*3:]
			require.Equal(t, []byte{byte(r), byte(c), byte(r*16 + c)}, p[:3])
		}
	}
	require.NotContains(t, img.Pixels, byte(0xEE))
}

func TestAcquireCopiesOut(t *testing.T) {
	raw := paddedBGR(8, 2, 4)
	src := &fixedSource{raw: raw}
	frame, err := Acquire(context.Background(), src)
	require.NoError(t, err)
	before := append([]byte(nil), frame.Image.Pixels...)

	// The device reuses its buffer for the next image
	for i := range raw.Data {
		raw.Data[i] = 0
	}
	require.Equal(t, before, frame.Image.Pixels)
}

func TestAcquireRGBFromSimulator(t *testing.T) {
	ctx := context.Background()
	bus := simcam.NewBus(simcam.Config{NumCameras: 1, MaxWidth: 32, MaxHeight: 32, RowPadding: 9})
	s := session.New(logs.NewTestingLog(t), bus)
	h, err := bus.Lookup(ctx, simcam.MakeRecord(0).IP)
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx, h))
	_, err = s.Configure(ctx, 16, 8)
	require.NoError(t, err)
	require.NoError(t, s.StartCapture(ctx))

	frame, err := Acquire(ctx, s)
	require.NoError(t, err)
	require.Equal(t, uint64(1), frame.BlockID)
	img := frame.Image
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			p := img.Pixels[y*img.Stride+x*3:]
			// simcam draws R=x+frame, G=y+frame, B=frame*7, and we want BGR
			require.Equal(t, []byte{7, byte(y + 1), byte(x + 1)}, p[:3])
		}
	}
}

func TestAcquireFailures(t *testing.T) {
	ctx := context.Background()
	frame, err := Acquire(ctx, &fixedSource{err: errors.New("timeout")})
	require.Error(t, err)
	require.Nil(t, frame)

	bad := paddedBGR(4, 4, 0)
	bad.PixelFormat = 0x01100003 // Mono16
	frame, err = Acquire(ctx, &fixedSource{raw: bad})
	require.ErrorIs(t, err, pixfmt.ErrUnsupported)
	require.Nil(t, frame)

	frame, err = Acquire(ctx, &fixedSource{raw: &device.RawImage{Width: 4, Height: 4, PixelFormat: pixfmt.BGR8}})
	require.ErrorIs(t, err, ErrEmptyBuffer)
	require.Nil(t, frame)
}

func TestEndToEndTwoCameras(t *testing.T) {
	ctx := context.Background()
	log := logs.NewTestingLog(t)
	bus := simcam.NewBus(simcam.Config{NumCameras: 2, MaxWidth: 1280, MaxHeight: 960})

	records, err := catalog.Enumerate(ctx, bus, 10, log)
	require.NoError(t, err)
	require.Len(t, records, 2)
	sel, err := catalog.Select(ctx, bus, records, catalog.IndexChooser(2))
	require.NoError(t, err)
	require.Equal(t, records[1].IP.String(), sel.Address)

	s := session.New(log, bus)
	require.NoError(t, s.Connect(ctx, sel.Handle))
	cfg, err := s.Configure(ctx, 640, 480)
	require.NoError(t, err)
	require.Equal(t, 320, cfg.OffsetX)
	require.Equal(t, 240, cfg.OffsetY)
	require.NoError(t, s.StartCapture(ctx))
	require.Equal(t, records[1].Serial, bus.LastCamera().Record.Serial)

	var frames []*Frame
	for i := 0; i < 3; i++ {
		f, err := Acquire(ctx, s)
		require.NoError(t, err)
		require.Equal(t, 640, f.Image.Width)
		require.Equal(t, 480, f.Image.Height)
		for _, prev := range frames {
			require.NotEqual(t, prev.Image.Pixels, f.Image.Pixels)
		}
		frames = append(frames, f)
	}

	require.NoError(t, s.StopCapture(ctx))
	require.NoError(t, s.Disconnect(ctx))
	require.Equal(t, session.Closed, s.State())
}
