package simcam

import (
	"context"
	"net"
	"testing"

	"github.com/cyclopcam/camnode/pkg/pixfmt"
	"github.com/cyclopcam/camnode/server/device"
	"github.com/stretchr/testify/require"
)

func TestDiscoverAndLookup(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(Config{NumCameras: 3, Hidden: []device.CameraRecord{MakeRecord(9)}})

	all, err := bus.Discover(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	limited, err := bus.Discover(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)

	h, err := bus.Lookup(ctx, all[1].IP)
	require.NoError(t, err)
	require.Equal(t, "SIM00002", h.Key)

	// hidden cameras are not discovered, but can be looked up
	h, err = bus.Lookup(ctx, MakeRecord(9).IP)
	require.NoError(t, err)
	require.Equal(t, "SIM00010", h.Key)

	_, err = bus.Lookup(ctx, net.IPv4(10, 0, 0, 1))
	require.ErrorIs(t, err, device.ErrNotFound)
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(DefaultConfig())
	bus.FailNext(OpDiscover, 2)
	_, err := bus.Discover(ctx, 10)
	require.ErrorIs(t, err, ErrInjected)
	_, err = bus.Discover(ctx, 10)
	require.ErrorIs(t, err, ErrInjected)
	_, err = bus.Discover(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 3, bus.Calls(OpDiscover))

	bus.FailNext(OpLookup, -1)
	for i := 0; i < 5; i++ {
		_, err = bus.Lookup(ctx, MakeRecord(0).IP)
		require.Error(t, err)
	}
	bus.FailNext(OpLookup, 0)
	_, err = bus.Lookup(ctx, MakeRecord(0).IP)
	require.NoError(t, err)
}

func TestCaptureFrames(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(Config{NumCameras: 1, MaxWidth: 64, MaxHeight: 48, RowPadding: 5})
	h, err := bus.Lookup(ctx, MakeRecord(0).IP)
	require.NoError(t, err)
	cam, err := bus.Connect(ctx, h)
	require.NoError(t, err)

	_, err = cam.RetrieveBuffer(ctx)
	require.ErrorIs(t, err, device.ErrNotCapturing)

	err = cam.SetImageSettings(ctx, device.ImageSettings{Width: 64, Height: 48, OffsetX: 2, PixelFormat: pixfmt.RGB8})
	require.Error(t, err)
	require.NoError(t, cam.SetImageSettings(ctx, device.ImageSettings{Width: 32, Height: 16, OffsetX: 16, OffsetY: 16, PixelFormat: pixfmt.RGB8}))
	require.NoError(t, cam.StartCapture(ctx))

	a, err := cam.RetrieveBuffer(ctx)
	require.NoError(t, err)
	require.Equal(t, 32, a.Width)
	require.Equal(t, 16, a.Height)
	require.Equal(t, (32*3+5)*16, a.ReceivedSize)
	require.Equal(t, byte(PaddingByte), a.Data[32*3])
	first := append([]byte(nil), a.Data...)

	b, err := cam.RetrieveBuffer(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, b.Data)
	require.Equal(t, uint64(2), b.BlockID)

	require.NoError(t, cam.StopCapture(ctx))
	require.ErrorIs(t, cam.StopCapture(ctx), device.ErrNotCapturing)
	require.NoError(t, cam.Disconnect(ctx))
	require.False(t, bus.LastCamera().Connected())
	require.Error(t, cam.StartCapture(ctx))
}
