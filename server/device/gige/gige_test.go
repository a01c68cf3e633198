package gige

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/camnode/pkg/gvcp"
	"github.com/cyclopcam/camnode/pkg/gvcp/gvcptest"
	"github.com/cyclopcam/camnode/pkg/gvsp"
	"github.com/cyclopcam/camnode/pkg/pixfmt"
	"github.com/cyclopcam/camnode/server/device"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// fakeCamera is a gvcptest.Device that streams GVSP images while acquisition is running
type fakeCamera struct {
	*gvcptest.Device
	regs RegisterMap

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

func startFakeCamera(t *testing.T) *fakeCamera {
	dev, err := gvcptest.Start(gvcp.DeviceInfo{
		MAC:          net.HardwareAddr{0x00, 0xb0, 0x9d, 0xaa, 0xbb, 0xcc},
		IP:           net.IPv4(127, 0, 0, 1).To4(),
		SubnetMask:   net.IPv4Mask(255, 0, 0, 0),
		Gateway:      net.IPv4(0, 0, 0, 0).To4(),
		Manufacturer: "Point Grey Research",
		Model:        "Blackfly BFLY-PGE-13E4C",
		Serial:       "17000001",
	})
	require.NoError(t, err)
	f := &fakeCamera{
		Device: dev,
		regs:   DefaultRegisterMap(),
	}
	f.SetRegister(f.regs.WidthMax, 64)
	f.SetRegister(f.regs.HeightMax, 48)
	f.SetOnWrite(f.onWrite)
	t.Cleanup(func() {
		f.stopStreaming()
		dev.Close()
	})
	return f
}

func (f *fakeCamera) onWrite(addr, value uint32) gvcp.Status {
	switch addr {
	case f.regs.AcquisitionStart:
		f.startStreaming()
	case f.regs.AcquisitionStop:
		f.stopStreaming()
	}
	return gvcp.StatusSuccess
}

func (f *fakeCamera) startStreaming() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		return
	}
	ip := make(net.IP, 4)
	v := f.Register(gvcp.RegSCDA0)
	ip[0], ip[1], ip[2], ip[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	dest := &net.UDPAddr{IP: ip, Port: int(f.Register(gvcp.RegSCP0))}
	leader := gvsp.Leader{
		PixelFormat: f.Register(f.regs.PixelFormat),
		Width:       int(f.Register(f.regs.Width)),
		Height:      int(f.Register(f.regs.Height)),
		OffsetX:     int(f.Register(f.regs.OffsetX)),
		OffsetY:     int(f.Register(f.regs.OffsetY)),
	}
	f.stop = make(chan struct{})
	f.stopped = make(chan struct{})
	go f.stream(dest, leader, f.stop, f.stopped)
}

func (f *fakeCamera) stopStreaming() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop == nil {
		return
	}
	close(f.stop)
	<-f.stopped
	f.stop = nil
}

func (f *fakeCamera) stream(dest *net.UDPAddr, leader gvsp.Leader, stop, stopped chan struct{}) {
	defer close(stopped)
	conn, err := net.DialUDP("udp4", nil, dest)
	if err != nil {
		return
	}
	defer conn.Close()
	bpp := pixfmt.Format(leader.PixelFormat).BytesPerPixel()
	data := make([]byte, leader.Width*leader.Height*bpp)
	for block := uint16(1); ; block++ {
		for i := range data {
			data[i] = byte(i) + byte(block)
		}
		leader.Timestamp = uint64(block) * 1000
		for _, p := range gvsp.Packetize(block, leader, data, 1000) {
			conn.Write(p)
		}
		select {
		case <-stop:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCaptureFromFakeCamera(t *testing.T) {
	fake := startFakeCamera(t)
	bus := NewBus(logs.NewTestingLog(t), Options{
		ControlPort:      fake.Addr().Port,
		HeartbeatTimeout: 30 * time.Millisecond,
		Registers:        DefaultRegisterMap(),
	})
	ctx := context.Background()

	h, err := bus.Lookup(ctx, net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, "00:b0:9d:aa:bb:cc", h.Key)

	cam, err := bus.Connect(ctx, h)
	require.NoError(t, err)
	require.Equal(t, gvcp.CCPControl, fake.Register(gvcp.RegCCP))
	require.Equal(t, uint32(30), fake.Register(gvcp.RegHeartbeatTimeout))

	info, err := cam.ImageSettingsInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, 64, info.MaxWidth)
	require.Equal(t, 48, info.MaxHeight)

	require.NoError(t, cam.SetImageSettings(ctx, device.ImageSettings{Width: 32, Height: 16, OffsetX: 16, OffsetY: 16, PixelFormat: pixfmt.RGB8}))
	require.Equal(t, uint32(32), fake.Register(fake.regs.Width))
	require.Equal(t, uint32(16), fake.Register(fake.regs.OffsetY))
	require.Equal(t, uint32(pixfmt.RGB8), fake.Register(fake.regs.PixelFormat))

	_, err = cam.RetrieveBuffer(ctx)
	require.ErrorIs(t, err, device.ErrNotCapturing)

	require.NoError(t, cam.StartCapture(ctx))
	require.Equal(t, uint32(1500), fake.Register(gvcp.RegSCPS0))
	require.NotZero(t, fake.Register(gvcp.RegSCP0))

	var previous []byte
	for i := 0; i < 3; i++ {
		readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		img, err := cam.RetrieveBuffer(readCtx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, 32, img.Width)
		require.Equal(t, 16, img.Height)
		require.Equal(t, pixfmt.RGB8, img.PixelFormat)
		require.Equal(t, 32*16*3, img.ReceivedSize)
		require.NotEqual(t, previous, img.Data)
		previous = append([]byte(nil), img.Data...)
	}

	require.NoError(t, cam.StopCapture(ctx))
	require.Zero(t, fake.Register(gvcp.RegSCP0))
	require.ErrorIs(t, cam.StopCapture(ctx), device.ErrNotCapturing)

	require.NoError(t, cam.Disconnect(ctx))
	require.Zero(t, fake.Register(gvcp.RegCCP))
}

func TestConnectRejectsStaleHandle(t *testing.T) {
	fake := startFakeCamera(t)
	bus := NewBus(logs.NewTestingLog(t), Options{ControlPort: fake.Addr().Port})
	_, err := bus.Connect(context.Background(), device.Handle{IP: net.IPv4(127, 0, 0, 1).To4(), Key: "00:00:00:00:00:01"})
	require.ErrorIs(t, err, device.ErrNotFound)
}

func TestConnectDenied(t *testing.T) {
	fake := startFakeCamera(t)
	fake.SetOnWrite(func(addr, value uint32) gvcp.Status {
		if addr == gvcp.RegCCP {
			return 0x8006
		}
		return gvcp.StatusSuccess
	})
	bus := NewBus(logs.NewTestingLog(t), Options{ControlPort: fake.Addr().Port})
	_, err := bus.Connect(context.Background(), device.Handle{IP: net.IPv4(127, 0, 0, 1).To4()})
	require.ErrorContains(t, err, "ACCESS_DENIED")
}

// Run against a real camera on the local network
func TestRealCamera(t *testing.T) {
	if ok, _ := strconv.ParseBool(os.Getenv("CAMNODE_GIGE_TEST")); !ok {
		t.Logf("CAMNODE_GIGE_TEST not set, skipping test")
		t.SkipNow()
	}
	log := logs.NewTestingLog(t)
	bus := NewBus(log, DefaultOptions())
	ctx := context.Background()
	records, err := bus.Discover(ctx, 10)
	require.NoError(t, err)
	if len(records) == 0 {
		t.Skip("No GigE cameras found")
	}
	for _, r := range records {
		t.Logf("Found %v", r.String())
	}
	h, err := bus.Lookup(ctx, records[0].IP)
	require.NoError(t, err)
	cam, err := bus.Connect(ctx, h)
	require.NoError(t, err)
	info, err := cam.ImageSettingsInfo(ctx)
	if err == nil {
		t.Logf("Sensor is %v x %v", info.MaxWidth, info.MaxHeight)
	} else {
		t.Logf("ImageSettingsInfo failed (register map is probably wrong for this model): %v", err)
	}
	require.NoError(t, cam.Disconnect(ctx))
}
