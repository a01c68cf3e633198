// Package simcam is an in-memory camera bus, used by tests and by 'camnode --driver sim'.
package simcam

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyclopcam/camnode/pkg/pixfmt"
	"github.com/cyclopcam/camnode/server/device"
)

// Op names a device operation, for failure injection and call counting
type Op string

const (
	OpDiscover          Op = "discover"
	OpLookup            Op = "lookup"
	OpConnect           Op = "connect"
	OpImageSettingsInfo Op = "imageSettingsInfo"
	OpSetImageSettings  Op = "setImageSettings"
	OpStartCapture      Op = "startCapture"
	OpRetrieveBuffer    Op = "retrieveBuffer"
	OpStopCapture       Op = "stopCapture"
	OpDisconnect        Op = "disconnect"
)

// ErrInjected is returned by an operation that was told to fail
var ErrInjected = errors.New("simulated device failure")

type Config struct {
	Cameras       []device.CameraRecord
	NumCameras    int           // Used when Cameras is empty
	MaxWidth      int           // Sensor size
	MaxHeight     int           // Sensor size
	RowPadding    int           // Extra bytes at the end of every row
	FrameInterval time.Duration // Time it takes to produce a frame

	// Cameras that do not answer broadcast discovery, but can be reached by Lookup
	Hidden []device.CameraRecord
}

func DefaultConfig() Config {
	return Config{
		NumCameras: 2,
		MaxWidth:   1280,
		MaxHeight:  960,
	}
}

// MakeRecord creates a plausible record for simulated camera number i (zero based)
func MakeRecord(i int) device.CameraRecord {
	return device.CameraRecord{
		Model:      "Simulated GigE",
		Vendor:     "camnode",
		Serial:     fmt.Sprintf("SIM%05d", i+1),
		IP:         net.IPv4(192, 168, 7, byte(10+i)).To4(),
		MAC:        net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(i + 1)},
		SubnetMask: net.IPv4Mask(255, 255, 255, 0),
		Gateway:    net.IPv4(192, 168, 7, 1).To4(),
	}
}

// Bus is a simulated network of cameras
type Bus struct {
	cfg Config

	mu       sync.Mutex
	failures map[Op]int // remaining injected failures, negative means forever
	calls    map[Op]int
	cameras  []*Camera // every camera ever connected, in order
}

func NewBus(cfg Config) *Bus {
	if len(cfg.Cameras) == 0 {
		for i := 0; i < cfg.NumCameras; i++ {
			cfg.Cameras = append(cfg.Cameras, MakeRecord(i))
		}
	}
	if cfg.MaxWidth == 0 {
		cfg.MaxWidth = DefaultConfig().MaxWidth
	}
	if cfg.MaxHeight == 0 {
		cfg.MaxHeight = DefaultConfig().MaxHeight
	}
	return &Bus{
		cfg:      cfg,
		failures: map[Op]int{},
		calls:    map[Op]int{},
	}
}

// FailNext makes the next n calls of op fail with ErrInjected.
// If n is negative, op fails until FailNext(op, 0) is called.
func (b *Bus) FailNext(op Op, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = n
}

// Calls returns the number of times that op has been invoked, on the bus or any of its cameras
func (b *Bus) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// LastCamera returns the most recently connected camera, or nil
func (b *Bus) LastCamera() *Camera {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cameras) == 0 {
		return nil
	}
	return b.cameras[len(b.cameras)-1]
}

// enter counts the call, and consumes an injected failure if there is one
func (b *Bus) enter(op Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	n := b.failures[op]
	if n == 0 {
		return nil
	}
	if n > 0 {
		b.failures[op] = n - 1
	}
	return fmt.Errorf("%v: %w", op, ErrInjected)
}

func (b *Bus) Discover(ctx context.Context, max int) ([]device.CameraRecord, error) {
	if err := b.enter(OpDiscover); err != nil {
		return nil, err
	}
	list := append([]device.CameraRecord(nil), b.cfg.Cameras...)
	if max > 0 && len(list) > max {
		list = list[:max]
	}
	return list, nil
}

func (b *Bus) find(ip net.IP) (device.CameraRecord, bool) {
	for _, list := range [][]device.CameraRecord{b.cfg.Cameras, b.cfg.Hidden} {
		for _, r := range list {
			if r.IP.Equal(ip) {
				return r, true
			}
		}
	}
	return device.CameraRecord{}, false
}

func (b *Bus) Lookup(ctx context.Context, ip net.IP) (device.Handle, error) {
	if err := b.enter(OpLookup); err != nil {
		return device.Handle{}, err
	}
	r, ok := b.find(ip)
	if !ok {
		return device.Handle{}, fmt.Errorf("%w at %v", device.ErrNotFound, ip)
	}
	return device.Handle{IP: r.IP, Key: r.Serial}, nil
}

func (b *Bus) Connect(ctx context.Context, handle device.Handle) (device.Camera, error) {
	if err := b.enter(OpConnect); err != nil {
		return nil, err
	}
	r, ok := b.find(handle.IP)
	if !ok || r.Serial != handle.Key {
		return nil, fmt.Errorf("%w: stale handle %v", device.ErrNotFound, handle.IP)
	}
	cam := &Camera{
		bus:       b,
		Record:    r,
		connected: true,
		settings: device.ImageSettings{
			Width:       b.cfg.MaxWidth,
			Height:      b.cfg.MaxHeight,
			PixelFormat: pixfmt.RGB8,
		},
	}
	b.mu.Lock()
	b.cameras = append(b.cameras, cam)
	b.mu.Unlock()
	return cam, nil
}

// Camera is a simulated camera connection
type Camera struct {
	Record device.CameraRecord

	bus       *Bus
	mu        sync.Mutex
	connected bool
	capturing bool
	settings  device.ImageSettings
	frame     uint64
	buf       []byte
}

// Connected is false after Disconnect
func (c *Camera) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Camera) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Settings returns the image settings most recently applied
func (c *Camera) Settings() device.ImageSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Camera) check(op Op) error {
	if err := c.bus.enter(op); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("%v: camera %v is disconnected", op, c.Record.Serial)
	}
	return nil
}

func (c *Camera) ImageSettingsInfo(ctx context.Context) (device.ImageSettingsInfo, error) {
	if err := c.check(OpImageSettingsInfo); err != nil {
		return device.ImageSettingsInfo{}, err
	}
	return device.ImageSettingsInfo{
		MaxWidth:   c.bus.cfg.MaxWidth,
		MaxHeight:  c.bus.cfg.MaxHeight,
		OffsetStep: 2,
		SizeStep:   2,
	}, nil
}

func (c *Camera) SetImageSettings(ctx context.Context, s device.ImageSettings) error {
	if err := c.check(OpSetImageSettings); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capturing {
		return errors.New("image settings are locked during capture")
	}
	if s.Width <= 0 || s.Height <= 0 || s.OffsetX < 0 || s.OffsetY < 0 ||
		s.OffsetX+s.Width > c.bus.cfg.MaxWidth || s.OffsetY+s.Height > c.bus.cfg.MaxHeight {
		return fmt.Errorf("image settings %vx%v+%v+%v do not fit on sensor %vx%v", s.Width, s.Height, s.OffsetX, s.OffsetY, c.bus.cfg.MaxWidth, c.bus.cfg.MaxHeight)
	}
	if s.PixelFormat.BytesPerPixel() == 0 {
		return fmt.Errorf("pixel format %v: %w", s.PixelFormat, pixfmt.ErrUnsupported)
	}
	c.settings = s
	return nil
}

func (c *Camera) StartCapture(ctx context.Context) error {
	if err := c.check(OpStartCapture); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capturing {
		return errors.New("capture already started")
	}
	c.capturing = true
	return nil
}

func (c *Camera) StopCapture(ctx context.Context) error {
	if err := c.check(OpStopCapture); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.capturing {
		return device.ErrNotCapturing
	}
	c.capturing = false
	return nil
}

func (c *Camera) Disconnect(ctx context.Context) error {
	if err := c.check(OpDisconnect); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.capturing = false
	return nil
}

// RetrieveBuffer waits FrameInterval and then produces a synthetic frame.
// Every frame is different, because the pattern is shifted by the frame number.
func (c *Camera) RetrieveBuffer(ctx context.Context) (*device.RawImage, error) {
	if err := c.check(OpRetrieveBuffer); err != nil {
		return nil, err
	}
	if c.bus.cfg.FrameInterval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.bus.cfg.FrameInterval):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.capturing {
		return nil, device.ErrNotCapturing
	}
	c.frame++
	s := c.settings
	stride := s.Width*s.PixelFormat.BytesPerPixel() + c.bus.cfg.RowPadding
	size := stride * s.Height
	if cap(c.buf) < size {
		c.buf = make([]byte, size)
	}
	c.buf = c.buf[:size]
	FillPattern(c.buf, s.PixelFormat, s.Width, s.Height, stride, c.frame)

	return &device.RawImage{
		Width:        s.Width,
		Height:       s.Height,
		PixelFormat:  s.PixelFormat,
		Data:         c.buf,
		ReceivedSize: size,
		Timestamp:    c.frame * 33_333_333,
		BlockID:      c.frame,
	}, nil
}

// PaddingByte fills row padding, so that tests can detect padding leaking into images
const PaddingByte = 0xEE

// FillPattern draws frame number 'frame' into buf.
// For 3 channel formats, channel 0 is (x + frame), channel 1 is (y + frame), and channel 2 is frame*7.
func FillPattern(buf []byte, format pixfmt.Format, width, height, stride int, frame uint64) {
	bpp := format.BytesPerPixel()
	f := byte(frame)
	for y := 0; y < height; y++ {
		row := buf[y*stride : (y+1)*stride]
		for x := 0; x < width; x++ {
			p := row[x*bpp : (x+1)*bpp]
			switch bpp {
			case 1:
				p[0] = byte(x+y) + f
			case 3:
				p[0] = byte(x) + f
				p[1] = byte(y) + f
				p[2] = f * 7
			}
		}
		for i := width * bpp; i < stride; i++ {
			row[i] = PaddingByte
		}
	}
}
