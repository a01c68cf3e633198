// Package gige drives GigE Vision cameras directly, using GVCP for control and GVSP for images.
package gige

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyclopcam/camnode/pkg/gvcp"
	"github.com/cyclopcam/camnode/pkg/gvsp"
	"github.com/cyclopcam/camnode/pkg/pixfmt"
	"github.com/cyclopcam/camnode/server/device"
	"github.com/cyclopcam/logs"
)

// RegisterMap holds the addresses of the camera specific (non-bootstrap) registers that we use.
// These differ between models, and must be taken from the camera's GenICam XML description.
type RegisterMap struct {
	WidthMax         uint32 `json:"widthMax"`
	HeightMax        uint32 `json:"heightMax"`
	Width            uint32 `json:"width"`
	Height           uint32 `json:"height"`
	OffsetX          uint32 `json:"offsetX"`
	OffsetY          uint32 `json:"offsetY"`
	PixelFormat      uint32 `json:"pixelFormat"`
	AcquisitionStart uint32 `json:"acquisitionStart"` // Command register, written with 1
	AcquisitionStop  uint32 `json:"acquisitionStop"`  // Command register, written with 1
}

// Validate rejects a map with a missing or misaligned address
func (m RegisterMap) Validate() error {
	regs := []struct {
		name string
		addr uint32
	}{
		{"widthMax", m.WidthMax},
		{"heightMax", m.HeightMax},
		{"width", m.Width},
		{"height", m.Height},
		{"offsetX", m.OffsetX},
		{"offsetY", m.OffsetY},
		{"pixelFormat", m.PixelFormat},
		{"acquisitionStart", m.AcquisitionStart},
		{"acquisitionStop", m.AcquisitionStop},
	}
	for _, r := range regs {
		if r.addr == 0 {
			return fmt.Errorf("register address '%v' is not set", r.name)
		}
		if r.addr%4 != 0 {
			return fmt.Errorf("register address '%v' (0x%X) is not 4 byte aligned", r.name, r.addr)
		}
	}
	return nil
}

// DefaultRegisterMap is the layout of the fake camera in our tests.
// It does not match any real camera. Writing it to a real camera can trigger arbitrary
// features, so real deployments must supply the addresses from the camera's GenICam XML.
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		WidthMax:         0x00010000,
		HeightMax:        0x00010004,
		Width:            0x00010010,
		Height:           0x00010014,
		OffsetX:          0x00010018,
		OffsetY:          0x0001001C,
		PixelFormat:      0x00010020,
		AcquisitionStart: 0x00010030,
		AcquisitionStop:  0x00010034,
	}
}

type Options struct {
	Interface        string        // Only discover on this network interface. Empty = all.
	DiscoveryTimeout time.Duration // How long to wait for discovery replies
	PacketSize       int           // GVSP packet size (MTU). Use 9000 for jumbo frames.
	HeartbeatTimeout time.Duration // Camera drops our control privilege if it doesn't hear from us within this time
	Registers        RegisterMap
	ControlPort      int // Zero means the standard GVCP port
}

func DefaultOptions() Options {
	return Options{
		DiscoveryTimeout: time.Second,
		PacketSize:       1500,
		HeartbeatTimeout: 3 * time.Second,
		Registers:        DefaultRegisterMap(),
	}
}

// Bus discovers and connects to GigE Vision cameras on the local network
type Bus struct {
	log logs.Log
	opt Options
}

func NewBus(log logs.Log, opt Options) *Bus {
	def := DefaultOptions()
	if opt.DiscoveryTimeout <= 0 {
		opt.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if opt.PacketSize <= 0 {
		opt.PacketSize = def.PacketSize
	}
	if opt.HeartbeatTimeout <= 0 {
		opt.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if opt.ControlPort == 0 {
		opt.ControlPort = gvcp.Port
	}
	return &Bus{
		log: log,
		opt: opt,
	}
}

func recordFromInfo(info *gvcp.DeviceInfo) device.CameraRecord {
	return device.CameraRecord{
		Model:      info.Model,
		Vendor:     info.Manufacturer,
		Serial:     info.Serial,
		UserName:   info.UserName,
		IP:         info.IP,
		MAC:        info.MAC,
		SubnetMask: info.SubnetMask,
		Gateway:    info.Gateway,
	}
}

func (b *Bus) Discover(ctx context.Context, max int) ([]device.CameraRecord, error) {
	found, err := gvcp.Discover(ctx, &gvcp.DiscoverOptions{
		Interface: b.opt.Interface,
		Timeout:   b.opt.DiscoveryTimeout,
		Max:       max,
	})
	if err != nil {
		return nil, err
	}
	records := make([]device.CameraRecord, 0, len(found))
	for i := range found {
		records = append(records, recordFromInfo(&found[i]))
	}
	return records, nil
}

func (b *Bus) dial(ip net.IP) (*gvcp.Client, error) {
	return gvcp.DialAddr(net.JoinHostPort(ip.String(), strconv.Itoa(b.opt.ControlPort)))
}

// Lookup sends a unicast discovery to ip. This works even when the camera is on a
// different subnet, where broadcast discovery would not reach it.
func (b *Bus) Lookup(ctx context.Context, ip net.IP) (device.Handle, error) {
	client, err := b.dial(ip)
	if err != nil {
		return device.Handle{}, err
	}
	defer client.Close()
	info, err := client.Discover(ctx)
	if err != nil {
		return device.Handle{}, fmt.Errorf("%w at %v: %w", device.ErrNotFound, ip, err)
	}
	return device.Handle{IP: ip.To4(), Key: info.MAC.String()}, nil
}

// Connect takes exclusive control of the camera, and keeps it alive with a heartbeat
func (b *Bus) Connect(ctx context.Context, handle device.Handle) (device.Camera, error) {
	client, err := b.dial(handle.IP)
	if err != nil {
		return nil, err
	}
	info, err := client.Discover(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if handle.Key != "" && info.MAC.String() != handle.Key {
		client.Close()
		return nil, fmt.Errorf("%w: device at %v is now %v, not %v", device.ErrNotFound, handle.IP, info.MAC, handle.Key)
	}
	if err := client.WriteRegister(ctx, gvcp.RegCCP, gvcp.CCPControl); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to take control of camera (is another program using it?): %w", err)
	}
	if err := client.WriteRegister(ctx, gvcp.RegHeartbeatTimeout, uint32(b.opt.HeartbeatTimeout.Milliseconds())); err != nil {
		b.log.Warnf("Camera %v did not accept heartbeat timeout: %v", handle.IP, err)
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	c := &Camera{
		log:    b.log,
		opt:    b.opt,
		record: recordFromInfo(&info),
		client: client,
		stopHB: hbCancel,
	}
	c.heartbeatWG.Add(1)
	go c.heartbeat(hbCtx)
	b.log.Infof("Connected to %v %v at %v", info.Manufacturer, info.Model, handle.IP)
	return c, nil
}

// Camera is an open GVCP control channel, plus a GVSP stream channel while capturing
type Camera struct {
	log         logs.Log
	opt         Options
	record      device.CameraRecord
	client      *gvcp.Client
	stopHB      context.CancelFunc
	heartbeatWG sync.WaitGroup
	receiver    *gvsp.Receiver
}

// heartbeat reads CCP periodically, which any GVCP command counts as
func (c *Camera) heartbeat(ctx context.Context) {
	defer c.heartbeatWG.Done()
	ticker := time.NewTicker(c.opt.HeartbeatTimeout / 3)
	defer ticker.Stop()
	nFail := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.client.ReadRegister(ctx, gvcp.RegCCP)
			if err != nil && ctx.Err() == nil {
				nFail++
				if nFail == 1 || nFail%10 == 0 {
					c.log.Warnf("Heartbeat to camera %v failed (%v times): %v", c.record.IP, nFail, err)
				}
			} else {
				nFail = 0
			}
		}
	}
}

func (c *Camera) ImageSettingsInfo(ctx context.Context) (device.ImageSettingsInfo, error) {
	r := c.opt.Registers
	v, err := c.client.ReadRegisters(ctx, r.WidthMax, r.HeightMax)
	if err != nil {
		return device.ImageSettingsInfo{}, err
	}
	return device.ImageSettingsInfo{
		MaxWidth:  int(v[0]),
		MaxHeight: int(v[1]),
	}, nil
}

func (c *Camera) SetImageSettings(ctx context.Context, s device.ImageSettings) error {
	r := c.opt.Registers
	// Zero the offsets first, so that the new size is always valid, whatever the previous offsets were
	writes := [][2]uint32{
		{r.OffsetX, 0},
		{r.OffsetY, 0},
		{r.Width, uint32(s.Width)},
		{r.Height, uint32(s.Height)},
		{r.OffsetX, uint32(s.OffsetX)},
		{r.OffsetY, uint32(s.OffsetY)},
		{r.PixelFormat, uint32(s.PixelFormat)},
	}
	for _, w := range writes {
		if err := c.client.WriteRegister(ctx, w[0], w[1]); err != nil {
			return err
		}
	}
	return nil
}

func ipToUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

// StartCapture opens a stream socket, points the camera's stream channel at it, and starts acquisition
func (c *Camera) StartCapture(ctx context.Context) error {
	if c.receiver != nil {
		return errors.New("capture already started")
	}
	local := c.client.LocalAddr().IP
	receiver, err := gvsp.Listen(local)
	if err != nil {
		return err
	}
	writes := [][2]uint32{
		{gvcp.RegSCPS0, uint32(c.opt.PacketSize)},
		{gvcp.RegSCDA0, ipToUint32(local)},
		{gvcp.RegSCP0, uint32(receiver.Port())},
		{c.opt.Registers.AcquisitionStart, 1},
	}
	for _, w := range writes {
		if err := c.client.WriteRegister(ctx, w[0], w[1]); err != nil {
			receiver.Close()
			return err
		}
	}
	c.receiver = receiver
	c.log.Debugf("Camera %v streaming to %v:%v", c.record.IP, local, receiver.Port())
	return nil
}

// RetrieveBuffer returns the next complete image. Incomplete images (lost packets) are errors.
func (c *Camera) RetrieveBuffer(ctx context.Context) (*device.RawImage, error) {
	if c.receiver == nil {
		return nil, device.ErrNotCapturing
	}
	block, err := c.receiver.ReadBlock(ctx)
	if err != nil {
		return nil, err
	}
	l := &block.Leader
	return &device.RawImage{
		Width:        l.Width,
		Height:       l.Height,
		PixelFormat:  pixfmt.Format(l.PixelFormat),
		Data:         block.Data,
		ReceivedSize: len(block.Data),
		Timestamp:    l.Timestamp,
		BlockID:      uint64(block.ID),
	}, nil
}

// StopCapture stops acquisition. The stream socket is closed even if the camera doesn't answer.
func (c *Camera) StopCapture(ctx context.Context) error {
	if c.receiver == nil {
		return device.ErrNotCapturing
	}
	err := c.client.WriteRegister(ctx, c.opt.Registers.AcquisitionStop, 1)
	if err == nil {
		err = c.client.WriteRegister(ctx, gvcp.RegSCP0, 0)
	}
	if dropped := c.receiver.Dropped(); dropped != 0 {
		c.log.Infof("Camera %v: %v blocks dropped during capture", c.record.IP, dropped)
	}
	c.receiver.Close()
	c.receiver = nil
	return err
}

// Disconnect releases control of the camera
func (c *Camera) Disconnect(ctx context.Context) error {
	if c.receiver != nil {
		c.receiver.Close()
		c.receiver = nil
	}
	c.stopHB()
	c.heartbeatWG.Wait()
	err := c.client.WriteRegister(ctx, gvcp.RegCCP, 0)
	c.client.Close()
	return err
}
