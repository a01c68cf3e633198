// Package device defines the boundary between camnode and the camera capture library.
//
// The session, acquire and capture packages only see these interfaces. The gige package
// implements them for real GigE Vision cameras, and simcam implements them in memory.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/cyclopcam/camnode/pkg/pixfmt"
)

var ErrNotFound = errors.New("camera not found")
var ErrNotCapturing = errors.New("camera is not capturing")

// CameraRecord describes a camera that answered discovery
type CameraRecord struct {
	Model      string           `json:"model"`
	Vendor     string           `json:"vendor"`
	Serial     string           `json:"serial"`
	UserName   string           `json:"userName"`
	IP         net.IP           `json:"ip"` // always 4 bytes
	MAC        net.HardwareAddr `json:"-"`
	SubnetMask net.IPMask       `json:"-"`
	Gateway    net.IP           `json:"gateway"`
}

// MACString is the colon separated hardware address
func (r *CameraRecord) MACString() string {
	return r.MAC.String()
}

// SubnetString is the subnet mask in dotted-quad form
func (r *CameraRecord) SubnetString() string {
	if len(r.SubnetMask) != 4 {
		return ""
	}
	return net.IP(r.SubnetMask).String()
}

func (r *CameraRecord) String() string {
	return fmt.Sprintf("%v %v (serial %v) at %v", r.Vendor, r.Model, r.Serial, r.IP)
}

// Handle is what Bus.Lookup produces, and Bus.Connect consumes.
// The key is only meaningful to the Bus that created it.
type Handle struct {
	IP  net.IP
	Key string
}

func (h Handle) IsZero() bool {
	return h.IP == nil && h.Key == ""
}

// ImageSettingsInfo describes what the sensor is capable of
type ImageSettingsInfo struct {
	MaxWidth  int
	MaxHeight int
	// Offsets and sizes must be multiples of these. Zero means 1.
	OffsetStep int
	SizeStep   int
}

// ImageSettings is the region of interest and pixel format that the camera will send
type ImageSettings struct {
	Width       int
	Height      int
	OffsetX     int
	OffsetY     int
	PixelFormat pixfmt.Format
}

// RawImage is one buffer as delivered by the camera.
// Data is only valid until the next call to RetrieveBuffer.
type RawImage struct {
	Width        int
	Height       int
	PixelFormat  pixfmt.Format
	Data         []byte
	ReceivedSize int    // Number of valid bytes in Data, including row padding
	Timestamp    uint64 // Camera tick counter
	BlockID      uint64
}

// Bus finds cameras and opens connections to them
type Bus interface {
	// Discover returns at most max cameras
	Discover(ctx context.Context, max int) ([]CameraRecord, error)
	// Lookup resolves an IPv4 address to a connectable handle
	Lookup(ctx context.Context, ip net.IP) (Handle, error)
	Connect(ctx context.Context, handle Handle) (Camera, error)
}

// Camera is an open connection to a single camera.
// A Camera is not safe for concurrent use.
type Camera interface {
	ImageSettingsInfo(ctx context.Context) (ImageSettingsInfo, error)
	SetImageSettings(ctx context.Context, settings ImageSettings) error
	StartCapture(ctx context.Context) error
	// RetrieveBuffer blocks until the next image arrives, or the device reports an error
	RetrieveBuffer(ctx context.Context) (*RawImage, error)
	StopCapture(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// ParseIPv4 parses a dotted-quad address, and returns the 4 byte form
func ParseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("'%v' is not an IPv4 address", s)
	}
	return ip, nil
}
