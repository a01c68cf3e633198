// Package acquire turns raw camera buffers into BGR images that we own.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/camnode/pkg/pixfmt"
	"github.com/cyclopcam/camnode/server/device"
)

var ErrEmptyBuffer = errors.New("camera delivered an empty buffer")

// Frame is one BGR image, with the metadata that travels with it to the publisher.
// Stamp, FrameID and Sequence are filled in by the capture loop.
type Frame struct {
	Image           *cimg.Image
	Stamp           time.Time
	FrameID         string
	Sequence        uint64
	DeviceTimestamp uint64 // Camera clock ticks
	BlockID         uint64
}

// Source produces raw buffers. A capturing session.Session is a Source.
type Source interface {
	Retrieve(ctx context.Context) (*device.RawImage, error)
}

// Acquire pulls one buffer from the source, converts it to BGR, and copies it out.
// The raw buffer belongs to the device, and may be overwritten by the next retrieval,
// so nothing in the returned Frame refers to it.
func Acquire(ctx context.Context, src Source) (*Frame, error) {
	raw, err := src.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve buffer: %w", err)
	}
	img, err := ToBGR(raw)
	if err != nil {
		return nil, fmt.Errorf("convert %v: %w", raw.PixelFormat, err)
	}
	return &Frame{
		Image:           img,
		DeviceTimestamp: raw.Timestamp,
		BlockID:         raw.BlockID,
	}, nil
}

// ToBGR converts a raw buffer into a tightly packed BGR image
func ToBGR(raw *device.RawImage) (*cimg.Image, error) {
	wrapped, err := wrapBGR(raw)
	if err != nil {
		return nil, err
	}
	out := cimg.NewImage(raw.Width, raw.Height, cimg.PixelFormatBGR)
	if err := out.CopyImage(wrapped, 0, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// wrapBGR converts the raw buffer to BGR, and wraps it with the row stride of the data.
// Rows may be padded, so the stride is derived from the size of the data, and
// never assumed to be width*3.
func wrapBGR(raw *device.RawImage) (*cimg.Image, error) {
	if raw.Height <= 0 || raw.Width <= 0 || raw.ReceivedSize <= 0 {
		return nil, ErrEmptyBuffer
	}
	if raw.ReceivedSize > len(raw.Data) {
		return nil, fmt.Errorf("%w: received size %v, but only %v bytes", pixfmt.ErrShortBuffer, raw.ReceivedSize, len(raw.Data))
	}
	data := raw.Data[:raw.ReceivedSize]
	converted, _, err := pixfmt.ToBGR(raw.PixelFormat, raw.Width, raw.Height, data, len(data)/raw.Height)
	if err != nil {
		return nil, err
	}
	stride := len(converted) / raw.Height
	return cimg.WrapImageStrided(raw.Width, raw.Height, cimg.PixelFormatBGR, converted, stride), nil
}
