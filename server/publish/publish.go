// Package publish delivers frames to whoever is listening.
//
// The capture loop calls Sink.Publish once per frame, and must never be held up by a slow consumer.
package publish

import (
	"sync"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/camnode/server/acquire"
	"github.com/cyclopcam/camnode/server/calibration"
)

// Sink receives every successfully acquired frame, together with the calibration that applies to it
type Sink interface {
	Publish(frame *acquire.Frame, info calibration.Info) error
}

// Encodings that a client can ask for
const (
	EncodingBGR8 = "bgr8"
	EncodingJPEG = "jpeg"
)

// JPEGQuality is used for streaming and snapshots
const JPEGQuality = 85

// Header is sent as a text message before every binary image message.
// SYNC-CAMNODE-FRAME-HEADER
type Header struct {
	Sequence   uint64           `json:"seq"`
	Stamp      time.Time        `json:"stamp"`
	FrameID    string           `json:"frameId"`
	Encoding   string           `json:"encoding"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Step       int              `json:"step"` // Bytes per row. Zero for JPEG.
	CameraInfo calibration.Info `json:"cameraInfo"`
}

// Packet is one published frame. It is shared by all clients, and must not be modified.
type Packet struct {
	Frame *acquire.Frame
	Info  calibration.Info

	jpegOnce sync.Once
	jpeg     []byte
	jpegErr  error
}

// NewPacket stamps the calibration with the frame's time and frame id, the same as the image header
func NewPacket(frame *acquire.Frame, info calibration.Info) *Packet {
	info.FrameID = frame.FrameID
	info.Stamp = frame.Stamp
	return &Packet{
		Frame: frame,
		Info:  info,
	}
}

// JPEG is computed the first time it is needed, and then cached
func (p *Packet) JPEG() ([]byte, error) {
	p.jpegOnce.Do(func() {
		p.jpeg, p.jpegErr = cimg.Compress(p.Frame.Image, cimg.MakeCompressParams(cimg.Sampling420, JPEGQuality, 0))
	})
	return p.jpeg, p.jpegErr
}

// Header describes this packet in the given encoding
func (p *Packet) Header(encoding string) Header {
	h := Header{
		Sequence:   p.Frame.Sequence,
		Stamp:      p.Frame.Stamp,
		FrameID:    p.Frame.FrameID,
		Encoding:   encoding,
		Width:      p.Frame.Image.Width,
		Height:     p.Frame.Image.Height,
		CameraInfo: p.Info,
	}
	if encoding == EncodingBGR8 {
		h.Step = p.Frame.Image.Stride
	}
	return h
}

// Payload is the binary message for this packet in the given encoding
func (p *Packet) Payload(encoding string) ([]byte, error) {
	if encoding == EncodingJPEG {
		return p.JPEG()
	}
	return p.Frame.Image.Pixels, nil
}

// MultiSink publishes to several sinks. All sinks are called, and the first error is returned.
type MultiSink []Sink

func (m MultiSink) Publish(frame *acquire.Frame, info calibration.Info) error {
	var first error
	for _, s := range m {
		if err := s.Publish(frame, info); err != nil && first == nil {
			first = err
		}
	}
	return first
}
