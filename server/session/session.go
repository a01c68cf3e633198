// Package session owns the connection to one camera, and enforces the order of operations:
// Closed -> Connected -> Configured -> Capturing.
//
// A failed operation leaves the session in the state it was in, and reports why.
// A Session belongs to a single goroutine, and is not safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyclopcam/camnode/pkg/pixfmt"
	"github.com/cyclopcam/camnode/server/device"
	"github.com/cyclopcam/logs"
)

type State int

const (
	Closed State = iota
	Connected
	Configured
	Capturing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connected:
		return "connected"
	case Configured:
		return "configured"
	case Capturing:
		return "capturing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrInvalidState = errors.New("operation not allowed in this session state")
var ErrGeometry = errors.New("requested image size does not fit on the sensor")

// AcquisitionFormat is what we ask the camera to send
const AcquisitionFormat = pixfmt.RGB8

// CaptureConfig is the region of the sensor that we capture. It is computed by Configure.
type CaptureConfig struct {
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	OffsetX     int           `json:"offsetX"`
	OffsetY     int           `json:"offsetY"`
	MaxWidth    int           `json:"maxWidth"`
	MaxHeight   int           `json:"maxHeight"`
	PixelFormat pixfmt.Format `json:"-"`
}

// CenteredCrop computes the region of a maxWidth x maxHeight sensor that is centered,
// and has size width x height.
func CenteredCrop(width, height int, info device.ImageSettingsInfo) (CaptureConfig, error) {
	if width <= 0 || height <= 0 || width > info.MaxWidth || height > info.MaxHeight {
		return CaptureConfig{}, fmt.Errorf("%w: %v x %v requested, sensor is %v x %v", ErrGeometry, width, height, info.MaxWidth, info.MaxHeight)
	}
	cfg := CaptureConfig{
		Width:       width,
		Height:      height,
		OffsetX:     (info.MaxWidth - width) / 2,
		OffsetY:     (info.MaxHeight - height) / 2,
		MaxWidth:    info.MaxWidth,
		MaxHeight:   info.MaxHeight,
		PixelFormat: AcquisitionFormat,
	}
	if info.OffsetStep > 1 {
		cfg.OffsetX -= cfg.OffsetX % info.OffsetStep
		cfg.OffsetY -= cfg.OffsetY % info.OffsetStep
	}
	return cfg, nil
}

type Session struct {
	log    logs.Log
	bus    device.Bus
	state  State
	camera device.Camera
	config CaptureConfig
}

func New(log logs.Log, bus device.Bus) *Session {
	return &Session{
		log: log,
		bus: bus,
	}
}

func (s *Session) State() State {
	return s.state
}

// Config is only meaningful after a successful Configure
func (s *Session) Config() CaptureConfig {
	return s.config
}

func (s *Session) require(op string, allowed ...State) error {
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return fmt.Errorf("%v: %w (session is %v)", op, ErrInvalidState, s.state)
}

func (s *Session) Connect(ctx context.Context, handle device.Handle) error {
	if err := s.require("connect", Closed); err != nil {
		return err
	}
	s.log.Infof("Connecting to camera: %v", handle.IP)
	cam, err := s.bus.Connect(ctx, handle)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.camera = cam
	s.state = Connected
	return nil
}

// Configure centers a width x height region on the sensor, and selects RGB8.
// Nothing is written to the camera if the region doesn't fit.
func (s *Session) Configure(ctx context.Context, width, height int) (CaptureConfig, error) {
	if err := s.require("configure", Connected); err != nil {
		return CaptureConfig{}, err
	}
	info, err := s.camera.ImageSettingsInfo(ctx)
	if err != nil {
		return CaptureConfig{}, fmt.Errorf("configure: read image settings info: %w", err)
	}
	cfg, err := CenteredCrop(width, height, info)
	if err != nil {
		return CaptureConfig{}, fmt.Errorf("configure: %w", err)
	}
	err = s.camera.SetImageSettings(ctx, device.ImageSettings{
		Width:       cfg.Width,
		Height:      cfg.Height,
		OffsetX:     cfg.OffsetX,
		OffsetY:     cfg.OffsetY,
		PixelFormat: cfg.PixelFormat,
	})
	if err != nil {
		return CaptureConfig{}, fmt.Errorf("configure: set image settings: %w", err)
	}
	s.log.Infof("Capturing %v x %v at offset (%v, %v) of %v x %v sensor", cfg.Width, cfg.Height, cfg.OffsetX, cfg.OffsetY, cfg.MaxWidth, cfg.MaxHeight)
	s.config = cfg
	s.state = Configured
	return cfg, nil
}

func (s *Session) StartCapture(ctx context.Context) error {
	if err := s.require("start capture", Configured); err != nil {
		return err
	}
	s.log.Infof("Starting image capture...")
	if err := s.camera.StartCapture(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	s.state = Capturing
	return nil
}

// StopCapture returns the session to Connected. Configure must be called again before the next start.
func (s *Session) StopCapture(ctx context.Context) error {
	if err := s.require("stop capture", Capturing); err != nil {
		return err
	}
	s.log.Infof("Stopping capture")
	if err := s.camera.StopCapture(ctx); err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	s.state = Connected
	return nil
}

func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.require("disconnect", Connected, Configured); err != nil {
		return err
	}
	if err := s.camera.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	s.camera = nil
	s.state = Closed
	return nil
}

// Retrieve blocks until the camera delivers the next raw image
func (s *Session) Retrieve(ctx context.Context) (*device.RawImage, error) {
	if err := s.require("retrieve", Capturing); err != nil {
		return nil, err
	}
	return s.camera.RetrieveBuffer(ctx)
}

// Close tears the session down from whatever state it is in.
// Disconnect is attempted even if StopCapture fails, in which case the session
// is abandoned as Closed, because the camera's heartbeat will release it anyway.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if s.state == Capturing {
		if err := s.StopCapture(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.state == Capturing {
		// Stop failed. Disconnect directly, since the state machine won't let us.
		if err := s.camera.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
		s.camera = nil
		s.state = Closed
	} else if s.state != Closed {
		if err := s.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
