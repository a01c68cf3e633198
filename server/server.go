// Package server ties camnode together: it finds a camera, opens it, runs the capture loop,
// and serves the HTTP API.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/camnode/server/calibration"
	"github.com/cyclopcam/camnode/server/capture"
	"github.com/cyclopcam/camnode/server/catalog"
	"github.com/cyclopcam/camnode/server/config"
	"github.com/cyclopcam/camnode/server/device"
	"github.com/cyclopcam/camnode/server/device/gige"
	"github.com/cyclopcam/camnode/server/device/simcam"
	"github.com/cyclopcam/camnode/server/publish"
	"github.com/cyclopcam/camnode/server/session"
	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log logs.Log

	// Used for the interactive camera prompt, when neither cameraIndex nor cameraAddress is configured
	PromptIn  io.Reader
	PromptOut io.Writer

	cfg         *config.Config
	bus         device.Bus
	session     *session.Session
	calibration *calibration.Manager
	hub         *publish.Hub
	loop        *capture.Loop

	// Populated by Start
	selection     catalog.Selection
	captureConfig session.CaptureConfig

	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
}

// NewBus creates the camera bus for the configured driver
func NewBus(log logs.Log, cfg *config.Config) (device.Bus, error) {
	switch cfg.Driver {
	case config.DriverGigE:
		return gige.NewBus(log, cfg.GigEOptions()), nil
	case config.DriverSim:
		return simcam.NewBus(cfg.SimOptions()), nil
	}
	return nil, fmt.Errorf("Unknown driver '%v'", cfg.Driver)
}

// NewServer builds all of the pieces, but doesn't touch the network or any camera
func NewServer(log logs.Log, cfg *config.Config, bus device.Bus) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// An unusable calibration URL is logged, and the camera runs uncalibrated
	calib := calibration.NewManager(log, calibration.Options{
		CameraName: cfg.CameraName,
		URL:        cfg.CameraInfoURL,
		FrameID:    cfg.CameraFrameID,
		Width:      cfg.ImageWidth,
		Height:     cfg.ImageHeight,
	})
	hub := publish.NewHub(log)
	sess := session.New(log, bus)
	loop, err := capture.New(log, sess, hub, calib, capture.Options{
		Width:                cfg.ImageWidth,
		Height:               cfg.ImageHeight,
		FrameID:              cfg.CameraFrameID,
		FrameRate:            cfg.FrameRate,
		AcquireTimeoutCycles: cfg.AcquireTimeoutCycles,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{
		Log:         log,
		PromptIn:    os.Stdin,
		PromptOut:   os.Stdout,
		cfg:         cfg,
		bus:         bus,
		session:     sess,
		calibration: calib,
		hub:         hub,
		loop:        loop,
	}
	if err := s.setupHttpRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) chooser() catalog.Chooser {
	if ip := s.cfg.Address(); ip != nil {
		return catalog.AddressChooser{IP: ip}
	}
	if s.cfg.CameraIndex > 0 {
		return catalog.IndexChooser(s.cfg.CameraIndex)
	}
	return &catalog.PromptChooser{In: s.PromptIn, Out: s.PromptOut}
}

// Start loads the calibration, then enumerates cameras, selects one, and opens it for capture.
// The camera steps are strictly sequential, and any failure means that nothing was started.
// Calibration problems are only logged.
func (s *Server) Start(ctx context.Context) error {
	// Loaded first, so that a bad calibration is reported before the operator is asked to choose a camera
	s.calibration.Load(ctx)

	cameras, err := catalog.Enumerate(ctx, s.bus, s.cfg.MaxCameras, s.Log)
	if err != nil {
		return err
	}
	sel, err := catalog.Select(ctx, s.bus, cameras, s.chooser())
	if err != nil {
		return err
	}
	s.Log.Infof("Opening camera %v", sel.Address)
	cc, err := s.loop.Open(ctx, sel.Handle)
	if err != nil {
		return fmt.Errorf("Failed to open camera %v: %w", sel.Address, err)
	}
	s.selection = sel
	s.captureConfig = cc
	s.Log.Infof("Capturing %v x %v at offset (%v, %v) from a %v x %v sensor", cc.Width, cc.Height, cc.OffsetX, cc.OffsetY, cc.MaxWidth, cc.MaxHeight)
	return nil
}

// Run blocks until ctx is cancelled, and then tears the camera session down
func (s *Server) Run(ctx context.Context) {
	s.loop.Run(ctx)
}

// port example: ":8090"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

// ListenForKillSignals calls stop when we receive SIGINT or SIGTERM.
// stop cancels the context that Run is waiting on.
func (s *Server) ListenForKillSignals(stop context.CancelFunc) {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Stopping capture", sig.String())
			stop()
		}
	}()
}

// Shutdown closes the HTTP server and the log. Call it after Run has returned.
func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.httpServer.Shutdown(ctx)
		cancel()
		if err != nil {
			s.Log.Warnf("HTTP shutdown: %v", err)
		}
	}
	if err := s.calibration.Close(); err != nil {
		s.Log.Warnf("Closing calibration storage: %v", err)
	}
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
}
