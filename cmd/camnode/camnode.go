package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/camnode/server"
	"github.com/cyclopcam/camnode/server/config"
	"github.com/cyclopcam/logs"
)

// Exit codes
const (
	exitBadConfig     = 1
	exitStartupFailed = 2 // Nothing was started
)

func main() {
	parser := argparse.NewParser("camnode", "Publish images from a GigE Vision camera")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. Defaults are used for anything not specified.", Default: ""})
	driver := parser.String("", "driver", &argparse.Options{Help: "Camera driver: 'gige' or 'sim'", Default: ""})
	cameraIndex := parser.Int("i", "index", &argparse.Options{Help: "Open camera number N (1-based) without asking", Default: 0})
	cameraAddress := parser.String("a", "address", &argparse.Options{Help: "Open the camera with this IPv4 address", Default: ""})
	width := parser.Int("", "width", &argparse.Options{Help: "Image width", Default: 0})
	height := parser.Int("", "height", &argparse.Options{Help: "Image height", Default: 0})
	frameRate := parser.Float("", "rate", &argparse.Options{Help: "Frames per second", Default: 0.0})
	cameraInfoURL := parser.String("", "camera-info-url", &argparse.Options{Help: "Calibration URL (file://, http://, https://, gs://)", Default: ""})
	iface := parser.String("", "interface", &argparse.Options{Help: "Only discover cameras on this network interface", Default: ""})
	httpListen := parser.String("", "listen", &argparse.Options{Help: "HTTP API listen address, such as :8090. 'off' disables the API.", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(exitBadConfig)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(exitBadConfig)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(exitBadConfig)
	}
	// Command line overrides the config file
	if *driver != "" {
		cfg.Driver = *driver
	}
	if *cameraIndex != 0 {
		cfg.CameraIndex = *cameraIndex
	}
	if *cameraAddress != "" {
		cfg.CameraAddress = *cameraAddress
	}
	if *width != 0 {
		cfg.ImageWidth = *width
	}
	if *height != 0 {
		cfg.ImageHeight = *height
	}
	if *frameRate != 0 {
		cfg.FrameRate = *frameRate
	}
	if *cameraInfoURL != "" {
		cfg.CameraInfoURL = *cameraInfoURL
	}
	if *iface != "" {
		cfg.Interface = *iface
	}
	if *httpListen == "off" {
		cfg.HttpListen = ""
	} else if *httpListen != "" {
		cfg.HttpListen = *httpListen
	}

	bus, err := server.NewBus(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(exitBadConfig)
	}
	srv, err := server.NewServer(logger, cfg, bus)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(exitBadConfig)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	srv.ListenForKillSignals(stop)

	// Kill signals are live during startup, so Ctrl-C at the camera prompt works
	if err := srv.Start(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Infof("Interrupted before a camera was opened")
		} else {
			logger.Errorf("%v", err)
		}
		srv.Shutdown()
		os.Exit(exitStartupFailed)
	}

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if cfg.HttpListen != "" {
		go func() {
			if err := srv.ListenHTTP(cfg.HttpListen); err != nil && err != http.ErrServerClosed {
				logger.Errorf("ListenHTTP returned: %v", err)
			}
		}()
	}

	srv.Run(ctx)
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	srv.Shutdown()
}
