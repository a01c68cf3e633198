package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cyclopcam/camnode/server/calibration"
	"github.com/cyclopcam/camnode/server/device"
	"github.com/cyclopcam/camnode/server/device/gige"
	"github.com/cyclopcam/camnode/server/device/simcam"
)

const (
	DriverGigE = "gige"
	DriverSim  = "sim"
)

// Duration is a time.Duration that is written in JSON as a string such as "1.5s"
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"2s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// SimConfig controls the simulated cameras of the "sim" driver
type SimConfig struct {
	NumCameras    int      `json:"numCameras"`
	HiddenCameras int      `json:"hiddenCameras"` // Cameras that only answer a direct lookup by address
	MaxWidth      int      `json:"maxWidth"`
	MaxHeight     int      `json:"maxHeight"`
	RowPadding    int      `json:"rowPadding"`    // Extra bytes at the end of every image row
	FrameInterval Duration `json:"frameInterval"` // Time it takes a simulated camera to produce a frame
}

type Config struct {
	ImageWidth           int               `json:"imageWidth"`
	ImageHeight          int               `json:"imageHeight"`
	CameraFrameID        string            `json:"cameraFrameID"` // Frame id stamped on every image and camera info
	CameraName           string            `json:"cameraName"`    // Name used for calibration files
	CameraInfoURL        string            `json:"cameraInfoURL"` // Empty means file://${ROS_HOME}/camera_info/${NAME}.yaml
	FrameRate            float64           `json:"frameRate"`
	MaxCameras           int               `json:"maxCameras"`    // Maximum number of cameras to enumerate
	CameraIndex          int               `json:"cameraIndex"`   // 1-based. Zero means ask on the terminal.
	CameraAddress        string            `json:"cameraAddress"` // Open the camera with this IPv4 address. Overrides CameraIndex.
	Driver               string            `json:"driver"`        // "gige" or "sim"
	Interface            string            `json:"interface"`     // Only discover on this network interface. Empty = all.
	DiscoveryTimeout     Duration          `json:"discoveryTimeout"`
	PacketSize           int               `json:"packetSize"`
	HeartbeatTimeout     Duration          `json:"heartbeatTimeout"`
	AcquireTimeoutCycles int               `json:"acquireTimeoutCycles"` // Zero disables the acquisition watchdog
	HttpListen           string            `json:"httpListen"`           // Example ":8090". Empty disables the HTTP API.
	RegisterMap          *gige.RegisterMap `json:"registerMap"`          // Required by the gige driver. Addresses come from the camera's GenICam XML.
	Sim                  SimConfig         `json:"sim"`
}

func DefaultConfig() *Config {
	return &Config{
		ImageWidth:       640,
		ImageHeight:      480,
		CameraFrameID:    "head_camera",
		CameraName:       "head_camera",
		FrameRate:        30,
		MaxCameras:       10,
		Driver:           DriverGigE,
		DiscoveryTimeout: Duration(time.Second),
		PacketSize:       1500,
		HeartbeatTimeout: Duration(3 * time.Second),
		HttpListen:       ":8090",
		Sim: SimConfig{
			NumCameras: 2,
			MaxWidth:   1280,
			MaxHeight:  960,
		},
	}
}

// LoadConfig reads a JSON config file over the defaults.
// An empty filename returns the defaults.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()
	if filename == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return fmt.Errorf("Invalid image size %v x %v", c.ImageWidth, c.ImageHeight)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("frameRate must be positive")
	}
	if c.MaxCameras <= 0 {
		return fmt.Errorf("maxCameras must be positive")
	}
	if c.CameraIndex < 0 {
		return fmt.Errorf("cameraIndex may not be negative")
	}
	if c.CameraFrameID == "" {
		return fmt.Errorf("cameraFrameID may not be empty")
	}
	if err := calibration.ValidateName(c.CameraName); err != nil {
		return fmt.Errorf("Invalid cameraName '%v': %w", c.CameraName, err)
	}
	if c.CameraAddress != "" {
		if _, err := device.ParseIPv4(c.CameraAddress); err != nil {
			return fmt.Errorf("Invalid cameraAddress: %w", err)
		}
	}
	if c.AcquireTimeoutCycles < 0 {
		return fmt.Errorf("acquireTimeoutCycles may not be negative")
	}
	switch c.Driver {
	case DriverGigE:
		if c.PacketSize < 576 || c.PacketSize > 9000 {
			return fmt.Errorf("packetSize %v is outside of the range 576 to 9000", c.PacketSize)
		}
		if c.RegisterMap == nil {
			return fmt.Errorf("registerMap must be configured for the gige driver. Take the addresses from your camera's GenICam XML description.")
		}
		if err := c.RegisterMap.Validate(); err != nil {
			return fmt.Errorf("Invalid registerMap: %w", err)
		}
	case DriverSim:
		if c.Sim.NumCameras < 0 || c.Sim.HiddenCameras < 0 {
			return fmt.Errorf("Number of simulated cameras may not be negative")
		}
		if c.Sim.MaxWidth <= 0 || c.Sim.MaxHeight <= 0 {
			return fmt.Errorf("Invalid simulated sensor size %v x %v", c.Sim.MaxWidth, c.Sim.MaxHeight)
		}
	default:
		return fmt.Errorf("Unknown driver '%v'. Valid drivers are '%v' and '%v'", c.Driver, DriverGigE, DriverSim)
	}
	return nil
}

// Address returns the parsed CameraAddress, or nil if it is empty
func (c *Config) Address() net.IP {
	if c.CameraAddress == "" {
		return nil
	}
	ip, _ := device.ParseIPv4(c.CameraAddress)
	return ip
}

// GigEOptions should only be called on a validated config, which has a RegisterMap
func (c *Config) GigEOptions() gige.Options {
	opt := gige.Options{
		Interface:        c.Interface,
		DiscoveryTimeout: time.Duration(c.DiscoveryTimeout),
		PacketSize:       c.PacketSize,
		HeartbeatTimeout: time.Duration(c.HeartbeatTimeout),
	}
	if c.RegisterMap != nil {
		opt.Registers = *c.RegisterMap
	}
	return opt
}

func (c *Config) SimOptions() simcam.Config {
	s := simcam.Config{
		NumCameras:    c.Sim.NumCameras,
		MaxWidth:      c.Sim.MaxWidth,
		MaxHeight:     c.Sim.MaxHeight,
		RowPadding:    c.Sim.RowPadding,
		FrameInterval: time.Duration(c.Sim.FrameInterval),
	}
	for i := 0; i < c.Sim.HiddenCameras; i++ {
		s.Hidden = append(s.Hidden, simcam.MakeRecord(c.Sim.NumCameras+i))
	}
	return s
}
