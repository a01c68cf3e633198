// Package calibration loads and saves camera calibrations, in the format and locations
// used by the ROS camera_info_manager.
//
// A missing or unreadable calibration is never fatal. The camera is then uncalibrated,
// and we publish a default Info that contains only the image geometry.
package calibration

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cyclopcam/logs"
)

type Options struct {
	CameraName string
	URL        string
	FrameID    string
	Width      int
	Height     int
}

// Manager holds the current calibration of one camera. It is safe for concurrent use.
type Manager struct {
	log    logs.Log
	opt    Options
	loc    Location
	locErr error // Set if the name or URL is unusable. The camera then stays uncalibrated.
	open   func(ctx context.Context, loc Location) (Storage, string, error)

	storeMu     sync.Mutex
	storage     Storage
	storageName string

	mu         sync.Mutex
	info       Info
	calibrated bool
}

// NewManager does not load anything. An invalid camera name or URL is logged, and leaves
// the manager uncalibrated, with Load and Save returning the problem.
func NewManager(log logs.Log, opt Options) *Manager {
	m := &Manager{
		log:  log,
		opt:  opt,
		loc:  Location{URL: opt.URL},
		open: OpenStorage,
		info: DefaultInfo(opt.FrameID, opt.Width, opt.Height),
	}
	if err := ValidateName(opt.CameraName); err != nil {
		m.locErr = fmt.Errorf("camera name '%v': %w", opt.CameraName, err)
	} else if loc, err := ResolveURL(opt.URL, opt.CameraName); err != nil {
		m.locErr = err
	} else {
		m.loc = loc
	}
	if m.locErr != nil {
		log.Warnf("Camera calibration is disabled, camera '%v' is uncalibrated: %v", opt.CameraName, m.locErr)
	}
	return m
}

// Storage is opened on first use, and kept until Close
func (m *Manager) openStorage(ctx context.Context) (Storage, string, error) {
	if m.locErr != nil {
		return nil, "", m.locErr
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if m.storage == nil {
		storage, name, err := m.open(ctx, m.loc)
		if err != nil {
			return nil, "", err
		}
		m.storage = storage
		m.storageName = name
	}
	return m.storage, m.storageName, nil
}

// Close releases the storage client, if one was opened
func (m *Manager) Close() error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	var err error
	if c, ok := m.storage.(io.Closer); ok {
		err = c.Close()
	}
	m.storage = nil
	return err
}

// Location is where the calibration is loaded from and saved to
func (m *Manager) Location() Location {
	return m.loc
}

// Load reads the calibration. On failure, the error is logged, and the manager keeps
// publishing whatever it had before (the default Info, if this is the first load).
func (m *Manager) Load(ctx context.Context) error {
	if m.locErr != nil {
		return m.locErr
	}
	storage, name, err := m.openStorage(ctx)
	if err != nil {
		m.log.Warnf("Cannot open calibration storage for %v: %v", m.loc.URL, err)
		return err
	}
	raw, err := readAll(ctx, storage, name)
	if err != nil {
		if IsNotFound(err) {
			m.log.Infof("Camera calibration file %v not found, camera '%v' is uncalibrated", m.loc.URL, m.opt.CameraName)
		} else {
			m.log.Warnf("Failed to read camera calibration %v: %v", m.loc.URL, err)
		}
		return err
	}
	info, name, err := ParseYAML(raw)
	if err != nil {
		m.log.Warnf("Invalid camera calibration %v: %v", m.loc.URL, err)
		return err
	}
	if name != "" && name != m.opt.CameraName {
		m.log.Warnf("Calibration %v is for camera '%v', not '%v'", m.loc.URL, name, m.opt.CameraName)
	}
	if info.Width != m.opt.Width || info.Height != m.opt.Height {
		m.log.Warnf("Calibration %v is for %v x %v images, but we are capturing %v x %v", m.loc.URL, info.Width, info.Height, m.opt.Width, m.opt.Height)
	}
	info.FrameID = m.opt.FrameID
	m.log.Infof("Loaded camera calibration from %v", m.loc.URL)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
	m.calibrated = true
	return nil
}

// Info returns a copy of the current calibration
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.Clone()
}

func (m *Manager) IsCalibrated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calibrated
}

// SetInfo replaces the calibration in memory. Call Save to persist it.
func (m *Manager) SetInfo(info Info) error {
	if info.Width <= 0 || info.Height <= 0 {
		return errInvalidSize(info.Width, info.Height)
	}
	info = info.Clone()
	info.FrameID = m.opt.FrameID
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
	m.calibrated = true
	return nil
}

// Save writes the current calibration to its location
func (m *Manager) Save(ctx context.Context) error {
	raw, err := MarshalYAML(m.Info(), m.opt.CameraName)
	if err != nil {
		return err
	}
	storage, name, err := m.openStorage(ctx)
	if err != nil {
		return err
	}
	if err := writeAll(ctx, storage, name, raw); err != nil {
		return err
	}
	m.log.Infof("Saved camera calibration to %v", m.loc.URL)
	return nil
}
