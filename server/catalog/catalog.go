// Package catalog finds the cameras on the network, and picks the one that we will open.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyclopcam/camnode/server/device"
	"github.com/cyclopcam/logs"
)

var ErrDiscovery = errors.New("camera discovery failed")
var ErrNoCameras = errors.New("no suitable GigE cameras found, please check the device connection")
var ErrInvalidIndex = errors.New("invalid camera index")
var ErrLookup = errors.New("camera lookup failed")

// Enumerate asks the bus for at most maxCameras cameras, and logs what it found.
// The catalog is ordered the way the bus returned it. Index 1 is the first camera.
func Enumerate(ctx context.Context, bus device.Bus, maxCameras int, log logs.Log) ([]device.CameraRecord, error) {
	records, err := bus.Discover(ctx, maxCameras)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	log.Infof("Number of GigE cameras discovered: %v", len(records))
	if len(records) == 0 {
		return nil, ErrNoCameras
	}
	for i := range records {
		logRecord(log, i+1, &records[i])
	}
	return records, nil
}

func logRecord(log logs.Log, index int, r *device.CameraRecord) {
	log.Infof("Camera %v: %v %v, serial %v", index, r.Vendor, r.Model, r.Serial)
	log.Infof("  IP address %v, subnet mask %v, gateway %v, MAC %v", r.IP, r.SubnetString(), r.Gateway, r.MACString())
	if r.UserName != "" {
		log.Infof("  User name '%v'", r.UserName)
	}
}

// ValidateIndex returns the record for a 1-based index into the catalog
func ValidateIndex(catalog []device.CameraRecord, index int) (device.CameraRecord, error) {
	if index < 1 || index > len(catalog) {
		return device.CameraRecord{}, fmt.Errorf("%w %v: must be between 1 and %v", ErrInvalidIndex, index, len(catalog))
	}
	return catalog[index-1], nil
}

// Selection is a camera that has been resolved to a connectable handle
type Selection struct {
	Record  device.CameraRecord
	Handle  device.Handle
	Address string // dotted-quad, for diagnostics
}

// Select asks the chooser for a camera, and resolves its address to a handle
func Select(ctx context.Context, bus device.Bus, catalog []device.CameraRecord, chooser Chooser) (Selection, error) {
	record, err := chooser.Choose(ctx, catalog)
	if err != nil {
		return Selection{}, err
	}
	address := record.IP.String()
	handle, err := bus.Lookup(ctx, record.IP)
	if err != nil {
		return Selection{}, fmt.Errorf("%w for %v: %w", ErrLookup, address, err)
	}
	return Selection{
		Record:  record,
		Handle:  handle,
		Address: address,
	}, nil
}
