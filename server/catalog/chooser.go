package catalog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/cyclopcam/camnode/server/device"
)

// Chooser picks one camera out of the catalog
type Chooser interface {
	Choose(ctx context.Context, catalog []device.CameraRecord) (device.CameraRecord, error)
}

// PromptChooser asks the operator for a camera number, and keeps asking until
// it gets a valid one. End of input is an error.
type PromptChooser struct {
	In  io.Reader
	Out io.Writer
}

// Choose returns ctx.Err() as soon as ctx is done, even while it is waiting for input.
// In that case the goroutine reading In stays blocked until In produces a line or ends.
func (p *PromptChooser) Choose(ctx context.Context, catalog []device.CameraRecord) (device.CameraRecord, error) {
	if len(catalog) == 0 {
		return device.CameraRecord{}, ErrNoCameras
	}
	if err := ctx.Err(); err != nil {
		return device.CameraRecord{}, err
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(p.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = fmt.Errorf("no camera chosen: %w", io.ErrUnexpectedEOF)
		}
		readErr <- err
	}()

	fmt.Fprint(p.Out, "Input which camera you want to open: ")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.Out)
			return device.CameraRecord{}, ctx.Err()
		case err := <-readErr:
			return device.CameraRecord{}, err
		case line := <-lines:
			// Non-numbers are just as invalid as out of range numbers
			index, err := strconv.Atoi(strings.TrimSpace(line))
			if err == nil {
				if record, err := ValidateIndex(catalog, index); err == nil {
					return record, nil
				}
			}
			fmt.Fprintf(p.Out, "Please input a number between 1 and %v: ", len(catalog))
		}
	}
}

// IndexChooser is a 1-based index that was given up front (eg on the command line)
type IndexChooser int

func (c IndexChooser) Choose(ctx context.Context, catalog []device.CameraRecord) (device.CameraRecord, error) {
	return ValidateIndex(catalog, int(c))
}

// AddressChooser picks a camera by IPv4 address.
// If the address is not in the catalog, a bare record is returned, so that Select can still
// try to reach the camera directly. Cameras behind a router never see our broadcast discovery.
type AddressChooser struct {
	IP net.IP
}

func (c AddressChooser) Choose(ctx context.Context, catalog []device.CameraRecord) (device.CameraRecord, error) {
	ip := c.IP.To4()
	if ip == nil {
		return device.CameraRecord{}, errors.New("camera address must be IPv4")
	}
	for _, r := range catalog {
		if r.IP.Equal(ip) {
			return r, nil
		}
	}
	return device.CameraRecord{IP: ip}, nil
}
