package calibration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var ErrUnsupportedURL = errors.New("unsupported calibration URL")
var ErrInvalidName = errors.New("camera name may only contain letters, digits and underscores")

// DefaultURL is used when no calibration URL is configured
const DefaultURL = "file://${ROS_HOME}/camera_info/${NAME}.yaml"

var validName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: '%v'", ErrInvalidName, name)
	}
	return nil
}

// Scheme is the kind of location that a calibration URL points to
type Scheme int

const (
	SchemeFile Scheme = iota
	SchemeHTTP
	SchemeGCS
)

// Location is a resolved calibration URL
type Location struct {
	Scheme Scheme
	URL    string // after variable substitution
	Path   string // SchemeFile: absolute path. SchemeGCS: object name.
	Bucket string // SchemeGCS only
}

func rosHome() string {
	if h := os.Getenv("ROS_HOME"); h != "" {
		return h
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ros")
}

// ResolveURL substitutes ${NAME} and ${ROS_HOME} into url, and works out where it points.
// An empty url means DefaultURL.
func ResolveURL(url, cameraName string) (Location, error) {
	if url == "" {
		url = DefaultURL
	}
	url = strings.ReplaceAll(url, "${NAME}", cameraName)
	url = strings.ReplaceAll(url, "${ROS_HOME}", rosHome())

	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "file://"):
		path := url[len("file://"):]
		if !filepath.IsAbs(path) {
			return Location{}, fmt.Errorf("%w: file path must be absolute in '%v'", ErrUnsupportedURL, url)
		}
		return Location{Scheme: SchemeFile, URL: url, Path: filepath.Clean(path)}, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return Location{Scheme: SchemeHTTP, URL: url}, nil
	case strings.HasPrefix(lower, "gs://"):
		bucket, object, ok := strings.Cut(url[len("gs://"):], "/")
		if !ok || bucket == "" || object == "" {
			return Location{}, fmt.Errorf("%w: expected gs://bucket/object, not '%v'", ErrUnsupportedURL, url)
		}
		return Location{Scheme: SchemeGCS, URL: url, Bucket: bucket, Path: object}, nil
	}
	return Location{}, fmt.Errorf("%w: '%v'", ErrUnsupportedURL, url)
}
