package calibration

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Info is the intrinsic calibration of a camera, as published alongside every frame.
// The matrices are row major.
type Info struct {
	FrameID         string      `json:"frameId"`
	Stamp           time.Time   `json:"stamp"`
	Width           int         `json:"width"`
	Height          int         `json:"height"`
	DistortionModel string      `json:"distortionModel"`
	D               []float64   `json:"d"`
	K               [9]float64  `json:"k"` // 3x3 camera matrix
	R               [9]float64  `json:"r"` // 3x3 rectification matrix
	P               [12]float64 `json:"p"` // 3x4 projection matrix
}

// DefaultInfo is what we publish for an uncalibrated camera: only the image geometry
func DefaultInfo(frameID string, width, height int) Info {
	return Info{
		FrameID: frameID,
		Width:   width,
		Height:  height,
	}
}

func (i Info) Clone() Info {
	c := i
	if i.D != nil {
		c.D = append([]float64(nil), i.D...)
	}
	return c
}

// IsZeroIntrinsics is true if K has never been set
func (i Info) IsZeroIntrinsics() bool {
	return i.K == [9]float64{}
}

// The camera_info_manager YAML format, as written by the ROS camera calibrator
type matrixYAML struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data,flow"`
}

type fileYAML struct {
	ImageWidth             int        `yaml:"image_width"`
	ImageHeight            int        `yaml:"image_height"`
	CameraName             string     `yaml:"camera_name"`
	CameraMatrix           matrixYAML `yaml:"camera_matrix"`
	DistortionModel        string     `yaml:"distortion_model"`
	DistortionCoefficients matrixYAML `yaml:"distortion_coefficients"`
	RectificationMatrix    matrixYAML `yaml:"rectification_matrix"`
	ProjectionMatrix       matrixYAML `yaml:"projection_matrix"`
}

func (m *matrixYAML) into(name string, dst []float64, rows, cols int) error {
	if m.Rows != rows || m.Cols != cols || len(m.Data) != rows*cols {
		return fmt.Errorf("%v must be %vx%v, not %vx%v with %v values", name, rows, cols, m.Rows, m.Cols, len(m.Data))
	}
	copy(dst, m.Data)
	return nil
}

func errInvalidSize(width, height int) error {
	return fmt.Errorf("invalid image size %v x %v", width, height)
}

// ParseYAML reads a calibration file, and returns the camera name that it contains
func ParseYAML(raw []byte) (Info, string, error) {
	f := fileYAML{}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Info{}, "", err
	}
	if f.ImageWidth <= 0 || f.ImageHeight <= 0 {
		return Info{}, "", errInvalidSize(f.ImageWidth, f.ImageHeight)
	}
	info := Info{
		Width:           f.ImageWidth,
		Height:          f.ImageHeight,
		DistortionModel: f.DistortionModel,
	}
	if err := f.CameraMatrix.into("camera_matrix", info.K[:], 3, 3); err != nil {
		return Info{}, "", err
	}
	if err := f.RectificationMatrix.into("rectification_matrix", info.R[:], 3, 3); err != nil {
		return Info{}, "", err
	}
	if err := f.ProjectionMatrix.into("projection_matrix", info.P[:], 3, 4); err != nil {
		return Info{}, "", err
	}
	d := f.DistortionCoefficients
	if len(d.Data) != d.Rows*d.Cols {
		return Info{}, "", fmt.Errorf("distortion_coefficients has %v values, but claims to be %vx%v", len(d.Data), d.Rows, d.Cols)
	}
	info.D = append([]float64{}, d.Data...)
	return info, f.CameraName, nil
}

// MarshalYAML writes a calibration file in the camera_info_manager format
func MarshalYAML(info Info, cameraName string) ([]byte, error) {
	f := fileYAML{
		ImageWidth:             info.Width,
		ImageHeight:            info.Height,
		CameraName:             cameraName,
		CameraMatrix:           matrixYAML{Rows: 3, Cols: 3, Data: info.K[:]},
		DistortionModel:        info.DistortionModel,
		DistortionCoefficients: matrixYAML{Rows: 1, Cols: len(info.D), Data: info.D},
		RectificationMatrix:    matrixYAML{Rows: 3, Cols: 3, Data: info.R[:]},
		ProjectionMatrix:       matrixYAML{Rows: 3, Cols: 4, Data: info.P[:]},
	}
	if f.DistortionCoefficients.Data == nil {
		f.DistortionCoefficients.Data = []float64{}
	}
	return yaml.Marshal(&f)
}
