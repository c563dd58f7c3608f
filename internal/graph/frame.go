package graph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Frame is one batch of graph updates from the ingestion front-end:
// new camera nodes, new world points, and projections that may reference
// ids introduced earlier or in this same batch. Nodes are processed
// first, then points, then projections.
type Frame struct {
	Nodes       []CameraNode `yaml:"nodes" json:"nodes"`
	Points      []WorldPoint `yaml:"points" json:"points"`
	Projections []Projection `yaml:"projections" json:"projections"`
}

// CameraNode describes a camera pose and intrinsics keyed by an
// external, caller-assigned id.
type CameraNode struct {
	ID          uint32     `yaml:"id" json:"id"`
	Translation [3]float64 `yaml:"translation" json:"translation"`
	// Rotation is the quaternion (x, y, z, w).
	Rotation [4]float64 `yaml:"rotation" json:"rotation"`
	Fx       float64    `yaml:"fx" json:"fx"`
	Fy       float64    `yaml:"fy" json:"fy"`
	Cx       float64    `yaml:"cx" json:"cx"`
	Cy       float64    `yaml:"cy" json:"cy"`
	Baseline float64    `yaml:"baseline" json:"baseline"`
	Fixed    bool       `yaml:"fixed" json:"fixed"`
}

// WorldPoint is a homogeneous 3D point keyed by an external id.
type WorldPoint struct {
	ID uint32  `yaml:"id" json:"id"`
	X  float64 `yaml:"x" json:"x"`
	Y  float64 `yaml:"y" json:"y"`
	Z  float64 `yaml:"z" json:"z"`
	W  float64 `yaml:"w" json:"w"`
}

// Projection is one observation tying an external camera id to an
// external point id. For stereo observations D carries the right-image
// u coordinate.
type Projection struct {
	CamID   uint32  `yaml:"cam_id" json:"cam_id"`
	PointID uint32  `yaml:"point_id" json:"point_id"`
	U       float64 `yaml:"u" json:"u"`
	V       float64 `yaml:"v" json:"v"`
	D       float64 `yaml:"d" json:"d"`
	Stereo  bool    `yaml:"stereo" json:"stereo"`
}

// LoadFrame reads a Frame batch from a YAML file.
func LoadFrame(path string) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading frame file: %w", err)
	}
	var f Frame
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing frame file %s: %w", path, err)
	}
	return &f, nil
}

// SaveFrame writes a Frame batch to a YAML file.
func SaveFrame(path string, f *Frame) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing frame file: %w", err)
	}
	return nil
}
