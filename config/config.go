// Package config defines the configuration of a fusion run and reads it from JSON files with
// environment variable substitution.
package config

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/kinfu/icp"
	"go.viam.com/kinfu/input"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/raymarch"
	"go.viam.com/kinfu/spatialmath"
	"go.viam.com/kinfu/tsdf"
	"go.viam.com/kinfu/utils"
)

// ReferenceMode selects what live frames are aligned against.
type ReferenceMode string

const (
	// ReferenceModel aligns against a raycast of the volume from the previous pose.
	ReferenceModel ReferenceMode = "model"
	// ReferenceFrame aligns against the previous frame.
	ReferenceFrame ReferenceMode = "frame"
)

// Config describes a whole run.
type Config struct {
	ConfigFilePath string `json:"-"`

	LogLevel    logging.Level      `json:"log_level"`
	Device      DeviceConfig       `json:"device"`
	Source      input.SourceConfig `json:"source"`
	Volume      VolumeConfig       `json:"volume"`
	ICP         ICPConfig          `json:"icp"`
	Integration IntegrationConfig  `json:"integration"`
	Render      RenderConfig       `json:"render"`
	Filters     FilterConfig       `json:"filters"`
	InitialPose PoseConfig         `json:"initial_pose"`
	Output      OutputConfig       `json:"output"`
}

// DeviceConfig bounds the compute device.
type DeviceConfig struct {
	// MaxBytes caps buffer memory; 0 means unlimited.
	MaxBytes int64 `json:"max_bytes"`
}

// VolumeConfig places and sizes the TSDF grid.
type VolumeConfig struct {
	Resolution [3]int     `json:"resolution"`
	CellSize   float64    `json:"cell_size"`
	Origin     [3]float64 `json:"origin"`
	Truncation float64    `json:"truncation"`
	MaxWeight  float64    `json:"max_weight"`
}

// GridParams returns the grid placement.
func (vc VolumeConfig) GridParams() tsdf.GridParams {
	return tsdf.GridParams{
		Resolution: vc.Resolution,
		CellSize:   vc.CellSize,
		Origin:     r3.Vector{X: vc.Origin[0], Y: vc.Origin[1], Z: vc.Origin[2]},
	}
}

// ICPConfig is the tracker config plus the choice of reference.
type ICPConfig struct {
	icp.Config
	Reference ReferenceMode `json:"reference"`
}

// IntegrationConfig controls fusion.
type IntegrationConfig struct {
	WeightPolicy tsdf.WeightPolicy `json:"weight_policy"`
	// IntegrateLostFrames fuses frames that failed to track at the last good pose.
	IntegrateLostFrames bool `json:"integrate_lost_frames"`
}

// RenderConfig sizes the preview image.
type RenderConfig struct {
	raymarch.Config
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FilterConfig enables depth preprocessing. Zero values disable each filter.
type FilterConfig struct {
	SpatialSigma  float64 `json:"spatial_sigma"`
	TemporalAlpha float64 `json:"temporal_alpha"`
	// TemporalDelta restarts a pixel's history when its raw depth jumps by more than this.
	TemporalDelta int `json:"temporal_delta"`
}

// PoseConfig is a pose in human units: metres and degrees.
type PoseConfig struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Pose converts to a spatialmath pose.
func (pc PoseConfig) Pose() spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: pc.X, Y: pc.Y, Z: pc.Z},
		&spatialmath.EulerAngles{
			Roll:  utils.DegToRad(pc.Roll),
			Pitch: utils.DegToRad(pc.Pitch),
			Yaw:   utils.DegToRad(pc.Yaw),
		})
}

// OutputConfig names where rendered frames go. An empty directory disables output.
type OutputConfig struct {
	Directory string `json:"directory"`
	Format    string `json:"format"`
}

// DefaultConfig returns a config that runs the fake source into a 2.56 m cube in front of the
// camera.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: logging.INFO,
		Device:   DeviceConfig{MaxBytes: 1 << 30},
		Source:   input.SourceConfig{Model: "fake"},
		Volume: VolumeConfig{
			Resolution: [3]int{128, 128, 128},
			CellSize:   0.02,
			Origin:     [3]float64{-1.28, -1.28, 0.3},
			Truncation: 0.06,
			MaxWeight:  64,
		},
		ICP: ICPConfig{
			Config:    icp.DefaultConfig(),
			Reference: ReferenceModel,
		},
		Integration: IntegrationConfig{WeightPolicy: tsdf.WeightConstant},
		Render: RenderConfig{
			Config: raymarch.DefaultConfig(),
			Width:  640,
			Height: 480,
		},
		Output: OutputConfig{Format: "png"},
	}
}

// Validate returns every problem with the config. Each error names the offending field.
func (c *Config) Validate() error {
	var err error
	if c.Device.MaxBytes < 0 {
		err = multierr.Append(err, utils.NewConfigValidationError("device",
			errors.Errorf("max_bytes must not be negative, got %d", c.Device.MaxBytes)))
	}
	err = multierr.Append(err, c.Source.Validate("source"))
	err = multierr.Append(err, c.Volume.Validate("volume"))
	err = multierr.Append(err, c.ICP.Config.Validate("icp"))
	switch c.ICP.Reference {
	case ReferenceModel, ReferenceFrame:
	default:
		err = multierr.Append(err, utils.NewConfigValidationError("icp",
			errors.Errorf("unknown reference %q", c.ICP.Reference)))
	}
	if _, perr := tsdf.ParseWeightPolicy(string(c.Integration.WeightPolicy)); perr != nil {
		err = multierr.Append(err, utils.NewConfigValidationError("integration", perr))
	}
	err = multierr.Append(err, c.Render.Config.Validate("render"))
	if c.Render.Width <= 0 || c.Render.Height <= 0 {
		err = multierr.Append(err, utils.NewConfigValidationError("render",
			errors.Errorf("size must be positive, got (%d, %d)", c.Render.Width, c.Render.Height)))
	}
	if c.Filters.SpatialSigma < 0 {
		err = multierr.Append(err, utils.NewConfigValidationError("filters",
			errors.Errorf("spatial_sigma must not be negative, got %v", c.Filters.SpatialSigma)))
	}
	if c.Filters.TemporalAlpha < 0 || c.Filters.TemporalAlpha >= 1 {
		err = multierr.Append(err, utils.NewConfigValidationError("filters",
			errors.Errorf("temporal_alpha must be in [0, 1), got %v", c.Filters.TemporalAlpha)))
	}
	if c.Filters.TemporalDelta < 0 {
		err = multierr.Append(err, utils.NewConfigValidationError("filters",
			errors.Errorf("temporal_delta must not be negative, got %v", c.Filters.TemporalDelta)))
	}
	switch c.Output.Format {
	case "", "png", "ppm":
	default:
		err = multierr.Append(err, utils.NewConfigValidationError("output",
			errors.Errorf("unknown format %q", c.Output.Format)))
	}
	return err
}

// Validate checks the grid and the fusion parameters.
func (vc VolumeConfig) Validate(path string) error {
	var err error
	if gerr := vc.GridParams().Validate(); gerr != nil {
		err = multierr.Append(err, utils.NewConfigValidationError(path, gerr))
	}
	if vc.Truncation <= 0 {
		err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError(path, "truncation"))
	} else if vc.Truncation < vc.CellSize {
		err = multierr.Append(err, utils.NewConfigValidationError(path,
			errors.Errorf("truncation %v is narrower than a cell (%v)", vc.Truncation, vc.CellSize)))
	}
	if vc.MaxWeight <= 0 {
		err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError(path, "max_weight"))
	}
	return err
}
