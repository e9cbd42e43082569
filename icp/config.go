package icp

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/kinfu/utils"
)

// Config tunes the tracker.
type Config struct {
	// Iterations caps the Gauss-Newton steps per frame.
	Iterations int `json:"iterations"`
	// MaxDistance rejects correspondences further apart than this, in metres.
	MaxDistance float64 `json:"max_distance"`
	// MaxAngleDegrees rejects correspondences whose normals disagree by more than this.
	MaxAngleDegrees    float64 `json:"max_angle_degrees"`
	MinCorrespondences int     `json:"min_correspondences"`
	// An update smaller than both thresholds ends the iteration early.
	ConvergenceTranslation float64 `json:"convergence_translation"`
	ConvergenceRotation    float64 `json:"convergence_rotation"`
	// MaxConditionNumber bounds how degenerate the normal equations may be before the frame is
	// declared lost.
	MaxConditionNumber float64 `json:"max_condition_number"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Iterations:             10,
		MaxDistance:            0.1,
		MaxAngleDegrees:        20,
		MinCorrespondences:     100,
		ConvergenceTranslation: 1e-5,
		ConvergenceRotation:    1e-5,
		MaxConditionNumber:     1e8,
	}
}

// Validate returns every problem with the config, each naming its field under path.
func (c Config) Validate(path string) error {
	var err error
	check := func(ok bool, field string, value interface{}) {
		if !ok {
			err = multierr.Append(err, utils.NewConfigValidationError(path,
				errors.Errorf("%q out of range: %v", field, value)))
		}
	}
	check(c.Iterations > 0, "iterations", c.Iterations)
	check(c.MaxDistance > 0, "max_distance", c.MaxDistance)
	check(c.MaxAngleDegrees > 0 && c.MaxAngleDegrees <= 180, "max_angle_degrees", c.MaxAngleDegrees)
	check(c.MinCorrespondences >= 6, "min_correspondences", c.MinCorrespondences)
	check(c.ConvergenceTranslation >= 0, "convergence_translation", c.ConvergenceTranslation)
	check(c.ConvergenceRotation >= 0, "convergence_rotation", c.ConvergenceRotation)
	check(c.MaxConditionNumber >= 1, "max_condition_number", c.MaxConditionNumber)
	return err
}
