package raymarch

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/kinfu/utils"
)

// A Light is a directional light. Direction points from the surface toward the light.
type Light struct {
	Direction r3.Vector `json:"direction"`
	Diffuse   float64   `json:"diffuse"`
	Specular  float64   `json:"specular"`
	Exponent  float64   `json:"exponent"`
}

// Config controls rendering.
type Config struct {
	FovYDegrees float64 `json:"fov_y_degrees"`
	// StepMin is the smallest march step, in normalized grid units.
	StepMin float64 `json:"step_min"`
	// NormalEpsilon is the central difference offset, in normalized grid units.
	NormalEpsilon float64 `json:"normal_epsilon"`
	Ambient       float64 `json:"ambient"`
	Lights        []Light `json:"lights"`
}

// DefaultConfig returns a single white light over the viewer's right shoulder.
func DefaultConfig() Config {
	return Config{
		FovYDegrees:   80,
		StepMin:       0.01,
		NormalEpsilon: 0.001,
		Ambient:       0.1,
		Lights: []Light{{
			Direction: r3.Vector{X: 1, Y: 1, Z: 1}.Normalize(),
			Diffuse:   0.5,
			Specular:  0.5,
			Exponent:  64,
		}},
	}
}

// Validate returns every problem with the config.
func (c Config) Validate(path string) error {
	var err error
	fail := func(format string, args ...interface{}) {
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.Errorf(format, args...)))
	}
	if c.FovYDegrees <= 0 || c.FovYDegrees >= 180 {
		fail("fov_y_degrees must be in (0, 180), got %v", c.FovYDegrees)
	}
	if c.StepMin <= 0 || c.StepMin > 1 {
		fail("step_min must be in (0, 1], got %v", c.StepMin)
	}
	if c.NormalEpsilon <= 0 {
		fail("normal_epsilon must be positive, got %v", c.NormalEpsilon)
	}
	if c.Ambient < 0 {
		fail("ambient must not be negative, got %v", c.Ambient)
	}
	for i, l := range c.Lights {
		if n := l.Direction.Norm(); n == 0 || math.IsNaN(n) {
			fail("lights[%d].direction must be non-zero", i)
		}
		if l.Diffuse < 0 || l.Specular < 0 || l.Exponent < 0 {
			fail("lights[%d] terms must not be negative", i)
		}
	}
	return err
}
