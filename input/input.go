// Package input defines where depth frames come from. A Source blocks until the sensor has a new
// frame; backends register themselves by model name and are built from a SourceConfig.
package input

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/kinfu/rimage"
	"go.viam.com/kinfu/rimage/transform"
)

// ErrSensorFault is wrapped by every error a Source returns from WaitForFrame. It ends a run.
var ErrSensorFault = errors.New("sensor fault")

// NewSensorFaultError wraps err as a sensor fault.
func NewSensorFaultError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSensorFault) {
		return err
	}
	return &sensorFault{err: err}
}

type sensorFault struct {
	err error
}

func (e *sensorFault) Error() string {
	return ErrSensorFault.Error() + ": " + e.err.Error()
}

func (e *sensorFault) Is(target error) bool {
	return target == ErrSensorFault
}

func (e *sensorFault) Unwrap() error {
	return e.err
}

// A Capture is one synchronized frame from a depth sensor.
type Capture struct {
	Depth      *rimage.DepthMap
	DepthScale float64
	Intrinsics *transform.PinholeCameraIntrinsics

	// Color and ColorIntrinsics are nil for sensors without a color stream.
	Color           image.Image
	ColorIntrinsics *transform.PinholeCameraIntrinsics

	Timestamp time.Time
}

// Validate checks that the capture can be turned into a frame.
func (c *Capture) Validate() error {
	if c == nil || c.Depth == nil {
		return errors.New("capture has no depth map")
	}
	if c.DepthScale <= 0 {
		return errors.Errorf("depth scale must be positive, got %v", c.DepthScale)
	}
	if c.Intrinsics == nil {
		return transform.NewNoIntrinsicsError("capture has no depth intrinsics")
	}
	return c.Intrinsics.CheckSize(c.Depth.Width(), c.Depth.Height())
}

// A Source produces captures.
type Source interface {
	// WaitForFrame blocks until a new capture is available or ctx is done. Any failure of the
	// sensor is returned wrapped in ErrSensorFault.
	WaitForFrame(ctx context.Context) (*Capture, error)
	Close(ctx context.Context) error
}
