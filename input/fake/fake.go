// Package fake implements a depth source that renders an analytic scene along a scripted camera
// trajectory. It needs no hardware and knows its ground truth poses.
package fake

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/kinfu/input"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage/transform"
	"go.viam.com/kinfu/spatialmath"
	"go.viam.com/kinfu/utils"
)

// Model is the name the fake source registers under.
const Model = "fake"

const (
	defaultWidth       = 160
	defaultHeight      = 120
	defaultFovYDegrees = 60
	defaultDepthScale  = 0.001
)

func init() {
	input.RegisterSource(Model, input.Registration[*Config]{
		Constructor: func(ctx context.Context, conf *Config, logger logging.Logger) (input.Source, error) {
			return NewSource(conf, clock.New(), logger)
		},
	})
}

// Config are the attributes of the fake source.
type Config struct {
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	FovYDegrees float64 `json:"fov_y_degrees,omitempty"`
	DepthScale  float64 `json:"depth_scale,omitempty"`

	// Frames limits the stream; 0 means endless.
	Frames int `json:"frames,omitempty"`
	// FPS paces WaitForFrame; 0 means as fast as asked.
	FPS float64 `json:"fps,omitempty"`

	// Per frame camera motion: a translation then a rotation about the camera's vertical axis.
	StepX          float64 `json:"step_x,omitempty"`
	StepY          float64 `json:"step_y,omitempty"`
	StepZ          float64 `json:"step_z,omitempty"`
	YawStepDegrees float64 `json:"yaw_step_degrees,omitempty"`

	Color bool `json:"color,omitempty"`
}

// Validate checks that the config attributes are valid for a fake source.
func (conf *Config) Validate(path string) error {
	if conf.Width < 0 || conf.Height < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("got illegal size (%d, %d)", conf.Width, conf.Height))
	}
	if conf.Width%2 != 0 || conf.Height%2 != 0 {
		return utils.NewConfigValidationError(path,
			errors.Errorf("size must be even, got (%d, %d)", conf.Width, conf.Height))
	}
	if conf.FovYDegrees < 0 || conf.FovYDegrees >= 180 {
		return utils.NewConfigValidationError(path, errors.Errorf("fov_y_degrees must be in [0, 180), got %v", conf.FovYDegrees))
	}
	if conf.DepthScale < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("depth_scale must not be negative, got %v", conf.DepthScale))
	}
	if conf.Frames < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("frames must not be negative, got %d", conf.Frames))
	}
	if conf.FPS < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("fps must not be negative, got %v", conf.FPS))
	}
	return nil
}

func (conf Config) withDefaults() Config {
	if conf.Width == 0 {
		conf.Width = defaultWidth
	}
	if conf.Height == 0 {
		conf.Height = defaultHeight
	}
	if conf.FovYDegrees == 0 {
		conf.FovYDegrees = defaultFovYDegrees
	}
	if conf.DepthScale == 0 {
		conf.DepthScale = defaultDepthScale
	}
	return conf
}

// Source renders DefaultScene, or the scene set with SetScene, one pose per frame.
type Source struct {
	conf       Config
	intrinsics *transform.PinholeCameraIntrinsics
	interval   time.Duration
	clk        clock.Clock
	logger     logging.Logger

	mu     sync.Mutex
	scene  *Scene
	next   int
	last   time.Time
	closed bool
}

// NewSource returns a fake source. clk paces frames when FPS is set.
func NewSource(conf *Config, clk clock.Clock, logger logging.Logger) (*Source, error) {
	if conf == nil {
		conf = &Config{}
	}
	if err := conf.Validate(Model); err != nil {
		return nil, err
	}
	c := conf.withDefaults()
	s := &Source{
		conf:       c,
		intrinsics: transform.NewPinholeCameraIntrinsicsFromFovY(c.Width, c.Height, utils.DegToRad(c.FovYDegrees)),
		clk:        clk,
		logger:     logger,
		scene:      DefaultScene(),
	}
	if c.FPS > 0 {
		s.interval = time.Duration(float64(time.Second) / c.FPS)
	}
	logger.Debugw("fake source ready", "width", c.Width, "height", c.Height, "frames", c.Frames)
	return s, nil
}

// SetScene replaces the rendered scene.
func (s *Source) SetScene(scene *Scene) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scene = scene
}

// Intrinsics returns the depth camera model.
func (s *Source) Intrinsics() *transform.PinholeCameraIntrinsics {
	return s.intrinsics
}

// PoseAt returns the ground truth camera pose of frame i.
func (s *Source) PoseAt(i int) spatialmath.Pose {
	n := float64(i)
	point := r3.Vector{X: n * s.conf.StepX, Y: n * s.conf.StepY, Z: n * s.conf.StepZ}
	yaw := &spatialmath.R4AA{Theta: n * utils.DegToRad(s.conf.YawStepDegrees), RY: 1}
	return spatialmath.NewPose(point, yaw)
}

// WaitForFrame renders the next frame of the trajectory. Once the configured number of frames has
// been produced it returns a sensor fault wrapping io.EOF.
func (s *Source) WaitForFrame(ctx context.Context) (*input.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, input.NewSensorFaultError(errors.New("fake source is closed"))
	}
	if s.conf.Frames > 0 && s.next >= s.conf.Frames {
		return nil, input.NewSensorFaultError(io.EOF)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.interval > 0 && s.next > 0 {
		if wait := s.last.Add(s.interval).Sub(s.clk.Now()); wait > 0 {
			timer := s.clk.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	pose := s.PoseAt(s.next)
	capture := &input.Capture{
		Depth:      s.scene.RenderDepth(pose, s.intrinsics, s.conf.DepthScale),
		DepthScale: s.conf.DepthScale,
		Intrinsics: s.intrinsics,
		Timestamp:  s.clk.Now(),
	}
	if s.conf.Color {
		capture.Color = s.scene.RenderColor(pose, s.intrinsics)
		capture.ColorIntrinsics = s.intrinsics
	}
	s.last = capture.Timestamp
	s.next++
	return capture, nil
}

// FramesProduced returns how many captures have been returned.
func (s *Source) FramesProduced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close stops the source. Further calls to WaitForFrame fail.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
