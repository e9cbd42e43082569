// Package pipeline runs the fusion loop: each capture is filtered, turned into vertex and normal
// maps, aligned against the reference view, fused into the volume, and becomes the next
// reference. All stages run on the calling goroutine; parallelism lives inside each stage's
// kernels.
package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/kinfu/config"
	"go.viam.com/kinfu/frame"
	"go.viam.com/kinfu/icp"
	"go.viam.com/kinfu/input"
	"go.viam.com/kinfu/kernel"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/raymarch"
	"go.viam.com/kinfu/rimage"
	"go.viam.com/kinfu/rimage/transform"
	"go.viam.com/kinfu/spatialmath"
	"go.viam.com/kinfu/tsdf"
)

// FrameResult describes what ProcessFrame did with one capture.
type FrameResult struct {
	// Index counts processed frames from 0.
	Index int64
	Pose  spatialmath.Pose
	State icp.State
	// Track is nil for the first frame, which defines the starting pose instead of being aligned.
	Track       *icp.Result
	Integrated  bool
	Integration tsdf.IntegrationStats
	// ReferencePixels is the number of valid pixels in the new reference, or 0 if the previous
	// reference was kept.
	ReferencePixels int
}

// A Pipeline owns every device resource of a fusion run.
type Pipeline struct {
	cfg    *config.Config
	logger logging.Logger
	clk    clock.Clock
	dev    *kernel.Device

	volume     *tsdf.Volume
	frame      *frame.Frame
	tracker    *icp.Tracker
	integrator *tsdf.Integrator
	renderer   *raymarch.Renderer
	temporal   *rimage.TemporalFilter

	// the reference is only touched by the processing goroutine
	frameRef      frame.Maps
	refMaps       *frame.Maps
	refIntrinsics *transform.PinholeCameraIntrinsics
	refPose       spatialmath.Pose

	mu     sync.RWMutex
	pose   spatialmath.Pose
	state  icp.State
	closed bool

	frames     atomic.Int64
	tracked    atomic.Int64
	lost       atomic.Int64
	integrated atomic.Int64
	timings    *timings
}

// New allocates the volume and every stage described by cfg. A failed allocation is a resource
// fault; whatever was allocated before it is released.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger, opts ...Option) (_ *Pipeline, err error) {
	if cfg == nil {
		return nil, errors.New("pipeline needs a config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.device == nil {
		o.device = kernel.NewDevice("kinfu", cfg.Device.MaxBytes, logger.Sublogger("kernel"))
	}

	p := &Pipeline{
		cfg:     cfg,
		logger:  logger,
		clk:     o.clock,
		dev:     o.device,
		pose:    cfg.InitialPose.Pose(),
		timings: newTimings(),
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, p.release())
		}
	}()

	if p.volume, err = tsdf.NewVolume(
		cfg.Volume.GridParams(), cfg.Volume.Truncation, cfg.Volume.MaxWeight, p.dev, logger.Sublogger("tsdf"),
	); err != nil {
		return nil, err
	}
	p.frame = frame.NewFrame(p.dev, logger.Sublogger("frame"))
	if p.tracker, err = icp.NewTracker(cfg.ICP.Config, p.dev, logger.Sublogger("icp")); err != nil {
		return nil, err
	}
	if p.integrator, err = tsdf.NewIntegrator(
		p.volume, cfg.Integration.WeightPolicy, p.dev, logger.Sublogger("integrator"),
	); err != nil {
		return nil, err
	}
	if p.renderer, err = raymarch.NewRenderer(cfg.Render.Config, p.dev, logger.Sublogger("raymarch")); err != nil {
		return nil, err
	}
	if cfg.Filters.TemporalAlpha > 0 {
		p.temporal = rimage.NewTemporalFilter(cfg.Filters.TemporalAlpha)
		p.temporal.Delta = rimage.Depth(cfg.Filters.TemporalDelta)
	}
	logger.Infow("pipeline ready",
		"resolution", cfg.Volume.Resolution,
		"cell_size", cfg.Volume.CellSize,
		"reference", cfg.ICP.Reference,
		"weight_policy", p.integrator.Policy(),
		"bytes_in_use", p.dev.BytesInUse())
	return p, nil
}

// timed runs fn as stage and records how long it took.
func (p *Pipeline) timed(stage string, fn func() error) error {
	start := p.clk.Now()
	err := fn()
	p.timings.record(stage, p.clk.Since(start))
	return err
}

// ProcessFrame runs one capture through every stage and updates the pose.
func (p *Pipeline) ProcessFrame(ctx context.Context, capture *input.Capture) (*FrameResult, error) {
	if p.isClosed() {
		return nil, errors.New("pipeline is closed")
	}
	if err := capture.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid capture")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	index := p.frames.Load()
	result := &FrameResult{Index: index}

	depth := capture.Depth
	filterStart := p.clk.Now()
	if p.cfg.Filters.SpatialSigma > 0 {
		depth = rimage.SpatialFilter(depth, p.cfg.Filters.SpatialSigma)
	}
	if p.temporal != nil {
		depth = p.temporal.Apply(depth)
	}
	p.timings.record(StageFilter, p.clk.Since(filterStart))

	if err := p.timed(StageFrame, func() error {
		if err := p.frame.SetDepthMap(depth, capture.DepthScale, capture.Intrinsics); err != nil {
			return err
		}
		if err := p.frame.SetColorMap(capture.Color, capture.ColorIntrinsics); err != nil {
			return err
		}
		return p.frame.Process(ctx)
	}); err != nil {
		return nil, err
	}

	pose := p.Pose()
	state := icp.Tracking
	if p.refMaps != nil {
		if err := p.timed(StageTrack, func() error {
			res, err := p.tracker.Track(ctx, p.frame, icp.Reference{
				Maps:       p.refMaps,
				Intrinsics: p.refIntrinsics,
				Pose:       p.refPose,
			}, pose)
			if err != nil {
				return err
			}
			result.Track = res
			pose, state = res.Pose, res.State
			return nil
		}); err != nil {
			return nil, err
		}
	}
	result.Pose, result.State = pose, state
	if state == icp.Lost {
		p.lost.Inc()
	} else {
		p.tracked.Inc()
	}

	if state == icp.Tracking || p.cfg.Integration.IntegrateLostFrames {
		if err := p.timed(StageIntegrate, func() error {
			stats, err := p.integrator.Integrate(ctx, p.frame, pose)
			result.Integration = stats
			return err
		}); err != nil {
			return nil, err
		}
		result.Integrated = true
		p.integrated.Inc()
	}

	if state == icp.Tracking {
		if err := p.timed(StageReference, func() error {
			return p.updateReference(ctx, pose)
		}); err != nil {
			return nil, err
		}
		result.ReferencePixels = p.refMaps.ValidCount()
	}

	p.mu.Lock()
	p.pose, p.state = pose, state
	p.mu.Unlock()
	p.frames.Inc()

	p.logger.Debugw("frame processed",
		"index", index,
		"state", state,
		"integrated", result.Integrated,
		"updated_voxels", result.Integration.Updated,
		"reference_pixels", result.ReferencePixels)
	return result, nil
}

// updateReference makes the view from pose the reference for the next frame: either the volume
// raycast through the live intrinsics, or the live frame itself.
func (p *Pipeline) updateReference(ctx context.Context, pose spatialmath.Pose) error {
	intrinsics := p.frame.Intrinsics()
	switch p.cfg.ICP.Reference {
	case config.ReferenceFrame:
		p.frame.CopyMapsTo(&p.frameRef)
		p.refMaps = &p.frameRef
	default:
		maps, err := p.renderer.Raycast(ctx, p.volume, pose, intrinsics)
		if err != nil {
			return err
		}
		p.refMaps = maps
	}
	p.refIntrinsics = intrinsics
	p.refPose = pose
	return nil
}

// Step waits for the next capture from src and processes it. Errors from src are returned as is.
func (p *Pipeline) Step(ctx context.Context, src input.Source) (*FrameResult, error) {
	capture, err := src.WaitForFrame(ctx)
	if err != nil {
		return nil, err
	}
	return p.ProcessFrame(ctx, capture)
}

// Run processes captures from src until ctx is done, maxFrames frames have been processed (when
// positive), or something fails. A sensor fault, including the end of a finite stream, is
// returned wrapped in input.ErrSensorFault. Each frame is rendered to display if it is not nil.
func (p *Pipeline) Run(ctx context.Context, src input.Source, display Display, maxFrames int) error {
	for n := 0; maxFrames <= 0 || n < maxFrames; n++ {
		if ctx.Err() != nil {
			return nil
		}
		res, err := p.Step(ctx, src)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			if errors.Is(err, input.ErrSensorFault) {
				p.logger.Errorw("sensor fault", "error", err, "frames", p.frames.Load())
			}
			return err
		}
		if display != nil {
			width, height := display.Size()
			img, err := p.Render(ctx, width, height)
			if err != nil {
				return err
			}
			if err := display.Present(ctx, img); err != nil {
				return err
			}
		}
		if res.Index%30 == 0 {
			p.logStats()
		}
	}
	return nil
}

func (p *Pipeline) logStats() {
	s := p.Stats()
	fields := []interface{}{"frames", s.Frames, "lost", s.Lost, "bytes_in_use", s.BytesInUse}
	for _, stage := range []string{StageTrack, StageIntegrate, StageRender} {
		if st, ok := s.Stages[stage]; ok {
			fields = append(fields, stage+"_median", st.Median, stage+"_p95", st.P95)
		}
	}
	p.logger.Debugw("pipeline stats", fields...)
}

// Render draws the volume from the current pose. The image is reused by the next Render.
func (p *Pipeline) Render(ctx context.Context, width, height int) (*image.RGBA, error) {
	if p.isClosed() {
		return nil, errors.New("pipeline is closed")
	}
	var img *image.RGBA
	err := p.timed(StageRender, func() error {
		var err error
		img, err = p.renderer.Render(ctx, p.volume, p.Pose(), width, height)
		return err
	})
	return img, err
}

// Pose returns the current camera pose.
func (p *Pipeline) Pose() spatialmath.Pose {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pose
}

// State returns the tracking state after the last frame.
func (p *Pipeline) State() icp.State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Volume returns the reconstruction. It must not be read while a frame is being processed.
func (p *Pipeline) Volume() *tsdf.Volume {
	return p.volume
}

// Stats returns counters and recent stage timings.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:     p.frames.Load(),
		Tracked:    p.tracked.Load(),
		Lost:       p.lost.Load(),
		Integrated: p.integrated.Load(),
		BytesInUse: p.dev.BytesInUse(),
		Stages:     p.timings.summarize(),
	}
}

func (p *Pipeline) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// release closes every stage that has been created.
func (p *Pipeline) release() error {
	var err error
	if p.renderer != nil {
		err = multierr.Append(err, p.renderer.Close())
	}
	if p.tracker != nil {
		err = multierr.Append(err, p.tracker.Close())
	}
	if p.frame != nil {
		err = multierr.Append(err, p.frame.Close())
	}
	if p.volume != nil {
		err = multierr.Append(err, p.volume.Close())
	}
	p.refMaps = nil
	return err
}

// Close releases all device memory. It is safe to call more than once.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	err := p.release()
	p.logger.Debugw("pipeline closed", "bytes_in_use", p.dev.BytesInUse(), "frames", p.frames.Load())
	return err
}
