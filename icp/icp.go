// Package icp tracks a depth camera by aligning each live frame to a reference view with
// projective point-to-plane ICP.
//
// Every iteration runs two kernels on the device: a correspondence kernel that pairs each live
// pixel with the reference pixel it projects onto, and a reduction that sums the 6x6 normal
// equations per worker group. The host adds the partials, solves for an incremental twist with a
// Cholesky factorization and applies it on the left of the current estimate.
package icp

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/kinfu/frame"
	"go.viam.com/kinfu/kernel"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage/transform"
	"go.viam.com/kinfu/spatialmath"
	"go.viam.com/kinfu/utils"
)

// State is the tracker's view of whether it still knows where the camera is.
type State int32

const (
	// Tracking means the last frame aligned.
	Tracking State = iota
	// Lost means the last frame could not be aligned and the previous pose was kept.
	Lost
)

func (s State) String() string {
	switch s {
	case Tracking:
		return "tracking"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// A Reference is the view live frames are aligned against: camera-space geometry seen from Pose.
// It is either the previous frame or a raycast of the model.
type Reference struct {
	Maps       *frame.Maps
	Intrinsics *transform.PinholeCameraIntrinsics
	Pose       spatialmath.Pose
}

// A Residual is one live pixel's correspondence in world coordinates.
type Residual struct {
	Live   r3.Vector
	Ref    r3.Vector
	Normal r3.Vector
	Valid  bool
}

// Result describes one call to Track.
type Result struct {
	// Pose is the refined camera pose, or the previous pose when State is Lost.
	Pose            spatialmath.Pose
	State           State
	Iterations      int
	Correspondences int
	// RMSE is the point-to-plane error of the last linearization.
	RMSE      float64
	Converged bool
}

var (
	errTooFewCorrespondences = errors.New("too few correspondences")
	errDegenerate            = errors.New("degenerate normal equations")
)

// A Tracker estimates camera poses. It is used from a single goroutine; State may be read from
// any.
type Tracker struct {
	cfg    Config
	cosMax float64
	dev    *kernel.Device
	logger logging.Logger

	residuals *kernel.Buffer[Residual]
	state     atomic.Int32
	lostCount atomic.Int64
}

// NewTracker returns a tracker in the Tracking state.
func NewTracker(cfg Config, dev *kernel.Device, logger logging.Logger) (*Tracker, error) {
	if err := cfg.Validate("icp"); err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:    cfg,
		cosMax: math.Cos(utils.DegToRad(cfg.MaxAngleDegrees)),
		dev:    dev,
		logger: logger,
	}, nil
}

// Config returns the tracker settings.
func (t *Tracker) Config() Config {
	return t.cfg
}

// State returns the state after the most recent Track.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// LostFrames returns how many frames failed to align.
func (t *Tracker) LostFrames() int64 {
	return t.lostCount.Load()
}

// Track aligns the live frame to ref, starting from prevPose, and returns the refined pose. A
// frame that cannot be aligned is not an error: the result carries State Lost and prevPose.
func (t *Tracker) Track(
	ctx context.Context,
	live *frame.Frame,
	ref Reference,
	prevPose spatialmath.Pose,
) (*Result, error) {
	if live == nil || live.Depth() == nil {
		return nil, errors.New("live frame has no depth map")
	}
	if ref.Maps == nil || ref.Intrinsics == nil || ref.Pose == nil {
		return nil, errors.New("reference is incomplete")
	}
	if err := ref.Intrinsics.CheckSize(ref.Maps.Width, ref.Maps.Height); err != nil {
		return nil, errors.Wrap(err, "reference")
	}
	liveMaps := live.Maps()
	n := liveMaps.Width * liveMaps.Height
	residuals, err := kernel.EnsureLen(t.dev, t.residuals, "icp.residuals", n)
	if err != nil {
		t.residuals = nil
		return nil, err
	}
	t.residuals = residuals

	estimate := prevPose
	result := &Result{Pose: prevPose}
	var lostErr error
	for iter := 1; iter <= t.cfg.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Iterations = iter
		t.correspond(liveMaps, ref, estimate)
		ne := t.reduce(n)
		result.Correspondences = ne.count
		if ne.count < t.cfg.MinCorrespondences {
			lostErr = errors.Wrapf(errTooFewCorrespondences, "%d < %d", ne.count, t.cfg.MinCorrespondences)
			break
		}
		result.RMSE = math.Sqrt(ne.sumSq / float64(ne.count))

		omega, trans, err := t.solve(ne)
		if err != nil {
			lostErr = err
			break
		}
		estimate = spatialmath.Compose(spatialmath.NewPoseFromTwist(omega, trans), estimate)
		if omega.Norm() < t.cfg.ConvergenceRotation && trans.Norm() < t.cfg.ConvergenceTranslation {
			result.Converged = true
			break
		}
	}

	if lostErr != nil {
		result.State = Lost
		result.Pose = prevPose
		t.lostCount.Inc()
		if State(t.state.Swap(int32(Lost))) != Lost {
			t.logger.Warnw("tracking lost", "reason", lostErr, "iteration", result.Iterations)
		} else {
			t.logger.Debugw("still lost", "reason", lostErr)
		}
		return result, nil
	}

	result.State = Tracking
	result.Pose = estimate
	if State(t.state.Swap(int32(Tracking))) == Lost {
		t.logger.Infow("tracking recovered", "pose", estimate)
	}
	t.logger.Debugw("tracked frame",
		"iterations", result.Iterations,
		"correspondences", result.Correspondences,
		"rmse", result.RMSE,
		"converged", result.Converged)
	return result, nil
}

// correspond fills the residual buffer, one lane per live pixel.
func (t *Tracker) correspond(live *frame.Maps, ref Reference, estimate spatialmath.Pose) {
	residuals := t.residuals.Data()
	liveToWorld := spatialmath.NewRigidTransform(estimate)
	worldToRef := spatialmath.NewRigidTransform(spatialmath.PoseInverse(ref.Pose))
	refToWorld := spatialmath.NewRigidTransform(ref.Pose)
	refMaps := ref.Maps
	intrinsics := ref.Intrinsics
	maxDist := t.cfg.MaxDistance
	cosMax := t.cosMax

	t.dev.Dispatch(len(residuals), func(lane int) {
		residuals[lane] = Residual{}
		v, nrm := live.Vertices[lane], live.Normals[lane]
		if !frame.IsValid(v) || !frame.IsValid(nrm) {
			return
		}
		p := liveToWorld.Apply(v)
		c := worldToRef.Apply(p)
		if c.Z <= 0 {
			return
		}
		u, w := intrinsics.PointToPixel(c.X, c.Y, c.Z)
		if u < 0 || w < 0 || !refMaps.In(int(u), int(w)) {
			return
		}
		idx := refMaps.Index(int(u), int(w))
		qv, qn := refMaps.Vertices[idx], refMaps.Normals[idx]
		if !frame.IsValid(qv) || !frame.IsValid(qn) {
			return
		}
		q := refToWorld.Apply(qv)
		if p.Sub(q).Norm() > maxDist {
			return
		}
		qnWorld := refToWorld.ApplyRotation(qn)
		if liveToWorld.ApplyRotation(nrm).Dot(qnWorld) < cosMax {
			return
		}
		residuals[lane] = Residual{Live: p, Ref: q, Normal: qnWorld, Valid: true}
	})
}

// reduce sums the normal equations of all valid residuals.
func (t *Tracker) reduce(n int) normalEquations {
	residuals := t.residuals.Data()
	partials := kernel.Reduce(t.dev, n, func(lane int, ne *normalEquations) {
		if r := residuals[lane]; r.Valid {
			ne.add(r.Live, r.Ref, r.Normal)
		}
	})
	var total normalEquations
	for i := range partials {
		total.merge(&partials[i])
	}
	return total
}

// solve returns the twist minimizing the linearized error.
func (t *Tracker) solve(ne normalEquations) (omega, trans r3.Vector, err error) {
	a, b := ne.system()
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return r3.Vector{}, r3.Vector{}, errors.Wrap(errDegenerate, "not positive definite")
	}
	if cond := chol.Cond(); cond > t.cfg.MaxConditionNumber {
		return r3.Vector{}, r3.Vector{}, errors.Wrapf(errDegenerate, "condition number %g", cond)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, b); err != nil {
		return r3.Vector{}, r3.Vector{}, errors.Wrap(errDegenerate, err.Error())
	}
	return r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)},
		r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)},
		nil
}

// Close releases the residual buffer.
func (t *Tracker) Close() error {
	if t.residuals == nil {
		return nil
	}
	err := t.residuals.Release()
	t.residuals = nil
	return err
}
