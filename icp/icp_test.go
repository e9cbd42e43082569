package icp

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/kinfu/frame"
	"go.viam.com/kinfu/input/fake"
	"go.viam.com/kinfu/kernel"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage"
	"go.viam.com/kinfu/rimage/transform"
	"go.viam.com/kinfu/spatialmath"
	"go.viam.com/kinfu/utils"
)

const testDepthScale = 0.0001

var testIntrinsics = transform.NewPinholeCameraIntrinsicsFromFovY(120, 90, utils.DegToRad(60))

func newFrame(t *testing.T, dev *kernel.Device, dm *rimage.DepthMap) *frame.Frame {
	t.Helper()
	f := frame.NewFrame(dev, logging.NewTestLogger(t))
	test.That(t, f.SetDepthMap(dm, testDepthScale, testIntrinsics), test.ShouldBeNil)
	test.That(t, f.Process(context.Background()), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, f.Close(), test.ShouldBeNil)
	})
	return f
}

func sceneFrame(t *testing.T, dev *kernel.Device, scene *fake.Scene, pose spatialmath.Pose) *frame.Frame {
	t.Helper()
	return newFrame(t, dev, scene.RenderDepth(pose, testIntrinsics, testDepthScale))
}

func referenceOf(f *frame.Frame, pose spatialmath.Pose) Reference {
	return Reference{Maps: f.Maps(), Intrinsics: f.Intrinsics(), Pose: pose}
}

func newTestTracker(t *testing.T, cfg Config, logger logging.Logger) (*Tracker, *kernel.Device) {
	t.Helper()
	dev := kernel.NewDevice("test", 0, logger)
	tracker, err := NewTracker(cfg, dev, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, tracker.Close(), test.ShouldBeNil)
	})
	return tracker, dev
}

func TestTrackIdenticalFrames(t *testing.T) {
	tracker, dev := newTestTracker(t, DefaultConfig(), logging.NewTestLogger(t))
	scene := fake.DefaultScene()
	ref := sceneFrame(t, dev, scene, spatialmath.NewZeroPose())
	live := sceneFrame(t, dev, scene, spatialmath.NewZeroPose())

	res, err := tracker.Track(context.Background(), live, referenceOf(ref, spatialmath.NewZeroPose()), spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Tracking)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.Iterations, test.ShouldEqual, 1)
	test.That(t, res.RMSE, test.ShouldAlmostEqual, 0)
	test.That(t, res.Correspondences, test.ShouldBeGreaterThan, 5000)
	test.That(t, spatialmath.PoseAlmostEqual(res.Pose, spatialmath.NewZeroPose()), test.ShouldBeTrue)
	test.That(t, tracker.State(), test.ShouldEqual, Tracking)
}

func TestTrackRecoversMotion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 30
	scene := fake.DefaultScene()

	for _, tc := range []struct {
		name  string
		truth spatialmath.Pose
	}{
		{"translation", spatialmath.NewPoseFromPoint(r3.Vector{X: 0.01})},
		{"forward", spatialmath.NewPoseFromPoint(r3.Vector{Y: -0.005, Z: 0.02})},
		{"yaw", spatialmath.NewPose(r3.Vector{X: 0.005, Z: 0.005}, &spatialmath.R4AA{Theta: utils.DegToRad(1), RY: 1})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tracker, dev := newTestTracker(t, cfg, logging.NewTestLogger(t))
			ref := sceneFrame(t, dev, scene, spatialmath.NewZeroPose())
			live := sceneFrame(t, dev, scene, tc.truth)

			res, err := tracker.Track(context.Background(), live, referenceOf(ref, spatialmath.NewZeroPose()), spatialmath.NewZeroPose())
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.State, test.ShouldEqual, Tracking)
			dist, angle := spatialmath.PoseDistance(res.Pose, tc.truth)
			test.That(t, dist, test.ShouldBeLessThan, 0.003)
			test.That(t, angle, test.ShouldBeLessThan, 0.005)
		})
	}
}

func TestTrackMovedReference(t *testing.T) {
	// the reference need not sit at the origin
	tracker, dev := newTestTracker(t, DefaultConfig(), logging.NewTestLogger(t))
	scene := fake.DefaultScene()
	refPose := spatialmath.NewPoseFromPoint(r3.Vector{Z: 0.1})
	ref := sceneFrame(t, dev, scene, refPose)
	live := sceneFrame(t, dev, scene, refPose)

	res, err := tracker.Track(context.Background(), live, referenceOf(ref, refPose), refPose)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Tracking)
	test.That(t, spatialmath.PoseAlmostEqualEps(res.Pose, refPose, 1e-6), test.ShouldBeTrue)
}

func TestTrackLost(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	tracker, dev := newTestTracker(t, DefaultConfig(), logger)
	scene := fake.DefaultScene()
	ref := sceneFrame(t, dev, scene, spatialmath.NewZeroPose())
	prev := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.002, Y: 0.001})

	// no valid depth at all
	blank := newFrame(t, dev, rimage.NewEmptyDepthMap(testIntrinsics.Width, testIntrinsics.Height))
	res, err := tracker.Track(context.Background(), blank, referenceOf(ref, spatialmath.NewZeroPose()), prev)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Lost)
	test.That(t, res.Correspondences, test.ShouldEqual, 0)
	test.That(t, res.Pose, test.ShouldEqual, prev)
	test.That(t, tracker.State(), test.ShouldEqual, Lost)
	test.That(t, logs.FilterMessage("tracking lost").Len(), test.ShouldEqual, 1)

	// a single plane leaves the motion along it unconstrained
	wall := &fake.Scene{Planes: []fake.Plane{{Normal: r3.Vector{Z: 1}, Offset: 2}}}
	wallRef := sceneFrame(t, dev, wall, spatialmath.NewZeroPose())
	wallLive := sceneFrame(t, dev, wall, spatialmath.NewZeroPose())
	res, err = tracker.Track(context.Background(), wallLive, referenceOf(wallRef, spatialmath.NewZeroPose()), prev)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Lost)
	test.That(t, res.Correspondences, test.ShouldBeGreaterThan, 100)
	test.That(t, res.Pose, test.ShouldEqual, prev)
	// already lost, so no second warning
	test.That(t, logs.FilterMessage("tracking lost").Len(), test.ShouldEqual, 1)
	test.That(t, tracker.LostFrames(), test.ShouldEqual, int64(2))

	live := sceneFrame(t, dev, scene, spatialmath.NewZeroPose())
	res, err = tracker.Track(context.Background(), live, referenceOf(ref, spatialmath.NewZeroPose()), spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Tracking)
	test.That(t, tracker.State(), test.ShouldEqual, Tracking)
	test.That(t, logs.FilterMessage("tracking recovered").Len(), test.ShouldEqual, 1)
	test.That(t, Lost.String(), test.ShouldEqual, "lost")
	test.That(t, Tracking.String(), test.ShouldEqual, "tracking")
}

func TestTrackErrors(t *testing.T) {
	tracker, dev := newTestTracker(t, DefaultConfig(), logging.NewTestLogger(t))
	scene := fake.DefaultScene()
	ref := sceneFrame(t, dev, scene, spatialmath.NewZeroPose())
	live := sceneFrame(t, dev, scene, spatialmath.NewZeroPose())
	zero := spatialmath.NewZeroPose()

	_, err := tracker.Track(context.Background(), nil, referenceOf(ref, zero), zero)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = tracker.Track(context.Background(), live, Reference{}, zero)
	test.That(t, err, test.ShouldNotBeNil)

	small := referenceOf(ref, zero)
	small.Intrinsics = testIntrinsics.Scale(0.5)
	_, err = tracker.Track(context.Background(), live, small, zero)
	test.That(t, err, test.ShouldNotBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tracker.Track(ctx, live, referenceOf(ref, zero), zero)
	test.That(t, err, test.ShouldEqual, context.Canceled)

	// residuals are released on close
	before := dev.BytesInUse()
	_, err = tracker.Track(context.Background(), live, referenceOf(ref, zero), zero)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tracker.Close(), test.ShouldBeNil)
	test.That(t, dev.BytesInUse(), test.ShouldBeLessThan, before)
}

func TestConfigValidate(t *testing.T) {
	test.That(t, DefaultConfig().Validate("icp"), test.ShouldBeNil)

	cfg := DefaultConfig()
	cfg.Iterations = 0
	cfg.MaxAngleDegrees = 200
	cfg.MinCorrespondences = 3
	err := cfg.Validate("icp")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "iterations")
	test.That(t, err.Error(), test.ShouldContainSubstring, "max_angle_degrees")
	test.That(t, err.Error(), test.ShouldContainSubstring, "min_correspondences")

	_, err = NewTracker(cfg, kernel.NewDevice("test", 0, logging.NewTestLogger(t)), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNormalEquations(t *testing.T) {
	var a, b normalEquations
	a.add(r3.Vector{Z: 1}, r3.Vector{Z: 0.9}, r3.Vector{Z: -1})
	b.add(r3.Vector{X: 1, Z: 1}, r3.Vector{X: 1, Z: 1}, r3.Vector{X: 1})
	a.merge(&b)
	test.That(t, a.count, test.ShouldEqual, 2)
	test.That(t, a.sumSq, test.ShouldAlmostEqual, 0.01)

	lhs, rhs := a.system()
	test.That(t, lhs.At(5, 5), test.ShouldAlmostEqual, 1)
	test.That(t, lhs.At(3, 3), test.ShouldAlmostEqual, 1)
	// p × n for the second sample is (0, 1, 0)
	test.That(t, lhs.At(1, 3), test.ShouldAlmostEqual, 1)
	test.That(t, lhs.At(3, 1), test.ShouldAlmostEqual, 1)
	test.That(t, rhs.AtVec(5), test.ShouldAlmostEqual, -0.1)
	test.That(t, rhs.AtVec(3), test.ShouldAlmostEqual, 0)
}
