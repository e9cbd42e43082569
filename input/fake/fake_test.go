package fake

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/kinfu/input"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage/transform"
	"go.viam.com/kinfu/spatialmath"
)

func TestSceneIntersect(t *testing.T) {
	scene := DefaultScene()

	tHit, surface, ok := scene.Intersect(r3.Vector{}, r3.Vector{Z: 1})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, surface, test.ShouldEqual, 3)
	test.That(t, tHit, test.ShouldAlmostEqual, 1.5-math.Sqrt(0.0125))

	tHit, surface, ok = scene.Intersect(r3.Vector{}, r3.Vector{Y: 1})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, surface, test.ShouldEqual, 1)
	test.That(t, tHit, test.ShouldAlmostEqual, 0.5)

	_, _, ok = scene.Intersect(r3.Vector{}, r3.Vector{Z: -1})
	test.That(t, ok, test.ShouldBeFalse)

	// from inside a sphere the far side is hit
	tHit, surface, ok = scene.Intersect(r3.Vector{X: 0.2, Y: 0.1, Z: 1.5}, r3.Vector{Z: 1})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, surface, test.ShouldEqual, 3)
	test.That(t, tHit, test.ShouldAlmostEqual, 0.25)

	n := scene.Normal(3, r3.Vector{X: 0.2, Y: 0.1, Z: 1.25})
	test.That(t, n.Z, test.ShouldAlmostEqual, -1)
	test.That(t, scene.Normal(0, r3.Vector{}), test.ShouldResemble, r3.Vector{Z: 1})
}

func TestRenderDepth(t *testing.T) {
	scene := &Scene{Planes: []Plane{{Normal: r3.Vector{Z: 1}, Offset: 2}}}
	intrinsics := &transform.PinholeCameraIntrinsics{Width: 40, Height: 30, Fx: 30, Fy: 30, Ppx: 19.5, Ppy: 14.5}

	dm := scene.RenderDepth(spatialmath.NewZeroPose(), intrinsics, 0.001)
	test.That(t, dm.Width(), test.ShouldEqual, 40)
	test.That(t, dm.Height(), test.ShouldEqual, 30)
	for _, p := range [][2]int{{0, 0}, {20, 15}, {39, 29}} {
		test.That(t, int(dm.GetDepth(p[0], p[1])), test.ShouldEqual, 2000)
	}

	// stepping back half a metre adds to every depth
	dm = scene.RenderDepth(spatialmath.NewPoseFromPoint(r3.Vector{Z: -0.5}), intrinsics, 0.001)
	test.That(t, int(dm.GetDepth(7, 9)), test.ShouldEqual, 2500)

	// looking away from the wall sees nothing
	away := spatialmath.NewPoseFromOrientation(&spatialmath.R4AA{Theta: math.Pi, RY: 1})
	dm = scene.RenderDepth(away, intrinsics, 0.001)
	test.That(t, dm.ValidCount(), test.ShouldEqual, 0)

	// depths that overflow the format are dropped
	dm = scene.RenderDepth(spatialmath.NewZeroPose(), intrinsics, 0.00001)
	test.That(t, dm.ValidCount(), test.ShouldEqual, 0)

	img := DefaultScene().RenderColor(spatialmath.NewZeroPose(), intrinsics)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 40)
	test.That(t, img.RGBAAt(20, 15).A, test.ShouldEqual, uint8(255))
}

func TestSource(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src, err := NewSource(&Config{Width: 40, Height: 30, Frames: 3, StepZ: 0.01, Color: true}, clock.New(), logger)
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		capture, err := src.WaitForFrame(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, capture.Validate(), test.ShouldBeNil)
		test.That(t, capture.Color, test.ShouldNotBeNil)
		test.That(t, capture.DepthScale, test.ShouldEqual, 0.001)
		want := DefaultScene().RenderDepth(src.PoseAt(i), src.Intrinsics(), 0.001)
		test.That(t, capture.Depth.Data(), test.ShouldResemble, want.Data())
	}
	test.That(t, src.FramesProduced(), test.ShouldEqual, 3)
	test.That(t, src.PoseAt(2).Point().Z, test.ShouldAlmostEqual, 0.02)

	_, err = src.WaitForFrame(ctx)
	test.That(t, errors.Is(err, input.ErrSensorFault), test.ShouldBeTrue)
	test.That(t, errors.Is(err, io.EOF), test.ShouldBeTrue)

	test.That(t, src.Close(ctx), test.ShouldBeNil)
	_, err = src.WaitForFrame(ctx)
	test.That(t, errors.Is(err, input.ErrSensorFault), test.ShouldBeTrue)
}

func TestSourceYaw(t *testing.T) {
	src, err := NewSource(&Config{YawStepDegrees: 90}, clock.New(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	// a quarter turn about +y takes the optical axis from +z to +x
	forward := spatialmath.Rotate(src.PoseAt(1), r3.Vector{Z: 1})
	test.That(t, forward.X, test.ShouldAlmostEqual, 1)
	test.That(t, forward.Z, test.ShouldAlmostEqual, 0)
}

func TestSourcePacing(t *testing.T) {
	mock := clock.NewMock()
	src, err := NewSource(&Config{Width: 20, Height: 10, FPS: 10}, mock, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx := context.Background()
	first, err := src.WaitForFrame(ctx)
	test.That(t, err, test.ShouldBeNil)

	done := make(chan *input.Capture)
	go func() {
		capture, err := src.WaitForFrame(ctx)
		if err != nil {
			close(done)
			return
		}
		done <- capture
	}()

	select {
	case <-done:
		t.Fatal("frame arrived before its interval")
	case <-time.After(20 * time.Millisecond):
	}

	var second *input.Capture
	for i := 0; i < 100 && second == nil; i++ {
		mock.Add(100 * time.Millisecond)
		select {
		case second = <-done:
		case <-time.After(10 * time.Millisecond):
		}
	}
	test.That(t, second, test.ShouldNotBeNil)
	test.That(t, int64(second.Timestamp.Sub(first.Timestamp)), test.ShouldBeGreaterThanOrEqualTo, int64(100*time.Millisecond))

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.WaitForFrame(cancelCtx)
	test.That(t, err, test.ShouldEqual, context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	for _, conf := range []Config{
		{Width: -2},
		{Width: 3, Height: 2},
		{FovYDegrees: 180},
		{DepthScale: -1},
		{Frames: -1},
		{FPS: -1},
	} {
		test.That(t, conf.Validate("fake"), test.ShouldNotBeNil)
	}
	test.That(t, (&Config{}).Validate("fake"), test.ShouldBeNil)

	src, err := input.NewSource(context.Background(), input.SourceConfig{
		Model:      Model,
		Attributes: map[string]interface{}{"width": 32, "height": 24, "frames": 1},
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	capture, err := src.WaitForFrame(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, capture.Depth.Width(), test.ShouldEqual, 32)
	test.That(t, src.Close(context.Background()), test.ShouldBeNil)

	_, err = input.NewSource(context.Background(), input.SourceConfig{
		Model:      Model,
		Attributes: map[string]interface{}{"width": 33},
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
