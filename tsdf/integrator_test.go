package tsdf

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/kinfu/frame"
	"go.viam.com/kinfu/kernel"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage"
	"go.viam.com/kinfu/rimage/transform"
	"go.viam.com/kinfu/spatialmath"
)

var testIntrinsics = &transform.PinholeCameraIntrinsics{Width: 64, Height: 48, Fx: 40, Fy: 40, Ppx: 31.5, Ppy: 23.5}

// depthFrame builds a processed frame whose depth in metres at normalized image coordinates
// (nu, nv) is given by depthAt.
func depthFrame(t *testing.T, dev *kernel.Device, depthAt func(nu, nv float64) float64) *frame.Frame {
	t.Helper()
	dm := rimage.NewEmptyDepthMap(testIntrinsics.Width, testIntrinsics.Height)
	for y := 0; y < dm.Height(); y++ {
		for x := 0; x < dm.Width(); x++ {
			nu := (float64(x) - testIntrinsics.Ppx) / testIntrinsics.Fx
			nv := (float64(y) - testIntrinsics.Ppy) / testIntrinsics.Fy
			dm.Set(x, y, rimage.Depth(math.Round(depthAt(nu, nv)*10000)))
		}
	}
	f := frame.NewFrame(dev, logging.NewTestLogger(t))
	test.That(t, f.SetDepthMap(dm, 0.0001, testIntrinsics), test.ShouldBeNil)
	test.That(t, f.Process(context.Background()), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, f.Close(), test.ShouldBeNil)
	})
	return f
}

func planeVolumeParams() GridParams {
	return GridParams{Resolution: [3]int{32, 32, 32}, CellSize: 0.02, Origin: r3.Vector{X: -0.32, Y: -0.32, Z: 0.7}}
}

func TestIntegratePlane(t *testing.T) {
	params := planeVolumeParams()
	vol, dev := newTestVolume(t, params, 0.06, 64)
	in, err := NewIntegrator(vol, WeightConstant, dev, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	f := depthFrame(t, dev, func(nu, nv float64) float64 { return 1 })
	stats, err := in.Integrate(context.Background(), f, spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldBeNil)

	// voxel centres sit at z = 0.71 + 0.02k; slices 18 and up are more than 0.06 behind the plane
	test.That(t, stats.Updated, test.ShouldEqual, int64(18*32*32))
	test.That(t, stats.Skipped, test.ShouldEqual, int64(14*32*32))
	test.That(t, stats.Unseen, test.ShouldEqual, int64(0))
	test.That(t, in.FramesIntegrated(), test.ShouldEqual, int64(1))
	test.That(t, in.VoxelUpdates(), test.ShouldEqual, stats.Updated)

	for _, ij := range [][2]int{{16, 16}, {0, 0}, {31, 5}} {
		for k := 0; k < 32; k++ {
			vox := vol.At(ij[0], ij[1], k)
			z := params.VoxelCenter(ij[0], ij[1], k).Z
			trueDistance := 1 - z
			switch {
			case trueDistance < -0.06:
				test.That(t, vox.Weight, test.ShouldEqual, float32(0))
				test.That(t, vox.Distance, test.ShouldEqual, float32(0.06))
			case trueDistance > 0.06:
				test.That(t, vox.Weight, test.ShouldEqual, float32(1))
				test.That(t, vox.Distance, test.ShouldEqual, float32(0.06))
			default:
				test.That(t, vox.Weight, test.ShouldEqual, float32(1))
				test.That(t, float64(vox.Distance), test.ShouldAlmostEqual, trueDistance, 1e-4)
			}
		}
	}
}

func TestIntegrateIsIdempotentOnceSaturated(t *testing.T) {
	params := planeVolumeParams()
	vol, dev := newTestVolume(t, params, 0.06, 4)
	in, err := NewIntegrator(vol, "", dev, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, in.Policy(), test.ShouldEqual, WeightConstant)

	f := depthFrame(t, dev, func(nu, nv float64) float64 { return 1 })
	for i := 0; i < 6; i++ {
		_, err := in.Integrate(context.Background(), f, spatialmath.NewZeroPose())
		test.That(t, err, test.ShouldBeNil)
	}
	before := append([]Voxel(nil), vol.Voxels()...)
	_, err = in.Integrate(context.Background(), f, spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldBeNil)

	for idx, vox := range vol.Voxels() {
		test.That(t, float64(vox.Distance), test.ShouldAlmostEqual, float64(before[idx].Distance), 1e-6)
		test.That(t, vox.Weight, test.ShouldEqual, before[idx].Weight)
	}
	test.That(t, vol.At(16, 16, 10).Weight, test.ShouldEqual, float32(4))
}

func TestIntegrateFollowsPose(t *testing.T) {
	params := planeVolumeParams()
	vol, dev := newTestVolume(t, params, 0.06, 64)
	in, err := NewIntegrator(vol, WeightConstant, dev, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// the camera moved back 0.1 and sees the same wall 1.1 away
	f := depthFrame(t, dev, func(nu, nv float64) float64 { return 1.1 })
	pose := spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: -0.1})
	_, err = in.Integrate(context.Background(), f, pose)
	test.That(t, err, test.ShouldBeNil)

	vox := vol.At(16, 16, 14)
	z := params.VoxelCenter(16, 16, 14).Z
	test.That(t, float64(vox.Distance), test.ShouldAlmostEqual, 1-z, 1e-4)
}

func TestIntegrateAngleWeight(t *testing.T) {
	params := planeVolumeParams()
	vol, dev := newTestVolume(t, params, 0.06, 64)
	in, err := NewIntegrator(vol, WeightAngle, dev, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// plane z = 1 + 0.5x, whose normal has |z| = 1/sqrt(1.25)
	f := depthFrame(t, dev, func(nu, nv float64) float64 { return 1 / (1 - 0.5*nu) })
	_, err = in.Integrate(context.Background(), f, spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, float64(vol.At(16, 16, 14).Weight), test.ShouldAlmostEqual, 1/math.Sqrt(1.25), 0.01)
}

func TestIntegrateErrors(t *testing.T) {
	params := planeVolumeParams()
	vol, dev := newTestVolume(t, params, 0.06, 64)
	logger := logging.NewTestLogger(t)

	_, err := NewIntegrator(nil, WeightConstant, dev, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewIntegrator(vol, "bogus", dev, logger)
	test.That(t, err, test.ShouldNotBeNil)

	in, err := NewIntegrator(vol, WeightConstant, dev, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = in.Integrate(context.Background(), frame.NewFrame(dev, logger), spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldNotBeNil)

	f := depthFrame(t, dev, func(nu, nv float64) float64 { return 1 })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = in.Integrate(ctx, f, spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldEqual, context.Canceled)
	test.That(t, vol.ObservedCount(), test.ShouldEqual, 0)

	for _, tc := range []struct {
		in   string
		want WeightPolicy
	}{
		{"", WeightConstant},
		{"constant", WeightConstant},
		{"Angle", WeightAngle},
	} {
		got, err := ParseWeightPolicy(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, tc.want)
	}
}
