package tsdf

import (
	"errors"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/kinfu/kernel"
	"go.viam.com/kinfu/logging"
)

func newTestVolume(t *testing.T, params GridParams, truncation, maxWeight float64) (*Volume, *kernel.Device) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	dev := kernel.NewDevice("test", 0, logger)
	vol, err := NewVolume(params, truncation, maxWeight, dev, logger)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, vol.Close(), test.ShouldBeNil)
	})
	return vol, dev
}

func TestNewVolume(t *testing.T) {
	params := GridParams{Resolution: [3]int{4, 4, 4}, CellSize: 0.25}
	vol, dev := newTestVolume(t, params, 0.1, 64)
	test.That(t, len(vol.Voxels()), test.ShouldEqual, 64)
	test.That(t, dev.BytesInUse(), test.ShouldEqual, int64(64*8))
	for _, v := range vol.Voxels() {
		test.That(t, v, test.ShouldResemble, Voxel{Distance: 0.1, Weight: 0})
	}
	test.That(t, vol.Truncation(), test.ShouldAlmostEqual, 0.1, 1e-7)
	test.That(t, vol.MaxWeight(), test.ShouldEqual, 64.)
	test.That(t, vol.ObservedCount(), test.ShouldEqual, 0)

	i, j, k := vol.Coords(vol.Index(1, 2, 3))
	test.That(t, []int{i, j, k}, test.ShouldResemble, []int{1, 2, 3})
}

func TestNewVolumeErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	params := GridParams{Resolution: [3]int{16, 16, 16}, CellSize: 0.1}

	dev := kernel.NewDevice("small", 1024, logger)
	_, err := NewVolume(params, 0.1, 64, dev, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, kernel.ErrResourceFault), test.ShouldBeTrue)
	test.That(t, dev.BytesInUse(), test.ShouldEqual, int64(0))

	dev = kernel.NewDevice("big", 0, logger)
	_, err = NewVolume(params, 0, 64, dev, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewVolume(params, 0.1, 0, dev, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewVolume(GridParams{Resolution: [3]int{16, 0, 16}, CellSize: 0.1}, 0.1, 64, dev, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, dev.LiveBuffers(), test.ShouldEqual, int64(0))
}

func TestSampleTrilinear(t *testing.T) {
	params := GridParams{Resolution: [3]int{8, 8, 8}, CellSize: 0.1, Origin: r3.Vector{X: -0.4, Y: -0.4, Z: 0}}
	vol, _ := newTestVolume(t, params, 1, 64)

	// a linear field is reproduced exactly between voxel centres
	voxels := vol.Voxels()
	for idx := range voxels {
		i, j, k := vol.Coords(idx)
		c := params.VoxelCenter(i, j, k)
		voxels[idx] = Voxel{Distance: float32(c.X + 2*c.Z), Weight: 1}
	}
	for _, p := range []r3.Vector{{X: 0, Y: 0, Z: 0.4}, {X: 0.13, Y: -0.2, Z: 0.31}, {X: -0.3, Y: 0.3, Z: 0.7}} {
		test.That(t, vol.SampleWorld(p), test.ShouldAlmostEqual, p.X+2*p.Z, 1e-5)
	}
	center := params.VoxelCenter(2, 5, 6)
	test.That(t, vol.SampleWorld(center), test.ShouldAlmostEqual, float64(vol.At(2, 5, 6).Distance))

	// outside the grid the edge voxels are repeated
	edge := float64(vol.At(0, 0, 0).Distance)
	test.That(t, vol.SampleTrilinear(r3.Vector{X: -1, Y: -1, Z: -1}), test.ShouldAlmostEqual, edge)
}

func TestGenerateSphere(t *testing.T) {
	params := GridParams{Resolution: [3]int{32, 32, 32}, CellSize: 0.02, Origin: r3.Vector{X: -0.32, Y: -0.32, Z: 0.68}}
	vol, _ := newTestVolume(t, params, 0.05, 64)
	center := r3.Vector{X: 0, Y: 0, Z: 1}
	vol.GenerateSphere(center, 0.2)

	test.That(t, vol.ObservedCount(), test.ShouldEqual, params.NumVoxels())
	test.That(t, vol.SampleWorld(center), test.ShouldAlmostEqual, -0.05, 1e-6)
	test.That(t, vol.SampleWorld(r3.Vector{X: 0.2, Y: 0, Z: 1}), test.ShouldAlmostEqual, 0, 0.005)
	test.That(t, vol.SampleWorld(r3.Vector{X: 0, Y: 0.1, Z: 1.1}), test.ShouldBeLessThan, 0.)
	test.That(t, vol.SampleWorld(r3.Vector{X: 0.3, Y: 0.3, Z: 0.7}), test.ShouldAlmostEqual, 0.05, 1e-6)

	vol.DebugToLog(16)
	vol.DebugToLog(99)

	vol.Reset()
	test.That(t, vol.ObservedCount(), test.ShouldEqual, 0)
}
