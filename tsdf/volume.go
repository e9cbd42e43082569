package tsdf

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/kinfu/kernel"
	"go.viam.com/kinfu/logging"
)

// Voxel is one cell of the volume: a truncated signed distance in world units, positive in front
// of the surface, and the accumulated confidence behind it.
type Voxel struct {
	Distance float32
	Weight   float32
}

// Volume is a dense grid of voxels. It is created once, never resized, and mutated only by an
// Integrator. Readers and the integrator are ordered by kernel dispatch barriers, not locks.
type Volume struct {
	params     GridParams
	truncation float32
	maxWeight  float32

	dev    *kernel.Device
	logger logging.Logger
	voxels *kernel.Buffer[Voxel]
}

// NewVolume allocates a volume with every voxel at (truncation, 0). A failed allocation is a
// resource fault and leaves nothing allocated.
func NewVolume(
	params GridParams,
	truncation, maxWeight float64,
	dev *kernel.Device,
	logger logging.Logger,
) (*Volume, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if truncation <= 0 {
		return nil, errors.Errorf("truncation must be positive, got %v", truncation)
	}
	if maxWeight <= 0 {
		return nil, errors.Errorf("max weight must be positive, got %v", maxWeight)
	}
	voxels, err := kernel.Acquire[Voxel](dev, "tsdf.voxels", params.NumVoxels())
	if err != nil {
		return nil, errors.Wrap(err, "allocating volume")
	}
	v := &Volume{
		params:     params,
		truncation: float32(truncation),
		maxWeight:  float32(maxWeight),
		dev:        dev,
		logger:     logger,
		voxels:     voxels,
	}
	v.Reset()
	logger.Debugw("volume allocated",
		"resolution", params.Resolution, "cell_size", params.CellSize, "bytes", voxels.Bytes())
	return v, nil
}

// Params returns the grid placement.
func (v *Volume) Params() GridParams {
	return v.params
}

// Truncation returns μ, the half width of the band around surfaces in which distances are kept.
func (v *Volume) Truncation() float64 {
	return float64(v.truncation)
}

// MaxWeight returns the weight at which voxels saturate.
func (v *Volume) MaxWeight() float64 {
	return float64(v.maxWeight)
}

// Voxels returns the backing voxel slice, x fastest then y then z.
func (v *Volume) Voxels() []Voxel {
	return v.voxels.Data()
}

// Index returns the offset of voxel (i, j, k).
func (v *Volume) Index(i, j, k int) int {
	return (k*v.params.Resolution[1]+j)*v.params.Resolution[0] + i
}

// Coords is the inverse of Index.
func (v *Volume) Coords(index int) (i, j, k int) {
	rx, ry := v.params.Resolution[0], v.params.Resolution[1]
	return index % rx, (index / rx) % ry, index / (rx * ry)
}

// At returns voxel (i, j, k).
func (v *Volume) At(i, j, k int) Voxel {
	return v.voxels.Data()[v.Index(i, j, k)]
}

// Reset returns every voxel to (truncation, 0).
func (v *Volume) Reset() {
	voxels := v.voxels.Data()
	empty := Voxel{Distance: v.truncation}
	v.dev.Dispatch(len(voxels), func(lane int) {
		voxels[lane] = empty
	})
}

// ObservedCount returns how many voxels have non-zero weight.
func (v *Volume) ObservedCount() int {
	n := 0
	for _, vox := range v.voxels.Data() {
		if vox.Weight > 0 {
			n++
		}
	}
	return n
}

// GenerateSphere overwrites the volume with the truncated distance field of a sphere, weight 1
// everywhere. It is used to exercise rendering without a sensor.
func (v *Volume) GenerateSphere(center r3.Vector, radius float64) {
	voxels := v.voxels.Data()
	mu := float64(v.truncation)
	v.dev.Dispatch(len(voxels), func(lane int) {
		i, j, k := v.Coords(lane)
		d := v.params.VoxelCenter(i, j, k).Sub(center).Norm() - radius
		voxels[lane] = Voxel{Distance: float32(math.Max(-mu, math.Min(mu, d))), Weight: 1}
	})
}

// SampleTrilinear returns the distance at a normalized grid position, interpolated between the
// eight surrounding voxel centres. Positions outside the grid clamp to the edge voxels.
func (v *Volume) SampleTrilinear(pos r3.Vector) float64 {
	res := v.params.Resolution
	t := v.params.GridToTexel(pos)
	// voxel centres sit at half-integer texel coordinates
	tx, ty, tz := t.X-0.5, t.Y-0.5, t.Z-0.5
	x0, y0, z0 := math.Floor(tx), math.Floor(ty), math.Floor(tz)
	fx, fy, fz := tx-x0, ty-y0, tz-z0

	clamp := func(i float64, n int) int {
		if i < 0 {
			return 0
		}
		if int(i) >= n {
			return n - 1
		}
		return int(i)
	}
	i0, i1 := clamp(x0, res[0]), clamp(x0+1, res[0])
	j0, j1 := clamp(y0, res[1]), clamp(y0+1, res[1])
	k0, k1 := clamp(z0, res[2]), clamp(z0+1, res[2])

	voxels := v.voxels.Data()
	d := func(i, j, k int) float64 {
		return float64(voxels[v.Index(i, j, k)].Distance)
	}
	lerp := func(a, b, f float64) float64 {
		return a + (b-a)*f
	}
	c00 := lerp(d(i0, j0, k0), d(i1, j0, k0), fx)
	c10 := lerp(d(i0, j1, k0), d(i1, j1, k0), fx)
	c01 := lerp(d(i0, j0, k1), d(i1, j0, k1), fx)
	c11 := lerp(d(i0, j1, k1), d(i1, j1, k1), fx)
	return lerp(lerp(c00, c10, fy), lerp(c01, c11, fy), fz)
}

// SampleWorld returns the interpolated distance at a world position.
func (v *Volume) SampleWorld(pos r3.Vector) float64 {
	return v.SampleTrilinear(v.params.WorldToGrid(pos))
}

// DebugToLog writes one z slice of distances to the debug log, one line per row.
func (v *Volume) DebugToLog(k int) {
	if k < 0 || k >= v.params.Resolution[2] {
		v.logger.Warnw("debug slice out of range", "slice", k, "depth", v.params.Resolution[2])
		return
	}
	var sb strings.Builder
	for j := 0; j < v.params.Resolution[1]; j++ {
		sb.Reset()
		for i := 0; i < v.params.Resolution[0]; i++ {
			vox := v.At(i, j, k)
			fmt.Fprintf(&sb, "%7.3f/%-3.0f", vox.Distance, vox.Weight)
		}
		v.logger.Debugf("slice %d row %d: %s", k, j, sb.String())
	}
}

// Close releases the voxel storage.
func (v *Volume) Close() error {
	return v.voxels.Release()
}
