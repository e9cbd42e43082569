// Package tsdf holds the truncated signed distance volume the reconstruction is fused into, the
// transforms between its grid and the world, and the integrator that fuses posed depth frames.
package tsdf

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// GridParams places a voxel grid in the world. It is the only place grid, texel, voxel and world
// coordinates are converted; every consumer of the volume goes through it.
//
// Grid coordinates are normalized to the unit box [0,1]³. Texel coordinates run over
// [0, Resolution) per axis with voxel i covering [i, i+1). World coordinates are metres.
type GridParams struct {
	Resolution [3]int
	CellSize   float64
	Origin     r3.Vector
}

// Validate checks that the grid is non-empty.
func (g GridParams) Validate() error {
	for axis, r := range g.Resolution {
		if r <= 0 {
			return errors.Errorf("resolution[%d] must be positive, got %d", axis, r)
		}
	}
	if g.CellSize <= 0 || math.IsInf(g.CellSize, 0) || math.IsNaN(g.CellSize) {
		return errors.Errorf("cell size must be positive, got %v", g.CellSize)
	}
	return nil
}

// NumVoxels returns the total voxel count.
func (g GridParams) NumVoxels() int {
	return g.Resolution[0] * g.Resolution[1] * g.Resolution[2]
}

// resolution returns the resolution as a vector.
func (g GridParams) resolution() r3.Vector {
	return r3.Vector{X: float64(g.Resolution[0]), Y: float64(g.Resolution[1]), Z: float64(g.Resolution[2])}
}

// Extent returns the world-space size of the grid.
func (g GridParams) Extent() r3.Vector {
	return g.resolution().Mul(g.CellSize)
}

// BoxMin returns the world-space corner with the smallest coordinates.
func (g GridParams) BoxMin() r3.Vector {
	return g.Origin
}

// BoxMax returns the world-space corner with the largest coordinates.
func (g GridParams) BoxMax() r3.Vector {
	return g.Origin.Add(g.Extent())
}

// GridToWorld converts a normalized grid position to world space.
func (g GridParams) GridToWorld(pos r3.Vector) r3.Vector {
	e := g.Extent()
	return r3.Vector{X: pos.X * e.X, Y: pos.Y * e.Y, Z: pos.Z * e.Z}.Add(g.Origin)
}

// WorldToGrid converts a world position to normalized grid space.
func (g GridParams) WorldToGrid(pos r3.Vector) r3.Vector {
	d := pos.Sub(g.Origin)
	e := g.Extent()
	return r3.Vector{X: d.X / e.X, Y: d.Y / e.Y, Z: d.Z / e.Z}
}

// GridToTexel converts a normalized grid position to continuous texel coordinates.
func (g GridParams) GridToTexel(pos r3.Vector) r3.Vector {
	res := g.resolution()
	return r3.Vector{X: pos.X * res.X, Y: pos.Y * res.Y, Z: pos.Z * res.Z}
}

// TexelToGrid converts continuous texel coordinates to a normalized grid position.
func (g GridParams) TexelToGrid(texel r3.Vector) r3.Vector {
	res := g.resolution()
	return r3.Vector{X: texel.X / res.X, Y: texel.Y / res.Y, Z: texel.Z / res.Z}
}

// VoxelCenter returns the world-space centre of voxel (i, j, k).
func (g GridParams) VoxelCenter(i, j, k int) r3.Vector {
	return r3.Vector{
		X: g.Origin.X + (float64(i)+0.5)*g.CellSize,
		Y: g.Origin.Y + (float64(j)+0.5)*g.CellSize,
		Z: g.Origin.Z + (float64(k)+0.5)*g.CellSize,
	}
}

// InUnitBox reports whether a normalized grid position lies in [0,1]³.
func InUnitBox(pos r3.Vector) bool {
	return pos.X >= 0 && pos.X <= 1 && pos.Y >= 0 && pos.Y <= 1 && pos.Z >= 0 && pos.Z <= 1
}

// IntersectBox returns the parameter interval over which the ray origin + t*dir lies inside the
// grid's world box, clipped to t >= 0. ok is false when the ray misses the box.
func (g GridParams) IntersectBox(origin, dir r3.Vector) (tNear, tFar float64, ok bool) {
	lo, hi := g.BoxMin(), g.BoxMax()
	tNear, tFar = 0, math.Inf(1)
	o := [3]float64{origin.X, origin.Y, origin.Z}
	d := [3]float64{dir.X, dir.Y, dir.Z}
	l := [3]float64{lo.X, lo.Y, lo.Z}
	h := [3]float64{hi.X, hi.Y, hi.Z}
	for axis := 0; axis < 3; axis++ {
		if d[axis] == 0 {
			if o[axis] < l[axis] || o[axis] > h[axis] {
				return 0, 0, false
			}
			continue
		}
		t0 := (l[axis] - o[axis]) / d[axis]
		t1 := (h[axis] - o[axis]) / d[axis]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tNear = math.Max(tNear, t0)
		tFar = math.Min(tFar, t1)
		if tNear > tFar {
			return 0, 0, false
		}
	}
	return tNear, tFar, true
}
