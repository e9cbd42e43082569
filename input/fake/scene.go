package fake

import (
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"

	"go.viam.com/kinfu/rimage"
	"go.viam.com/kinfu/rimage/transform"
	"go.viam.com/kinfu/spatialmath"
	"go.viam.com/kinfu/utils"
)

const hitEpsilon = 1e-9

// A Plane is the set of points p with Normal·p = Offset.
type Plane struct {
	Normal r3.Vector `json:"normal"`
	Offset float64   `json:"offset"`
}

// A Sphere is a solid ball.
type Sphere struct {
	Center r3.Vector `json:"center"`
	Radius float64   `json:"radius"`
}

// A Scene is a set of analytic surfaces in world coordinates (metres, +y down, +z away from the
// initial camera).
type Scene struct {
	Planes  []Plane
	Spheres []Sphere
}

// DefaultScene is a corner of a room with two balls in it: a back wall two metres away, a floor
// half a metre below the camera and a wall on the left. It constrains all six degrees of freedom.
func DefaultScene() *Scene {
	return &Scene{
		Planes: []Plane{
			{Normal: r3.Vector{Z: 1}, Offset: 2},
			{Normal: r3.Vector{Y: 1}, Offset: 0.5},
			{Normal: r3.Vector{X: 1}, Offset: -0.8},
		},
		Spheres: []Sphere{
			{Center: r3.Vector{X: 0.2, Y: 0.1, Z: 1.5}, Radius: 0.25},
			{Center: r3.Vector{X: -0.3, Y: 0.3, Z: 1.2}, Radius: 0.15},
		},
	}
}

// Intersect returns the smallest positive t at which origin + t*dir meets a surface, the index of
// that surface (planes first, then spheres) and whether anything was hit. dir need not be unit.
func (s *Scene) Intersect(origin, dir r3.Vector) (float64, int, bool) {
	best, surface := math.Inf(1), -1
	for i, p := range s.Planes {
		denom := p.Normal.Dot(dir)
		if math.Abs(denom) < hitEpsilon {
			continue
		}
		t := (p.Offset - p.Normal.Dot(origin)) / denom
		if t > hitEpsilon && t < best {
			best, surface = t, i
		}
	}
	for i, sp := range s.Spheres {
		oc := origin.Sub(sp.Center)
		a := dir.Dot(dir)
		b := 2 * oc.Dot(dir)
		c := oc.Dot(oc) - sp.Radius*sp.Radius
		disc := b*b - 4*a*c
		if disc < 0 {
			continue
		}
		sq := math.Sqrt(disc)
		t := (-b - sq) / (2 * a)
		if t <= hitEpsilon {
			t = (-b + sq) / (2 * a)
		}
		if t > hitEpsilon && t < best {
			best, surface = t, len(s.Planes)+i
		}
	}
	return best, surface, surface >= 0
}

// Normal returns the outward unit normal of surface at p.
func (s *Scene) Normal(surface int, p r3.Vector) r3.Vector {
	if surface < len(s.Planes) {
		return s.Planes[surface].Normal.Normalize()
	}
	return p.Sub(s.Spheres[surface-len(s.Planes)].Center).Normalize()
}

// RenderDepth returns the depth image a camera at pose would see. Depth is the camera-space z of
// the first hit in units of depthScale metres; misses and depths too large for the format are 0.
func (s *Scene) RenderDepth(
	pose spatialmath.Pose,
	intrinsics *transform.PinholeCameraIntrinsics,
	depthScale float64,
) *rimage.DepthMap {
	dm := rimage.NewEmptyDepthMap(intrinsics.Width, intrinsics.Height)
	camToWorld := spatialmath.NewRigidTransform(pose)
	origin := camToWorld.Origin()
	utils.ParallelForEachPixel(image.Pt(dm.Width(), dm.Height()), func(x, y int) {
		// RayDirection has unit z, so t is the camera-space depth
		dir := camToWorld.ApplyRotation(intrinsics.RayDirection(float64(x), float64(y)))
		t, _, ok := s.Intersect(origin, dir)
		if !ok {
			return
		}
		raw := math.Round(t / depthScale)
		if raw < 1 || raw > float64(rimage.MaxDepth) {
			return
		}
		dm.Set(x, y, rimage.Depth(raw))
	})
	return dm
}

// RenderColor returns a color image of the scene from pose: each surface gets its own hue, shaded
// by how squarely it faces the camera. Misses are black.
func (s *Scene) RenderColor(pose spatialmath.Pose, intrinsics *transform.PinholeCameraIntrinsics) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, intrinsics.Width, intrinsics.Height))
	camToWorld := spatialmath.NewRigidTransform(pose)
	origin := camToWorld.Origin()
	surfaces := len(s.Planes) + len(s.Spheres)
	utils.ParallelForEachPixel(image.Pt(intrinsics.Width, intrinsics.Height), func(x, y int) {
		dir := camToWorld.ApplyRotation(intrinsics.RayDirection(float64(x), float64(y)))
		t, surface, ok := s.Intersect(origin, dir)
		if !ok {
			img.SetRGBA(x, y, color.RGBA{A: 255})
			return
		}
		n := s.Normal(surface, origin.Add(dir.Mul(t)))
		shade := math.Abs(n.Dot(dir.Normalize()))
		hue := 360 * float64(surface) / float64(surfaces)
		r, g, b := colorful.Hsv(hue, 0.6, 0.2+0.8*shade).Clamped().RGB255()
		img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
	})
	return img
}
