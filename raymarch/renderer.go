// Package raymarch renders a TSDF volume by sphere tracing its zero crossing.
//
// Rays are marched in normalized grid coordinates, where the volume is the unit box. Each step
// advances by the sampled distance, converted to grid units, but never less than StepMin; the
// first non-positive sample is a hit, refined linearly between it and the previous sample.
package raymarch

import (
	"context"
	"image"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/kinfu/frame"
	"go.viam.com/kinfu/kernel"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage/transform"
	"go.viam.com/kinfu/spatialmath"
	"go.viam.com/kinfu/tsdf"
	"go.viam.com/kinfu/utils"
)

// rays start a hair inside the box so the first sample is not on its face
const startOffset = 1e-5

// A Renderer draws volumes. Its output buffers are reused between calls, so an image or maps it
// returns are only valid until the next call of the same kind.
type Renderer struct {
	cfg    Config
	lights []Light
	dev    *kernel.Device
	logger logging.Logger

	pixels   *kernel.Buffer[uint8]
	vertices *kernel.Buffer[r3.Vector]
	normals  *kernel.Buffer[r3.Vector]
}

// NewRenderer returns a renderer. Light directions are normalized.
func NewRenderer(cfg Config, dev *kernel.Device, logger logging.Logger) (*Renderer, error) {
	if err := cfg.Validate("render"); err != nil {
		return nil, err
	}
	lights := make([]Light, len(cfg.Lights))
	for i, l := range cfg.Lights {
		l.Direction = l.Direction.Normalize()
		lights[i] = l
	}
	return &Renderer{cfg: cfg, lights: lights, dev: dev, logger: logger}, nil
}

// Config returns the render settings.
func (r *Renderer) Config() Config {
	return r.cfg
}

// Intrinsics returns the camera model Render uses for a width x height image.
func (r *Renderer) Intrinsics(width, height int) *transform.PinholeCameraIntrinsics {
	return transform.NewPinholeCameraIntrinsicsFromFovY(width, height, utils.DegToRad(r.cfg.FovYDegrees))
}

// A tracer marches rays through one volume.
type tracer struct {
	vol       *tsdf.Volume
	params    tsdf.GridParams
	maxExtent float64
	stepMin   float64
	eps       float64
}

func newTracer(vol *tsdf.Volume, cfg Config) *tracer {
	params := vol.Params()
	ext := params.Extent()
	return &tracer{
		vol:       vol,
		params:    params,
		maxExtent: math.Max(ext.X, math.Max(ext.Y, ext.Z)),
		stepMin:   cfg.StepMin,
		eps:       cfg.NormalEpsilon,
	}
}

// trace returns the grid position where the world ray origin + t*dir first crosses zero.
func (tr *tracer) trace(origin, dir r3.Vector) (r3.Vector, bool) {
	dir = dir.Normalize()
	tNear, tFar, ok := tr.params.IntersectBox(origin, dir)
	if !ok {
		return r3.Vector{}, false
	}
	start := tr.params.WorldToGrid(origin.Add(dir.Mul(tNear)))
	end := tr.params.WorldToGrid(origin.Add(dir.Mul(tFar)))
	seg := end.Sub(start)
	length := seg.Norm()
	if length == 0 {
		return r3.Vector{}, false
	}
	gdir := seg.Mul(1 / length)

	s := startOffset
	prevS, prevD := 0., 0.
	havePrev := false
	for s <= length {
		pos := start.Add(gdir.Mul(s))
		if !tsdf.InUnitBox(pos) {
			break
		}
		d := tr.vol.SampleTrilinear(pos)
		if d <= 0 {
			if havePrev && prevD != d {
				s = prevS + (s-prevS)*prevD/(prevD-d)
				pos = start.Add(gdir.Mul(s))
			}
			return pos, true
		}
		prevS, prevD, havePrev = s, d, true
		// a world distance d spans at most d/maxExtent in grid units along any direction
		s += math.Max(d/tr.maxExtent, tr.stepMin)
	}
	return r3.Vector{}, false
}

// normal returns the world-space unit gradient of the distance field at a grid position.
func (tr *tracer) normal(pos r3.Vector) r3.Vector {
	e := tr.eps
	sample := tr.vol.SampleTrilinear
	g := r3.Vector{
		X: sample(pos.Add(r3.Vector{X: e})) - sample(pos.Sub(r3.Vector{X: e})),
		Y: sample(pos.Add(r3.Vector{Y: e})) - sample(pos.Sub(r3.Vector{Y: e})),
		Z: sample(pos.Add(r3.Vector{Z: e})) - sample(pos.Sub(r3.Vector{Z: e})),
	}
	// d/dworld = d/dgrid / extent
	ext := tr.params.Extent()
	g = r3.Vector{X: g.X / ext.X, Y: g.Y / ext.Y, Z: g.Z / ext.Z}
	n := g.Norm()
	if n == 0 {
		return frame.Invalid
	}
	return g.Mul(1 / n)
}

// Shade returns the light intensity of a surface with world normal n.
func (r *Renderer) Shade(n r3.Vector) float64 {
	l := r.cfg.Ambient
	for _, light := range r.lights {
		lambert := math.Max(0, n.Dot(light.Direction))
		l += light.Diffuse * (lambert + light.Specular*math.Pow(lambert, light.Exponent))
	}
	return l
}

// Render draws vol as seen from pose (camera to world) into a width x height grey image. Pixels
// whose ray leaves the volume without a hit are black.
func (r *Renderer) Render(
	ctx context.Context,
	vol *tsdf.Volume,
	pose spatialmath.Pose,
	width, height int,
) (*image.RGBA, error) {
	if vol == nil {
		return nil, errors.New("nothing to render")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid render size (%d, %d)", width, height)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels, err := kernel.EnsureLen(r.dev, r.pixels, "render.pixels", 4*width*height)
	if err != nil {
		r.pixels = nil
		return nil, err
	}
	r.pixels = pixels

	intrinsics := r.Intrinsics(width, height)
	camToWorld := spatialmath.NewRigidTransform(pose)
	origin := camToWorld.Origin()
	tr := newTracer(vol, r.cfg)
	pix := pixels.Data()

	r.dev.Dispatch2D(width, height, func(x, y int) {
		out := pix[4*(y*width+x) : 4*(y*width+x)+4]
		out[3] = 255
		dir := camToWorld.ApplyRotation(intrinsics.RayDirection(float64(x), float64(y)))
		pos, hit := tr.trace(origin, dir)
		if !hit {
			out[0], out[1], out[2] = 0, 0, 0
			return
		}
		n := tr.normal(pos)
		if !frame.IsValid(n) {
			out[0], out[1], out[2] = 0, 0, 0
			return
		}
		v := uint8(math.Round(255 * utils.Clamp(r.Shade(n), 0, 1)))
		out[0], out[1], out[2] = v, v, v
	})
	return &image.RGBA{Pix: pix, Stride: 4 * width, Rect: image.Rect(0, 0, width, height)}, nil
}

// Raycast returns the surface of vol seen through intrinsics from pose, as camera-space vertices
// and normals. ICP uses it as a reference that carries every frame fused so far.
func (r *Renderer) Raycast(
	ctx context.Context,
	vol *tsdf.Volume,
	pose spatialmath.Pose,
	intrinsics *transform.PinholeCameraIntrinsics,
) (*frame.Maps, error) {
	if vol == nil {
		return nil, errors.New("nothing to raycast")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := intrinsics.Width * intrinsics.Height
	vertices, err := kernel.EnsureLen(r.dev, r.vertices, "raycast.vertices", n)
	if err != nil {
		r.vertices = nil
		return nil, err
	}
	r.vertices = vertices
	normals, err := kernel.EnsureLen(r.dev, r.normals, "raycast.normals", n)
	if err != nil {
		r.normals = nil
		return nil, err
	}
	r.normals = normals

	camToWorld := spatialmath.NewRigidTransform(pose)
	worldToCam := spatialmath.NewRigidTransform(spatialmath.PoseInverse(pose))
	origin := camToWorld.Origin()
	tr := newTracer(vol, r.cfg)
	maps := &frame.Maps{
		Width:    intrinsics.Width,
		Height:   intrinsics.Height,
		Vertices: vertices.Data(),
		Normals:  normals.Data(),
	}

	r.dev.Dispatch2D(maps.Width, maps.Height, func(x, y int) {
		idx := maps.Index(x, y)
		maps.Vertices[idx], maps.Normals[idx] = frame.Invalid, frame.Invalid
		dir := camToWorld.ApplyRotation(intrinsics.RayDirection(float64(x), float64(y)))
		pos, hit := tr.trace(origin, dir)
		if !hit {
			return
		}
		nrm := tr.normal(pos)
		if !frame.IsValid(nrm) {
			return
		}
		maps.Vertices[idx] = worldToCam.Apply(tr.params.GridToWorld(pos))
		maps.Normals[idx] = worldToCam.ApplyRotation(nrm)
	})
	return maps, nil
}

// Close releases the output buffers.
func (r *Renderer) Close() error {
	var err error
	if r.pixels != nil {
		err = multierr.Append(err, r.pixels.Release())
		r.pixels = nil
	}
	if r.vertices != nil {
		err = multierr.Append(err, r.vertices.Release())
		r.vertices = nil
	}
	if r.normals != nil {
		err = multierr.Append(err, r.normals.Release())
		r.normals = nil
	}
	return err
}
