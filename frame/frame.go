// Package frame turns a raw depth image into the per-pixel camera-space vertex and normal maps that
// tracking and fusion consume.
package frame

import (
	"context"
	"image"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/kinfu/kernel"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage"
	"go.viam.com/kinfu/rimage/transform"
)

// A Frame holds one depth sample (and optional color) plus the geometry derived from it. Its
// vertex and normal storage lives on the device and is only reacquired when the frame size changes.
type Frame struct {
	dev    *kernel.Device
	logger logging.Logger

	depth      *rimage.DepthMap
	depthScale float64
	intrinsics *transform.PinholeCameraIntrinsics

	color           image.Image
	colorIntrinsics *transform.PinholeCameraIntrinsics

	vertices *kernel.Buffer[r3.Vector]
	normals  *kernel.Buffer[r3.Vector]
	maps     Maps
}

// NewFrame returns an empty frame whose buffers will be acquired from dev.
func NewFrame(dev *kernel.Device, logger logging.Logger) *Frame {
	return &Frame{dev: dev, logger: logger}
}

// SetDepthMap stores a new depth sample. depthScale converts raw depth units to metres. Buffers are
// reacquired if the size differs from the previous sample. The maps are stale until Process runs.
func (f *Frame) SetDepthMap(dm *rimage.DepthMap, depthScale float64, intrinsics *transform.PinholeCameraIntrinsics) error {
	if dm == nil {
		return errors.New("depth map is nil")
	}
	if depthScale <= 0 {
		return errors.Errorf("depth scale must be positive, got %v", depthScale)
	}
	if err := intrinsics.CheckValid(); err != nil {
		return err
	}
	if err := intrinsics.CheckSize(dm.Width(), dm.Height()); err != nil {
		return err
	}

	n := dm.Width() * dm.Height()
	if f.vertices == nil || f.vertices.Len() != n {
		f.logger.Debugw("acquiring frame buffers", "width", dm.Width(), "height", dm.Height())
	}
	var err error
	if f.vertices, err = kernel.EnsureLen(f.dev, f.vertices, "frame.vertices", n); err != nil {
		return err
	}
	if f.normals, err = kernel.EnsureLen(f.dev, f.normals, "frame.normals", n); err != nil {
		return err
	}

	f.depth = dm
	f.depthScale = depthScale
	f.intrinsics = intrinsics
	f.maps = Maps{
		Width:    dm.Width(),
		Height:   dm.Height(),
		Vertices: f.vertices.Data(),
		Normals:  f.normals.Data(),
	}
	return nil
}

// SetColorMap stores an optional color image captured with the depth. It does not take part in
// tracking or fusion.
func (f *Frame) SetColorMap(img image.Image, intrinsics *transform.PinholeCameraIntrinsics) error {
	if img != nil && intrinsics != nil {
		if err := intrinsics.CheckSize(img.Bounds().Dx(), img.Bounds().Dy()); err != nil {
			return err
		}
	}
	f.color = img
	f.colorIntrinsics = intrinsics
	return nil
}

// Process computes the vertex map and then the normal map from the current depth sample.
func (f *Frame) Process(ctx context.Context) error {
	if f.depth == nil {
		return errors.New("frame has no depth map")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	width, height := f.depth.Width(), f.depth.Height()
	depth := f.depth.Data()
	scale := f.depthScale
	params := f.intrinsics
	vertices := f.maps.Vertices

	f.dev.Dispatch2D(width, height, func(x, y int) {
		i := y*width + x
		d := depth[i]
		if d == 0 {
			vertices[i] = Invalid
			return
		}
		z := scale * float64(d)
		px, py, pz := params.PixelToPoint(float64(x), float64(y), z)
		vertices[i] = r3.Vector{X: px, Y: py, Z: pz}
	})

	if err := ctx.Err(); err != nil {
		return err
	}
	normals := f.maps.Normals
	f.dev.Dispatch2D(width, height, func(x, y int) {
		i := y*width + x
		normals[i] = computeNormal(vertices, width, height, x, y)
	})
	return nil
}

// computeNormal takes the cross product of the differences to the next row and the next column.
// With +y down and +z forward the result faces the camera.
func computeNormal(vertices []r3.Vector, width, height, x, y int) r3.Vector {
	if x+1 >= width || y+1 >= height {
		return Invalid
	}
	i := y*width + x
	v := vertices[i]
	right := vertices[i+1]
	down := vertices[i+width]
	if !IsValid(v) || !IsValid(right) || !IsValid(down) {
		return Invalid
	}
	n := down.Sub(v).Cross(right.Sub(v))
	norm := n.Norm()
	if norm == 0 {
		return Invalid
	}
	return n.Mul(1 / norm)
}

// Maps returns the frame's geometry. The slices alias device memory and are overwritten by the
// next Process.
func (f *Frame) Maps() *Maps {
	return &f.maps
}

// CopyMapsTo snapshots the frame's geometry into dst.
func (f *Frame) CopyMapsTo(dst *Maps) {
	f.maps.CopyTo(dst)
}

// Depth returns the current depth sample.
func (f *Frame) Depth() *rimage.DepthMap {
	return f.depth
}

// DepthScale returns metres per raw depth unit.
func (f *Frame) DepthScale() float64 {
	return f.depthScale
}

// Intrinsics returns the depth camera intrinsics.
func (f *Frame) Intrinsics() *transform.PinholeCameraIntrinsics {
	return f.intrinsics
}

// Color returns the color image, which may be nil.
func (f *Frame) Color() image.Image {
	return f.color
}

// ColorIntrinsics returns the color camera intrinsics, which may be nil.
func (f *Frame) ColorIntrinsics() *transform.PinholeCameraIntrinsics {
	return f.colorIntrinsics
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	return f.maps.Width
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	return f.maps.Height
}

// Close releases the frame's device buffers.
func (f *Frame) Close() error {
	err := multierr.Combine(f.vertices.Release(), f.normals.Release())
	f.vertices, f.normals = nil, nil
	f.maps = Maps{}
	return err
}
