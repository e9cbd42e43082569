// Package rimage holds depth images: the raw DepthMap captured by a sensor, its file formats,
// false-colour visualisation and the preprocessing filters applied before fusion.
package rimage

import (
	"image"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// Depth is the raw value a depth sensor reports for a pixel, in sensor units. Zero means no reading.
type Depth uint16

// MaxDepth is the largest representable raw depth.
const MaxDepth = Depth(math.MaxUint16)

// DepthMap fulfills the image.Image interface and represents the depth information of an image.
// Values are stored row-major.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns an all-invalid depth map of the given size.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

// NewDepthMapFromData wraps row-major data. len(data) must equal width*height.
func NewDepthMapFromData(width, height int, data []Depth) (*DepthMap, error) {
	if width < 0 || height < 0 || len(data) != width*height {
		return nil, errors.Errorf("depth data of length %d does not fit %dx%d", len(data), width, height)
	}
	return &DepthMap{width: width, height: height, data: data}, nil
}

// Clone makes a copy of the depth map.
func (dm *DepthMap) Clone() *DepthMap {
	data := make([]Depth, len(dm.data))
	copy(data, dm.data)
	return &DepthMap{width: dm.width, height: dm.height, data: data}
}

// Width returns the width of the depth map.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the height of the depth map.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Data returns the row-major backing slice.
func (dm *DepthMap) Data() []Depth {
	return dm.data
}

func (dm *DepthMap) kxy(x, y int) int {
	return (y * dm.width) + x
}

// In returns whether (x, y) is inside the depth map.
func (dm *DepthMap) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

// GetDepth returns the depth at a given point.
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[dm.kxy(x, y)]
}

// Get returns the depth at a given image.Point.
func (dm *DepthMap) Get(p image.Point) Depth {
	return dm.data[dm.kxy(p.X, p.Y)]
}

// Set sets the depth at the given position.
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[dm.kxy(x, y)] = val
}

// ValidCount returns how many pixels carry a reading.
func (dm *DepthMap) ValidCount() int {
	n := 0
	for _, d := range dm.data {
		if d != 0 {
			n++
		}
	}
	return n
}

// MinMax returns the minimum and maximum valid depth. Both are zero for a map without readings.
func (dm *DepthMap) MinMax() (Depth, Depth) {
	minDepth := MaxDepth
	maxDepth := Depth(0)
	for _, z := range dm.data {
		if z == 0 {
			continue
		}
		if z < minDepth {
			minDepth = z
		}
		if z > maxDepth {
			maxDepth = z
		}
	}
	if maxDepth == 0 {
		return 0, 0
	}
	return minDepth, maxDepth
}

// ColorModel for DepthMap so that it implements image.Image.
func (dm *DepthMap) ColorModel() color.Model { return color.Gray16Model }

// Bounds for DepthMap so that it implements image.Image.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// At for DepthMap so that it implements image.Image.
func (dm *DepthMap) At(x, y int) color.Color {
	return color.Gray16{uint16(dm.GetDepth(x, y))}
}

// ConvertImageToDepthMap takes an image and figures out if it's already a DepthMap or a 16-bit
// grayscale image that can be reinterpreted as one.
func ConvertImageToDepthMap(img image.Image) (*DepthMap, error) {
	switch ii := img.(type) {
	case *DepthMap:
		return ii, nil
	case *image.Gray16:
		return gray16ToDepthMap(ii), nil
	default:
		return nil, errors.Errorf("don't know how to convert image of type %T to a depth map", img)
	}
}

func gray16ToDepthMap(img *image.Gray16) *DepthMap {
	bounds := img.Bounds()
	dm := NewEmptyDepthMap(bounds.Dx(), bounds.Dy())
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			dm.Set(x, y, Depth(img.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
		}
	}
	return dm
}

// ToGray16Picture converts the depth map to a 16-bit grayscale image for lossless storage.
func (dm *DepthMap) ToGray16Picture() *image.Gray16 {
	img := image.NewGray16(dm.Bounds())
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			img.SetGray16(x, y, color.Gray16{uint16(dm.GetDepth(x, y))})
		}
	}
	return img
}

// ToPrettyPicture converts the depth map to a false-colour image, hue running from near to far.
// Pixels without a reading stay black. hardMin and hardMax clamp the range used for the hue.
func (dm *DepthMap) ToPrettyPicture(hardMin, hardMax Depth) *image.RGBA {
	minDepth, maxDepth := dm.MinMax()
	if minDepth < hardMin {
		minDepth = hardMin
	}
	if maxDepth > hardMax {
		maxDepth = hardMax
	}

	img := image.NewRGBA(dm.Bounds())
	span := float64(maxDepth) - float64(minDepth)

	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			z := dm.GetDepth(x, y)
			if z == 0 {
				img.Set(x, y, color.Black)
				continue
			}
			if z < minDepth {
				z = minDepth
			}
			if z > maxDepth {
				z = maxDepth
			}
			ratio := 0.0
			if span > 0 {
				ratio = (float64(z) - float64(minDepth)) / span
			}
			hue := 30 + (200.0 * ratio)
			r, g, b := colorful.Hsv(hue, 1.0, 1.0).Clamped().RGB255()
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return img
}
