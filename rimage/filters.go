package rimage

import (
	"image"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/kinfu/utils"
)

// Helper function for convolving matrices together, When used with i, dx := range makeRangeArray(n)
// i is the position within the kernel and dx gives the offset within the depth map.
// if length is even, then the origin is to the right of middle i.e. 4 -> {-2, -1, 0, 1}.
func makeRangeArray(length int) []int {
	if length <= 0 {
		return make([]int, 0)
	}
	rangeArray := make([]int, length)
	var span int
	if length%2 == 0 {
		oddArr := makeRangeArray(length - 1)
		span = length / 2
		rangeArray = append([]int{-span}, oddArr...)
	} else {
		span = (length - 1) / 2
		for i := 0; i < span; i++ {
			rangeArray[length-1-i] = span - i
			rangeArray[i] = -span + i
		}
	}
	return rangeArray
}

// GaussianFunction2D takes in a sigma and returns an isotropic 2D gaussian.
func GaussianFunction2D(sigma float64) func(p1, p2 float64) float64 {
	if sigma <= 0. {
		return func(p1, p2 float64) float64 {
			return 1.
		}
	}
	return func(p1, p2 float64) float64 {
		return math.Exp(-0.5*(p1*p1+p2*p2)/(sigma*sigma)) / (sigma * sigma * 2. * math.Pi)
	}
}

// GaussianKernel returns a square kernel covering roughly two sigma on each side of its centre.
func GaussianKernel(sigma float64) [][]float64 {
	gaus2D := GaussianFunction2D(sigma)
	k := utils.MaxInt(3, 1+2*int(math.Ceil(2.*sigma)))
	xRange := makeRangeArray(k)
	kernel := make([][]float64, k)
	for j, y := range xRange {
		row := make([]float64, k)
		for i, x := range xRange {
			row[i] = gaus2D(float64(x), float64(y))
		}
		kernel[j] = row
	}
	return kernel
}

// GaussianFilter returns a per-pixel filter that averages the valid neighbours of p with gaussian weights.
// Pixels without a reading stay without a reading, and invalid neighbours do not contribute.
func GaussianFilter(sigma float64) func(p image.Point, dm *DepthMap) Depth {
	kernel := GaussianKernel(sigma)
	k := len(kernel)
	xRange, yRange := makeRangeArray(k), makeRangeArray(k)
	return func(p image.Point, dm *DepthMap) Depth {
		if dm.Get(p) == 0 {
			return 0
		}
		val := 0.0
		weight := 0.0
		for i, dx := range xRange {
			for j, dy := range yRange {
				if !dm.In(p.X+dx, p.Y+dy) {
					continue
				}
				d := float64(dm.GetDepth(p.X+dx, p.Y+dy))
				if d == 0.0 {
					continue
				}
				// rows are height j, columns are width i
				val += kernel[j][i] * d
				weight += kernel[j][i]
			}
		}
		return Depth(math.Round(math.Max(0, val/weight)))
	}
}

// SpatialFilter applies a gaussian filter of the given sigma to every pixel, in parallel. A
// non-positive sigma returns dm unchanged.
func SpatialFilter(dm *DepthMap, sigma float64) *DepthMap {
	if sigma <= 0 {
		return dm
	}
	filter := GaussianFilter(sigma)
	out := NewEmptyDepthMap(dm.Width(), dm.Height())
	utils.ParallelForEachPixel(image.Point{dm.Width(), dm.Height()}, func(x, y int) {
		out.Set(x, y, filter(image.Point{x, y}, dm))
	})
	return out
}

// TemporalFilter smooths each pixel over time with an exponential moving average. A pixel that
// loses its reading, or whose reading jumps by more than Delta, restarts its history.
type TemporalFilter struct {
	Alpha float64
	Delta Depth

	width, height int
	history       []float64
}

// NewTemporalFilter returns a filter weighting the newest sample by alpha.
func NewTemporalFilter(alpha float64) *TemporalFilter {
	return &TemporalFilter{Alpha: alpha}
}

// Reset forgets all history.
func (tf *TemporalFilter) Reset() {
	tf.history = nil
}

// Apply folds dm into the history and returns the smoothed map. The first frame, or a frame of a
// new size, passes through unchanged.
func (tf *TemporalFilter) Apply(dm *DepthMap) *DepthMap {
	if tf.Alpha <= 0 || tf.Alpha >= 1 {
		return dm
	}
	n := dm.Width() * dm.Height()
	if tf.history == nil || tf.width != dm.Width() || tf.height != dm.Height() {
		tf.width, tf.height = dm.Width(), dm.Height()
		tf.history = make([]float64, n)
		for i, d := range dm.Data() {
			tf.history[i] = float64(d)
		}
		return dm.Clone()
	}

	out := NewEmptyDepthMap(dm.Width(), dm.Height())
	outData := out.Data()
	for i, d := range dm.Data() {
		prev := tf.history[i]
		cur := float64(d)
		switch {
		case d == 0:
			tf.history[i] = 0
		case prev == 0 || (tf.Delta > 0 && math.Abs(cur-prev) > float64(tf.Delta)):
			tf.history[i] = cur
		default:
			tf.history[i] = prev + tf.Alpha*(cur-prev)
		}
		outData[i] = Depth(math.Round(tf.history[i]))
	}
	return out
}

// DepthSummary describes the valid readings of a depth map.
type DepthSummary struct {
	Valid  int
	Min    float64
	Max    float64
	Mean   float64
	Median float64
}

// Summarize computes statistics over the valid readings of dm.
func Summarize(dm *DepthMap) (DepthSummary, error) {
	values := make(stats.Float64Data, 0, len(dm.Data()))
	for _, d := range dm.Data() {
		if d != 0 {
			values = append(values, float64(d))
		}
	}
	if len(values) == 0 {
		return DepthSummary{}, errors.New("depth map has no valid readings")
	}
	summary := DepthSummary{Valid: len(values)}
	var err error
	if summary.Min, err = values.Min(); err != nil {
		return DepthSummary{}, err
	}
	if summary.Max, err = values.Max(); err != nil {
		return DepthSummary{}, err
	}
	if summary.Mean, err = values.Mean(); err != nil {
		return DepthSummary{}, err
	}
	if summary.Median, err = values.Median(); err != nil {
		return DepthSummary{}, err
	}
	return summary, nil
}
