package transform

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestCheckValid(t *testing.T) {
	var nilIntrinsics *PinholeCameraIntrinsics
	err := nilIntrinsics.CheckValid()
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)

	for _, tc := range []struct {
		name   string
		params PinholeCameraIntrinsics
		errStr string
	}{
		{"zero size", PinholeCameraIntrinsics{0, 0, 1, 1, 0, 0}, "Invalid size"},
		{"bad fx", PinholeCameraIntrinsics{4, 4, 0, 1, 0, 0}, "Fx"},
		{"bad fy", PinholeCameraIntrinsics{4, 4, 1, -1, 0, 0}, "Fy"},
		{"bad ppx", PinholeCameraIntrinsics{4, 4, 1, 1, -1, 0}, "Ppx"},
		{"bad ppy", PinholeCameraIntrinsics{4, 4, 1, 1, 0, -2}, "Ppy"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.CheckValid()
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errStr)
		})
	}

	good := &PinholeCameraIntrinsics{640, 480, 525, 525, 319.5, 239.5}
	test.That(t, good.CheckValid(), test.ShouldBeNil)
	test.That(t, good.CheckSize(640, 480), test.ShouldBeNil)
	test.That(t, good.CheckSize(320, 240), test.ShouldNotBeNil)
}

func TestPixelPointRoundTrip(t *testing.T) {
	params := &PinholeCameraIntrinsics{640, 480, 525, 520, 319.5, 239.5}
	x, y, z := params.PixelToPoint(100, 50, 2)
	test.That(t, z, test.ShouldEqual, 2.)
	test.That(t, x, test.ShouldAlmostEqual, (100-319.5)*2/525)
	test.That(t, y, test.ShouldAlmostEqual, (50-239.5)*2/520)

	px, py := params.PointToPixel(x, y, z)
	test.That(t, px, test.ShouldEqual, 100.)
	test.That(t, py, test.ShouldEqual, 50.)

	fx, fy := params.ProjectPoint(r3.Vector{X: x, Y: y, Z: z})
	test.That(t, fx, test.ShouldAlmostEqual, 100)
	test.That(t, fy, test.ShouldAlmostEqual, 50)

	px, py = params.PointToPixel(1, 1, 0)
	test.That(t, px, test.ShouldEqual, -1.)
	test.That(t, py, test.ShouldEqual, -1.)

	dir := params.RayDirection(319.5, 239.5)
	test.That(t, dir, test.ShouldResemble, r3.Vector{X: 0, Y: 0, Z: 1})

	cam := params.GetCameraMatrix()
	var proj mat.VecDense
	proj.MulVec(cam, mat.NewVecDense(3, []float64{x, y, z}))
	test.That(t, proj.AtVec(0)/proj.AtVec(2), test.ShouldAlmostEqual, 100)
	test.That(t, proj.AtVec(1)/proj.AtVec(2), test.ShouldAlmostEqual, 50)
}

func TestFovAndScale(t *testing.T) {
	params := NewPinholeCameraIntrinsicsFromFovY(100, 80, math.Pi/2)
	test.That(t, params.CheckValid(), test.ShouldBeNil)
	test.That(t, params.Fy, test.ShouldAlmostEqual, 40)
	test.That(t, params.Fx, test.ShouldAlmostEqual, 40)
	test.That(t, params.Ppx, test.ShouldEqual, 49.5)

	half := params.Scale(0.5)
	test.That(t, half.Width, test.ShouldEqual, 50)
	test.That(t, half.Height, test.ShouldEqual, 40)
	test.That(t, half.Fx, test.ShouldAlmostEqual, 20)
}

func TestIntrinsicsFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intrinsics.json")
	data := `{"width_px": 640, "height_px": 480, "fx": 525.0, "fy": 525.0, "ppx": 319.5, "ppy": 239.5}`
	test.That(t, os.WriteFile(path, []byte(data), 0o600), test.ShouldBeNil)

	params, err := NewPinholeCameraIntrinsicsFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params, test.ShouldResemble, &PinholeCameraIntrinsics{640, 480, 525, 525, 319.5, 239.5})

	bad := filepath.Join(dir, "bad.json")
	test.That(t, os.WriteFile(bad, []byte(`{"width_px": 640}`), 0o600), test.ShouldBeNil)
	_, err = NewPinholeCameraIntrinsicsFromJSONFile(bad)
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)

	_, err = NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}
