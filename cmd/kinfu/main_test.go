package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage"
)

// runApp runs the command line in a fresh app and returns what it printed.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp(logging.NewTestLogger(t))
	var buf bytes.Buffer
	app.Writer = &buf
	err := app.RunContext(context.Background(), append([]string{"kinfu"}, args...))
	return buf.String(), err
}

func TestDepthCommand(t *testing.T) {
	dir := t.TempDir()
	dm := rimage.NewEmptyDepthMap(4, 2)
	dm.Set(0, 0, 1000)
	dm.Set(1, 0, 2000)
	dm.Set(2, 1, 3000)
	in := filepath.Join(dir, "depth.dat.gz")
	test.That(t, dm.WriteToFile(in), test.ShouldBeNil)
	out := filepath.Join(dir, "depth.png")

	printed, err := runApp(t, "depth", in, out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, printed, test.ShouldContainSubstring, "4x2")
	test.That(t, printed, test.ShouldContainSubstring, "valid: 3 (37.5%)")
	test.That(t, printed, test.ShouldContainSubstring, "median: 2000.0")

	quiet, err := runApp(t, "depth", "--bins", "0", in, out)
	test.That(t, err, test.ShouldBeNil)
	// the histogram follows the summary
	test.That(t, len(printed), test.ShouldBeGreaterThan, len(quiet))

	img, err := rimage.ReadImageFromFile(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 4)
	_, _, _, a := img.At(0, 0).RGBA()
	test.That(t, a, test.ShouldEqual, uint32(0xffff))

	_, err = runApp(t, "depth", in)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = runApp(t, "depth", "--min", "10", "--max", "5", in, out)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = runApp(t, "depth", filepath.Join(dir, "missing.dat"), out)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kinfu.json")
	content := `{
		"source": {"model": "fake", "attributes": {"frames": 3, "width": 80, "height": 60, "step_x": 0.005}},
		"volume": {"resolution": [48, 48, 48], "cell_size": 0.04, "origin": [-0.96, -0.96, 0.5],
			"truncation": 0.12, "max_weight": 16},
		"render": {"width": 32, "height": 24},
		"output": {"format": "png"}
	}`
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
	out := filepath.Join(dir, "frames")

	printed, err := runApp(t, "run", "-c", path, "--output", out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, printed, test.ShouldContainSubstring, "integrate")
	entries, err := os.ReadDir(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 3)

	// the frame limit stops the endless default source
	_, err = runApp(t, "run", "--frames", "1")
	test.That(t, err, test.ShouldBeNil)

	_, err = runApp(t, "run", "-c", filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}
