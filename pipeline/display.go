package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage"
)

// A Display shows rendered frames. Size is the surface the pipeline renders for.
type Display interface {
	Size() (width, height int)
	Present(ctx context.Context, img image.Image) error
}

// FileDisplay writes each presented frame to a numbered file in a directory.
type FileDisplay struct {
	dir    string
	format string
	width  int
	height int
	logger logging.Logger

	mu   sync.Mutex
	next int
}

// NewFileDisplay creates dir if needed and returns a display writing width x height images in
// format, which is png or ppm.
func NewFileDisplay(dir, format string, width, height int, logger logging.Logger) (*FileDisplay, error) {
	switch format {
	case "":
		format = "png"
	case "png", "ppm":
	default:
		return nil, errors.Errorf("unknown image format %q", format)
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid display size (%d, %d)", width, height)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating %q", dir)
	}
	return &FileDisplay{dir: dir, format: format, width: width, height: height, logger: logger}, nil
}

// Size returns the configured image size.
func (d *FileDisplay) Size() (int, int) {
	return d.width, d.height
}

// Present writes img, scaled to the display size if it differs.
func (d *FileDisplay) Present(ctx context.Context, img image.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	path := filepath.Join(d.dir, fmt.Sprintf("frame_%06d.%s", d.next, d.format))
	if err := rimage.WriteImageToFile(path, rimage.Resize(img, d.width, d.height)); err != nil {
		return errors.Wrapf(err, "presenting frame %d", d.next)
	}
	d.logger.Debugw("frame written", "path", path)
	d.next++
	return nil
}

// Presented returns how many frames have been written.
func (d *FileDisplay) Presented() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.next
}
