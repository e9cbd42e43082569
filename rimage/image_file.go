package rimage

import (
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ReadImageFromFile reads an image from the given file. PNG, JPEG and PPM are understood.
func ReadImageFromFile(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading image %q", path)
	}
	return img, nil
}

// WriteImageToFile writes the image to the given file, choosing the encoding from the extension.
func WriteImageToFile(path string, img image.Image) (err error) {
	if !strings.EqualFold(filepath.Ext(path), ".ppm") {
		return imaging.Save(img, path)
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ppm.Encode(f, img)
}

// Resize scales img to width x height with a Lanczos filter, returning img itself when it already
// has that size.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}
