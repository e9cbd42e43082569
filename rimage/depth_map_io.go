package rimage

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// depthMapVersionMagic is the little endian uint64 spelling of "VERSIONX", which prefixes the
// second depth format.
const depthMapVersionMagic = 6363110499870197078

// The maximum dimension accepted from a depth file header.
const maxDepthMapDimension = 100000

func readNext(r io.Reader) (int64, error) {
	data := make([]byte, 8)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, errors.Wrap(err, "reading depth value")
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// ParseDepthMap parses a depth map from the given file. Files ending in .png are read as 16-bit
// grayscale, files ending in .gz are decompressed first, anything else is read with ReadDepthMap.
// Values are millimetres.
func ParseDepthMap(fn string) (dm *DepthMap, err error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	if strings.EqualFold(filepath.Ext(fn), ".png") {
		img, err := png.Decode(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %q", fn)
		}
		return ConvertImageToDepthMap(img)
	}

	var r io.Reader = f
	if filepath.Ext(fn) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer utils.UncheckedErrorFunc(gz.Close)
		r = gz
	}
	dm, err = ReadDepthMap(bufio.NewReader(r))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", fn)
	}
	return dm, nil
}

// ReadDepthMap returns a depth map from the given reader. Two layouts are understood: the raw
// layout (width and height as little endian uint64 followed by one uint64 per pixel, column by
// column) and the VERSIONX layout (a text header giving bytes per pixel, metres per unit, width and
// height, then row-major uint16 samples).
func ReadDepthMap(r *bufio.Reader) (*DepthMap, error) {
	rawWidth, err := readNext(r)
	if err != nil {
		return nil, err
	}
	if rawWidth == depthMapVersionMagic {
		return readDepthMapFormat2(r)
	}

	rawHeight, err := readNext(r)
	if err != nil {
		return nil, err
	}
	if rawWidth <= 0 || rawWidth >= maxDepthMapDimension || rawHeight <= 0 || rawHeight >= maxDepthMapDimension {
		return nil, errors.Errorf("bad width or height for depth map %v %v", rawWidth, rawHeight)
	}

	dm := NewEmptyDepthMap(int(rawWidth), int(rawHeight))
	for x := 0; x < dm.width; x++ {
		for y := 0; y < dm.height; y++ {
			temp, err := readNext(r)
			if err != nil {
				return nil, err
			}
			if temp < 0 || temp > int64(MaxDepth) {
				return nil, errors.Errorf("depth %d at (%d, %d) out of range", temp, x, y)
			}
			dm.Set(x, y, Depth(temp))
		}
	}
	return dm, nil
}

func readHeaderLine(r *bufio.Reader) (string, error) {
	s, err := r.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "reading depth header")
	}
	return strings.TrimSpace(s), nil
}

func readDepthMapFormat2(r *bufio.Reader) (*DepthMap, error) {
	// rest of the magic line
	if _, err := readHeaderLine(r); err != nil {
		return nil, err
	}

	bytesPerPixel, err := readHeaderLine(r)
	if err != nil {
		return nil, err
	}
	if bytesPerPixel != "2" {
		return nil, errors.Errorf("can only handle 2 bytes per pixel in new format, not %s", bytesPerPixel)
	}

	unitsString, err := readHeaderLine(r)
	if err != nil {
		return nil, err
	}
	units, err := strconv.ParseFloat(unitsString, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parsing depth units")
	}
	units *= 1000 // m to mm

	var dims [2]int
	for i := range dims {
		s, err := readHeaderLine(r)
		if err != nil {
			return nil, err
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrap(err, "parsing depth dimensions")
		}
		dims[i] = v
	}
	width, height := dims[0], dims[1]
	if width <= 0 || width >= maxDepthMapDimension || height <= 0 || height >= maxDepthMapDimension {
		return nil, errors.Errorf("bad width or height for depth map %v %v", width, height)
	}

	dm := NewEmptyDepthMap(width, height)
	temp := make([]byte, 2)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if _, err := io.ReadFull(r, temp); err != nil {
				return nil, errors.Wrapf(err, "reading depth at (%d, %d)", x, y)
			}
			mm := math.Round(units * float64(binary.LittleEndian.Uint16(temp)))
			dm.Set(x, y, Depth(math.Min(mm, float64(MaxDepth))))
		}
	}
	return dm, nil
}

// WriteToFile writes the depth map in the raw layout, gzipped when fn ends in .gz, or as a 16-bit
// PNG when fn ends in .png.
func (dm *DepthMap) WriteToFile(fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	switch filepath.Ext(fn) {
	case ".png":
		if err := png.Encode(f, dm.ToGray16Picture()); err != nil {
			return err
		}
	case ".gz":
		gout := gzip.NewWriter(f)
		if _, err := dm.WriteTo(gout); err != nil {
			return multierr.Combine(err, gout.Close())
		}
		if err := gout.Close(); err != nil {
			return err
		}
	default:
		if _, err := dm.WriteTo(f); err != nil {
			return err
		}
	}
	return f.Sync()
}

// WriteTo writes the depth map in the raw layout.
func (dm *DepthMap) WriteTo(out io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Grow(16 + 8*len(dm.data))
	word := make([]byte, 8)
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(word, v)
		buf.Write(word)
	}
	put(uint64(dm.width))
	put(uint64(dm.height))
	for x := 0; x < dm.width; x++ {
		for y := 0; y < dm.height; y++ {
			put(uint64(dm.GetDepth(x, y)))
		}
	}
	return buf.WriteTo(out)
}
