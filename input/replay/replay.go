// Package replay implements a depth source that plays back a directory of recorded depth files,
// optionally paired with color images, in file name order.
//
// In watch mode the source waits for new files to appear in the directory instead of ending the
// stream. Writers should create each file under another name and rename it into place, so that a
// half written file is never picked up.
package replay

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/kinfu/input"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/rimage"
	"go.viam.com/kinfu/rimage/transform"
	"go.viam.com/kinfu/utils"
)

// Model is the name the replay source registers under.
const Model = "replay"

const defaultDepthScale = 0.001

var (
	depthExtensions = []string{".dat", ".dat.gz", ".png"}
	colorExtensions = []string{".png", ".jpg", ".jpeg", ".ppm"}
)

func init() {
	input.RegisterSource(Model, input.Registration[*Config]{
		Constructor: func(ctx context.Context, conf *Config, logger logging.Logger) (input.Source, error) {
			return NewSource(conf, logger)
		},
	})
}

// Config are the attributes of the replay source.
type Config struct {
	Directory      string  `json:"directory"`
	IntrinsicsPath string  `json:"intrinsics_path"`
	DepthScale     float64 `json:"depth_scale,omitempty"`

	ColorDirectory      string `json:"color_directory,omitempty"`
	ColorIntrinsicsPath string `json:"color_intrinsics_path,omitempty"`

	// Loop restarts from the first file at the end of the directory.
	Loop bool `json:"loop,omitempty"`
	// Watch waits for new files at the end of the directory.
	Watch bool `json:"watch,omitempty"`
}

// Validate checks that the config attributes are valid for a replay source.
func (conf *Config) Validate(path string) error {
	if conf.Directory == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "directory")
	}
	if conf.IntrinsicsPath == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "intrinsics_path")
	}
	if conf.DepthScale < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("depth_scale must not be negative, got %v", conf.DepthScale))
	}
	if conf.Loop && conf.Watch {
		return utils.NewConfigValidationError(path, errors.New("loop and watch cannot both be set"))
	}
	if conf.ColorIntrinsicsPath != "" && conf.ColorDirectory == "" {
		return utils.NewConfigValidationError(path, errors.New("color_intrinsics_path is set without color_directory"))
	}
	if conf.ColorDirectory != "" && filepath.Clean(conf.ColorDirectory) == filepath.Clean(conf.Directory) {
		return utils.NewConfigValidationError(path, errors.New("color_directory must differ from directory"))
	}
	return nil
}

// Source reads one depth file per WaitForFrame.
type Source struct {
	conf            Config
	intrinsics      *transform.PinholeCameraIntrinsics
	colorIntrinsics *transform.PinholeCameraIntrinsics
	logger          logging.Logger

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	files  []string
	colors []string
	next   int
	closed bool
}

// NewSource lists the directory and loads the intrinsics. In watch mode an empty directory is
// allowed; otherwise it is an error.
func NewSource(conf *Config, logger logging.Logger) (*Source, error) {
	if conf == nil {
		return nil, errors.New("replay source needs a config")
	}
	if err := conf.Validate(Model); err != nil {
		return nil, err
	}
	c := *conf
	if c.DepthScale == 0 {
		c.DepthScale = defaultDepthScale
	}
	intrinsics, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(c.IntrinsicsPath)
	if err != nil {
		return nil, err
	}
	s := &Source{conf: c, intrinsics: intrinsics, colorIntrinsics: intrinsics, logger: logger}
	if c.ColorIntrinsicsPath != "" {
		if s.colorIntrinsics, err = transform.NewPinholeCameraIntrinsicsFromJSONFile(c.ColorIntrinsicsPath); err != nil {
			return nil, err
		}
	}
	if s.files, err = listFiles(c.Directory, depthExtensions); err != nil {
		return nil, err
	}
	if c.ColorDirectory != "" {
		if s.colors, err = listFiles(c.ColorDirectory, colorExtensions); err != nil {
			return nil, err
		}
	}
	if len(s.files) == 0 && !c.Watch {
		return nil, errors.Errorf("no depth files in %q", c.Directory)
	}
	if c.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, errors.Wrap(err, "cannot watch for depth files")
		}
		if err := watcher.Add(c.Directory); err != nil {
			return nil, multierr.Combine(errors.Wrapf(err, "cannot watch %q", c.Directory), watcher.Close())
		}
		s.watcher = watcher
	}
	logger.Debugw("replay source ready", "directory", c.Directory, "files", len(s.files), "colors", len(s.colors))
	return s, nil
}

func hasExtension(name string, exts []string) bool {
	lower := strings.ToLower(name)
	return lo.SomeBy(exts, func(ext string) bool { return strings.HasSuffix(lower, ext) })
}

// listFiles returns the matching regular files of dir in name order.
func listFiles(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list %q", dir)
	}
	matching := lo.Filter(entries, func(e os.DirEntry, _ int) bool {
		return e.Type().IsRegular() && hasExtension(e.Name(), exts)
	})
	return lo.Map(matching, func(e os.DirEntry, _ int) string {
		return filepath.Join(dir, e.Name())
	}), nil
}

// Intrinsics returns the depth camera model read from intrinsics_path.
func (s *Source) Intrinsics() *transform.PinholeCameraIntrinsics {
	return s.intrinsics
}

// Len returns how many depth files are known.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// WaitForFrame reads the next depth file. At the end of the directory it starts over in loop mode,
// waits for a new file in watch mode, and otherwise returns a sensor fault wrapping io.EOF.
func (s *Source) WaitForFrame(ctx context.Context) (*input.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, input.NewSensorFaultError(errors.New("replay source is closed"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.files) {
		switch {
		case s.conf.Loop:
			s.logger.Debugw("replay looping", "files", len(s.files))
			s.next = 0
		case s.watcher != nil:
			if err := s.waitForFiles(ctx); err != nil {
				return nil, err
			}
		default:
			return nil, input.NewSensorFaultError(io.EOF)
		}
	}

	path := s.files[s.next]
	dm, err := rimage.ParseDepthMap(path)
	if err != nil {
		return nil, input.NewSensorFaultError(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, input.NewSensorFaultError(err)
	}
	capture := &input.Capture{
		Depth:      dm,
		DepthScale: s.conf.DepthScale,
		Intrinsics: s.intrinsics,
		Timestamp:  info.ModTime(),
	}
	if err := capture.Validate(); err != nil {
		return nil, input.NewSensorFaultError(errors.Wrapf(err, "depth file %q", path))
	}
	if s.next < len(s.colors) {
		img, err := s.readColor(s.colors[s.next])
		if err != nil {
			return nil, input.NewSensorFaultError(err)
		}
		capture.Color = img
		capture.ColorIntrinsics = s.colorIntrinsics
	}
	s.next++
	return capture, nil
}

func (s *Source) readColor(path string) (image.Image, error) {
	img, err := rimage.ReadImageFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := s.colorIntrinsics.CheckSize(img.Bounds().Dx(), img.Bounds().Dy()); err != nil {
		return nil, errors.Wrapf(err, "color file %q", path)
	}
	return img, nil
}

// waitForFiles blocks until the directory holds more depth files than have been read.
func (s *Source) waitForFiles(ctx context.Context) error {
	for {
		if err := s.rescan(); err != nil {
			return input.NewSensorFaultError(err)
		}
		if s.next < len(s.files) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-s.watcher.Events:
			if !ok {
				return input.NewSensorFaultError(errors.New("directory watch ended"))
			}
			s.logger.Debugw("replay directory changed", "event", event.String())
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return input.NewSensorFaultError(errors.New("directory watch ended"))
			}
			return input.NewSensorFaultError(errors.Wrap(err, "watching for depth files"))
		}
	}
}

// rescan relists the directories. Files already read keep their positions, so a new file must
// sort after the ones before it.
func (s *Source) rescan() error {
	files, err := listFiles(s.conf.Directory, depthExtensions)
	if err != nil {
		return err
	}
	s.files = files
	if s.conf.ColorDirectory != "" {
		colors, err := listFiles(s.conf.ColorDirectory, colorExtensions)
		if err != nil {
			return err
		}
		s.colors = colors
	}
	return nil
}

// Close stops the source. Closing the watch first releases a WaitForFrame blocked on new files.
func (s *Source) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.closeErr = s.watcher.Close()
		}
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}
