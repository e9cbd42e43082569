package pipeline

import (
	"github.com/benbjohnson/clock"

	"go.viam.com/kinfu/kernel"
)

// options configures a Pipeline.
type options struct {
	clock  clock.Clock
	device *kernel.Device
}

// Option configures how we set up the pipeline.
type Option interface {
	apply(*options)
}

// funcOption wraps a function that modifies options into an
// implementation of the Option interface.
type funcOption struct {
	f func(*options)
}

func (fdo *funcOption) apply(do *options) {
	fdo.f(do)
}

func newFuncOption(f func(*options)) *funcOption {
	return &funcOption{
		f: f,
	}
}

// WithClock returns an Option which sets the clock stage timings are measured with.
func WithClock(clk clock.Clock) Option {
	return newFuncOption(func(o *options) {
		o.clock = clk
	})
}

// WithDevice returns an Option which runs the pipeline on dev instead of a device sized from the
// config.
func WithDevice(dev *kernel.Device) Option {
	return newFuncOption(func(o *options) {
		o.device = dev
	})
}
