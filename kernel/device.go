// Package kernel provides the data-parallel compute substrate the fusion stages run on: buffer
// handles with explicit acquire/release accounting against a device memory budget, and kernel
// dispatches that fan lanes out over goroutines and return only once every lane has finished.
//
// A returned Dispatch is the memory barrier between stages. Writes made by one dispatch are
// visible to the next dispatch and to the controlling goroutine.
package kernel

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/utils"
)

// ErrResourceFault is the root of every allocation or initialization failure. It is fatal for
// whoever was being constructed.
var ErrResourceFault = errors.New("resource fault")

// ErrOutOfDeviceMemory is returned when an acquisition would exceed the device budget.
var ErrOutOfDeviceMemory = errors.Wrap(ErrResourceFault, "out of device memory")

// ErrBufferReleased is returned when a buffer is released twice.
var ErrBufferReleased = errors.New("buffer already released")

// Device owns the memory budget shared by all buffers acquired from it.
type Device struct {
	name     string
	maxBytes int64
	logger   logging.Logger

	bytesInUse  atomic.Int64
	liveBuffers atomic.Int64
	dispatches  atomic.Int64
}

// NewDevice returns a device that refuses acquisitions beyond maxBytes. A non-positive maxBytes
// means unlimited.
func NewDevice(name string, maxBytes int64, logger logging.Logger) *Device {
	return &Device{name: name, maxBytes: maxBytes, logger: logger}
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// BytesInUse returns how many bytes are held by live buffers.
func (d *Device) BytesInUse() int64 {
	return d.bytesInUse.Load()
}

// LiveBuffers returns how many buffers have been acquired and not yet released.
func (d *Device) LiveBuffers() int64 {
	return d.liveBuffers.Load()
}

// Dispatches returns the number of kernels run so far.
func (d *Device) Dispatches() int64 {
	return d.dispatches.Load()
}

func (d *Device) reserve(label string, bytes int64) error {
	for {
		cur := d.bytesInUse.Load()
		next := cur + bytes
		if d.maxBytes > 0 && next > d.maxBytes {
			d.logger.Errorw("device allocation refused",
				"device", d.name, "buffer", label, "requested", bytes, "in_use", cur, "max", d.maxBytes)
			return errors.Wrapf(ErrOutOfDeviceMemory, "acquiring %q (%d bytes, %d of %d in use)",
				label, bytes, cur, d.maxBytes)
		}
		if d.bytesInUse.CompareAndSwap(cur, next) {
			d.liveBuffers.Inc()
			return nil
		}
	}
}

func (d *Device) free(bytes int64) {
	d.bytesInUse.Sub(bytes)
	d.liveBuffers.Dec()
}

// Dispatch runs kernel once per lane in [0, lanes) and returns when all lanes are done.
// Lanes must not depend on one another.
func (d *Device) Dispatch(lanes int, kernel func(lane int)) {
	d.dispatches.Inc()
	utils.GroupWorkParallel(lanes, nil, func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
		return func(memberNum, workNum int) {
			kernel(workNum)
		}, nil
	})
}

// Dispatch2D runs kernel once per (x, y) of a width x height domain, row-major.
func (d *Device) Dispatch2D(width, height int, kernel func(x, y int)) {
	if width <= 0 || height <= 0 {
		return
	}
	d.Dispatch(width*height, func(lane int) {
		kernel(lane%width, lane/width)
	})
}

// Reduce runs kernel over every lane, giving each worker group its own partial accumulator, and
// returns the partials for the host to combine. This is the readback point of a reduction.
func Reduce[P any](d *Device, lanes int, kernel func(lane int, partial *P)) []P {
	d.dispatches.Inc()
	var partials []P
	utils.GroupWorkParallel(
		lanes,
		func(numGroups int) {
			partials = make([]P, numGroups)
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			partial := &partials[groupNum]
			return func(memberNum, workNum int) {
				kernel(workNum, partial)
			}, nil
		},
	)
	return partials
}
