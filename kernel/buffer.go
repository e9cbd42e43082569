package kernel

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Buffer is a handle to device memory holding n elements of T. It is owned by exactly one
// pipeline stage, which must Release it when done.
type Buffer[T any] struct {
	dev      *Device
	label    string
	data     []T
	bytes    int64
	released bool
}

// Acquire reserves n elements of T on the device. Failure wraps ErrResourceFault.
func Acquire[T any](d *Device, label string, n int) (*Buffer[T], error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrResourceFault, "acquiring %q with negative length %d", label, n)
	}
	var zero T
	bytes := int64(n) * int64(unsafe.Sizeof(zero))
	if err := d.reserve(label, bytes); err != nil {
		return nil, err
	}
	return &Buffer[T]{dev: d, label: label, data: make([]T, n), bytes: bytes}, nil
}

// EnsureLen returns buf if it already holds n elements, otherwise releases it and acquires a
// replacement of length n. buf may be nil. Contents are not preserved across a reallocation.
func EnsureLen[T any](d *Device, buf *Buffer[T], label string, n int) (*Buffer[T], error) {
	if buf != nil && !buf.released && buf.Len() == n {
		return buf, nil
	}
	if buf != nil && !buf.released {
		if err := buf.Release(); err != nil {
			return nil, err
		}
	}
	return Acquire[T](d, label, n)
}

// Data returns the backing slice. It is nil after Release.
func (b *Buffer[T]) Data() []T {
	return b.data
}

// Len returns the number of elements.
func (b *Buffer[T]) Len() int {
	return len(b.data)
}

// Bytes returns the reserved size.
func (b *Buffer[T]) Bytes() int64 {
	return b.bytes
}

// Label returns the debug label given at acquisition.
func (b *Buffer[T]) Label() string {
	return b.label
}

// Fill sets every element to v.
func (b *Buffer[T]) Fill(v T) {
	for i := range b.data {
		b.data[i] = v
	}
}

// Release returns the buffer's memory to the device.
func (b *Buffer[T]) Release() error {
	if b == nil {
		return nil
	}
	if b.released {
		return errors.Wrapf(ErrBufferReleased, "releasing %q", b.label)
	}
	b.released = true
	b.data = nil
	b.dev.free(b.bytes)
	return nil
}
