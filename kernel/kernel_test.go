package kernel

import (
	"errors"
	"testing"

	"go.viam.com/test"

	"go.viam.com/kinfu/logging"
)

func TestAcquireRelease(t *testing.T) {
	dev := NewDevice("test", 1024, logging.NewTestLogger(t))

	buf, err := Acquire[float32](dev, "depth", 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, buf.Len(), test.ShouldEqual, 100)
	test.That(t, buf.Bytes(), test.ShouldEqual, int64(400))
	test.That(t, dev.BytesInUse(), test.ShouldEqual, int64(400))
	test.That(t, dev.LiveBuffers(), test.ShouldEqual, int64(1))

	_, err = Acquire[float64](dev, "too-big", 100)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrOutOfDeviceMemory), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrResourceFault), test.ShouldBeTrue)
	test.That(t, dev.BytesInUse(), test.ShouldEqual, int64(400))

	test.That(t, buf.Release(), test.ShouldBeNil)
	test.That(t, buf.Data(), test.ShouldBeNil)
	test.That(t, dev.BytesInUse(), test.ShouldEqual, int64(0))
	test.That(t, dev.LiveBuffers(), test.ShouldEqual, int64(0))

	err = buf.Release()
	test.That(t, errors.Is(err, ErrBufferReleased), test.ShouldBeTrue)

	var nilBuf *Buffer[int]
	test.That(t, nilBuf.Release(), test.ShouldBeNil)
}

func TestEnsureLen(t *testing.T) {
	dev := NewDevice("test", 0, logging.NewTestLogger(t))

	buf, err := EnsureLen[int32](dev, nil, "residuals", 10)
	test.That(t, err, test.ShouldBeNil)
	buf.Fill(7)

	same, err := EnsureLen(dev, buf, "residuals", 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, same, test.ShouldEqual, buf)
	test.That(t, same.Data()[9], test.ShouldEqual, int32(7))

	bigger, err := EnsureLen(dev, buf, "residuals", 20)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bigger, test.ShouldNotEqual, buf)
	test.That(t, bigger.Len(), test.ShouldEqual, 20)
	test.That(t, dev.LiveBuffers(), test.ShouldEqual, int64(1))
	test.That(t, dev.BytesInUse(), test.ShouldEqual, int64(80))
	test.That(t, bigger.Release(), test.ShouldBeNil)
}

func TestDispatch(t *testing.T) {
	dev := NewDevice("test", 0, logging.NewTestLogger(t))

	out := make([]int, 1000)
	dev.Dispatch(len(out), func(lane int) {
		out[lane] = lane * 2
	})
	for i, v := range out {
		test.That(t, v, test.ShouldEqual, i*2)
	}

	grid := make([]int, 7*5)
	dev.Dispatch2D(7, 5, func(x, y int) {
		grid[y*7+x] = x + 100*y
	})
	test.That(t, grid[4*7+6], test.ShouldEqual, 406)

	type partial struct {
		sum   int
		count int
	}
	partials := Reduce(dev, 1000, func(lane int, p *partial) {
		p.sum += lane
		p.count++
	})
	total, count := 0, 0
	for _, p := range partials {
		total += p.sum
		count += p.count
	}
	test.That(t, total, test.ShouldEqual, 999*1000/2)
	test.That(t, count, test.ShouldEqual, 1000)
	test.That(t, dev.Dispatches(), test.ShouldEqual, int64(3))
}
