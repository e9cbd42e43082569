package utils

import (
	"image"
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestGroupWorkParallel(t *testing.T) {
	for _, total := range []int{0, 1, 3, 17, 1000} {
		seen := make([]int, total)
		var numGroups int
		var mu sync.Mutex
		groupSums := map[int]int{}
		GroupWorkParallel(
			total,
			func(groupSize int) {
				numGroups = groupSize
			},
			func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
				sum := 0
				return func(memberNum, workNum int) {
						seen[workNum]++
						sum += workNum
					}, func() {
						mu.Lock()
						groupSums[groupNum] = sum
						mu.Unlock()
					}
			},
		)
		for i := range seen {
			test.That(t, seen[i], test.ShouldEqual, 1)
		}
		test.That(t, numGroups, test.ShouldBeLessThanOrEqualTo, ParallelFactor)
		test.That(t, len(groupSums), test.ShouldEqual, numGroups)
		total2 := 0
		for _, s := range groupSums {
			total2 += s
		}
		test.That(t, total2, test.ShouldEqual, total*(total-1)/2)
	}
}

func TestParallelForEachPixel(t *testing.T) {
	size := image.Point{37, 23}
	counts := make([]int, size.X*size.Y)
	ParallelForEachPixel(size, func(x, y int) {
		counts[y*size.X+x]++
	})
	for _, c := range counts {
		test.That(t, c, test.ShouldEqual, 1)
	}
}

func TestClamp(t *testing.T) {
	test.That(t, Clamp(5, 0, 1), test.ShouldEqual, 1.)
	test.That(t, Clamp(-5, 0, 1), test.ShouldEqual, 0.)
	test.That(t, Clamp(0.5, 0, 1), test.ShouldEqual, 0.5)
	test.That(t, ClampInt(-3, 0, 10), test.ShouldEqual, 0)
	test.That(t, Float64AlmostEqual(1, 1.0001, 1e-3), test.ShouldBeTrue)
	test.That(t, IsFinite(DegToRad(180)), test.ShouldBeTrue)
	test.That(t, RadToDeg(DegToRad(42)), test.ShouldAlmostEqual, 42.)
}
