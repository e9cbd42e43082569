package pipeline

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
)

// Stage names used in Stats.
const (
	StageFilter    = "filter"
	StageFrame     = "frame"
	StageTrack     = "track"
	StageIntegrate = "integrate"
	StageReference = "reference"
	StageRender    = "render"
)

// timingWindow is how many recent samples each stage keeps.
const timingWindow = 256

// StageStats summarizes the recent durations of one stage.
type StageStats struct {
	Count  int
	Mean   time.Duration
	Median time.Duration
	P95    time.Duration
	Max    time.Duration
}

// Stats describes a pipeline's progress.
type Stats struct {
	Frames     int64
	Tracked    int64
	Lost       int64
	Integrated int64
	// BytesInUse is the device memory held by all buffers.
	BytesInUse int64
	Stages     map[string]StageStats
}

// timings keeps a sliding window of durations per stage, in seconds.
type timings struct {
	mu      sync.Mutex
	samples map[string][]float64
	next    map[string]int
}

func newTimings() *timings {
	return &timings{samples: map[string][]float64{}, next: map[string]int{}}
}

func (t *timings) record(stage string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.samples[stage]
	if len(s) < timingWindow {
		t.samples[stage] = append(s, d.Seconds())
		return
	}
	i := t.next[stage]
	s[i] = d.Seconds()
	t.next[stage] = (i + 1) % timingWindow
}

func (t *timings) summarize() map[string]StageStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.MapValues(t.samples, func(s []float64, _ string) StageStats {
		return summarizeDurations(s)
	})
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func summarizeDurations(samples []float64) StageStats {
	if len(samples) == 0 {
		return StageStats{}
	}
	data := stats.Float64Data(samples)
	out := StageStats{Count: len(samples)}
	// the errors below only report empty input, ruled out above
	mean, _ := data.Mean()
	median, _ := data.Median()
	maxVal, _ := data.Max()
	// too few samples for a 95th percentile rank falls back to the maximum
	p95, err := data.Percentile(95)
	if err != nil {
		p95 = maxVal
	}
	out.Mean = seconds(mean)
	out.Median = seconds(median)
	out.P95 = seconds(p95)
	out.Max = seconds(maxVal)
	return out
}
