package capture

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
)

// Number of recent frame intervals that we keep for estimating FPS
const fpsHistorySize = 60

// Stats describes how well the capture loop is keeping up
type Stats struct {
	Cycles          int64   `json:"cycles"`
	Published       int64   `json:"published"`
	AcquireFailures int64   `json:"acquireFailures"`
	PublishErrors   int64   `json:"publishErrors"`
	Overruns        int64   `json:"overruns"` // Cycles that took longer than the cycle budget
	AvgAcquireMS    float64 `json:"avgAcquireMS"`
	AvgPublishMS    float64 `json:"avgPublishMS"`
	FPS             float64 `json:"fps"` // Estimated from recent publish intervals
	LastError       string  `json:"lastError"`
}

// Accumulate samples of how long something took
type timeAccumulator struct {
	samples int64
	total   time.Duration
}

func (a *timeAccumulator) add(v time.Duration) {
	a.samples++
	a.total += v
}

func (a *timeAccumulator) averageMS() float64 {
	if a.samples == 0 {
		return 0
	}
	return float64(a.total.Nanoseconds()) / float64(a.samples) / 1e6
}

type frameInterval struct {
	d time.Duration
}

// statsTracker is written by the capture goroutine, and read by the HTTP API
type statsTracker struct {
	mu            sync.Mutex
	s             Stats
	acquireTime   timeAccumulator
	publishTime   timeAccumulator
	lastPublished time.Time
	intervals     ringbuffer.RingP[frameInterval]
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		intervals: ringbuffer.NewRingP[frameInterval](fpsHistorySize),
	}
}

func (t *statsTracker) cycle(elapsed, budget time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Cycles++
	if elapsed > budget {
		t.s.Overruns++
	}
}

func (t *statsTracker) acquired(elapsed time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acquireTime.add(elapsed)
	if err != nil {
		t.s.AcquireFailures++
		t.s.LastError = err.Error()
	}
}

func (t *statsTracker) published(now time.Time, elapsed time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishTime.add(elapsed)
	if err != nil {
		t.s.PublishErrors++
		t.s.LastError = err.Error()
	} else {
		t.s.Published++
	}
	if !t.lastPublished.IsZero() {
		t.intervals.Add(frameInterval{d: now.Sub(t.lastPublished)})
	}
	t.lastPublished = now
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.s
	s.AvgAcquireMS = t.acquireTime.averageMS()
	s.AvgPublishMS = t.publishTime.averageMS()
	intervals := make([]time.Duration, 0, t.intervals.Len())
	for i := 0; i < t.intervals.Len(); i++ {
		intervals = append(intervals, t.intervals.Peek(i).d)
	}
	s.FPS = EstimateFPS(intervals)
	return s
}

// EstimateFPS uses the median frame interval, so that a single stall doesn't skew the result.
// Zero intervals means zero FPS.
func EstimateFPS(frameIntervals []time.Duration) float64 {
	if len(frameIntervals) == 0 {
		return 0
	}
	sorted := slices.Clone(frameIntervals)
	slices.Sort(sorted)
	mid := sorted[len(sorted)/2]
	if mid <= 0 {
		return 0
	}
	fps := float64(time.Second) / float64(mid)
	// One decimal place is plenty for a human
	return math.Round(fps*10) / 10
}
