// Package progress derives transfer speed, time remaining and percentages from
// raw byte counters.
package progress

import (
	"math"
	"time"
)

// MinSampleInterval is the smallest elapsed time between two samples that
// produces a speed. Anything shorter is treated as "no update".
const MinSampleInterval = time.Millisecond

// Estimator computes instantaneous speed from a time-ordered stream of
// cumulative byte counts for a single download. It is not safe for concurrent
// use; the scheduler guards it with its own lock.
type Estimator struct {
	lastBytes int64
	lastAt    time.Time
	seeded    bool
}

// NewEstimator returns an estimator whose baseline is (downloaded, at).
func NewEstimator(downloaded int64, at time.Time) *Estimator {
	return &Estimator{lastBytes: downloaded, lastAt: at, seeded: true}
}

// Observe records a new sample and returns the speed in bytes per second since
// the previous one. ok is false when no speed can be derived, in which case the
// baseline is left untouched so the next sample measures a longer window.
func (e *Estimator) Observe(downloaded int64, at time.Time) (speed float64, ok bool) {
	if !e.seeded {
		e.lastBytes, e.lastAt, e.seeded = downloaded, at, true

		return 0, false
	}

	elapsed := at.Sub(e.lastAt)
	if elapsed < MinSampleInterval || downloaded < e.lastBytes {
		return 0, false
	}

	speed = float64(downloaded-e.lastBytes) / elapsed.Seconds()
	e.lastBytes, e.lastAt = downloaded, at

	return speed, true
}

// ETA returns the seconds remaining at the given speed. It is undefined when
// the size is unknown or the speed is not positive.
func ETA(size, downloaded int64, speed float64) (float64, bool) {
	if size <= 0 || speed <= 0 || math.IsInf(speed, 0) || math.IsNaN(speed) {
		return 0, false
	}

	remaining := size - downloaded
	if remaining < 0 {
		remaining = 0
	}

	return float64(remaining) / speed, true
}

// Percent returns floor(downloaded/size*100) clamped to 0..100. It is undefined
// when the size is unknown.
func Percent(downloaded, size int64) (int, bool) {
	if size <= 0 {
		return 0, false
	}

	pct := int(downloaded * 100 / size)

	switch {
	case pct < 0:
		return 0, true
	case pct > 100:
		return 100, true
	default:
		return pct, true
	}
}
