// Package progress carries per-stage completion fractions from the crawler stages to whoever is watching.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Func receives the completed fraction of a stage, in [0, 1]
type Func func(fraction float64)

// Nop discards progress
func Nop(float64) {}

// Monotonic wraps fn so it only ever sees clamped, non-decreasing values
func Monotonic(fn Func) Func {
	if fn == nil {
		return Nop
	}

	var mu sync.Mutex
	last := 0.0
	return func(fraction float64) {
		if math.IsNaN(fraction) {
			return
		}
		fraction = math.Max(0, math.Min(1, fraction))

		mu.Lock()
		if fraction < last {
			fraction = last
		}
		last = fraction
		mu.Unlock()

		fn(fraction)
	}
}

// Fraction returns done/total, treating an empty stage as complete
func Fraction(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}

// Logger returns a Func that logs at most every interval, plus the final 1.0
func Logger(entry *logrus.Entry, stage string, interval time.Duration) Func {
	var lastLogged time.Time
	return Monotonic(func(fraction float64) {
		now := time.Now()
		if fraction < 1 && now.Sub(lastLogged) < interval {
			return
		}
		lastLogged = now

		entry.WithFields(logrus.Fields{
			"stage":    stage,
			"progress": math.Round(fraction*1000) / 10,
		}).Info("Stage progress")
	})
}
