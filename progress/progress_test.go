package progress

import (
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestMonotonic(t *testing.T) {
	var seen []float64
	report := Monotonic(func(f float64) { seen = append(seen, f) })

	for _, f := range []float64{0.1, 0.5, 0.3, -1, math.NaN(), 2, 0.9} {
		report(f)
	}

	assert.Equal(t, []float64{0.1, 0.5, 0.5, 0.5, 1, 1}, seen)
}

func TestMonotonicNil(t *testing.T) {
	assert.NotPanics(t, func() { Monotonic(nil)(0.5) })
}

func TestFraction(t *testing.T) {
	tests := []struct {
		done, total int
		expected    float64
	}{
		{0, 0, 1},
		{0, 4, 0},
		{1, 4, 0.25},
		{4, 4, 1},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, Fraction(tc.done, tc.total))
	}
}

func TestLoggerThrottlesButAlwaysLogsCompletion(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.InfoLevel)

	report := Logger(logrus.NewEntry(log), "feed", time.Hour)
	report(0.1)
	report(0.2)
	report(0.3)
	report(1)

	entries := hook.AllEntries()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "feed", entries[0].Data["stage"])
		assert.Equal(t, 10.0, entries[0].Data["progress"])
		assert.Equal(t, 100.0, entries[1].Data["progress"])
	}
}
