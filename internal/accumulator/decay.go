// Package accumulator owns one decaying risk score per application user.
package accumulator

import (
	"math"
	"time"
)

// Elapsed returns to - from, clamped at zero.
func Elapsed(from, to time.Time) time.Duration {
	if from.IsZero() || !to.After(from) {
		return 0
	}
	return to.Sub(from)
}

// DecayValue is the score removed by rate over dt.
func DecayValue(rate float64, dt time.Duration) float64 {
	if dt <= 0 || rate <= 0 {
		return 0
	}
	return rate * dt.Seconds()
}

// Decayed returns prev after dt of decay, floored at zero.
func Decayed(prev, rate float64, dt time.Duration) float64 {
	return math.Max(0, prev-DecayValue(rate, dt))
}

// Blend mixes the rule-based and ML contributions of one event.
func Blend(rule, ml, mlWeight float64) float64 {
	return rule*(1-mlWeight) + ml*mlWeight
}

// Next applies decay over dt and then adds blended.
func Next(prev, rate float64, dt time.Duration, blended float64) float64 {
	return Decayed(prev, rate, dt) + blended
}
