// Package interp computes the piecewise-linear temperature curve
// between a side's sleep and wake instants.
package interp

import (
	"math"
	"time"
)

// Centi converts degrees Celsius to the wire's centi-degree
// representation, saturating at the uint16 bounds instead of wrapping.
func Centi(celsius float64) uint16 {
	v := math.Round(celsius * 100)
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// CentiCelsius interpolates temperatures (at least one element) across
// [sleep, wake] at instant now, and returns the result as degrees
// Celsius times 100, rounded to the nearest integer. If now is outside
// [sleep, wake), ok is false.
func CentiCelsius(temperatures []float64, sleep, wake, now time.Time) (value uint16, ok bool) {
	if len(temperatures) == 0 {
		return 0, false
	}
	if now.Before(sleep) || !now.Before(wake) {
		return 0, false
	}

	total := wake.Sub(sleep)
	if total <= 0 {
		return 0, false
	}
	progress := float64(now.Sub(sleep)) / float64(total)

	var celsius float64
	n := len(temperatures)
	if n == 1 {
		celsius = temperatures[0]
	} else {
		pos := progress * float64(n-1)
		i := int(math.Floor(pos))
		if i >= n-1 {
			celsius = temperatures[n-1]
		} else {
			frac := pos - float64(i)
			celsius = temperatures[i] + frac*(temperatures[i+1]-temperatures[i])
		}
	}

	return Centi(celsius), true
}
