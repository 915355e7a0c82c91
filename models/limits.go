package models

import (
	"math"

	"meshcoord/apperr"
)

// Capacity bounds accepted from relays.
const (
	MinMaxConnections = 1
	MaxMaxConnections = 1000
	MinConnectedCount = 0
	MaxConnectedCount = 10000
)

// ValidateCount converts a client-supplied JSON number to an int, rejecting
// non-finite, fractional and out-of-range values.
func ValidateCount(name string, v float64, lo, hi int) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, apperr.Validation("invalid " + name)
	}
	if v < float64(lo) || v > float64(hi) {
		return 0, apperr.Validation(name + " out of range")
	}
	return int(v), nil
}
