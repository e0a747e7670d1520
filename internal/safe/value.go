package safe

import "math"

// Uint64ToInt64 converts counters and tick values for storage and pprof,
// which only carry signed integers. Values above math.MaxInt64 are clamped
// and reported.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}
