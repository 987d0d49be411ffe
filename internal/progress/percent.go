package progress

import (
	"math"
	"math/bits"
	"time"
)

// Indeterminate is returned by percentage helpers when no total is known.
const Indeterminate = -1

// Percentage returns floor(current*100/total) clamped to [0,100], or
// Indeterminate for total <= 0. The product is formed in 128 bits, so any
// pair of int64 values is safe.
func Percentage(current, total int64) int {
	if total <= 0 {
		return Indeterminate
	}
	if current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	hi, lo := bits.Mul64(uint64(current), 100)
	// hi < total holds because current < total, so Div64 cannot panic.
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int(q)
}

// estimateRemaining extrapolates the time left from the elapsed time and the
// completed fraction. It returns -1 when no estimate is possible.
func estimateRemaining(elapsed time.Duration, current, total int64) time.Duration {
	if total <= 0 || current <= 0 || elapsed <= 0 {
		return -1
	}
	if current >= total {
		return 0
	}
	left := float64(total-current) / float64(current)
	est := float64(elapsed) * left
	if est >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(est)
}
