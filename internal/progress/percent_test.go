package progress

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPercentageLargeTotalsNeverOverflow(t *testing.T) {
	t.Parallel()

	const (
		total = int64(500000 * 500)
		step  = int64(50 * 500)
	)
	prev := 0
	for cur := int64(0); cur <= total; cur += step {
		got := Percentage(cur, total)
		require.GreaterOrEqual(t, got, 0, "current=%d", cur)
		require.LessOrEqual(t, got, 100, "current=%d", cur)
		require.GreaterOrEqual(t, got, prev, "current=%d", cur)
		prev = got
	}
	require.Equal(t, 100, prev)
}

func TestPercentage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		current, total int64
		want           int
	}{
		{name: "indeterminate", current: 5, total: 0, want: Indeterminate},
		{name: "negative total", current: 5, total: -3, want: Indeterminate},
		{name: "zero", current: 0, total: 10, want: 0},
		{name: "negative current", current: -4, total: 10, want: 0},
		{name: "floor", current: 1, total: 3, want: 33},
		{name: "ninety", current: 90, total: 100, want: 90},
		{name: "complete", current: 10, total: 10, want: 100},
		{name: "overshoot", current: 11, total: 10, want: 100},
		{name: "max int64", current: math.MaxInt64 - 1, total: math.MaxInt64, want: 99},
		{name: "half of max", current: math.MaxInt64 / 2, total: math.MaxInt64, want: 49},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Percentage(tt.current, tt.total))
		})
	}
}

func TestEstimateRemaining(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Duration(-1), estimateRemaining(time.Second, 0, 10))
	require.Equal(t, time.Duration(-1), estimateRemaining(time.Second, 5, 0))
	require.Equal(t, time.Duration(-1), estimateRemaining(0, 5, 10))
	require.Equal(t, time.Duration(0), estimateRemaining(time.Second, 10, 10))
	require.Equal(t, 3*time.Second, estimateRemaining(time.Second, 25, 100))
	require.Equal(t, time.Duration(math.MaxInt64), estimateRemaining(time.Hour, 1, math.MaxInt64))
}
