package dibr

import (
	"math"

	"golang.org/x/exp/constraints"
)

func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// toByte rounds half away from zero and clamps into [0,255].
func toByte(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(clamp(math.Round(v), 0, 255))
}
