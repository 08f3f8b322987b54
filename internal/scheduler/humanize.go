package scheduler

import (
	"math"
	"math/rand/v2"
)

// NewRand returns the non-cryptographic generator used for humanization.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// gaussian draws from a normal distribution with standard deviation z using
// the polar Box-Muller method.
func gaussian(r *rand.Rand, z float64) float64 {
	var x1, x2, w float64
	for {
		x1 = 2*r.Float64() - 1
		x2 = 2*r.Float64() - 1
		w = x1*x1 + x2*x2
		if w > 0 && w < 1 {
			break
		}
	}
	w = math.Sqrt(-2 * math.Log(w) / w)
	return x1 * w * z
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
