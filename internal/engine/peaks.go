package engine

import (
	"math"
	"sync/atomic"
)

// peak is a lock-free peak meter. The audio thread raises it and readers
// take the value and reset it in one step.
type peak struct {
	bits atomic.Uint32
}

func (p *peak) raise(v float32) {
	for {
		old := p.bits.Load()
		if v <= math.Float32frombits(old) {
			return
		}
		if p.bits.CompareAndSwap(old, math.Float32bits(v)) {
			return
		}
	}
}

func (p *peak) take() float32 {
	return math.Float32frombits(p.bits.Swap(0))
}

// mixPeak adds src into dst and returns the largest absolute sample of dst.
func mixPeak(dst, src []float32) float32 {
	n := min(len(dst), len(src))
	var m float32
	for i := 0; i < n; i++ {
		dst[i] += src[i]
	}
	for _, v := range dst {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// Peaks holds the master levels and, when the renderer meters them, one
// pair per output bus.
type Peaks struct {
	L, R  float32
	Buses []BusPeak `json:",omitempty"`
}

type BusPeak struct {
	Name string
	L, R float32
}

// BusMeter is implemented by renderers that keep per-bus peak meters.
type BusMeter interface {
	TakeBusPeaks() []BusPeak
}
