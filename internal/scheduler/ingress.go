package scheduler

import (
	"sync/atomic"

	"github.com/cbegin/drumseq-go/internal/song"
)

// IngressNote is a realtime note waiting for the audio thread to stamp it.
// Tick < 0 plays as soon as it is drained.
type IngressNote struct {
	Instrument *song.Instrument
	Velocity   float64
	Pan        float64
	Pitch      float64
	Length     int
	NoteOff    bool
	Tick       int64
}

// Ingress is a multi-producer, single-consumer queue. Push never blocks and
// never allocates; collect and the drain helpers run on the audio thread only.
type Ingress struct {
	ch      chan IngressNote
	pending []IngressNote
	dropped atomic.Uint64
}

func NewIngress(size int) *Ingress {
	if size <= 0 {
		size = 256
	}
	return &Ingress{ch: make(chan IngressNote, size), pending: make([]IngressNote, 0, size)}
}

// Push enqueues n, reporting false when the queue is full.
func (in *Ingress) Push(n IngressNote) bool {
	select {
	case in.ch <- n:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

func (in *Ingress) Dropped() uint64 { return in.dropped.Load() }

// Pending returns how many collected notes still wait for their tick.
func (in *Ingress) Pending() int { return len(in.pending) }

func (in *Ingress) collect() {
	for {
		select {
		case n := <-in.ch:
			in.pending = append(in.pending, n)
		default:
			return
		}
	}
}

// take calls fn for each pending note due at or before tick and keeps the rest.
func (in *Ingress) take(tick int64, fn func(IngressNote)) {
	kept := in.pending[:0]
	for _, n := range in.pending {
		if n.Tick < 0 || n.Tick <= tick {
			fn(n)
			continue
		}
		kept = append(kept, n)
	}
	for i := len(kept); i < len(in.pending); i++ {
		in.pending[i] = IngressNote{}
	}
	in.pending = kept
}

func (in *Ingress) reset() {
	in.collect()
	clear(in.pending)
	in.pending = in.pending[:0]
}
