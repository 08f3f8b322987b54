package scheduler

import (
	"container/heap"

	"github.com/cbegin/drumseq-go/internal/song"
)

// Note is a scheduled copy of a pattern or realtime note.
type Note struct {
	Instrument  *song.Instrument
	Tick        int64
	Start       int64 // absolute frame of Tick
	Delay       int   // swing, humanize and lead/lag offset in frames
	Velocity    float64
	Pan         float64
	Pitch       float64
	Length      int
	Probability float64
	NoteOff     bool
	Realtime    bool
	Metronome   bool

	seq uint64
}

// Due is the queue ordering key.
func (n *Note) Due() int64 { return n.Start + int64(n.Delay) }

type noteHeap []*Note

func (h noteHeap) Len() int { return len(h) }
func (h noteHeap) Less(i, j int) bool {
	di, dj := h[i].Due(), h[j].Due()
	if di != dj {
		return di < dj
	}
	return h[i].seq < h[j].seq
}
func (h noteHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *noteHeap) Push(x any) { *h = append(*h, x.(*Note)) }

func (h *noteHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue orders notes by Due, first in first out on ties. Every queued note
// holds a reference on its instrument until popped or cleared.
type Queue struct {
	h   noteHeap
	seq uint64
}

func NewQueue(capacity int) *Queue {
	return &Queue{h: make(noteHeap, 0, capacity)}
}

func (q *Queue) Len() int { return q.h.Len() }

func (q *Queue) Push(n *Note) {
	n.seq = q.seq
	q.seq++
	if n.Instrument != nil {
		n.Instrument.Enqueue()
	}
	heap.Push(&q.h, n)
}

// Peek returns the earliest note without removing it, or nil.
func (q *Queue) Peek() *Note {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *Queue) Pop() *Note {
	if len(q.h) == 0 {
		return nil
	}
	n := heap.Pop(&q.h).(*Note)
	if n.Instrument != nil {
		n.Instrument.Dequeue()
	}
	return n
}

// Restamp replaces the start frame of every queued note with start(n) and
// restores the queue order. Ties keep push order.
func (q *Queue) Restamp(start func(n *Note) int64) {
	for _, n := range q.h {
		n.Start = start(n)
	}
	heap.Init(&q.h)
}

func (q *Queue) Clear() {
	for i, n := range q.h {
		if n.Instrument != nil {
			n.Instrument.Dequeue()
		}
		q.h[i] = nil
	}
	q.h = q.h[:0]
}
