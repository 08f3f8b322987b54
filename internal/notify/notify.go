package notify

import (
	"fmt"
	"sync/atomic"
)

type Kind int

const (
	KindState Kind = iota
	KindColumnChanged
	KindPatternChanged
	KindTempoChanged
	KindXrun
	KindNoteOn
	KindMetronome
	KindEndOfSong
	KindRelocation
	KindError
)

var kindNames = [...]string{
	KindState:          "state",
	KindColumnChanged:  "column",
	KindPatternChanged: "pattern",
	KindTempoChanged:   "tempo",
	KindXrun:           "xrun",
	KindNoteOn:         "note_on",
	KindMetronome:      "metronome",
	KindEndOfSong:      "end_of_song",
	KindRelocation:     "relocation",
	KindError:          "error",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(text []byte) error {
	for i, name := range kindNames {
		if name == string(text) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("notify: unknown event kind %q", text)
}

// Event is an advisory notification. Value carries the state, column,
// instrument ID or metronome accent depending on Kind.
type Event struct {
	Kind  Kind    `json:"kind"`
	Value int     `json:"value"`
	Bpm   float64 `json:"bpm,omitempty"`
}

// Sink receives events from the audio thread. Notify must never block.
type Sink interface {
	Notify(Event)
}

type Nop struct{}

func (Nop) Notify(Event) {}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Notify(ev Event) { f(ev) }

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Notify(ev Event) {
	for _, s := range m {
		s.Notify(ev)
	}
}

// Channel delivers events on a buffered channel and drops them when the
// reader falls behind.
type Channel struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 8
	}
	return &Channel{ch: make(chan Event, size)}
}

func (c *Channel) Notify(ev Event) {
	select {
	case c.ch <- ev:
	default:
		c.dropped.Add(1)
	}
}

func (c *Channel) Events() <-chan Event { return c.ch }

// Dropped returns how many events were discarded because the channel was full.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }
