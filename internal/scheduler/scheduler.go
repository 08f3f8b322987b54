// Package scheduler turns pattern notes inside a lookahead window into
// frame-stamped notes and hands due notes to the renderer.
package scheduler

import (
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/song"
	"github.com/cbegin/drumseq-go/internal/transport"
)

const (
	// MaxTimeHumanize is the largest humanize offset in frames.
	MaxTimeHumanize = 2000
	// MetronomeInterval is the metronome spacing in pattern ticks.
	MetronomeInterval = 48
	// MetronomeInstrumentID identifies metronome notes.
	MetronomeInstrumentID = -2
)

// LeadLagFactor is the offset in frames of a note with lead/lag 1.
func LeadLagFactor(tickSize float64) int {
	return int(5 * tickSize)
}

// Lookahead is how many frames ahead of the transport notes are scheduled.
// It covers the most negative combined lead/lag and humanize offset.
func Lookahead(tickSize float64) int {
	return LeadLagFactor(tickSize) + MaxTimeHumanize + 1
}

type Result int

const (
	Continue Result = iota
	PatternChange
	EndOfSong
)

func (r Result) String() string {
	switch r {
	case PatternChange:
		return "pattern-change"
	case EndOfSong:
		return "end-of-song"
	}
	return "continue"
}

// Consumer receives notes that are due in the current buffer.
type Consumer interface {
	NoteOn(n *Note)
}

type Config struct {
	Transport *transport.Transport
	// Playing and Next are shared with the engine; Next holds the patterns
	// toggled at the next pattern boundary in pattern mode.
	Playing     *song.PatternList
	Next        *song.PatternList
	Sink        notify.Sink
	Logger      *zap.Logger
	Rand        *rand.Rand
	IngressSize int
	QueueSize   int
}

type Scheduler struct {
	tr      *transport.Transport
	playing *song.PatternList
	next    *song.PatternList
	queue   *Queue
	ingress *Ingress
	sink    notify.Sink
	log     *zap.Logger
	rng     *rand.Rand

	metronome        *song.Instrument
	metronomeEnabled bool
	metronomeVolume  float64

	nextTick     int64
	lastColumn   int
	patternStart int64
	// first tick past the last column, -1 while the song has not run out
	endTick int64
}

func New(cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = notify.Nop{}
	}
	rng := cfg.Rand
	if rng == nil {
		rng = NewRand(uint64(time.Now().UnixNano()))
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &Scheduler{
		tr:              cfg.Transport,
		playing:         cfg.Playing,
		next:            cfg.Next,
		queue:           NewQueue(queueSize),
		ingress:         NewIngress(cfg.IngressSize),
		sink:            sink,
		log:             log.Named("scheduler"),
		rng:             rng,
		metronome:       &song.Instrument{ID: MetronomeInstrumentID, Name: "metronome", Gain: 1},
		metronomeVolume: 0.5,
	}
	if s.playing == nil {
		s.playing = song.NewPatternList()
	}
	if s.next == nil {
		s.next = song.NewPatternList()
	}
	s.ResetWindow()
	return s
}

func (s *Scheduler) Queue() *Queue     { return s.queue }
func (s *Scheduler) Ingress() *Ingress { return s.ingress }

// Metronome returns the instrument metronome notes are played with.
func (s *Scheduler) Metronome() *song.Instrument { return s.metronome }

func (s *Scheduler) SetMetronome(enabled bool, volume float64) {
	s.metronomeEnabled = enabled
	s.metronomeVolume = clamp(volume, 0, 1)
}

func (s *Scheduler) MetronomeEnabled() bool { return s.metronomeEnabled }

// ResetWindow forgets how far ahead notes were scheduled, so the next update
// starts at the transport tick and rebuilds the active patterns.
func (s *Scheduler) ResetWindow() {
	s.nextTick = -1
	s.lastColumn = -2
	s.patternStart = -1
	s.endTick = -1
}

// Reset clears the playback queue and the lookahead window. Realtime notes
// waiting in the ingress survive.
func (s *Scheduler) Reset() {
	s.queue.Clear()
	s.ResetWindow()
}

// Retime moves the queued notes onto the current transport timeline after
// the frames of their ticks changed underneath the queue. The lookahead
// window is kept, so nothing is scheduled twice. now is the transport frame.
func (s *Scheduler) Retime(now int64) {
	s.queue.Restamp(func(n *Note) int64 {
		start := s.tr.ScheduledFrame(n.Tick)
		if n.Realtime {
			return max(start, now)
		}
		return start
	})
}

// Clear drops everything, including pending realtime notes.
func (s *Scheduler) Clear() {
	s.Reset()
	s.ingress.reset()
}

// UpdateNoteQueue schedules every tick of the lookahead window not yet
// scheduled. now is the frame the current buffer starts at: the transport
// frame while playing, the realtime frame otherwise.
//
// When the window runs past the last column scheduling stops there, and
// EndOfSong is reported once the transport itself reaches that tick, so the
// notes already queued for the tail of the song still play.
func (s *Scheduler) UpdateNoteQueue(nFrames int, playing bool, now int64) Result {
	s.ingress.collect()
	tick := s.tr.Tick()
	s.drainIngress(tick, playing, now)
	if !playing || s.tr.Song() == nil {
		return Continue
	}

	if s.endTick >= 0 {
		if s.tr.Loop() {
			s.endTick = -1
		} else {
			if tick >= s.endTick {
				return EndOfSong
			}
			return Continue
		}
	}

	ts := s.tr.TickSize()
	if ts <= 0 || math.IsNaN(ts) {
		s.log.Error("cannot schedule without tick size", zap.Float64("tickSize", ts))
		return Continue
	}
	progress := int64(math.Floor(ts)) - int64(s.tr.RemainingFramesInTick())
	// one tick past the floored window, so a note pulled early by its full
	// offset is queued before the buffer it is due in
	tickEnd := tick + transport.ComputeTick(progress+int64(Lookahead(ts))+int64(nFrames), ts) + 1
	tickStart := max(s.nextTick, tick)

	result := Continue
	for t := tickStart; t < tickEnd; t++ {
		s.drainIngress(t, true, now)
		switch s.scheduleTick(t) {
		case EndOfSong:
			s.endTick = t
			s.nextTick = t
			if tick >= t {
				return EndOfSong
			}
			return result
		case PatternChange:
			result = PatternChange
		}
	}
	if tickEnd > s.nextTick {
		s.nextTick = tickEnd
	}
	return result
}

func (s *Scheduler) drainIngress(tick int64, playing bool, now int64) {
	s.ingress.take(tick, func(in IngressNote) {
		n := &Note{
			Instrument:  in.Instrument,
			Tick:        tick,
			Start:       now,
			Velocity:    in.Velocity,
			Pan:         in.Pan,
			Pitch:       in.Pitch,
			Length:      in.Length,
			Probability: 1,
			NoteOff:     in.NoteOff,
			Realtime:    true,
		}
		if in.Tick >= 0 && playing {
			n.Tick = in.Tick
			n.Start = max(s.tr.ScheduledFrame(in.Tick), now)
		}
		s.queue.Push(n)
	})
}

func (s *Scheduler) scheduleTick(t int64) Result {
	sng := s.tr.Song()
	changed := false
	column := -1
	var ptp int64

	if s.tr.Mode() == song.ModeSong {
		col, start := sng.ColumnForTick(t, s.tr.Loop())
		if col < 0 {
			return EndOfSong
		}
		if col != s.lastColumn {
			s.lastColumn = col
			s.playing.Clear()
			for _, p := range sng.Columns[col].Patterns() {
				s.playing.AddFlattened(p)
			}
			changed = true
		}
		column = col
		ptp = t - start
	} else {
		size := s.patternSize()
		if s.patternStart < 0 || t >= s.patternStart+size {
			if s.next.Len() > 0 {
				for _, p := range s.next.Patterns() {
					s.playing.Toggle(p)
				}
				s.next.Clear()
				changed = true
			}
			if s.patternStart < 0 {
				size = s.patternSize()
				s.patternStart = t - t%size
			} else {
				s.patternStart += (t - s.patternStart) / size * size
			}
		}
		ptp = t - s.patternStart
	}

	if ptp%MetronomeInterval == 0 {
		s.tickMetronome(t, ptp == 0)
	}

	ts := s.tr.TickSize()
	leadLag := float64(LeadLagFactor(ts))
	start := s.tr.ScheduledFrame(t)
	for _, p := range s.playing.Patterns() {
		for _, n := range p.NotesAt(int(ptp)) {
			if n.Instrument == nil || n.Instrument.Muted {
				continue
			}
			offset := 0
			if ptp%(song.MaxNotes/16) == 0 && ptp%(song.MaxNotes/8) != 0 && sng.Swing > 0 {
				offset += int(float64(song.MaxNotes/32) * ts * sng.Swing)
			}
			if sng.HumanizeTime > 0 {
				h := gaussian(s.rng, 0.3) * sng.HumanizeTime * MaxTimeHumanize
				offset += int(clamp(h, -MaxTimeHumanize, MaxTimeHumanize))
			}
			offset += int(clamp(n.LeadLag, -1, 1) * leadLag)
			if t == 0 && offset < 0 {
				offset = 0
			}

			velocity := n.Velocity
			if column >= 0 {
				pos := float64(column) + float64(ptp)/float64(sng.ColumnLength(column))
				velocity *= sng.VelocityAutomation.Value(pos)
			}
			s.queue.Push(&Note{
				Instrument:  n.Instrument,
				Tick:        t,
				Start:       start,
				Delay:       offset,
				Velocity:    velocity,
				Pan:         n.Pan,
				Pitch:       n.Pitch,
				Length:      n.Length,
				Probability: n.Probability,
				NoteOff:     n.NoteOff,
			})
		}
	}
	if changed {
		return PatternChange
	}
	return Continue
}

func (s *Scheduler) patternSize() int64 {
	if n := s.playing.LongestLength(); n > 0 {
		return int64(n)
	}
	return song.MaxNotes
}

func (s *Scheduler) tickMetronome(t int64, accent bool) {
	ev := notify.Event{Kind: notify.KindMetronome}
	if accent {
		ev.Value = 1
	}
	s.sink.Notify(ev)
	if !s.metronomeEnabled {
		return
	}
	n := &Note{
		Instrument:  s.metronome,
		Tick:        t,
		Start:       s.tr.ScheduledFrame(t),
		Velocity:    0.8 * s.metronomeVolume,
		Length:      -1,
		Probability: 1,
		Metronome:   true,
	}
	if accent {
		n.Velocity = s.metronomeVolume
		n.Pitch = 3
	}
	s.queue.Push(n)
}

// ProcessPlayNotes hands every note due before the end of this buffer to
// out; the consumer places it at n.Due()-now. Probability is rolled once
// per note here and a dropped note also drops its stop-note. It returns the
// number of notes played.
func (s *Scheduler) ProcessPlayNotes(nFrames int, now int64, out Consumer) int {
	end := now + int64(nFrames)
	sng := s.tr.Song()
	played := 0
	for s.queue.Len() > 0 {
		n := s.queue.Peek()
		if n.Due() >= end {
			break
		}
		s.queue.Pop()

		if n.Probability < 1 && s.rng.Float64() > n.Probability {
			continue
		}
		inst := n.Instrument
		if !n.Metronome {
			if sng != nil && sng.HumanizeVelocity > 0 {
				hv := sng.HumanizeVelocity
				n.Velocity = clamp(n.Velocity+hv*gaussian(s.rng, 0.2)-hv/2, 0, 1)
			}
			if inst != nil {
				n.Pitch += inst.PitchOffset
				if inst.RandomPitchFactor > 0 {
					n.Pitch += gaussian(s.rng, 0.4) * inst.RandomPitchFactor
				}
			}
		}
		if inst != nil && inst.StopNotes && !n.NoteOff {
			out.NoteOn(&Note{
				Instrument: inst,
				Tick:       n.Tick,
				Start:      n.Start,
				Delay:      n.Delay,
				Length:     -1,
				NoteOff:    true,
			})
		}
		out.NoteOn(n)
		played++
		if inst != nil && !n.NoteOff {
			s.sink.Notify(notify.Event{Kind: notify.KindNoteOn, Value: inst.ID})
		}
	}
	return played
}
