package transport

import (
	"math"
	"testing"

	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/song"
	"github.com/cbegin/drumseq-go/internal/tempo"
)

type recordingSink struct{ events []notify.Event }

func (r *recordingSink) Notify(ev notify.Event) { r.events = append(r.events, ev) }

func (r *recordingSink) count(kind notify.Kind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type gate bool

func (g gate) TransportActive() bool { return bool(g) }

func barSong(columns int) *song.Song {
	s := song.New("bars", 120, 48)
	p := s.AddPattern(song.NewPattern("bar", 192))
	for i := 0; i < columns; i++ {
		s.AddColumn(p)
	}
	s.Reindex()
	return s
}

func newTransport(t *testing.T, sampleRate int, s *song.Song, timeline bool) (*Transport, *recordingSink) {
	t.Helper()
	m := tempo.NewMap(s.Bpm)
	if err := m.Reset(s.Bpm, s.Tempo); err != nil {
		t.Fatalf("tempo map: %v", err)
	}
	sink := &recordingSink{}
	tr := New(Config{
		SampleRate: sampleRate,
		Resolver:   &tempo.Resolver{Map: m, TimelineEnabled: timeline},
		Sink:       sink,
	})
	tr.SetSong(s)
	tr.Locate(0)
	return tr, sink
}

func markerSong() *song.Song {
	s := barSong(10)
	s.Tempo = []tempo.Marker{{Column: 3, Bpm: 100}, {Column: 5, Bpm: 40}, {Column: 7, Bpm: 200}}
	s.Timeline = true
	return s
}

func TestPrimitivesMonotonic(t *testing.T) {
	for _, ts := range []float64{275.625, 459.375, 500, 1378.125} {
		prev := int64(-1)
		for tick := int64(0); tick < 2000; tick++ {
			f := ComputeFrame(tick, ts)
			if f < prev {
				t.Fatalf("tickSize %v: frame(%d)=%d < frame(%d)=%d", ts, tick, f, tick-1, prev)
			}
			prev = f
		}
	}
}

func TestPrimitivesRoundTrip(t *testing.T) {
	for _, ts := range []float64{10.5, 275.625, 459.375, 500, 551.25, 1378.125} {
		for frame := int64(0); frame < 200000; frame += 97 {
			tick := ComputeTick(frame, ts)
			rem := ComputeRemainingFramesInTick(float64(frame), ts)
			if rem < 0 || rem > int(math.Floor(ts)) {
				t.Fatalf("tickSize %v frame %d: remainder %d out of range", ts, frame, rem)
			}
			back := ComputeFrame(tick, ts) + int64(math.Floor(ts)) - int64(rem)
			if d := back - frame; d < -1 || d > 1 {
				t.Fatalf("tickSize %v frame %d: round trip %d (diff %d)", ts, frame, back, d)
			}
		}
	}
}

func TestLocateElapsedTimeAcrossTempoMarkers(t *testing.T) {
	s := markerSong()
	tr, _ := newTransport(t, 48000, s, true)
	want := []float64{0, 2, 4, 6, 8.4, 10.8, 16.8, 22.8, 24}
	for col, w := range want {
		tr.Locate(s.TickForColumn(col, false))
		if got := tr.ElapsedTime(); math.Abs(got-w) > 1e-4 {
			t.Errorf("column %d: elapsed %v, want %v", col, got, w)
		}
		if tr.Column() != col {
			t.Errorf("column %d: transport column %d", col, tr.Column())
		}
	}
}

func TestIncrementMatchesConversion(t *testing.T) {
	s := markerSong()
	tr, _ := newTransport(t, 44100, s, true)
	for step := 0; step < 2000; step++ {
		tr.Increment(512)
		tick, _ := tr.TickFromFrame(tr.Frame())
		if tick != tr.Tick() {
			t.Fatalf("step %d frame %d: incremental tick %d, converted %d", step, tr.Frame(), tr.Tick(), tick)
		}
		if r := tr.RemainingFramesInTick(); r < 0 || r > int(math.Floor(tr.TickSize())) {
			t.Fatalf("step %d: remainder %d outside [0, %v]", step, r, tr.TickSize())
		}
	}
	if tr.Column() < 8 {
		t.Fatalf("expected to reach the last columns, at %d", tr.Column())
	}
}

func TestIncrementMultiTickJump(t *testing.T) {
	tr, _ := newTransport(t, 48000, barSong(4), false)
	if tr.TickSize() != 500 {
		t.Fatalf("tick size = %v", tr.TickSize())
	}
	tr.Increment(10_250)
	if tr.Tick() != 20 {
		t.Fatalf("tick = %d, want 20", tr.Tick())
	}
	if tr.RemainingFramesInTick() != 250 {
		t.Fatalf("remaining = %d, want 250", tr.RemainingFramesInTick())
	}
	tr.Increment(249)
	if tr.Tick() != 20 || tr.RemainingFramesInTick() != 1 {
		t.Fatalf("after 249: tick %d remaining %d", tr.Tick(), tr.RemainingFramesInTick())
	}
	tr.Increment(1)
	if tr.Tick() != 21 {
		t.Fatalf("after boundary: tick %d", tr.Tick())
	}
}

func TestColumnChangedOncePerColumn(t *testing.T) {
	tr, sink := newTransport(t, 48000, barSong(4), false)
	sink.events = nil
	// two bars at 500 frames per tick
	for i := 0; i < 2*192*500/256; i++ {
		tr.Increment(256)
	}
	if got := sink.count(notify.KindColumnChanged); got != 2 {
		t.Fatalf("column notifications = %d, want 2", got)
	}
	if tr.Column() != 2 {
		t.Fatalf("column = %d, want 2", tr.Column())
	}
}

func TestConstantTempoChangeKeepsTick(t *testing.T) {
	tr, sink := newTransport(t, 48000, barSong(4), false)
	tr.Locate(100)
	tr.Increment(250)
	tr.SetNextBpm(60)
	tr.UpdateBpmAndTickSize()
	if tr.Tick() != 100 {
		t.Fatalf("tick after tempo change = %d, want 100", tr.Tick())
	}
	if tr.TickSize() != 1000 {
		t.Fatalf("tick size = %v, want 1000", tr.TickSize())
	}
	if tr.RemainingFramesInTick() != 500 {
		t.Fatalf("remaining = %d, want 500", tr.RemainingFramesInTick())
	}
	if sink.count(notify.KindTempoChanged) == 0 {
		t.Fatalf("expected tempo notification")
	}
	frame := tr.Frame()
	tr.Increment(10_000)
	if tr.Tick() != 110 {
		t.Fatalf("tick = %d, want 110", tr.Tick())
	}
	if tr.Frame() != frame+10_000 {
		t.Fatalf("frame must advance monotonically")
	}
}

func TestUpdateBpmGated(t *testing.T) {
	s := barSong(2)
	tr := New(Config{SampleRate: 48000, Gate: gate(false)})
	tr.SetSong(s)
	tr.Locate(0)
	tr.SetNextBpm(60)
	tr.UpdateBpmAndTickSize()
	if tr.Bpm() != 120 {
		t.Fatalf("gated transport changed bpm to %v", tr.Bpm())
	}
}

func TestPatternModeAnchoring(t *testing.T) {
	s := barSong(2)
	s.Mode = song.ModePattern
	short := song.NewPattern("short", 96)
	playing := song.NewPatternList(short)
	tr := New(Config{SampleRate: 48000, Playing: playing})
	tr.SetSong(s)
	tr.Locate(250)
	if tr.PatternStartTick() != 192 || tr.PatternTickPosition() != 58 {
		t.Fatalf("start %d pos %d, want 192/58", tr.PatternStartTick(), tr.PatternTickPosition())
	}
	tr.Increment(int(40 * tr.TickSize()))
	if tr.PatternStartTick() != 288 || tr.PatternTickPosition() != 2 {
		t.Fatalf("after wrap: start %d pos %d, want 288/2", tr.PatternStartTick(), tr.PatternTickPosition())
	}
}

func TestLocateToFrame(t *testing.T) {
	tr, _ := newTransport(t, 48000, barSong(4), false)
	tr.LocateToFrame(1234)
	if tr.Tick() != 2 || tr.Frame() != 1234 || tr.RemainingFramesInTick() != 266 {
		t.Fatalf("tick %d frame %d remaining %d", tr.Tick(), tr.Frame(), tr.RemainingFramesInTick())
	}
}

func TestLoopWrapsColumns(t *testing.T) {
	s := barSong(2)
	s.Loop = true
	tr, _ := newTransport(t, 48000, s, false)
	tr.Locate(2*192 + 10)
	if tr.Column() != 0 || tr.PatternStartTick() != 384 || tr.PatternTickPosition() != 10 {
		t.Fatalf("column %d start %d pos %d", tr.Column(), tr.PatternStartTick(), tr.PatternTickPosition())
	}
}
