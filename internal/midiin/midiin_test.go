package midiin

import (
	"errors"
	"testing"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/drumseq-go/internal/scheduler"
	"github.com/cbegin/drumseq-go/internal/song"
)

type recordingSink struct {
	notes []scheduler.IngressNote
	full  bool
}

func (r *recordingSink) NoteOn(n scheduler.IngressNote) error {
	if r.full {
		return errors.New("full")
	}
	r.notes = append(r.notes, n)
	return nil
}

func kit() *song.Song {
	s := song.New("kit", 120, 48)
	s.AddInstrument(&song.Instrument{ID: 0, Name: "Kick"})
	s.AddInstrument(&song.Instrument{ID: 1, Name: "snare"})
	s.AddInstrument(&song.Instrument{ID: 2, Name: "closed-hat"})
	s.AddInstrument(&song.Instrument{ID: 3, Name: "open-hat", StopNotes: true})
	s.AddInstrument(&song.Instrument{ID: 4, Name: "cowbell"})
	return s
}

func TestKeyMapFor(t *testing.T) {
	m := KeyMapFor(kit())
	want := map[uint8]int{36: 0, 38: 1, 42: 2, 46: 3, 60: 4}
	for key, id := range want {
		if m[key] == nil || m[key].ID != id {
			t.Fatalf("key %d: got %v, want instrument %d", key, m[key], id)
		}
	}
	if len(m) != len(want) {
		t.Fatalf("map has %d keys, want %d", len(m), len(want))
	}
}

func TestHandleNoteOn(t *testing.T) {
	sink := &recordingSink{}
	l := NewListener(sink, KeyMapFor(kit()), nil)
	l.Handle(gomidi.NoteOn(9, 38, 127), 0)
	l.Handle(gomidi.NoteOn(9, 99, 100), 0) // unmapped
	if len(sink.notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(sink.notes))
	}
	n := sink.notes[0]
	if n.Instrument.ID != 1 || n.Velocity != 1 || n.Tick != -1 || n.NoteOff {
		t.Fatalf("note = %+v", n)
	}
}

func TestHandleNoteOffOnlyForStopNotes(t *testing.T) {
	sink := &recordingSink{}
	l := NewListener(sink, KeyMapFor(kit()), nil)
	l.Handle(gomidi.NoteOff(9, 38), 0)
	l.Handle(gomidi.NoteOff(9, 46), 0)
	l.Handle(gomidi.NoteOn(9, 46, 0), 0)
	if len(sink.notes) != 2 {
		t.Fatalf("got %d notes, want 2 note-offs for the open hat", len(sink.notes))
	}
	for _, n := range sink.notes {
		if !n.NoteOff || n.Instrument.ID != 3 {
			t.Fatalf("note = %+v", n)
		}
	}
}

func TestDroppedNotesCounted(t *testing.T) {
	sink := &recordingSink{full: true}
	l := NewListener(sink, KeyMapFor(kit()), nil)
	l.Handle(gomidi.NoteOn(9, 36, 90), 0)
	if l.Received() != 1 || l.Dropped() != 1 {
		t.Fatalf("received %d dropped %d", l.Received(), l.Dropped())
	}
}

func TestKeyMapForRunsOutOfKeys(t *testing.T) {
	s := song.New("big", 120, 48)
	for i := 0; i < 70; i++ {
		s.AddInstrument(&song.Instrument{ID: i, Name: "perc"})
	}
	m := KeyMapFor(s)
	// keys 60 to 127
	if len(m) != 68 {
		t.Fatalf("map has %d keys, want 68", len(m))
	}
	if m[127] == nil || m[127].ID != 67 {
		t.Fatalf("key 127 = %v, want instrument 67", m[127])
	}
}

type tapSink struct {
	recordingSink
	taps int
}

func (s *tapSink) TapTempo() (float64, error) {
	s.taps++
	return 0, nil
}

func TestTapKey(t *testing.T) {
	sink := &tapSink{}
	l := NewListener(sink, KeyMapFor(kit()), nil)
	l.Handle(gomidi.NoteOn(9, 36, 100), 0)
	if sink.taps != 0 || len(sink.notes) != 1 {
		t.Fatalf("tap key disabled: taps %d notes %d", sink.taps, len(sink.notes))
	}
	l.SetTapKey(36)
	l.Handle(gomidi.NoteOn(9, 36, 100), 0)
	l.Handle(gomidi.NoteOff(9, 36), 0)
	l.Handle(gomidi.NoteOn(9, 36, 90), 0)
	if sink.taps != 2 || len(sink.notes) != 1 {
		t.Fatalf("taps %d notes %d, want 2 taps and no new notes", sink.taps, len(sink.notes))
	}
}
