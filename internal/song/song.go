package song

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cbegin/drumseq-go/internal/tempo"
)

// MaxNotes is the length in ticks of an empty column, one 4/4 bar at resolution 48.
const MaxNotes = 192

var ErrInvalidSong = errors.New("song: invalid song")

type Mode int

const (
	ModeSong Mode = iota
	ModePattern
)

func (m Mode) String() string {
	if m == ModePattern {
		return "pattern"
	}
	return "song"
}

// Instrument is shared by every note that plays it. The queued count tracks
// notes still waiting in a playback queue.
type Instrument struct {
	ID                int
	Name              string
	StopNotes         bool
	PitchOffset       float64
	RandomPitchFactor float64
	Gain              float64
	Muted             bool

	queued atomic.Int32
}

func (i *Instrument) Enqueue() { i.queued.Add(1) }
func (i *Instrument) Dequeue() { i.queued.Add(-1) }

// IsQueued reports whether any queued note still references the instrument.
func (i *Instrument) IsQueued() bool { return i.queued.Load() > 0 }

// Note is a pattern-authored event. Position is the tick within the pattern.
type Note struct {
	Instrument  *Instrument
	Position    int
	Velocity    float64
	Pan         float64
	Length      int
	Pitch       float64
	LeadLag     float64
	Probability float64
	NoteOff     bool
}

// NewNote returns a note with full probability and unbounded length.
func NewNote(inst *Instrument, position int, velocity float64) *Note {
	return &Note{Instrument: inst, Position: position, Velocity: velocity, Length: -1, Probability: 1}
}

type Pattern struct {
	Name     string
	Length   int
	Notes    []*Note
	Virtuals []*Pattern

	byPos map[int][]*Note
}

func NewPattern(name string, length int) *Pattern {
	if length <= 0 {
		length = MaxNotes
	}
	return &Pattern{Name: name, Length: length, byPos: make(map[int][]*Note)}
}

func (p *Pattern) AddNote(n *Note) {
	p.Notes = append(p.Notes, n)
	if p.byPos == nil {
		p.byPos = make(map[int][]*Note)
	}
	p.byPos[n.Position] = append(p.byPos[n.Position], n)
}

// AddVirtual makes v play whenever p is activated.
func (p *Pattern) AddVirtual(v *Pattern) {
	p.Virtuals = append(p.Virtuals, v)
}

// NotesAt returns the notes authored at position.
func (p *Pattern) NotesAt(position int) []*Note {
	return p.byPos[position]
}

// PatternList is an ordered set of patterns.
type PatternList struct {
	patterns []*Pattern
}

func NewPatternList(patterns ...*Pattern) *PatternList {
	l := &PatternList{}
	for _, p := range patterns {
		l.Add(p)
	}
	return l
}

func (l *PatternList) Len() int             { return len(l.patterns) }
func (l *PatternList) Get(i int) *Pattern   { return l.patterns[i] }
func (l *PatternList) Patterns() []*Pattern { return l.patterns }
func (l *PatternList) Clear()               { l.patterns = l.patterns[:0] }

func (l *PatternList) Contains(p *Pattern) bool {
	for _, q := range l.patterns {
		if q == p {
			return true
		}
	}
	return false
}

// Add appends p unless it is already present.
func (l *PatternList) Add(p *Pattern) bool {
	if p == nil || l.Contains(p) {
		return false
	}
	l.patterns = append(l.patterns, p)
	return true
}

func (l *PatternList) Del(p *Pattern) bool {
	for i, q := range l.patterns {
		if q == p {
			l.patterns = append(l.patterns[:i], l.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Toggle removes p if present, otherwise adds it.
func (l *PatternList) Toggle(p *Pattern) {
	if !l.Del(p) {
		l.Add(p)
	}
}

// AddFlattened adds p together with every pattern reachable through its
// virtual references.
func (l *PatternList) AddFlattened(p *Pattern) {
	if !l.Add(p) {
		return
	}
	for _, v := range p.Virtuals {
		l.AddFlattened(v)
	}
}

// LongestLength returns the longest pattern length, or 0 for an empty list.
func (l *PatternList) LongestLength() int {
	n := 0
	for _, p := range l.patterns {
		if p.Length > n {
			n = p.Length
		}
	}
	return n
}

// Song is read-only once handed to the engine.
type Song struct {
	Name             string
	Bpm              float64
	Resolution       int
	Loop             bool
	Mode             Mode
	Swing            float64
	HumanizeTime     float64
	HumanizeVelocity float64
	Timeline         bool
	Tempo            []tempo.Marker

	Instruments        []*Instrument
	Patterns           []*Pattern
	Columns            []*PatternList
	VelocityAutomation *AutomationPath

	starts []int64
}

func New(name string, bpm float64, resolution int) *Song {
	return &Song{Name: name, Bpm: bpm, Resolution: resolution, VelocityAutomation: NewAutomationPath(0, 1.5, 1)}
}

func (s *Song) AddInstrument(inst *Instrument) *Instrument {
	s.Instruments = append(s.Instruments, inst)
	return inst
}

func (s *Song) AddPattern(p *Pattern) *Pattern {
	s.Patterns = append(s.Patterns, p)
	return p
}

// AddColumn appends a pattern group.
func (s *Song) AddColumn(patterns ...*Pattern) {
	s.Columns = append(s.Columns, NewPatternList(patterns...))
	s.starts = nil
}

// Validate checks the fields the engine divides by or indexes with.
func (s *Song) Validate() error {
	if err := tempo.ValidateBpm(s.Bpm); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSong, err)
	}
	if s.Resolution <= 0 {
		return fmt.Errorf("%w: resolution %d", ErrInvalidSong, s.Resolution)
	}
	for _, v := range []float64{s.Swing, s.HumanizeTime, s.HumanizeVelocity} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: swing/humanize %.3f outside [0,1]", ErrInvalidSong, v)
		}
	}
	for _, mk := range s.Tempo {
		if err := tempo.ValidateBpm(mk.Bpm); err != nil {
			return fmt.Errorf("%w: marker at column %d: %v", ErrInvalidSong, mk.Column, err)
		}
	}
	for _, p := range s.Patterns {
		for _, n := range p.Notes {
			if n.Instrument == nil {
				return fmt.Errorf("%w: pattern %q has a note without instrument", ErrInvalidSong, p.Name)
			}
			if n.Position < 0 || n.Position >= p.Length {
				return fmt.Errorf("%w: pattern %q note at %d outside length %d", ErrInvalidSong, p.Name, n.Position, p.Length)
			}
		}
	}
	return nil
}

// Reindex recomputes the cached column layout. Call it after editing columns.
func (s *Song) Reindex() {
	starts := make([]int64, len(s.Columns)+1)
	var tick int64
	for i := range s.Columns {
		starts[i] = tick
		tick += s.ColumnLength(i)
	}
	starts[len(s.Columns)] = tick
	s.starts = starts
}

func (s *Song) index() []int64 {
	if s.starts == nil {
		s.Reindex()
	}
	return s.starts
}

// ColumnLength is the longest pattern of the column, or MaxNotes when empty.
func (s *Song) ColumnLength(column int) int64 {
	if column < 0 || column >= len(s.Columns) {
		return 0
	}
	if n := s.Columns[column].LongestLength(); n > 0 {
		return int64(n)
	}
	return MaxNotes
}

func (s *Song) LengthInTicks() int64 {
	idx := s.index()
	return idx[len(idx)-1]
}

// ColumnStartTick returns the first tick of column without wrapping, or -1.
func (s *Song) ColumnStartTick(column int) int64 {
	if column < 0 || column >= len(s.Columns) {
		return -1
	}
	return s.index()[column]
}

// TickForColumn returns the first tick of column. Past the end it returns -1
// unless loop is set, in which case the column index wraps.
func (s *Song) TickForColumn(column int, loop bool) int64 {
	n := len(s.Columns)
	if column < 0 || n == 0 {
		return -1
	}
	if column >= n {
		if !loop {
			return -1
		}
		column %= n
	}
	return s.index()[column]
}

// ColumnForTick finds the column playing at tick and the absolute tick at
// which that column started. With loop set, ticks past the song end wrap.
// Without a match it returns (-1, 0).
func (s *Song) ColumnForTick(tick int64, loop bool) (int, int64) {
	idx := s.index()
	size := idx[len(idx)-1]
	if size <= 0 || tick < 0 {
		return -1, 0
	}
	var base int64
	if tick >= size {
		if !loop {
			return -1, 0
		}
		base = tick / size * size
		tick %= size
	}
	n := len(s.Columns)
	col := sort.Search(n, func(i int) bool { return idx[i+1] > tick })
	if col >= n {
		return -1, 0
	}
	return col, base + idx[col]
}

// FindInstrument returns the instrument with the given ID.
func (s *Song) FindInstrument(id int) *Instrument {
	for _, inst := range s.Instruments {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

func (s *Song) FindPattern(name string) *Pattern {
	for _, p := range s.Patterns {
		if p.Name == name {
			return p
		}
	}
	return nil
}
