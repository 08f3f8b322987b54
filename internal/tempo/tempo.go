package tempo

import (
	"errors"
	"fmt"
	"sort"
)

const (
	MinBpm = 10.0
	MaxBpm = 400.0
)

var ErrInvalidBpm = errors.New("tempo: invalid bpm")

// Marker sets the tempo from Column onward.
type Marker struct {
	Column int     `yaml:"column"`
	Bpm    float64 `yaml:"bpm"`
}

// Source is an external tempo master, such as a shared clock server.
// ok is false while the master is inactive.
type Source interface {
	Bpm() (bpm float64, ok bool)
}

// Map is an ordered set of tempo markers. The first marker is always at column 0.
type Map struct {
	markers []Marker
	scratch []Segment
}

// NewMap returns a map holding a single marker at column 0.
func NewMap(bpm float64) *Map {
	return &Map{markers: []Marker{{Column: 0, Bpm: bpm}}}
}

// ValidateBpm rejects tempos that would make tick size undefined or absurd.
func ValidateBpm(bpm float64) error {
	if bpm < MinBpm || bpm > MaxBpm {
		return fmt.Errorf("%w: %.3f not in [%.0f, %.0f]", ErrInvalidBpm, bpm, MinBpm, MaxBpm)
	}
	return nil
}

// Add inserts a marker or replaces the marker already at column.
func (m *Map) Add(column int, bpm float64) error {
	if column < 0 {
		return fmt.Errorf("tempo: negative column %d", column)
	}
	if err := ValidateBpm(bpm); err != nil {
		return err
	}
	i := sort.Search(len(m.markers), func(i int) bool { return m.markers[i].Column >= column })
	if i < len(m.markers) && m.markers[i].Column == column {
		m.markers[i].Bpm = bpm
		return nil
	}
	m.markers = append(m.markers, Marker{})
	copy(m.markers[i+1:], m.markers[i:])
	m.markers[i] = Marker{Column: column, Bpm: bpm}
	return nil
}

// Remove deletes the marker at column. The column 0 marker can only be changed, not removed.
func (m *Map) Remove(column int) bool {
	if column == 0 {
		return false
	}
	for i, mk := range m.markers {
		if mk.Column == column {
			m.markers = append(m.markers[:i], m.markers[i+1:]...)
			return true
		}
	}
	return false
}

// Reset replaces all markers. A missing column 0 marker is filled with bpm.
func (m *Map) Reset(bpm float64, markers []Marker) error {
	if err := ValidateBpm(bpm); err != nil {
		return err
	}
	m.markers = m.markers[:0]
	m.markers = append(m.markers, Marker{Column: 0, Bpm: bpm})
	for _, mk := range markers {
		if err := m.Add(mk.Column, mk.Bpm); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) Markers() []Marker {
	out := make([]Marker, len(m.markers))
	copy(out, m.markers)
	return out
}

func (m *Map) Len() int { return len(m.markers) }

// BpmAtColumn returns the bpm of the last marker at or before column.
func (m *Map) BpmAtColumn(column int) float64 {
	bpm := m.markers[0].Bpm
	for _, mk := range m.markers {
		if mk.Column > column {
			break
		}
		bpm = mk.Bpm
	}
	return bpm
}

// ComputeTickSize returns the number of frames per tick. Callers must not pass bpm <= 0.
func ComputeTickSize(sampleRate int, bpm float64, resolution int) float64 {
	return float64(sampleRate) * 60.0 / bpm / float64(resolution)
}

// Resolver decides which tempo is in effect at a column.
type Resolver struct {
	Map             *Map
	Source          Source
	TimelineEnabled bool
}

// ExternalActive reports whether an external master currently dictates tempo.
func (r *Resolver) ExternalActive() bool {
	if r.Source == nil {
		return false
	}
	_, ok := r.Source.Bpm()
	return ok
}

// MapDriven reports whether the tempo map is the tempo authority. Only
// song mode follows the map.
func (r *Resolver) MapDriven(songMode bool) bool {
	return songMode && r.TimelineEnabled && r.Map != nil && !r.ExternalActive()
}

// BpmAtColumn resolves the tempo at column. An active external master wins,
// then the map (song mode with the timeline enabled), then fallback, which is
// the externally requested tempo. A negative column keeps fallback.
func (r *Resolver) BpmAtColumn(column int, fallback float64, songMode bool) float64 {
	if r.Source != nil {
		if bpm, ok := r.Source.Bpm(); ok && bpm > 0 {
			return bpm
		}
	}
	if column >= 0 && r.MapDriven(songMode) {
		return r.Map.BpmAtColumn(column)
	}
	return fallback
}
