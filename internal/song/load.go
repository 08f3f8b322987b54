package song

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cbegin/drumseq-go/internal/tempo"
)

type fileSong struct {
	Name               string           `yaml:"name"`
	Bpm                float64          `yaml:"bpm"`
	Resolution         int              `yaml:"resolution"`
	Loop               bool             `yaml:"loop"`
	Mode               string           `yaml:"mode"`
	Swing              float64          `yaml:"swing"`
	HumanizeTime       float64          `yaml:"humanizeTime"`
	HumanizeVelocity   float64          `yaml:"humanizeVelocity"`
	Timeline           bool             `yaml:"timeline"`
	Tempo              []tempo.Marker   `yaml:"tempo"`
	Instruments        []fileInstrument `yaml:"instruments"`
	Patterns           []filePattern    `yaml:"patterns"`
	Columns            [][]string       `yaml:"columns"`
	VelocityAutomation []Point          `yaml:"velocityAutomation"`
}

type fileInstrument struct {
	ID          int      `yaml:"id"`
	Name        string   `yaml:"name"`
	StopNotes   bool     `yaml:"stopNotes"`
	PitchOffset float64  `yaml:"pitchOffset"`
	RandomPitch float64  `yaml:"randomPitch"`
	Gain        *float64 `yaml:"gain"`
	Muted       bool     `yaml:"muted"`
}

type filePattern struct {
	Name    string     `yaml:"name"`
	Length  int        `yaml:"length"`
	Virtual []string   `yaml:"virtual"`
	Notes   []fileNote `yaml:"notes"`
}

type fileNote struct {
	Instrument  string   `yaml:"instrument"`
	Position    int      `yaml:"position"`
	Every       int      `yaml:"every"`
	Velocity    *float64 `yaml:"velocity"`
	Pan         float64  `yaml:"pan"`
	Length      *int     `yaml:"length"`
	Pitch       float64  `yaml:"pitch"`
	LeadLag     float64  `yaml:"leadLag"`
	Probability *float64 `yaml:"probability"`
	NoteOff     bool     `yaml:"noteOff"`
}

// LoadFile reads a YAML arrangement from path.
func LoadFile(path string) (*Song, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Load decodes a YAML arrangement. Notes reference instruments by name and
// columns reference patterns by name.
func Load(r io.Reader) (*Song, error) {
	var fs fileSong
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fs); err != nil {
		return nil, fmt.Errorf("decode arrangement: %w", err)
	}
	if fs.Bpm == 0 {
		fs.Bpm = 120
	}
	if fs.Resolution == 0 {
		fs.Resolution = 48
	}

	s := New(fs.Name, fs.Bpm, fs.Resolution)
	s.Loop = fs.Loop
	s.Swing = fs.Swing
	s.HumanizeTime = fs.HumanizeTime
	s.HumanizeVelocity = fs.HumanizeVelocity
	s.Timeline = fs.Timeline
	s.Tempo = fs.Tempo
	switch strings.ToLower(fs.Mode) {
	case "", "song":
		s.Mode = ModeSong
	case "pattern":
		s.Mode = ModePattern
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidSong, fs.Mode)
	}
	for _, p := range fs.VelocityAutomation {
		s.VelocityAutomation.Add(p.X, p.Y)
	}

	byName := make(map[string]*Instrument, len(fs.Instruments))
	for _, fi := range fs.Instruments {
		gain := 1.0
		if fi.Gain != nil {
			gain = *fi.Gain
		}
		inst := s.AddInstrument(&Instrument{
			ID:                fi.ID,
			Name:              fi.Name,
			StopNotes:         fi.StopNotes,
			PitchOffset:       fi.PitchOffset,
			RandomPitchFactor: fi.RandomPitch,
			Gain:              gain,
			Muted:             fi.Muted,
		})
		byName[fi.Name] = inst
	}

	for _, fp := range fs.Patterns {
		p := s.AddPattern(NewPattern(fp.Name, fp.Length))
		for _, fn := range fp.Notes {
			inst, ok := byName[fn.Instrument]
			if !ok {
				return nil, fmt.Errorf("%w: pattern %q: unknown instrument %q", ErrInvalidSong, fp.Name, fn.Instrument)
			}
			step := fn.Every
			if step <= 0 {
				step = p.Length
			}
			for pos := fn.Position; pos < p.Length; pos += step {
				p.AddNote(fn.note(inst, pos))
			}
		}
	}
	for _, fp := range fs.Patterns {
		p := s.FindPattern(fp.Name)
		for _, name := range fp.Virtual {
			v := s.FindPattern(name)
			if v == nil {
				return nil, fmt.Errorf("%w: pattern %q: unknown virtual pattern %q", ErrInvalidSong, fp.Name, name)
			}
			p.AddVirtual(v)
		}
	}

	for i, names := range fs.Columns {
		group := make([]*Pattern, 0, len(names))
		for _, name := range names {
			p := s.FindPattern(name)
			if p == nil {
				return nil, fmt.Errorf("%w: column %d: unknown pattern %q", ErrInvalidSong, i, name)
			}
			group = append(group, p)
		}
		s.AddColumn(group...)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.Reindex()
	return s, nil
}

func (fn fileNote) note(inst *Instrument, pos int) *Note {
	n := NewNote(inst, pos, 0.8)
	if fn.Velocity != nil {
		n.Velocity = *fn.Velocity
	}
	if fn.Length != nil {
		n.Length = *fn.Length
	}
	if fn.Probability != nil {
		n.Probability = *fn.Probability
	}
	n.Pan = fn.Pan
	n.Pitch = fn.Pitch
	n.LeadLag = fn.LeadLag
	n.NoteOff = fn.NoteOff
	return n
}
