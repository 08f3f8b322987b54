package synth

import (
	"strings"

	"github.com/cbegin/drumseq-go/internal/scheduler"
	"github.com/cbegin/drumseq-go/internal/song"
)

type waveType int

const (
	wavePulse waveType = iota
	waveTriangle
	waveNoise
)

// Bus groups voices for metering.
type Bus int

const (
	BusKick Bus = iota
	BusSnare
	BusHat
	BusTom
	BusPerc
	BusClick
	numBuses
)

var busNames = [numBuses]string{"kick", "snare", "hat", "tom", "perc", "click"}

func (b Bus) String() string {
	if b < 0 || b >= numBuses {
		return "unknown"
	}
	return busNames[b]
}

// Patch describes how one instrument sounds.
type Patch struct {
	Bus   Bus
	Wave  waveType
	Note  float64 // MIDI note number
	Decay float64 // seconds from peak to silence
	// Sweep drops the pitch by that many semitones over the decay.
	Sweep float64
	// Noise mixes a noise layer into tonal waves, 0..1.
	Noise float64
}

var patches = map[string]Patch{
	"kick":  {Bus: BusKick, Wave: waveTriangle, Note: 40, Decay: 0.35, Sweep: 24},
	"snare": {Bus: BusSnare, Wave: waveTriangle, Note: 52, Decay: 0.18, Noise: 0.7},
	"clap":  {Bus: BusSnare, Wave: waveNoise, Note: 90, Decay: 0.12},
	"hat":   {Bus: BusHat, Wave: waveNoise, Note: 110, Decay: 0.05},
	"open":  {Bus: BusHat, Wave: waveNoise, Note: 110, Decay: 0.3},
	"tom":   {Bus: BusTom, Wave: waveTriangle, Note: 45, Decay: 0.25, Sweep: 7},
	"cym":   {Bus: BusHat, Wave: waveNoise, Note: 100, Decay: 0.9},
}

var defaultPatch = Patch{Bus: BusPerc, Wave: wavePulse, Note: 64, Decay: 0.15}

// clickPatch plays metronome notes; pitch 3 marks the accent.
var clickPatch = Patch{Bus: BusClick, Wave: wavePulse, Note: 84, Decay: 0.03}

// PatchFor picks a patch from the instrument name.
func PatchFor(inst *song.Instrument) Patch {
	if inst == nil {
		return defaultPatch
	}
	if inst.ID == scheduler.MetronomeInstrumentID {
		return clickPatch
	}
	name := strings.ToLower(inst.Name)
	// open hats before closed ones
	for _, key := range []string{"open", "kick", "snare", "clap", "hat", "tom", "cym"} {
		if strings.Contains(name, key) {
			return patches[key]
		}
	}
	return defaultPatch
}
