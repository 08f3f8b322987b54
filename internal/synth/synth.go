// Package synth is a small drum-voice renderer: pulse, triangle and noise
// voices with a percussive envelope, good enough to audition arrangements
// without a sample library.
package synth

import (
	"math"
	"sync/atomic"

	"github.com/cbegin/drumseq-go/internal/engine"
	"github.com/cbegin/drumseq-go/internal/scheduler"
	"github.com/cbegin/drumseq-go/internal/song"
)

const twoPi = math.Pi * 2

type Params struct {
	Voices      int
	MasterGain  float64
	AttackSec   float64
	ReleaseSec  float64
	VelocityAmp float64
	LPFCutoff   float64 // lowpass filter cutoff in Hz (0 = disabled)
	// Room reverb fed by per-bus sends; RoomMix 0 disables it.
	RoomSize  float64
	RoomDecay float64
	RoomMix   float64
	// Glue compressor on the master; a ratio <= 1 disables it.
	GlueThresholdDB float64
	GlueRatio       float64
}

func DefaultParams() Params {
	return Params{
		Voices:      24,
		MasterGain:  0.6,
		AttackSec:   0.001,
		ReleaseSec:  0.02,
		VelocityAmp: 0.9,
		LPFCutoff:   16000,

		RoomSize:        0.4,
		RoomDecay:       0.7,
		RoomMix:         0.6,
		GlueThresholdDB: -12,
		GlueRatio:       2.5,
	}
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envRelease
	envOff
)

type voice struct {
	active    bool
	inst      *song.Instrument
	patch     Patch
	age       int
	freq      float64
	sweep     float64 // per-frame frequency factor
	phase     float64
	level     float64
	env       float64
	envState  envState
	decayMul  float64
	left      float64
	right     float64
	noiseLFSR uint16
	// frames until the note length runs out, -1 for none
	remaining int
}

type pending struct {
	note  *scheduler.Note
	frame int64
}

// Engine implements engine.Renderer and engine.BusMeter.
type Engine struct {
	sampleRate float64
	params     Params
	voices     []voice
	pending    []pending
	masterGain atomic.Uint64

	l, r       []float32
	dcPrevInL  float64
	dcPrevOutL float64
	dcPrevInR  float64
	dcPrevOutR float64
	lpfL       float64
	lpfR       float64
	lpfAlpha   float64
	room       *room
	glue       *glue

	busPeaks [numBuses][2]atomic.Uint32
}

func New(sampleRate int, params Params) *Engine {
	if params.Voices <= 0 {
		params.Voices = 24
	}
	e := &Engine{
		sampleRate: float64(sampleRate),
		params:     params,
		voices:     make([]voice, params.Voices),
		pending:    make([]pending, 0, 64),
	}
	e.masterGain.Store(math.Float64bits(params.MasterGain))
	for i := range e.voices {
		e.voices[i].noiseLFSR = uint16(0xACE1 + i*97)
	}
	if params.LPFCutoff > 0 && params.LPFCutoff < float64(sampleRate)/2 {
		rc := 1.0 / (twoPi * params.LPFCutoff)
		dt := 1.0 / float64(sampleRate)
		e.lpfAlpha = dt / (rc + dt)
	}
	if params.RoomMix > 0 {
		e.room = newRoom(float64(sampleRate), params.RoomSize, params.RoomDecay)
	}
	if params.GlueRatio > 1 {
		e.glue = newGlue(float64(sampleRate), params.GlueThresholdDB, params.GlueRatio, 10, 120)
	}
	return e
}

// NoteOn queues n; it starts sounding at n.Due() within a later Process call.
func (e *Engine) NoteOn(n *scheduler.Note) {
	e.pending = append(e.pending, pending{note: n, frame: n.Due()})
}

func (e *Engine) Process(nFrames int, ctx engine.RenderContext) ([]float32, []float32) {
	if cap(e.l) < nFrames {
		e.l = make([]float32, nFrames)
		e.r = make([]float32, nFrames)
	}
	l, r := e.l[:nFrames], e.r[:nFrames]
	var peaks [numBuses][2]float64

	for i := 0; i < nFrames; i++ {
		e.startDue(ctx.Frame+int64(i), ctx.TickSize)
		var sl, sr, send float64
		for j := range e.voices {
			v := &e.voices[j]
			if !v.active {
				continue
			}
			s := e.renderVoice(v)
			if !v.active && s == 0 {
				continue
			}
			vl, vr := s*v.left, s*v.right
			sl += vl
			sr += vr
			b := v.patch.Bus
			send += (vl + vr) * 0.5 * roomSend[b]
			peaks[b][0] = math.Max(peaks[b][0], math.Abs(vl))
			peaks[b][1] = math.Max(peaks[b][1], math.Abs(vr))
		}
		if e.room != nil {
			wet := e.room.process(send) * e.params.RoomMix
			sl += wet
			sr += wet
		}
		g := e.masterGainValue()
		if e.glue != nil {
			g *= e.glue.gain(sl, sr)
		}
		sl = e.dcBlockL(sl * g)
		sr = e.dcBlockR(sr * g)
		if e.lpfAlpha > 0 {
			e.lpfL += e.lpfAlpha * (sl - e.lpfL)
			e.lpfR += e.lpfAlpha * (sr - e.lpfR)
			sl, sr = e.lpfL, e.lpfR
		}
		l[i] = float32(clamp(sl, -1, 1))
		r[i] = float32(clamp(sr, -1, 1))
	}
	for b := range peaks {
		raise(&e.busPeaks[b][0], float32(peaks[b][0]))
		raise(&e.busPeaks[b][1], float32(peaks[b][1]))
	}
	return l, r
}

// startDue starts or releases every pending note due at or before frame.
func (e *Engine) startDue(frame int64, tickSize float64) {
	if len(e.pending) == 0 {
		return
	}
	kept := e.pending[:0]
	for _, p := range e.pending {
		if p.frame > frame {
			kept = append(kept, p)
			continue
		}
		if p.note.NoteOff {
			e.release(p.note.Instrument)
		} else {
			e.start(p.note, tickSize)
		}
	}
	for i := len(kept); i < len(e.pending); i++ {
		e.pending[i] = pending{}
	}
	e.pending = kept
}

func (e *Engine) start(n *scheduler.Note, tickSize float64) {
	v := &e.voices[e.stealVoice()]
	patch := PatchFor(n.Instrument)
	note := patch.Note + n.Pitch
	if n.Metronome && n.Pitch > 0 {
		note = patch.Note + 12
	}
	gain := 1.0
	if n.Instrument != nil && n.Instrument.Gain > 0 {
		gain = n.Instrument.Gain
	}
	pan := clamp(n.Pan, -1, 1)
	angle := (pan + 1) / 2 * (math.Pi / 2)

	*v = voice{
		active:    true,
		inst:      n.Instrument,
		patch:     patch,
		freq:      midiToFreq(note),
		level:     gain * (0.1 + clamp(n.Velocity, 0, 1)*e.params.VelocityAmp),
		envState:  envAttack,
		left:      math.Cos(angle),
		right:     math.Sin(angle),
		noiseLFSR: v.noiseLFSR,
		remaining: -1,
	}
	if v.noiseLFSR == 0 {
		v.noiseLFSR = 0xACE1
	}
	decayFrames := math.Max(patch.Decay*e.sampleRate, 1)
	// exponential decay to -60 dB over the patch decay
	v.decayMul = math.Pow(0.001, 1/decayFrames)
	v.sweep = 1
	if patch.Sweep > 0 {
		v.sweep = math.Pow(2, -patch.Sweep/12/decayFrames)
	}
	if n.Length > 0 && tickSize > 0 {
		v.remaining = int(float64(n.Length) * tickSize)
	}
}

// release moves every voice of inst into its release stage.
func (e *Engine) release(inst *song.Instrument) {
	for i := range e.voices {
		v := &e.voices[i]
		if v.active && v.inst == inst && v.envState != envRelease {
			v.envState = envRelease
		}
	}
}

func (e *Engine) renderVoice(v *voice) float64 {
	v.age++
	if v.remaining > 0 {
		v.remaining--
		if v.remaining == 0 && v.envState != envRelease {
			v.envState = envRelease
		}
	}
	env := e.advanceEnv(v)
	if !v.active {
		return 0
	}
	s := e.renderWave(v)
	v.freq *= v.sweep
	return s * env * v.level
}

func (e *Engine) advanceEnv(v *voice) float64 {
	switch v.envState {
	case envAttack:
		step := 1.0 / (e.params.AttackSec * e.sampleRate)
		if step <= 0 || math.IsInf(step, 0) {
			step = 1
		}
		v.env += step
		if v.env >= 1 {
			v.env = 1
			v.envState = envDecay
		}
	case envDecay:
		v.env *= v.decayMul
		if v.env <= 0.001 {
			v.env = 0
			v.envState = envOff
			v.active = false
		}
	case envRelease:
		step := 1.0 / (e.params.ReleaseSec * e.sampleRate)
		if step <= 0 || math.IsInf(step, 0) {
			step = 1
		}
		v.env -= step
		if v.env <= 0.0001 {
			v.env = 0
			v.envState = envOff
			v.active = false
		}
	case envOff:
		v.active = false
		v.env = 0
	}
	return v.env
}

// polyBLEP reduces aliasing at waveform discontinuities.
// t is the phase position [0,1), dt is the phase increment per sample.
func polyBLEP(t, dt float64) float64 {
	if t < dt {
		t /= dt
		return t + t - t*t - 1
	}
	if t > 1-dt {
		t = (t - 1) / dt
		return t*t + t + t + 1
	}
	return 0
}

func (e *Engine) renderWave(v *voice) float64 {
	dt := v.freq / e.sampleRate
	v.phase += dt
	if v.phase >= 1 {
		v.phase -= math.Floor(v.phase)
	}
	var out float64
	switch v.patch.Wave {
	case wavePulse:
		const duty = 0.25
		out = -1.0
		if v.phase < duty {
			out = 1
		}
		out += polyBLEP(v.phase, dt)
		out -= polyBLEP(math.Mod(v.phase-duty+1, 1), dt)
	case waveTriangle:
		out = 2*math.Abs(2*v.phase-1) - 1
	case waveNoise:
		return e.noise(v, dt)
	}
	if v.patch.Noise > 0 {
		out = out*(1-v.patch.Noise) + e.noise(v, dt)*v.patch.Noise
	}
	return out
}

func (e *Engine) noise(v *voice, dt float64) float64 {
	if v.phase < dt || v.patch.Wave != waveNoise {
		bit := (v.noiseLFSR ^ (v.noiseLFSR >> 1)) & 1
		v.noiseLFSR = (v.noiseLFSR >> 1) | (bit << 15)
	}
	if v.noiseLFSR&1 == 1 {
		return 1
	}
	return -1
}

func (e *Engine) stealVoice() int {
	for i := range e.voices {
		if !e.voices[i].active {
			return i
		}
	}
	// steal the oldest releasing voice, or failing that the oldest one
	oldestRelease, oldestReleaseAge := -1, -1
	oldestActive, oldestActiveAge := 0, -1
	for i := range e.voices {
		v := &e.voices[i]
		if v.envState == envRelease && v.age > oldestReleaseAge {
			oldestRelease, oldestReleaseAge = i, v.age
		}
		if v.age > oldestActiveAge {
			oldestActive, oldestActiveAge = i, v.age
		}
	}
	if oldestRelease >= 0 {
		return oldestRelease
	}
	return oldestActive
}

func (e *Engine) dcBlockL(x float64) float64 {
	const r = 0.995
	y := x - e.dcPrevInL + r*e.dcPrevOutL
	e.dcPrevInL = x
	e.dcPrevOutL = y
	return y
}

func (e *Engine) dcBlockR(x float64) float64 {
	const r = 0.995
	y := x - e.dcPrevInR + r*e.dcPrevOutR
	e.dcPrevInR = x
	e.dcPrevOutR = y
	return y
}

func midiToFreq(note float64) float64 {
	return 440 * math.Pow(2, (note-69)/12)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Engine) SetMasterGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	e.masterGain.Store(math.Float64bits(gain))
}

func (e *Engine) masterGainValue() float64 {
	return math.Float64frombits(e.masterGain.Load())
}

func (e *Engine) ActiveVoiceCount() int {
	n := 0
	for i := range e.voices {
		if e.voices[i].active {
			n++
		}
	}
	return n
}

// Pending returns the number of notes waiting for their start frame.
func (e *Engine) Pending() int { return len(e.pending) }

// TakeBusPeaks returns the per-bus levels since the last call and resets them.
func (e *Engine) TakeBusPeaks() []engine.BusPeak {
	out := make([]engine.BusPeak, numBuses)
	for b := range out {
		out[b] = engine.BusPeak{
			Name: Bus(b).String(),
			L:    math.Float32frombits(e.busPeaks[b][0].Swap(0)),
			R:    math.Float32frombits(e.busPeaks[b][1].Swap(0)),
		}
	}
	return out
}

func raise(p *atomic.Uint32, v float32) {
	for {
		old := p.Load()
		if v <= math.Float32frombits(old) {
			return
		}
		if p.CompareAndSwap(old, math.Float32bits(v)) {
			return
		}
	}
}
