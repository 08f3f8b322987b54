// Package drumseq is a pattern-based drum sequencer: a sample-accurate
// transport with a tempo timeline, a humanizing note scheduler and a small
// drum synth, driven by a live or offline audio driver.
package drumseq

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/cbegin/drumseq-go/internal/audio"
	"github.com/cbegin/drumseq-go/internal/engine"
	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/scheduler"
	"github.com/cbegin/drumseq-go/internal/song"
	"github.com/cbegin/drumseq-go/internal/synth"
	"github.com/cbegin/drumseq-go/internal/tempo"
)

// ErrWrongState is returned when an operation is not allowed in the
// engine's current state. Nothing changes in that case.
var ErrWrongState = engine.ErrWrongState

var ErrNoSong = errors.New("drumseq: no song loaded")

type Option func(*config)

type config struct {
	driver          string
	sampleRate      int
	bufferSize      int
	output          io.WriteSeeker
	maxFrames       int64
	logger          *zap.Logger
	sink            notify.Sink
	tempoSource     tempo.Source
	renderer        engine.Renderer
	metronome       bool
	metronomeVolume float64
	seed            uint64
	ingressSize     int
}

func defaultConfig() config {
	return config{driver: "auto", sampleRate: 44100, bufferSize: 512, metronomeVolume: 0.5}
}

// WithDriver selects the audio driver by name: auto, ebiten, disk, fake or null.
func WithDriver(name string) Option {
	return func(cfg *config) {
		cfg.driver = name
	}
}

func WithSampleRate(rate int) Option {
	return func(cfg *config) {
		cfg.sampleRate = rate
	}
}

func WithBufferSize(frames int) Option {
	return func(cfg *config) {
		cfg.bufferSize = frames
	}
}

// WithOutput sets the WAV destination of the disk driver and, when
// maxFrames > 0, where it stops.
func WithOutput(w io.WriteSeeker, maxFrames int64) Option {
	return func(cfg *config) {
		cfg.output = w
		cfg.maxFrames = maxFrames
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(cfg *config) {
		cfg.logger = log
	}
}

// WithSink installs an additional event sink. It is called on the audio
// thread and must not block.
func WithSink(sink notify.Sink) Option {
	return func(cfg *config) {
		cfg.sink = sink
	}
}

// WithTempoSource follows an external tempo master.
func WithTempoSource(src tempo.Source) Option {
	return func(cfg *config) {
		cfg.tempoSource = src
	}
}

// WithRenderer replaces the built-in drum synth.
func WithRenderer(r engine.Renderer) Option {
	return func(cfg *config) {
		cfg.renderer = r
	}
}

func WithMetronome(enabled bool, volume float64) Option {
	return func(cfg *config) {
		cfg.metronome = enabled
		cfg.metronomeVolume = volume
	}
}

// WithSeed makes humanization reproducible.
func WithSeed(seed uint64) Option {
	return func(cfg *config) {
		cfg.seed = seed
	}
}

func WithIngressSize(n int) Option {
	return func(cfg *config) {
		cfg.ingressSize = n
	}
}

type masterGainSetter interface {
	SetMasterGain(gain float64)
}

type Sequencer struct {
	mu       sync.Mutex
	engine   *engine.Engine
	driver   audio.Driver
	renderer engine.Renderer
	log      *zap.Logger
	baseGain float64
	volume   float64
	done     chan struct{}

	eventCh   chan notify.Event
	eventChMu sync.Mutex
}

// New builds an engine, attaches the configured driver and returns a
// sequencer ready for Load.
func New(opts ...Option) (*Sequencer, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, errors.New("drumseq: sample rate must be positive")
	}
	log := cfg.logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sequencer{log: log, volume: 1}
	s.renderer = cfg.renderer
	if s.renderer == nil {
		params := synth.DefaultParams()
		s.renderer = synth.New(cfg.sampleRate, params)
		s.baseGain = params.MasterGain
	}
	sinks := notify.Multi{notify.SinkFunc(s.observe)}
	if cfg.sink != nil {
		sinks = append(sinks, cfg.sink)
	}
	s.engine = engine.New(engine.Config{
		Logger:      log,
		Sink:        sinks,
		Renderer:    s.renderer,
		TempoSource: cfg.tempoSource,
		Seed:        cfg.seed,
		IngressSize: cfg.ingressSize,
	})
	s.engine.SetMetronome(cfg.metronome, cfg.metronomeVolume)
	d, err := audio.New(cfg.driver, audio.Options{
		SampleRate: cfg.sampleRate,
		BufferSize: cfg.bufferSize,
		Output:     cfg.output,
		MaxFrames:  cfg.maxFrames,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	if err := s.engine.AttachDriver(d, cfg.bufferSize); err != nil {
		return nil, err
	}
	s.driver = s.engine.Driver()
	return s, nil
}

// observe runs on the audio thread for every engine event.
func (s *Sequencer) observe(ev notify.Event) {
	s.eventChMu.Lock()
	ch := s.eventCh
	s.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.Kind == notify.KindEndOfSong {
		s.signalDone()
	}
}

func (s *Sequencer) signalDone() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// Engine exposes the underlying engine for producers such as MIDI input.
func (s *Sequencer) Engine() *engine.Engine { return s.engine }

// Driver returns the attached driver, which is the null driver when the
// configured one failed to connect.
func (s *Sequencer) Driver() audio.Driver { return s.driver }

// Load replaces the current song and rewinds to its start.
func (s *Sequencer) Load(sg *song.Song) error {
	if st := s.engine.State(); st == engine.StateReady || st == engine.StatePlaying {
		if err := s.engine.RemoveSong(); err != nil {
			return err
		}
		s.signalDone()
	}
	return s.engine.SetSong(sg)
}

func (s *Sequencer) LoadFile(path string) error {
	sg, err := song.LoadFile(path)
	if err != nil {
		return err
	}
	return s.Load(sg)
}

func (s *Sequencer) Song() *song.Song { return s.engine.Song() }

func (s *Sequencer) Play() error {
	if err := s.engine.Play(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	s.mu.Unlock()
	return nil
}

func (s *Sequencer) Stop() error {
	err := s.engine.Stop()
	s.signalDone()
	return err
}

// Wait blocks until the song ends or playback is stopped. A looping song
// only ends on Stop. Wait returns immediately when nothing is playing.
func (s *Sequencer) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Watch returns a channel receiving engine events. Events are dropped
// when the channel is full; only the most recent Watch channel receives
// them.
func (s *Sequencer) Watch() <-chan notify.Event {
	ch := make(chan notify.Event, 64)
	s.eventChMu.Lock()
	s.eventCh = ch
	s.eventChMu.Unlock()
	return ch
}

func (s *Sequencer) Locate(tick int64) error         { return s.engine.Locate(tick) }
func (s *Sequencer) LocateToColumn(column int) error { return s.engine.LocateToColumn(column) }
func (s *Sequencer) LocateToFrame(frame int64) error { return s.engine.LocateToFrame(frame) }
func (s *Sequencer) SetBpm(bpm float64) error        { return s.engine.SetNextBpm(bpm) }
func (s *Sequencer) TapTempo() (float64, error)      { return s.engine.TapTempo() }
func (s *Sequencer) SetLoop(loop bool) error         { return s.engine.SetLoop(loop) }
func (s *Sequencer) SetMode(mode song.Mode) error    { return s.engine.SetMode(mode) }
func (s *Sequencer) ToggleNextPattern(i int) error   { return s.engine.ToggleNextPattern(i) }
func (s *Sequencer) Snapshot() engine.Snapshot       { return s.engine.Snapshot() }
func (s *Sequencer) Peaks() engine.Peaks             { return s.engine.Peaks() }
func (s *Sequencer) TempoMarkers() []tempo.Marker    { return s.engine.TempoMarkers() }

func (s *Sequencer) AddTempoMarker(column int, bpm float64) error {
	return s.engine.AddTempoMarker(column, bpm)
}

func (s *Sequencer) RemoveTempoMarker(column int) error { return s.engine.RemoveTempoMarker(column) }

func (s *Sequencer) SetTimelineEnabled(enabled bool) error {
	return s.engine.SetTimelineEnabled(enabled)
}

func (s *Sequencer) SetMetronome(enabled bool, volume float64) {
	s.engine.SetMetronome(enabled, volume)
}

// NoteOn plays the instrument with the given ID right away.
func (s *Sequencer) NoteOn(instrumentID int, velocity float64) error {
	sg := s.engine.Song()
	if sg == nil {
		return ErrNoSong
	}
	inst := sg.FindInstrument(instrumentID)
	if inst == nil {
		return errors.New("drumseq: unknown instrument")
	}
	return s.engine.NoteOn(scheduler.IngressNote{Instrument: inst, Velocity: velocity, Length: -1, Tick: -1})
}

// SetMasterVolume scales the built-in synth output. 1.0 is default. It has
// no effect on a custom renderer unless it has a SetMasterGain method.
func (s *Sequencer) SetMasterVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
	if g, ok := s.renderer.(masterGainSetter); ok {
		base := s.baseGain
		if base == 0 {
			base = 1
		}
		g.SetMasterGain(base * volume)
	}
}

func (s *Sequencer) MasterVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Close detaches the driver and releases any Wait.
func (s *Sequencer) Close() error {
	err := s.engine.Close()
	s.signalDone()
	return err
}
