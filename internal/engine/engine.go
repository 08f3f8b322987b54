// Package engine ties transport, scheduler, renderer and audio driver
// together: the lifecycle state machine, the engine lock and the per-buffer
// process callback.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cbegin/drumseq-go/internal/audio"
	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/scheduler"
	"github.com/cbegin/drumseq-go/internal/song"
	"github.com/cbegin/drumseq-go/internal/tempo"
	"github.com/cbegin/drumseq-go/internal/transport"
)

// RenderContext describes the buffer a renderer is asked to produce.
type RenderContext struct {
	Frame      int64
	SampleRate int
	Playing    bool
	Bpm        float64
	TickSize   float64
}

// Renderer consumes scheduled notes and produces audio. Both methods are
// called from the audio callback only.
type Renderer interface {
	NoteOn(n *scheduler.Note)
	Process(nFrames int, ctx RenderContext) (l, r []float32)
}

type silentRenderer struct{}

func (silentRenderer) NoteOn(*scheduler.Note) {}

func (silentRenderer) Process(int, RenderContext) ([]float32, []float32) { return nil, nil }

type Config struct {
	Logger      *zap.Logger
	Sink        notify.Sink
	Renderer    Renderer
	TempoSource tempo.Source
	// Seed for humanization; 0 seeds from the clock.
	Seed        uint64
	IngressSize int
}

// Engine owns the single transport and playback queue. Non-realtime callers
// block on the engine lock; the audio callback waits at most for what is
// left of its buffer budget.
type Engine struct {
	mu        *semaphore.Weighted
	state     atomic.Int32
	nextState atomic.Int32

	log      *zap.Logger
	sink     notify.Sink
	renderer Renderer
	seed     uint64
	ingress  int

	driver    audio.Driver
	song      *song.Song
	tempoMap  *tempo.Map
	resolver  *tempo.Resolver
	transport *transport.Transport
	sched     *scheduler.Scheduler
	playing   *song.PatternList
	next      *song.PatternList

	metronomeEnabled bool
	metronomeVolume  float64
	tap              tapper

	// audio thread only
	realtimeFrame int64
	lastProcess   time.Duration

	maxProcess   atomic.Int64
	lastDuration atomic.Int64
	xruns        atomic.Uint64
	lockTimeouts atomic.Uint64
	peakL, peakR peak
}

func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = notify.Nop{}
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = silentRenderer{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	e := &Engine{
		mu:              semaphore.NewWeighted(1),
		log:             log.Named("engine"),
		sink:            sink,
		renderer:        renderer,
		seed:            seed,
		ingress:         cfg.IngressSize,
		tempoMap:        tempo.NewMap(120),
		playing:         song.NewPatternList(),
		next:            song.NewPatternList(),
		metronomeVolume: 0.5,
	}
	e.resolver = &tempo.Resolver{Map: e.tempoMap, Source: cfg.TempoSource}
	e.setState(StateInitialized)
	e.nextState.Store(int32(StateReady))
	return e
}

func (e *Engine) lock() {
	// Acquire only fails on a cancelled context.
	_ = e.mu.Acquire(context.Background(), 1)
}

func (e *Engine) unlock() { e.mu.Release(1) }

// tryLock waits at most budget for the engine lock.
func (e *Engine) tryLock(budget time.Duration) bool {
	if e.mu.TryAcquire(1) {
		return true
	}
	if budget <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	return e.mu.Acquire(ctx, 1) == nil
}

func (e *Engine) State() State { return State(e.state.Load()) }

// setState is called with the lock held, or before the engine is shared.
func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) == s {
		return
	}
	e.sink.Notify(notify.Event{Kind: notify.KindState, Value: int(s)})
}

// TransportActive lets the transport evaluate tempo only in Ready and Playing.
func (e *Engine) TransportActive() bool {
	s := e.State()
	return s == StateReady || s == StatePlaying
}

func (e *Engine) Driver() audio.Driver { return e.driver }

// AttachDriver initializes and connects d. When d fails to connect the null
// driver takes its place so the engine keeps a consistent clock.
func (e *Engine) AttachDriver(d audio.Driver, bufferSize int) error {
	e.lock()
	if e.State() != StateInitialized {
		e.unlock()
		return e.wrongState("attach driver", StateInitialized)
	}
	if err := d.Init(bufferSize, e.callback(d)); err != nil {
		e.unlock()
		return fmt.Errorf("engine: init driver: %w", err)
	}
	e.driver = d
	e.transport = transport.New(transport.Config{
		SampleRate: d.SampleRate(),
		Resolver:   e.resolver,
		Playing:    e.playing,
		Gate:       e,
		Sink:       e.sink,
		Logger:     e.log,
	})
	e.sched = scheduler.New(scheduler.Config{
		Transport:   e.transport,
		Playing:     e.playing,
		Next:        e.next,
		Sink:        e.sink,
		Logger:      e.log,
		Rand:        scheduler.NewRand(e.seed),
		IngressSize: e.ingress,
	})
	e.sched.SetMetronome(e.metronomeEnabled, e.metronomeVolume)
	e.realtimeFrame = 0
	e.lastProcess = 0
	e.setState(StatePrepared)
	e.unlock()

	if err := d.Connect(); err != nil {
		e.log.Error("driver failed to connect, using null driver",
			zap.Stringer("kind", d.Kind()), zap.Error(err))
		null := audio.NewNullDriver(audio.Options{SampleRate: d.SampleRate(), Logger: e.log})
		if err := null.Init(bufferSize, e.callback(null)); err != nil {
			return err
		}
		_ = null.Connect()
		e.lock()
		e.driver = null
		e.unlock()
	}
	e.log.Info("driver attached",
		zap.Stringer("kind", e.driver.Kind()),
		zap.Int("sampleRate", e.driver.SampleRate()),
		zap.Int("bufferSize", e.driver.BufferSize()))
	return nil
}

// DetachDriver stops playback and disconnects the driver. The song stays
// loaded but the engine falls back to Initialized.
func (e *Engine) DetachDriver() error {
	e.lock()
	s := e.State()
	if s != StatePrepared && s != StateReady && s != StatePlaying {
		e.unlock()
		return e.wrongState("detach driver", StatePrepared, StateReady, StatePlaying)
	}
	d := e.driver
	e.sched.Clear()
	e.nextState.Store(int32(StateReady))
	e.setState(StateInitialized)
	e.unlock()

	// the callback may be waiting for the lock; disconnect without it
	err := d.Disconnect()
	e.lock()
	e.driver = nil
	e.unlock()
	if err != nil {
		return fmt.Errorf("engine: disconnect driver: %w", err)
	}
	return nil
}

// SetSong makes s the song to play and rewinds to its start.
func (e *Engine) SetSong(s *song.Song) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.lock()
	defer e.unlock()
	if e.State() != StatePrepared {
		return e.wrongState("set song", StatePrepared)
	}
	if err := e.tempoMap.Reset(s.Bpm, s.Tempo); err != nil {
		return err
	}
	s.Reindex()
	e.song = s
	e.resolver.TimelineEnabled = s.Timeline
	e.playing.Clear()
	e.next.Clear()
	if s.Mode == song.ModePattern && len(s.Patterns) > 0 {
		e.playing.AddFlattened(s.Patterns[0])
	}
	e.sched.Clear()
	e.transport.SetSong(s)
	e.nextState.Store(int32(StateReady))
	e.setState(StateReady)
	e.transport.Locate(0)
	e.log.Info("song set",
		zap.String("name", s.Name),
		zap.Int("columns", len(s.Columns)),
		zap.Int64("ticks", s.LengthInTicks()))
	return nil
}

// RemoveSong stops playback and unloads the song.
func (e *Engine) RemoveSong() error {
	e.lock()
	defer e.unlock()
	if s := e.State(); s != StateReady && s != StatePlaying {
		return e.wrongState("remove song", StateReady, StatePlaying)
	}
	e.sched.Clear()
	e.transport.SetSong(nil)
	e.song = nil
	e.playing.Clear()
	e.next.Clear()
	e.nextState.Store(int32(StateReady))
	e.setState(StatePrepared)
	return nil
}

func (e *Engine) Song() *song.Song {
	e.lock()
	defer e.unlock()
	return e.song
}

// Close tears the engine down. It is safe to call more than once.
func (e *Engine) Close() error {
	var err error
	switch e.State() {
	case StateUninitialized:
		return nil
	case StatePrepared, StateReady, StatePlaying:
		err = e.DetachDriver()
	}
	e.lock()
	e.song = nil
	e.setState(StateUninitialized)
	e.unlock()
	return err
}

// Play requests playback; the audio callback starts the transport at the
// top of its next buffer.
func (e *Engine) Play() error {
	if s := e.State(); s != StateReady && s != StatePlaying {
		return e.wrongState("play", StateReady, StatePlaying)
	}
	e.nextState.Store(int32(StatePlaying))
	return nil
}

func (e *Engine) Stop() error {
	if s := e.State(); s != StateReady && s != StatePlaying {
		return e.wrongState("stop", StateReady, StatePlaying)
	}
	e.nextState.Store(int32(StateReady))
	return nil
}

// Playing reports whether playback is running or requested.
func (e *Engine) Playing() bool {
	return State(e.nextState.Load()) == StatePlaying
}

func (e *Engine) readyLocked(op string) error {
	if s := e.State(); s != StateReady && s != StatePlaying {
		return e.wrongState(op, StateReady, StatePlaying)
	}
	return nil
}

// Locate moves the transport to tick and drops everything already queued.
func (e *Engine) Locate(tick int64) error {
	e.lock()
	defer e.unlock()
	if err := e.readyLocked("locate"); err != nil {
		return err
	}
	e.locateLocked(tick)
	return nil
}

func (e *Engine) locateLocked(tick int64) {
	e.sched.Reset()
	e.transport.Locate(tick)
	e.realtimeFrame = e.transport.Frame()
	e.sink.Notify(notify.Event{Kind: notify.KindRelocation, Value: int(e.transport.Tick())})
}

// LocateToColumn moves to the first tick of column.
func (e *Engine) LocateToColumn(column int) error {
	e.lock()
	defer e.unlock()
	if err := e.readyLocked("locate to column"); err != nil {
		return err
	}
	tick := e.song.TickForColumn(column, e.transport.Loop())
	if tick < 0 {
		e.log.Error("column out of range", zap.Int("column", column), zap.Int("columns", len(e.song.Columns)))
		return fmt.Errorf("engine: column %d out of range", column)
	}
	e.locateLocked(tick)
	return nil
}

// LocateToFrame moves to frame, deriving the tick from the tempo map.
func (e *Engine) LocateToFrame(frame int64) error {
	e.lock()
	defer e.unlock()
	if err := e.readyLocked("locate to frame"); err != nil {
		return err
	}
	e.sched.Reset()
	e.transport.LocateToFrame(frame)
	e.realtimeFrame = e.transport.Frame()
	e.sink.Notify(notify.Event{Kind: notify.KindRelocation, Value: int(e.transport.Tick())})
	return nil
}

// SetNextBpm requests a tempo for when neither the timeline nor an external
// master drives it.
func (e *Engine) SetNextBpm(bpm float64) error {
	if err := tempo.ValidateBpm(bpm); err != nil {
		return err
	}
	e.lock()
	defer e.unlock()
	if e.transport == nil {
		return e.wrongState("set bpm", StatePrepared, StateReady, StatePlaying)
	}
	e.transport.SetNextBpm(bpm)
	return nil
}

// NoteOn queues a realtime note. It never blocks.
func (e *Engine) NoteOn(n scheduler.IngressNote) error {
	if s := e.State(); s != StateReady && s != StatePlaying {
		return e.wrongState("note on", StateReady, StatePlaying)
	}
	if !e.sched.Ingress().Push(n) {
		return ErrIngressFull
	}
	return nil
}

// ToggleNextPattern adds or removes a pattern from the set that replaces
// the playing one at the next pattern boundary in pattern mode.
func (e *Engine) ToggleNextPattern(index int) error {
	e.lock()
	defer e.unlock()
	if err := e.readyLocked("toggle next pattern"); err != nil {
		return err
	}
	if index < 0 || index >= len(e.song.Patterns) {
		return fmt.Errorf("engine: pattern %d out of range", index)
	}
	e.next.Toggle(e.song.Patterns[index])
	return nil
}

func (e *Engine) SetMode(mode song.Mode) error {
	e.lock()
	defer e.unlock()
	if err := e.readyLocked("set mode"); err != nil {
		return err
	}
	if mode == e.transport.Mode() {
		return nil
	}
	e.playing.Clear()
	e.next.Clear()
	if mode == song.ModePattern && len(e.song.Patterns) > 0 {
		e.playing.AddFlattened(e.song.Patterns[0])
	}
	e.transport.SetMode(mode)
	e.locateLocked(e.transport.Tick())
	return nil
}

func (e *Engine) SetLoop(loop bool) error {
	e.lock()
	defer e.unlock()
	if err := e.readyLocked("set loop"); err != nil {
		return err
	}
	e.transport.SetLoop(loop)
	return nil
}

// AddTempoMarker sets the tempo from column on and relocates to the
// current tick so frames agree with the new map.
func (e *Engine) AddTempoMarker(column int, bpm float64) error {
	e.lock()
	defer e.unlock()
	if err := e.readyLocked("add tempo marker"); err != nil {
		return err
	}
	if err := e.tempoMap.Add(column, bpm); err != nil {
		return err
	}
	e.locateLocked(e.transport.Tick())
	return nil
}

func (e *Engine) RemoveTempoMarker(column int) error {
	e.lock()
	defer e.unlock()
	if err := e.readyLocked("remove tempo marker"); err != nil {
		return err
	}
	if !e.tempoMap.Remove(column) {
		return fmt.Errorf("engine: no removable tempo marker at column %d", column)
	}
	e.locateLocked(e.transport.Tick())
	return nil
}

func (e *Engine) SetTimelineEnabled(enabled bool) error {
	e.lock()
	defer e.unlock()
	if err := e.readyLocked("set timeline"); err != nil {
		return err
	}
	e.resolver.TimelineEnabled = enabled
	e.locateLocked(e.transport.Tick())
	return nil
}

func (e *Engine) TempoMarkers() []tempo.Marker {
	e.lock()
	defer e.unlock()
	return e.tempoMap.Markers()
}

func (e *Engine) SetMetronome(enabled bool, volume float64) {
	e.lock()
	defer e.unlock()
	e.metronomeEnabled = enabled
	e.metronomeVolume = volume
	if e.sched != nil {
		e.sched.SetMetronome(enabled, volume)
	}
}

// Snapshot is a consistent copy of the engine position and counters.
type Snapshot struct {
	transport.Position
	State        State         `json:"state"`
	Playing      bool          `json:"playing"`
	Mode         string        `json:"mode"`
	Loop         bool          `json:"loop"`
	ElapsedTime  float64       `json:"elapsedTime"`
	Queued       int           `json:"queued"`
	Xruns        uint64        `json:"xruns"`
	LockTimeouts uint64        `json:"lockTimeouts"`
	LastProcess  time.Duration `json:"lastProcess"`
	MaxProcess   time.Duration `json:"maxProcess"`
}

func (e *Engine) Snapshot() Snapshot {
	e.lock()
	defer e.unlock()
	s := Snapshot{
		State:        e.State(),
		Playing:      e.State() == StatePlaying,
		Xruns:        e.xruns.Load(),
		LockTimeouts: e.lockTimeouts.Load(),
		LastProcess:  time.Duration(e.lastDuration.Load()),
		MaxProcess:   time.Duration(e.maxProcess.Load()),
	}
	if e.transport != nil {
		s.Position = e.transport.Position()
		s.Mode = e.transport.Mode().String()
		s.Loop = e.transport.Loop()
		s.ElapsedTime = e.transport.ElapsedTime()
		s.Queued = e.sched.Queue().Len()
	}
	return s
}

// Peaks returns the levels since the previous call and resets them.
func (e *Engine) Peaks() Peaks {
	p := Peaks{L: e.peakL.take(), R: e.peakR.take()}
	if m, ok := e.renderer.(BusMeter); ok {
		p.Buses = m.TakeBusPeaks()
	}
	return p
}

// Xruns counts buffers that took longer than their real-time budget.
func (e *Engine) Xruns() uint64 { return e.xruns.Load() }
