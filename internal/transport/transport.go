// Package transport keeps the authoritative frame and tick counters and the
// column/pattern bookkeeping derived from them. All methods must be called
// with the engine lock held.
package transport

import (
	"math"

	"go.uber.org/zap"

	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/song"
	"github.com/cbegin/drumseq-go/internal/tempo"
)

// ComputeFrame converts a tick to frames at a constant tick size.
func ComputeFrame(tick int64, tickSize float64) int64 {
	return int64(math.Floor(float64(tick) * tickSize))
}

// ComputeTick converts frames to ticks at a constant tick size.
func ComputeTick(frame int64, tickSize float64) int64 {
	return int64(math.Floor(float64(frame) / tickSize))
}

// ComputeRemainingFramesInTick returns the frames left in the tick containing
// frame. frame may be fractional when measured from a tempo segment start.
// The result is clamped to [0, floor(tickSize)].
func ComputeRemainingFramesInTick(frame float64, tickSize float64) int {
	r := math.Floor(math.Floor(tickSize) - math.Mod(frame, tickSize))
	if r < 0 {
		return 0
	}
	return int(r)
}

// Gate reports whether tempo evaluation is allowed, i.e. the engine is
// Ready or Playing.
type Gate interface {
	TransportActive() bool
}

type Config struct {
	SampleRate int
	Resolver   *tempo.Resolver
	// Playing is the pattern list shared with the scheduler; pattern mode
	// measures pattern length from it.
	Playing *song.PatternList
	Gate    Gate
	Sink    notify.Sink
	Logger  *zap.Logger
}

// Position is a copy of the transport state.
type Position struct {
	Frame                 int64   `json:"frame"`
	Tick                  int64   `json:"tick"`
	TickSize              float64 `json:"tickSize"`
	Bpm                   float64 `json:"bpm"`
	NextBpm               float64 `json:"nextBpm"`
	RemainingFramesInTick int     `json:"remainingFramesInTick"`
	Column                int     `json:"column"`
	PatternStartTick      int64   `json:"patternStartTick"`
	PatternTickPosition   int64   `json:"patternTickPosition"`
	SongSizeInTicks       int64   `json:"songSizeInTicks"`
}

type Transport struct {
	sampleRate int
	resolver   *tempo.Resolver
	playing    *song.PatternList
	gate       Gate
	sink       notify.Sink
	log        *zap.Logger

	song *song.Song
	mode song.Mode
	loop bool

	frame               int64
	tick                int64
	tickSize            float64
	bpm                 float64
	nextBpm             float64
	remaining           int
	column              int
	patternStartTick    int64
	patternTickPosition int64
	songSize            int64

	// current constant-tempo region: tick = anchorTick + (frame-anchorFrame)/tickSize
	anchorTick  int64
	anchorFrame float64
	segmentEnd  int64
	mapDriven   bool
	retimed     bool
}

func New(cfg Config) *Transport {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = notify.Nop{}
	}
	playing := cfg.Playing
	if playing == nil {
		playing = song.NewPatternList()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = &tempo.Resolver{Map: tempo.NewMap(120)}
	}
	t := &Transport{
		sampleRate: cfg.SampleRate,
		resolver:   resolver,
		playing:    playing,
		gate:       cfg.Gate,
		sink:       sink,
		log:        log.Named("transport"),
		nextBpm:    120,
	}
	t.Reset()
	return t
}

// SetSong attaches s and rewinds to its start. A nil song detaches.
func (t *Transport) SetSong(s *song.Song) {
	t.song = s
	t.Reset()
	if s == nil {
		t.songSize = 0
		return
	}
	t.mode = s.Mode
	t.loop = s.Loop
	t.nextBpm = s.Bpm
	t.songSize = s.LengthInTicks()
}

// Reset zeroes the counters without touching the attached song.
func (t *Transport) Reset() {
	t.frame = 0
	t.tick = 0
	t.tickSize = 0
	t.bpm = 0
	t.remaining = 0
	t.column = -1
	t.patternStartTick = -1
	t.patternTickPosition = 0
	t.anchorTick = 0
	t.anchorFrame = 0
	t.segmentEnd = math.MaxInt64
	t.mapDriven = false
	t.retimed = false
}

func (t *Transport) valid() bool {
	if t.sampleRate <= 0 || t.song == nil || t.song.Resolution <= 0 {
		t.log.Error("transport not configured",
			zap.Int("sampleRate", t.sampleRate),
			zap.Bool("song", t.song != nil))
		return false
	}
	return true
}

func (t *Transport) active() bool {
	return t.gate == nil || t.gate.TransportActive()
}

func (t *Transport) songMode() bool { return t.mode == song.ModeSong }

func (t *Transport) isMapDriven() bool {
	return t.songSize > 0 && t.resolver.MapDriven(t.songMode())
}

func (t *Transport) resolution() int { return t.song.Resolution }

// segmentFor returns the tempo segment containing tick. Outside map-driven
// tempo the whole timeline is one segment anchored at frame 0.
func (t *Transport) segmentFor(tick int64) tempo.Segment {
	if t.mapDriven {
		return t.resolver.Map.SegmentForTick(tick, t.sampleRate, t.resolution(), t.song)
	}
	col := -1
	if t.songMode() {
		col, _ = t.song.ColumnForTick(tick, t.loop)
	}
	bpm := t.resolver.BpmAtColumn(col, t.nextBpm, t.songMode())
	return tempo.Segment{EndTick: math.MaxInt64, TickSize: tempo.ComputeTickSize(t.sampleRate, bpm, t.resolution()), Bpm: bpm}
}

func (t *Transport) applySegment(seg tempo.Segment) {
	t.anchorTick = seg.StartTick
	t.anchorFrame = seg.StartFrame
	t.segmentEnd = seg.EndTick
	t.tickSize = seg.TickSize
	t.setBpm(seg.Bpm)
}

func (t *Transport) setBpm(bpm float64) {
	if bpm == t.bpm {
		return
	}
	t.bpm = bpm
	t.sink.Notify(notify.Event{Kind: notify.KindTempoChanged, Bpm: bpm})
}

// Locate moves the transport to tick and recomputes frame through the
// tempo-aware conversion.
func (t *Transport) Locate(tick int64) {
	if !t.valid() {
		return
	}
	if tick < 0 {
		tick = 0
	}
	t.mapDriven = t.isMapDriven()
	seg := t.segmentFor(tick)
	if seg.TickSize <= 0 || math.IsInf(seg.TickSize, 0) {
		t.log.Error("invalid tick size", zap.Float64("tickSize", seg.TickSize))
		return
	}
	t.applySegment(seg)
	t.tick = tick
	t.frame = int64(math.Floor(seg.FrameAt(tick)))
	t.remaining = ComputeRemainingFramesInTick(float64(t.frame)-t.anchorFrame, t.tickSize)
	t.Update(tick, t.loop)
}

// LocateToFrame moves the transport to frame, deriving the tick from it.
func (t *Transport) LocateToFrame(frame int64) {
	if !t.valid() {
		return
	}
	if frame < 0 {
		t.log.Error("negative frame", zap.Int64("frame", frame))
		frame = 0
	}
	tick, _ := t.TickFromFrame(frame)
	t.Locate(tick)
	if frame > t.frame {
		t.frame = frame
		t.remaining = ComputeRemainingFramesInTick(float64(t.frame)-t.anchorFrame, t.tickSize)
	}
}

// Increment advances the transport by nFrames. Ticks are derived from the
// resident segment anchor, so multi-tick jumps cost the same as single ones.
// The tempo map is only walked when a marker boundary is crossed.
func (t *Transport) Increment(nFrames int) {
	if nFrames <= 0 {
		return
	}
	t.frame += int64(nFrames)
	if nFrames < t.remaining {
		t.remaining -= nFrames
		return
	}
	if t.tickSize <= 0 {
		t.log.Error("increment without tick size")
		return
	}
	rel := float64(t.frame) - t.anchorFrame
	tick := t.anchorTick + int64(math.Floor(rel/t.tickSize))
	if tick >= t.segmentEnd && t.mapDriven {
		t.resyncFromFrame()
		return
	}
	if tick < t.tick {
		tick = t.tick
	}
	t.remaining = ComputeRemainingFramesInTick(rel, t.tickSize)
	if tick != t.tick {
		t.tick = tick
		t.Update(tick, t.loop)
	}
}

func (t *Transport) resyncFromFrame() {
	tick, seg := t.resolver.Map.TickForFrame(float64(t.frame), t.sampleRate, t.resolution(), t.song)
	t.applySegment(seg)
	t.remaining = ComputeRemainingFramesInTick(float64(t.frame)-t.anchorFrame, t.tickSize)
	if tick != t.tick {
		t.tick = tick
		t.Update(tick, t.loop)
	}
}

// Update recomputes column and pattern bookkeeping for tick and then
// re-evaluates tempo.
func (t *Transport) Update(tick int64, loop bool) {
	if t.song == nil {
		return
	}
	prev := t.column
	if t.songMode() {
		col, start := t.song.ColumnForTick(tick, loop)
		t.column = col
		t.patternStartTick = start
		t.patternTickPosition = max(tick-start, 0)
	} else {
		size := int64(t.playing.LongestLength())
		if size <= 0 {
			size = song.MaxNotes
		}
		switch {
		case t.patternStartTick < 0 || tick < t.patternStartTick:
			t.patternStartTick = tick - tick%size
		case tick >= t.patternStartTick+size:
			t.patternStartTick += (tick - t.patternStartTick) / size * size
		}
		t.patternTickPosition = tick - t.patternStartTick
	}
	if t.column != prev {
		t.sink.Notify(notify.Event{Kind: notify.KindColumnChanged, Value: t.column})
	}
	t.UpdateBpmAndTickSize()
}

// UpdateBpmAndTickSize re-evaluates the tempo in effect and, when the tick
// size changed, resynchronizes the tick remainder with the frame counter.
// It reports whether frames of the ticks ahead moved, either because the
// tempo authority changed or because the tick size did; frames computed
// before then belong to the old timeline.
func (t *Transport) UpdateBpmAndTickSize() bool {
	if !t.active() || t.song == nil || t.sampleRate <= 0 || t.resolution() <= 0 {
		return false
	}
	mapDriven := t.isMapDriven()
	if mapDriven != t.mapDriven {
		// tempo authority changed; keep the musical position
		t.log.Debug("tempo authority changed", zap.Bool("tempoMap", mapDriven))
		t.Locate(t.tick)
		t.retimed = true
		return true
	}

	bpm := t.resolver.BpmAtColumn(t.column, t.nextBpm, t.songMode())
	if bpm <= 0 || math.IsNaN(bpm) {
		t.log.Error("invalid bpm", zap.Float64("bpm", bpm))
		return false
	}
	tickSize := tempo.ComputeTickSize(t.sampleRate, bpm, t.resolution())
	if tickSize == t.tickSize {
		t.setBpm(bpm)
		return false
	}

	if mapDriven {
		tick, seg := t.resolver.Map.TickForFrame(float64(t.frame), t.sampleRate, t.resolution(), t.song)
		if tick != t.tick {
			t.log.Error("tick mismatch after tempo resync",
				zap.Int64("before", t.tick), zap.Int64("after", tick), zap.Int64("frame", t.frame))
		}
		t.applySegment(seg)
		t.remaining = ComputeRemainingFramesInTick(float64(t.frame)-t.anchorFrame, t.tickSize)
		if tick != t.tick {
			t.tick = tick
			t.Update(tick, t.loop)
		}
		t.retimed = true
		return true
	}

	// Constant tempo: re-anchor at the current tick, keeping the fraction of
	// the tick that has already elapsed.
	old := t.tickSize
	var progress float64
	if old > 0 {
		elapsed := float64(t.frame) - t.anchorFrame - float64(t.tick-t.anchorTick)*old
		progress = min(max(elapsed, 0), math.Nextafter(old, 0)) / old * tickSize
	}
	t.tickSize = tickSize
	t.setBpm(bpm)
	t.anchorTick = t.tick
	t.anchorFrame = float64(t.frame) - progress
	t.segmentEnd = math.MaxInt64
	t.remaining = ComputeRemainingFramesInTick(progress, tickSize)
	t.retimed = true
	return true
}

// Retimed reports whether UpdateBpmAndTickSize moved the frames of upcoming
// ticks since the last call, and clears the flag.
func (t *Transport) Retimed() bool {
	r := t.retimed
	t.retimed = false
	return r
}

// FrameFromTick converts tick to frames with the tempo in effect, walking the
// tempo map when it drives the tempo.
func (t *Transport) FrameFromTick(tick int64) int64 {
	if !t.valid() {
		return 0
	}
	if tick <= 0 {
		return 0
	}
	if t.isMapDriven() {
		return int64(math.Floor(t.resolver.Map.FrameForTick(tick, t.sampleRate, t.resolution(), t.song)))
	}
	return ComputeFrame(tick, t.constantTickSize())
}

// TickFromFrame converts frame to a tick and the frames remaining in it.
func (t *Transport) TickFromFrame(frame int64) (int64, int) {
	if !t.valid() {
		return 0, 0
	}
	if frame < 0 {
		t.log.Error("negative frame", zap.Int64("frame", frame))
		frame = 0
	}
	if t.isMapDriven() {
		tick, seg := t.resolver.Map.TickForFrame(float64(frame), t.sampleRate, t.resolution(), t.song)
		return tick, ComputeRemainingFramesInTick(float64(frame)-seg.StartFrame, seg.TickSize)
	}
	ts := t.constantTickSize()
	return ComputeTick(frame, ts), ComputeRemainingFramesInTick(float64(frame), ts)
}

func (t *Transport) constantTickSize() float64 {
	if t.tickSize > 0 && !t.mapDriven {
		return t.tickSize
	}
	bpm := t.resolver.BpmAtColumn(-1, t.nextBpm, t.songMode())
	return tempo.ComputeTickSize(t.sampleRate, bpm, t.resolution())
}

// ScheduledFrame returns the start frame of a tick at or after the current
// position: the anchor frame plus the tick's offset at the resident tick size.
// Ticks beyond the current tempo segment fall back to the map walk.
func (t *Transport) ScheduledFrame(tick int64) int64 {
	if t.mapDriven && tick >= t.segmentEnd {
		return int64(math.Floor(t.resolver.Map.FrameForTick(tick, t.sampleRate, t.resolution(), t.song)))
	}
	return int64(math.Floor(t.anchorFrame + float64(tick-t.anchorTick)*t.tickSize))
}

// SetNextBpm requests a tempo; it takes effect at the next evaluation unless
// the tempo map or an external master is in charge.
func (t *Transport) SetNextBpm(bpm float64) { t.nextBpm = bpm }

// SetMode switches between song and pattern mode. Pattern bookkeeping is
// re-anchored on the next update.
func (t *Transport) SetMode(mode song.Mode) {
	t.mode = mode
	t.patternStartTick = -1
}

func (t *Transport) SetLoop(loop bool) { t.loop = loop }

// RefreshSongSize re-reads the song length after the song layout changed.
func (t *Transport) RefreshSongSize() {
	if t.song != nil {
		t.songSize = t.song.LengthInTicks()
	}
}

func (t *Transport) Song() *song.Song           { return t.song }
func (t *Transport) Mode() song.Mode            { return t.mode }
func (t *Transport) Loop() bool                 { return t.loop }
func (t *Transport) Frame() int64               { return t.frame }
func (t *Transport) Tick() int64                { return t.tick }
func (t *Transport) TickSize() float64          { return t.tickSize }
func (t *Transport) Bpm() float64               { return t.bpm }
func (t *Transport) NextBpm() float64           { return t.nextBpm }
func (t *Transport) RemainingFramesInTick() int { return t.remaining }
func (t *Transport) Column() int                { return t.column }
func (t *Transport) PatternStartTick() int64    { return t.patternStartTick }
func (t *Transport) PatternTickPosition() int64 { return t.patternTickPosition }
func (t *Transport) SongSizeInTicks() int64     { return t.songSize }
func (t *Transport) SampleRate() int            { return t.sampleRate }

// ElapsedTime returns the transport position in seconds.
func (t *Transport) ElapsedTime() float64 {
	if t.sampleRate <= 0 {
		return 0
	}
	return float64(t.frame) / float64(t.sampleRate)
}

func (t *Transport) Position() Position {
	return Position{
		Frame:                 t.frame,
		Tick:                  t.tick,
		TickSize:              t.tickSize,
		Bpm:                   t.bpm,
		NextBpm:               t.nextBpm,
		RemainingFramesInTick: t.remaining,
		Column:                t.column,
		PatternStartTick:      t.patternStartTick,
		PatternTickPosition:   t.patternTickPosition,
		SongSizeInTicks:       t.songSize,
	}
}
