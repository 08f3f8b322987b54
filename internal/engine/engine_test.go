package engine

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cbegin/drumseq-go/internal/audio"
	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/scheduler"
	"github.com/cbegin/drumseq-go/internal/song"
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

// recordingRenderer outputs a constant level and remembers every note.
type recordingRenderer struct {
	notes []*scheduler.Note
	level float32
	l, r  []float32
}

func (r *recordingRenderer) NoteOn(n *scheduler.Note) { r.notes = append(r.notes, n) }

func (r *recordingRenderer) Process(nFrames int, _ RenderContext) ([]float32, []float32) {
	if cap(r.l) < nFrames {
		r.l = make([]float32, nFrames)
		r.r = make([]float32, nFrames)
	}
	l, rr := r.l[:nFrames], r.r[:nFrames]
	for i := range l {
		l[i], rr[i] = r.level, -r.level
	}
	return l, rr
}

type liveDriver struct{ *audio.FakeDriver }

func (liveDriver) Kind() audio.Kind { return audio.KindLive }

type brokenDriver struct{ *audio.FakeDriver }

func (brokenDriver) Connect() error { return errors.New("device busy") }

func testSong(columns int) *song.Song {
	s := song.New("test", 120, 48)
	kick := s.AddInstrument(&song.Instrument{ID: 0, Name: "kick", Gain: 1})
	p := s.AddPattern(song.NewPattern("beat", 192))
	for pos := 0; pos < 192; pos += 48 {
		p.AddNote(song.NewNote(kick, pos, 0.8))
	}
	for i := 0; i < columns; i++ {
		s.AddColumn(p)
	}
	return s
}

func newTestEngine(t *testing.T, columns int) (*Engine, *audio.FakeDriver, *recordingSink, *recordingRenderer) {
	t.Helper()
	sink := &recordingSink{}
	rend := &recordingRenderer{}
	e := New(Config{Sink: sink, Renderer: rend, Seed: 1})
	d := audio.NewFakeDriver(audio.Options{SampleRate: 44100})
	if err := e.AttachDriver(d, 512); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := e.SetSong(testSong(columns)); err != nil {
		t.Fatalf("set song: %v", err)
	}
	return e, d, sink, rend
}

func TestLifecycle(t *testing.T) {
	e := New(Config{})
	if e.State() != StateInitialized {
		t.Fatalf("state = %v, want initialized", e.State())
	}
	if err := e.SetSong(testSong(1)); !errors.Is(err, ErrWrongState) {
		t.Fatalf("set song before attach: %v", err)
	}
	if err := e.Play(); !errors.Is(err, ErrWrongState) {
		t.Fatalf("play before song: %v", err)
	}
	if e.State() != StateInitialized {
		t.Fatalf("wrong-state call changed state to %v", e.State())
	}

	d := audio.NewFakeDriver(audio.Options{})
	if err := e.AttachDriver(d, 256); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if e.State() != StatePrepared {
		t.Fatalf("state = %v, want prepared", e.State())
	}
	if err := e.SetSong(testSong(2)); err != nil {
		t.Fatalf("set song: %v", err)
	}
	if e.State() != StateReady {
		t.Fatalf("state = %v, want ready", e.State())
	}

	if err := e.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	if e.State() != StateReady {
		t.Fatalf("play must not change state outside the callback")
	}
	d.Cycle(0)
	if e.State() != StatePlaying {
		t.Fatalf("state after cycle = %v, want playing", e.State())
	}
	_ = e.Stop()
	d.Cycle(0)
	if e.State() != StateReady {
		t.Fatalf("state after stop = %v, want ready", e.State())
	}

	if err := e.RemoveSong(); err != nil {
		t.Fatalf("remove song: %v", err)
	}
	if e.State() != StatePrepared {
		t.Fatalf("state = %v, want prepared", e.State())
	}
	if err := e.DetachDriver(); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if e.State() != StateInitialized || d.Connected() {
		t.Fatalf("state = %v connected=%v after detach", e.State(), d.Connected())
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if e.State() != StateUninitialized {
		t.Fatalf("state = %v, want uninitialized", e.State())
	}
}

func TestPlayRendersNotes(t *testing.T) {
	e, d, sink, rend := newTestEngine(t, 2)
	rend.level = 0.25
	_ = e.Play()
	for i := 0; i < 100; i++ {
		d.Cycle(0)
	}
	if len(rend.notes) == 0 {
		t.Fatalf("renderer received no notes")
	}
	l, r := d.Out()
	if l[0] != 0.25 || r[0] != -0.25 {
		t.Fatalf("output = %v,%v, want renderer level", l[0], r[0])
	}
	p := e.Peaks()
	if p.L != 0.25 || p.R != 0.25 {
		t.Fatalf("peaks = %+v", p)
	}
	if p = e.Peaks(); p.L != 0 || p.R != 0 {
		t.Fatalf("peaks not reset: %+v", p)
	}
	snap := e.Snapshot()
	if snap.Frame != 100*512 {
		t.Fatalf("frame = %d, want %d", snap.Frame, 100*512)
	}
	if snap.State != StatePlaying || snap.Column != 0 {
		t.Fatalf("snapshot state %v column %d", snap.State, snap.Column)
	}
	if got := sink.count(notify.KindPatternChanged); got != 1 {
		t.Fatalf("pattern-change events = %d, want 1", got)
	}
}

func TestEndOfSongHaltsOfflineDriver(t *testing.T) {
	e, d, sink, _ := newTestEngine(t, 1)
	_ = e.Play()
	var st audio.Status
	cycles := 0
	for cycles = 0; cycles < 1000; cycles++ {
		if st = d.Cycle(0); st != audio.StatusOK {
			break
		}
	}
	if st != audio.StatusHalt {
		t.Fatalf("status = %v after %d cycles, want halt", st, cycles)
	}
	// 192 ticks at 459.375 frames are 88200 frames, 173 buffers of 512
	if cycles < 172 {
		t.Fatalf("song ended after %d cycles, too early", cycles)
	}
	snap := e.Snapshot()
	if snap.State != StateReady || snap.Tick != 0 || snap.Frame != 0 {
		t.Fatalf("after end: state %v tick %d frame %d", snap.State, snap.Tick, snap.Frame)
	}
	if got := sink.count(notify.KindEndOfSong); got != 1 {
		t.Fatalf("end-of-song events = %d, want 1", got)
	}
	if e.Playing() {
		t.Fatalf("engine still requests playback")
	}
}

func TestEndOfSongKeepsLiveDriverRunning(t *testing.T) {
	sink := &recordingSink{}
	e := New(Config{Sink: sink})
	d := liveDriver{audio.NewFakeDriver(audio.Options{})}
	if err := e.AttachDriver(d, 512); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := e.SetSong(testSong(1)); err != nil {
		t.Fatalf("set song: %v", err)
	}
	_ = e.Play()
	for i := 0; i < 400; i++ {
		if st := d.Cycle(0); st != audio.StatusOK {
			t.Fatalf("live driver got status %v", st)
		}
	}
	if got := sink.count(notify.KindEndOfSong); got != 1 {
		t.Fatalf("end-of-song events = %d, want 1", got)
	}
}

func TestLockTimeout(t *testing.T) {
	e, d, _, rend := newTestEngine(t, 1)
	rend.level = 1
	l, _ := d.Out()
	l[0] = 0.7

	e.lock()
	st := d.Cycle(64)
	e.unlock()
	if st != audio.StatusRetry {
		t.Fatalf("offline status = %v, want retry", st)
	}
	if l[0] != 0 {
		t.Fatalf("output not silenced on lock timeout")
	}

	live := New(Config{})
	ld := liveDriver{audio.NewFakeDriver(audio.Options{})}
	_ = live.AttachDriver(ld, 64)
	live.lock()
	st = ld.Cycle(0)
	live.unlock()
	if st != audio.StatusOK {
		t.Fatalf("live status = %v, want ok", st)
	}
	if e.Snapshot().LockTimeouts != 1 {
		t.Fatalf("lock timeouts not counted")
	}
}

func TestRealtimeNoteWhileStopped(t *testing.T) {
	e, d, _, rend := newTestEngine(t, 1)
	inst := e.Song().Instruments[0]
	if err := e.NoteOn(scheduler.IngressNote{Instrument: inst, Velocity: 1, Length: -1, Tick: -1}); err != nil {
		t.Fatalf("note on: %v", err)
	}
	d.Cycle(0)
	d.Cycle(0)
	if len(rend.notes) != 1 || !rend.notes[0].Realtime {
		t.Fatalf("renderer got %d notes, want the realtime note", len(rend.notes))
	}
	if rend.notes[0].Start != 0 {
		t.Fatalf("realtime note start %d, want 0", rend.notes[0].Start)
	}
	if snap := e.Snapshot(); snap.Frame != 0 {
		t.Fatalf("transport moved while stopped: frame %d", snap.Frame)
	}
}

func TestConnectFailureFallsBackToNull(t *testing.T) {
	e := New(Config{})
	d := brokenDriver{audio.NewFakeDriver(audio.Options{SampleRate: 48000})}
	if err := e.AttachDriver(d, 128); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if e.Driver().Kind() != audio.KindNull {
		t.Fatalf("driver kind %v, want null", e.Driver().Kind())
	}
	if e.Driver().SampleRate() != 48000 {
		t.Fatalf("fallback sample rate %d", e.Driver().SampleRate())
	}
	if e.State() != StatePrepared {
		t.Fatalf("state = %v, want prepared", e.State())
	}
}

func TestTempoMarkerEditKeepsTick(t *testing.T) {
	e, d, _, _ := newTestEngine(t, 4)
	if err := e.SetTimelineEnabled(true); err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if err := e.LocateToColumn(2); err != nil {
		t.Fatalf("locate: %v", err)
	}
	before := e.Snapshot()
	if before.Tick != 384 {
		t.Fatalf("tick = %d, want 384", before.Tick)
	}
	if err := e.AddTempoMarker(1, 60); err != nil {
		t.Fatalf("add marker: %v", err)
	}
	after := e.Snapshot()
	if after.Tick != before.Tick {
		t.Fatalf("tick moved from %d to %d", before.Tick, after.Tick)
	}
	// column 0 at 120 bpm plus column 1 at 60 bpm
	if want := int64(192*459.375 + 192*918.75); after.Frame != want {
		t.Fatalf("frame = %d, want %d", after.Frame, want)
	}
	if err := e.RemoveTempoMarker(0); err == nil {
		t.Fatalf("first marker must not be removable")
	}
	if err := e.RemoveTempoMarker(1); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	if got := e.Snapshot().Frame; got != int64(384*459.375) {
		t.Fatalf("frame after removal = %d", got)
	}
	d.Cycle(0)
}

func TestPatternModeToggle(t *testing.T) {
	e, d, sink, rend := newTestEngine(t, 1)
	if err := e.SetMode(song.ModePattern); err != nil {
		t.Fatalf("mode: %v", err)
	}
	if err := e.ToggleNextPattern(5); err == nil {
		t.Fatalf("out of range pattern accepted")
	}
	_ = e.Play()
	for i := 0; i < 400; i++ {
		if st := d.Cycle(0); st != audio.StatusOK {
			t.Fatalf("pattern mode ended with %v", st)
		}
	}
	// pattern mode loops the first pattern: 400 buffers are more than two bars
	if len(rend.notes) < 8 {
		t.Fatalf("played %d notes", len(rend.notes))
	}
	if sink.count(notify.KindEndOfSong) != 0 {
		t.Fatalf("pattern mode reported end of song")
	}
}

type switchSource struct {
	bpm float64
	on  bool
}

func (s *switchSource) Bpm() (float64, bool) { return s.bpm, s.on }

func TestTempoMasterTakeoverKeepsNoteOrder(t *testing.T) {
	src := &switchSource{bpm: 120}
	rend := &recordingRenderer{}
	e := New(Config{Renderer: rend, TempoSource: src, Seed: 1})
	d := audio.NewFakeDriver(audio.Options{SampleRate: 44100})
	if err := e.AttachDriver(d, 512); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := e.SetSong(testSong(4)); err != nil {
		t.Fatalf("set song: %v", err)
	}
	if err := e.SetTimelineEnabled(true); err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if err := e.AddTempoMarker(0, 40); err != nil {
		t.Fatalf("marker: %v", err)
	}
	_ = e.Play()

	var st audio.Status
	for i := 0; i < 20000; i++ {
		// the master takes over while the second kick waits in the queue
		if !src.on && len(rend.notes) == 1 && e.sched.Queue().Len() > 0 {
			src.on = true
		}
		if st = d.Cycle(0); st != audio.StatusOK {
			break
		}
	}
	if !src.on {
		t.Fatalf("tempo master never took over")
	}
	if st != audio.StatusHalt {
		t.Fatalf("status = %v, want halt", st)
	}
	if len(rend.notes) != 16 {
		t.Fatalf("played %d notes, want 16", len(rend.notes))
	}
	for i, n := range rend.notes {
		if want := int64(i * 48); n.Tick != want {
			t.Fatalf("note %d at tick %d, want %d", i, n.Tick, want)
		}
	}
}

func TestTapTempo(t *testing.T) {
	e, _, _, _ := newTestEngine(t, 1)
	at := time.Unix(1000, 0)
	tap := func(after time.Duration) float64 {
		t.Helper()
		at = at.Add(after)
		bpm, err := e.TapTempoAt(at)
		if err != nil {
			t.Fatalf("tap: %v", err)
		}
		return bpm
	}

	if bpm := tap(0); bpm != 0 {
		t.Fatalf("first tap = %v, want 0", bpm)
	}
	if bpm := tap(600 * time.Millisecond); bpm != 100 {
		t.Fatalf("tap = %v, want 100", bpm)
	}
	tap(600 * time.Millisecond)
	// 85.7 bpm is averaged with eight taps of 100
	want := (60/0.7 + 8*100) / 9
	if bpm := tap(700 * time.Millisecond); math.Abs(bpm-want) > 1e-9 {
		t.Fatalf("tap = %v, want %v", bpm, want)
	}
	if got := e.Snapshot().NextBpm; math.Abs(got-want) > 1e-9 {
		t.Fatalf("next bpm = %v, want %v", got, want)
	}
	if bpm := tap(300 * time.Millisecond); bpm != 200 {
		t.Fatalf("tap after a jump = %v, want 200", bpm)
	}
	if bpm := tap(13 * time.Second); bpm != 0 {
		t.Fatalf("tap after a pause = %v, want 0", bpm)
	}
	if bpm := tap(100 * time.Millisecond); bpm != 400 {
		t.Fatalf("fast tap = %v, want clamp to 400", bpm)
	}
}

func BenchmarkProcess(b *testing.B) {
	e := New(Config{Seed: 1})
	d := audio.NewFakeDriver(audio.Options{})
	if err := e.AttachDriver(d, 256); err != nil {
		b.Fatal(err)
	}
	s := testSong(8)
	s.Loop = true
	if err := e.SetSong(s); err != nil {
		b.Fatal(err)
	}
	_ = e.Play()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Cycle(0)
	}
}
