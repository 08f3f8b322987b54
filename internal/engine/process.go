package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/drumseq-go/internal/audio"
	"github.com/cbegin/drumseq-go/internal/notify"
	"github.com/cbegin/drumseq-go/internal/scheduler"
)

// callback binds the process callback to the driver calling it.
func (e *Engine) callback(d audio.Driver) audio.ProcessFunc {
	return func(nFrames int) audio.Status { return e.process(d, nFrames) }
}

// process runs once per buffer on the audio thread.
func (e *Engine) process(d audio.Driver, nFrames int) audio.Status {
	start := time.Now()
	l, r := d.Out()
	nFrames = min(nFrames, len(l), len(r))
	l, r = l[:nFrames], r[:nFrames]
	clear(l)
	clear(r)

	sampleRate := d.SampleRate()
	budget := time.Duration(nFrames) * time.Second / time.Duration(max(sampleRate, 1))
	if !e.tryLock(max(budget-e.lastProcess, 0)) {
		e.lockTimeouts.Add(1)
		e.log.Warn("engine lock timeout, dropping buffer",
			zap.Int("nFrames", nFrames), zap.Duration("budget", budget))
		if offline(d) {
			return audio.StatusRetry
		}
		return audio.StatusOK
	}

	state := e.State()
	if state != StateReady && state != StatePlaying {
		e.unlock()
		return audio.StatusOK
	}

	// an external tempo master is consulted by the resolver
	e.transport.UpdateBpmAndTickSize()
	if e.transport.Retimed() && state == StatePlaying {
		// queued notes still carry frames of the old timeline
		e.sched.Retime(e.transport.Frame())
		e.realtimeFrame = e.transport.Frame()
	}

	switch next := State(e.nextState.Load()); {
	case state == StateReady && next == StatePlaying:
		e.sched.ResetWindow()
		e.setState(StatePlaying)
	case state == StatePlaying && next == StateReady:
		e.sched.Reset()
		e.realtimeFrame = e.transport.Frame()
		e.setState(StateReady)
	}
	playing := e.State() == StatePlaying
	now := e.realtimeFrame
	if playing {
		now = e.transport.Frame()
	}

	res := e.sched.UpdateNoteQueue(nFrames, playing, now)
	if res == scheduler.EndOfSong {
		e.nextState.Store(int32(StateReady))
		e.setState(StateReady)
		e.locateLocked(0)
		e.unlock()
		e.log.Info("end of song")
		e.sink.Notify(notify.Event{Kind: notify.KindEndOfSong})
		e.record(start, budget)
		if offline(d) {
			return audio.StatusHalt
		}
		return audio.StatusOK
	}

	e.sched.ProcessPlayNotes(nFrames, now, e.renderer)
	rl, rr := e.renderer.Process(nFrames, RenderContext{
		Frame:      now,
		SampleRate: sampleRate,
		Playing:    playing,
		Bpm:        e.transport.Bpm(),
		TickSize:   e.transport.TickSize(),
	})
	e.peakL.raise(mixPeak(l, rl))
	e.peakR.raise(mixPeak(r, rr))

	if playing {
		e.transport.Increment(nFrames)
		e.realtimeFrame = e.transport.Frame()
	} else {
		e.realtimeFrame += int64(nFrames)
	}

	e.record(start, budget)
	e.unlock()
	if res == scheduler.PatternChange {
		e.sink.Notify(notify.Event{Kind: notify.KindPatternChanged})
	}
	return audio.StatusOK
}

// record stores the processing time of this buffer and reports an xrun when
// it exceeded the buffer duration.
func (e *Engine) record(start time.Time, budget time.Duration) {
	took := time.Since(start)
	e.lastProcess = took
	e.lastDuration.Store(int64(took))
	if int64(took) > e.maxProcess.Load() {
		e.maxProcess.Store(int64(took))
	}
	if budget > 0 && took > budget {
		n := e.xruns.Add(1)
		e.log.Warn("xrun", zap.Duration("took", took), zap.Duration("budget", budget), zap.Uint64("count", n))
		e.sink.Notify(notify.Event{Kind: notify.KindXrun, Value: int(n)})
	}
}

// offline drivers can repeat a buffer and want an explicit end of stream.
func offline(d audio.Driver) bool {
	k := d.Kind()
	return k == audio.KindOffline || k == audio.KindFake
}
