package engine

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/drumseq-go/internal/tempo"
)

const (
	// TapHistory is the number of earlier taps averaged with a new one.
	TapHistory = 8
	// TapResetBpm is the jump between two taps that discards the history.
	TapResetBpm = 20.0
)

// tapMaxInterval is twice the slowest beat, so averaging can still reach
// tempo.MinBpm.
var tapMaxInterval = time.Duration(2 * 60 / tempo.MinBpm * float64(time.Second))

// tapper turns tap intervals into an averaged tempo.
type tapper struct {
	mu     sync.Mutex
	last   time.Time
	bpms   [TapHistory]float64
	primed bool
}

// tap registers a tap at now. ok is false for the first tap and for taps too
// far apart to describe a tempo; both restart the measurement.
func (t *tapper) tap(now time.Time) (bpm float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.last
	t.last = now
	if prev.IsZero() {
		return 0, false
	}
	interval := now.Sub(prev)
	if interval <= 0 || interval >= tapMaxInterval {
		return 0, false
	}
	bpm = float64(time.Minute) / float64(interval)
	if !t.primed || math.Abs(t.bpms[0]-bpm) > TapResetBpm {
		for i := range t.bpms {
			t.bpms[i] = bpm
		}
		t.primed = true
	}
	sum := bpm
	for _, b := range t.bpms {
		sum += b
	}
	copy(t.bpms[1:], t.bpms[:TapHistory-1])
	t.bpms[0] = bpm
	return min(max(sum/(TapHistory+1), tempo.MinBpm), tempo.MaxBpm), true
}

// TapTempo registers a tap now. See TapTempoAt.
func (e *Engine) TapTempo() (float64, error) { return e.TapTempoAt(time.Now()) }

// TapTempoAt registers a tap at now. Once two taps describe a beat, the
// average over the latest taps is requested through SetNextBpm and returned;
// a tap that only starts a measurement returns 0.
func (e *Engine) TapTempoAt(now time.Time) (float64, error) {
	bpm, ok := e.tap.tap(now)
	if !ok {
		return 0, nil
	}
	if err := e.SetNextBpm(bpm); err != nil {
		return 0, err
	}
	e.log.Debug("tap tempo", zap.Float64("bpm", bpm))
	return bpm, nil
}
