// Package midiin turns MIDI note messages into realtime engine notes.
package midiin

import (
	"fmt"
	"strings"
	"sync/atomic"

	gomidi "gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"github.com/cbegin/drumseq-go/internal/scheduler"
	"github.com/cbegin/drumseq-go/internal/song"
)

// NoteSink receives realtime notes; the engine implements it.
type NoteSink interface {
	NoteOn(n scheduler.IngressNote) error
}

// Tapper receives tap tempo beats; the engine implements it.
type Tapper interface {
	TapTempo() (float64, error)
}

// KeyMap maps MIDI keys to instruments.
type KeyMap map[uint8]*song.Instrument

// General MIDI percussion keys by instrument name fragment.
var gmKeys = []struct {
	name string
	key  uint8
}{
	{"open", 46},
	{"kick", 36},
	{"snare", 38},
	{"clap", 39},
	{"hat", 42},
	{"tom", 45},
	{"crash", 49},
	{"ride", 51},
}

// KeyMapFor assigns each instrument of s its General MIDI key when its name
// matches one, and otherwise the next free key from 60 up. Instruments left
// over once the keys run out are not mapped.
func KeyMapFor(s *song.Song) KeyMap {
	m := KeyMap{}
	if s == nil {
		return m
	}
	var rest []*song.Instrument
	for _, inst := range s.Instruments {
		name := strings.ToLower(inst.Name)
		mapped := false
		for _, gm := range gmKeys {
			if _, taken := m[gm.key]; !taken && strings.Contains(name, gm.name) {
				m[gm.key] = inst
				mapped = true
				break
			}
		}
		if !mapped {
			rest = append(rest, inst)
		}
	}
	key := 60
	for _, inst := range rest {
		for key <= 127 && m[uint8(key)] != nil {
			key++
		}
		if key > 127 {
			break
		}
		m[uint8(key)] = inst
	}
	return m
}

type Listener struct {
	sink     NoteSink
	keys     atomic.Pointer[KeyMap]
	tapKey   atomic.Int32
	log      *zap.Logger
	stop     func()
	received atomic.Uint64
	dropped  atomic.Uint64
}

func NewListener(sink NoteSink, keys KeyMap, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Listener{sink: sink, log: log.Named("midiin")}
	l.tapKey.Store(-1)
	l.SetKeyMap(keys)
	return l
}

// SetTapKey makes key a tap tempo pad instead of an instrument when the sink
// is a Tapper. A negative key disables it.
func (l *Listener) SetTapKey(key int) {
	if key > 127 {
		key = -1
	}
	l.tapKey.Store(int32(max(key, -1)))
}

// SetKeyMap swaps the key map, e.g. after a song reload.
func (l *Listener) SetKeyMap(keys KeyMap) {
	if keys == nil {
		keys = KeyMap{}
	}
	l.keys.Store(&keys)
}

// Handle processes one MIDI message. It is the gomidi listen callback.
func (l *Listener) Handle(msg gomidi.Message, timestampms int32) {
	var channel, key, velocity uint8
	switch {
	case msg.GetNoteStart(&channel, &key, &velocity):
		if int32(key) == l.tapKey.Load() {
			l.tap()
			return
		}
		inst := (*l.keys.Load())[key]
		if inst == nil {
			l.log.Debug("unmapped key", zap.Uint8("key", key), zap.Uint8("channel", channel))
			return
		}
		l.send(scheduler.IngressNote{
			Instrument: inst,
			Velocity:   float64(velocity) / 127,
			Length:     -1,
			Tick:       -1,
		})
	// note on with velocity 0 counts as note off
	case msg.GetNoteEnd(&channel, &key):
		if int32(key) == l.tapKey.Load() {
			return
		}
		inst := (*l.keys.Load())[key]
		if inst == nil || !inst.StopNotes {
			return
		}
		l.send(scheduler.IngressNote{Instrument: inst, Length: -1, NoteOff: true, Tick: -1})
	}
}

func (l *Listener) tap() {
	t, ok := l.sink.(Tapper)
	if !ok {
		return
	}
	bpm, err := t.TapTempo()
	if err != nil {
		l.log.Warn("tap tempo", zap.Error(err))
		return
	}
	if bpm > 0 {
		l.log.Info("tap tempo", zap.Float64("bpm", bpm))
	}
}

func (l *Listener) send(n scheduler.IngressNote) {
	l.received.Add(1)
	if err := l.sink.NoteOn(n); err != nil {
		l.dropped.Add(1)
		l.log.Warn("realtime note dropped", zap.String("instrument", n.Instrument.Name), zap.Error(err))
	}
}

// Received and Dropped count mapped notes handed to the sink and the ones
// it refused.
func (l *Listener) Received() uint64 { return l.received.Load() }
func (l *Listener) Dropped() uint64  { return l.dropped.Load() }

// Open starts listening on the first input port whose name contains port.
// A MIDI driver must be registered by the binary.
func (l *Listener) Open(port string) error {
	in, err := gomidi.FindInPort(port)
	if err != nil {
		return fmt.Errorf("midiin: find port %q: %w", port, err)
	}
	stop, err := gomidi.ListenTo(in, l.Handle)
	if err != nil {
		return fmt.Errorf("midiin: listen on %q: %w", in.String(), err)
	}
	l.stop = stop
	l.log.Info("listening", zap.String("port", in.String()))
	return nil
}

func (l *Listener) Close() {
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
}

// Ports lists the available input ports.
func Ports() []string {
	var names []string
	for _, in := range gomidi.GetInPorts() {
		names = append(names, in.String())
	}
	return names
}
