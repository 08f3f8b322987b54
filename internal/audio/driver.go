// Package audio holds the output drivers the engine renders into. A driver
// owns the stereo output buffers and calls back into the engine once per
// buffer.
package audio

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"
)

// Status is returned by the engine for each processed buffer.
type Status int

const (
	StatusOK Status = iota
	// StatusHalt ends the stream; the driver stops calling back.
	StatusHalt
	// StatusRetry asks the driver to process the same buffer again. Only
	// offline drivers honour it; live drivers treat it as StatusOK.
	StatusRetry
)

func (s Status) String() string {
	switch s {
	case StatusHalt:
		return "halt"
	case StatusRetry:
		return "retry"
	}
	return "ok"
}

type Kind int

const (
	KindLive Kind = iota
	KindOffline
	KindFake
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindOffline:
		return "offline"
	case KindFake:
		return "fake"
	case KindNull:
		return "null"
	}
	return "live"
}

type ProcessFunc func(nFrames int) Status

type Driver interface {
	Init(bufferSize int, process ProcessFunc) error
	Connect() error
	Disconnect() error
	SampleRate() int
	BufferSize() int
	// Out returns the output buffers for the buffer being processed. They are
	// only valid inside the process callback.
	Out() (l, r []float32)
	Kind() Kind
}

var ErrUnknownDriver = errors.New("audio: unknown driver")

type Options struct {
	SampleRate int
	BufferSize int
	// Output receives the WAV stream of the disk driver.
	Output io.WriteSeeker
	// MaxFrames stops the disk driver after that many frames; 0 renders
	// until the engine halts.
	MaxFrames int64
	Logger    *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = 44100
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 512
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

var drivers = map[string]func(Options) (Driver, error){
	"ebiten": func(o Options) (Driver, error) { return NewEbitenDriver(o), nil },
	"disk": func(o Options) (Driver, error) {
		if o.Output == nil {
			return nil, fmt.Errorf("audio: disk driver needs an output")
		}
		return NewDiskDriver(o), nil
	},
	"fake": func(o Options) (Driver, error) { return NewFakeDriver(o), nil },
	"null": func(o Options) (Driver, error) { return NewNullDriver(o), nil },
}

// New creates the driver registered under name. "auto" selects the live
// ebiten driver.
func New(name string, opts Options) (Driver, error) {
	if name == "" || name == "auto" {
		name = "ebiten"
	}
	mk, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return mk(opts.withDefaults())
}

// Names lists the registered driver names.
func Names() []string {
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// buffers is the stereo output shared by every driver.
type buffers struct {
	sampleRate int
	bufferSize int
	process    ProcessFunc
	l, r       []float32
}

func (b *buffers) init(bufferSize int, process ProcessFunc) error {
	if bufferSize <= 0 {
		return fmt.Errorf("audio: invalid buffer size %d", bufferSize)
	}
	if process == nil {
		return errors.New("audio: nil process callback")
	}
	b.bufferSize = bufferSize
	b.process = process
	b.l = make([]float32, bufferSize)
	b.r = make([]float32, bufferSize)
	return nil
}

func (b *buffers) SampleRate() int       { return b.sampleRate }
func (b *buffers) BufferSize() int       { return b.bufferSize }
func (b *buffers) Out() (l, r []float32) { return b.l, b.r }

// run processes one buffer of n frames, n <= bufferSize.
func (b *buffers) run(n int) Status {
	if b.process == nil {
		return StatusHalt
	}
	return b.process(n)
}
