package audio

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// maxRetries bounds how often one buffer is retried before it is written
// as silence.
const maxRetries = 100

// DiskDriver renders offline into a WAV stream as fast as the engine allows.
// Rendering runs in the caller's goroutine via Render.
type DiskDriver struct {
	buffers
	log       *zap.Logger
	out       *WAVWriter
	opts      Options
	maxFrames int64
	stop      atomic.Bool
	retries   atomic.Int64
}

func NewDiskDriver(opts Options) *DiskDriver {
	opts = opts.withDefaults()
	return &DiskDriver{
		buffers:   buffers{sampleRate: opts.SampleRate},
		log:       opts.Logger.Named("disk"),
		opts:      opts,
		maxFrames: opts.MaxFrames,
	}
}

func (d *DiskDriver) Kind() Kind { return KindOffline }

func (d *DiskDriver) Init(bufferSize int, process ProcessFunc) error {
	return d.init(bufferSize, process)
}

func (d *DiskDriver) Connect() error {
	if d.out != nil {
		return nil
	}
	if d.opts.Output == nil {
		return errors.New("audio: disk driver has no output")
	}
	w, err := NewWAVWriter(d.opts.Output, d.sampleRate)
	if err != nil {
		return err
	}
	d.out = w
	d.stop.Store(false)
	return nil
}

// Disconnect stops a running Render and finalizes the WAV header.
func (d *DiskDriver) Disconnect() error {
	d.stop.Store(true)
	if d.out == nil {
		return nil
	}
	err := d.out.Close()
	d.out = nil
	return err
}

// Retries reports how many buffers had to be processed again.
func (d *DiskDriver) Retries() int64 { return d.retries.Load() }

// Frames reports the number of frames written.
func (d *DiskDriver) Frames() int64 {
	if d.out == nil {
		return 0
	}
	return d.out.Frames()
}

// Render processes buffers until the engine halts, MaxFrames is reached,
// ctx is cancelled or the driver is disconnected.
func (d *DiskDriver) Render(ctx context.Context) error {
	if d.out == nil {
		return errors.New("audio: disk driver not connected")
	}
	for !d.stop.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := d.bufferSize
		if d.maxFrames > 0 {
			left := d.maxFrames - d.out.Frames()
			if left <= 0 {
				return nil
			}
			n = int(min(int64(n), left))
		}
		st := d.run(n)
		for tries := 0; st == StatusRetry && tries < maxRetries; tries++ {
			d.retries.Add(1)
			st = d.run(n)
		}
		if st == StatusRetry {
			d.log.Warn("buffer still locked, writing silence", zap.Int64("frame", d.out.Frames()))
			clear(d.l[:n])
			clear(d.r[:n])
		}
		if st == StatusHalt {
			return nil
		}
		if err := d.out.WriteFrames(d.l[:n], d.r[:n]); err != nil {
			return err
		}
	}
	return nil
}
