package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
	"go.uber.org/zap"
)

// streamReader turns the driver's process callback into the float32 LE
// stereo stream ebiten pulls from.
type streamReader struct {
	mu       sync.Mutex
	b        *buffers
	finished atomic.Bool
}

func (r *streamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished.Load() {
		return 0, io.EOF
	}
	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	written := 0
	for written < frames {
		n := min(frames-written, r.b.bufferSize)
		st := r.b.run(n)
		off := written * 8
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(p[off+i*8:], math.Float32bits(r.b.l[i]))
			binary.LittleEndian.PutUint32(p[off+i*8+4:], math.Float32bits(r.b.r[i]))
		}
		written += n
		if st == StatusHalt {
			r.finished.Store(true)
			return written * 8, io.EOF
		}
	}
	return written * 8, nil
}

func (r *streamReader) Close() error { return nil }

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// EbitenDriver plays through the shared ebiten audio context. Its callback
// runs on the ebiten/oto mixing goroutine.
type EbitenDriver struct {
	buffers
	log    *zap.Logger
	player *ebitaudio.Player
	reader *streamReader
}

func NewEbitenDriver(opts Options) *EbitenDriver {
	opts = opts.withDefaults()
	return &EbitenDriver{
		buffers: buffers{sampleRate: opts.SampleRate},
		log:     opts.Logger.Named("ebiten"),
	}
}

func (d *EbitenDriver) Kind() Kind { return KindLive }

func (d *EbitenDriver) Init(bufferSize int, process ProcessFunc) error {
	return d.init(bufferSize, process)
}

func (d *EbitenDriver) Connect() error {
	if d.player != nil {
		return nil
	}
	ctx, err := sharedAudioContext(d.sampleRate)
	if err != nil {
		return err
	}
	reader := &streamReader{b: &d.buffers}
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return err
	}
	pl.SetBufferSize(time.Duration(d.bufferSize) * time.Second / time.Duration(d.sampleRate) * 2)
	d.reader = reader
	d.player = pl
	pl.Play()
	d.log.Info("connected", zap.Int("sampleRate", d.sampleRate), zap.Int("bufferSize", d.bufferSize))
	return nil
}

func (d *EbitenDriver) Disconnect() error {
	if d.player == nil {
		return nil
	}
	d.player.Pause()
	err := d.player.Close()
	d.player = nil
	d.reader = nil
	return err
}

// Finished reports whether the engine halted the stream.
func (d *EbitenDriver) Finished() bool {
	return d.reader != nil && d.reader.finished.Load()
}
