package drumseq

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cbegin/drumseq-go/internal/audio"
	"github.com/cbegin/drumseq-go/internal/song"
)

var errEndless = errors.New("drumseq: looping song needs a frame limit")

// RenderSong renders sg into w as a 32-bit float stereo WAV file, as fast as
// possible. A looping song is cut after maxFrames; otherwise maxFrames <= 0
// renders to the end of the song. It returns the number of frames written.
func RenderSong(ctx context.Context, sg *song.Song, w io.WriteSeeker, maxFrames int64, opts ...Option) (int64, error) {
	if sg.Loop && maxFrames <= 0 {
		return 0, errEndless
	}
	opts = append(opts, WithDriver("disk"), WithOutput(w, maxFrames))
	s, err := New(opts...)
	if err != nil {
		return 0, err
	}
	disk, ok := s.Driver().(*audio.DiskDriver)
	if !ok {
		s.Close()
		return 0, fmt.Errorf("drumseq: disk driver unavailable, got %s", s.Driver().Kind())
	}
	if err := s.Load(sg); err != nil {
		s.Close()
		return 0, err
	}
	if err := s.Play(); err != nil {
		s.Close()
		return 0, err
	}
	renderErr := disk.Render(ctx)
	frames := disk.Frames()
	if err := s.Close(); err != nil && renderErr == nil {
		renderErr = err
	}
	return frames, renderErr
}

// RenderSamples renders sg in memory and returns interleaved stereo samples.
func RenderSamples(sg *song.Song, maxFrames int64, opts ...Option) ([]float32, error) {
	if sg.Loop && maxFrames <= 0 {
		return nil, errEndless
	}
	s, err := New(append(opts, WithDriver("fake"))...)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	fake, ok := s.Driver().(*audio.FakeDriver)
	if !ok {
		return nil, fmt.Errorf("drumseq: fake driver unavailable, got %s", s.Driver().Kind())
	}
	if err := s.Load(sg); err != nil {
		return nil, err
	}
	if err := s.Play(); err != nil {
		return nil, err
	}
	var out []float32
	for frames := int64(0); maxFrames <= 0 || frames < maxFrames; {
		n := fake.BufferSize()
		if maxFrames > 0 {
			n = int(min(int64(n), maxFrames-frames))
		}
		st := fake.Cycle(n)
		for st == audio.StatusRetry {
			st = fake.Cycle(n)
		}
		if st == audio.StatusHalt {
			break
		}
		l, r := fake.Out()
		for i := 0; i < n; i++ {
			out = append(out, l[i], r[i])
		}
		frames += int64(n)
	}
	return out, nil
}

func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	return audio.EncodeWAVFloat32LE(samples, sampleRate, channels)
}
