package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestNewUnknownDriver(t *testing.T) {
	_, err := New("jack", Options{})
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v, want ErrUnknownDriver", err)
	}
	if _, err := New("disk", Options{}); err == nil {
		t.Fatalf("disk driver without output should fail")
	}
	d, err := New("fake", Options{SampleRate: 48000})
	if err != nil {
		t.Fatalf("fake: %v", err)
	}
	if d.Kind() != KindFake || d.SampleRate() != 48000 {
		t.Fatalf("fake driver kind %v rate %d", d.Kind(), d.SampleRate())
	}
}

func TestFakeDriverCycle(t *testing.T) {
	d := NewFakeDriver(Options{})
	var got []int
	if err := d.Init(256, func(n int) Status { got = append(got, n); return StatusOK }); err != nil {
		t.Fatalf("init: %v", err)
	}
	if st := d.Cycle(0); st != StatusHalt {
		t.Fatalf("unconnected cycle = %v, want halt", st)
	}
	_ = d.Connect()
	d.Cycle(0)
	d.Cycle(100)
	d.Cycle(1000)
	if len(got) != 3 || got[0] != 256 || got[1] != 100 || got[2] != 256 {
		t.Fatalf("cycles = %v", got)
	}
}

func TestDiskDriverRendersUntilHalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	d := NewDiskDriver(Options{SampleRate: 8000, Output: f})
	calls, retried := 0, false
	err = d.Init(100, func(n int) Status {
		calls++
		if calls == 2 && !retried {
			retried = true
			return StatusRetry
		}
		l, r := d.Out()
		for i := 0; i < n; i++ {
			l[i], r[i] = 0.5, -0.5
		}
		if calls == 5 {
			return StatusHalt
		}
		return StatusOK
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := d.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := d.Render(context.Background()); err != nil {
		t.Fatalf("render: %v", err)
	}
	if d.Frames() != 300 {
		t.Fatalf("frames = %d, want 300", d.Frames())
	}
	if d.Retries() != 1 {
		t.Fatalf("retries = %d, want 1", d.Retries())
	}
	if err := d.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != wavHeaderSize+300*8 {
		t.Fatalf("file size %d", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("bad header %q", data[:12])
	}
	if size := binary.LittleEndian.Uint32(data[40:]); size != 300*8 {
		t.Fatalf("data size %d, want %d", size, 300*8)
	}
	if l := math.Float32frombits(binary.LittleEndian.Uint32(data[44:])); l != 0.5 {
		t.Fatalf("first sample %v", l)
	}
}

func TestDiskDriverMaxFrames(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	d := NewDiskDriver(Options{Output: f, MaxFrames: 250})
	_ = d.Init(100, func(int) Status { return StatusOK })
	_ = d.Connect()
	if err := d.Render(context.Background()); err != nil {
		t.Fatalf("render: %v", err)
	}
	if d.Frames() != 250 {
		t.Fatalf("frames = %d, want 250", d.Frames())
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	wav := EncodeWAVFloat32LE([]float32{0, 1, -1, 0}, 44100, 2)
	if len(wav) != 44+16 {
		t.Fatalf("len = %d", len(wav))
	}
	if binary.LittleEndian.Uint16(wav[20:]) != 3 {
		t.Fatalf("format is not IEEE float")
	}
	if binary.LittleEndian.Uint32(wav[24:]) != 44100 {
		t.Fatalf("sample rate not written")
	}
}
