package audio

import (
	"encoding/binary"
	"io"
	"math"
)

const wavHeaderSize = 44

// EncodeWAVFloat32LE encodes interleaved samples as an IEEE float WAV file.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	out := make([]byte, wavHeaderSize+dataSize)
	putWAVHeader(out, sampleRate, channels, dataSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[wavHeaderSize+i*4:], math.Float32bits(s))
	}
	return out
}

func putWAVHeader(out []byte, sampleRate, channels, dataSize int) {
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*channels*4))
	binary.LittleEndian.PutUint16(out[32:], uint16(channels*4))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
}

// WAVWriter streams stereo float frames and patches the header sizes on Close.
type WAVWriter struct {
	w          io.WriteSeeker
	sampleRate int
	dataSize   int
	buf        []byte
}

func NewWAVWriter(w io.WriteSeeker, sampleRate int) (*WAVWriter, error) {
	hdr := make([]byte, wavHeaderSize)
	putWAVHeader(hdr, sampleRate, 2, 0)
	if _, err := w.Write(hdr); err != nil {
		return nil, err
	}
	return &WAVWriter{w: w, sampleRate: sampleRate}, nil
}

// WriteFrames appends len(l) frames; r must be at least as long.
func (w *WAVWriter) WriteFrames(l, r []float32) error {
	need := len(l) * 8
	if cap(w.buf) < need {
		w.buf = make([]byte, need)
	}
	buf := w.buf[:need]
	for i := range l {
		binary.LittleEndian.PutUint32(buf[i*8:], math.Float32bits(l[i]))
		binary.LittleEndian.PutUint32(buf[i*8+4:], math.Float32bits(r[i]))
	}
	n, err := w.w.Write(buf)
	w.dataSize += n
	return err
}

// Frames returns the number of frames written so far.
func (w *WAVWriter) Frames() int64 { return int64(w.dataSize / 8) }

func (w *WAVWriter) Close() error {
	hdr := make([]byte, wavHeaderSize)
	putWAVHeader(hdr, w.sampleRate, 2, w.dataSize)
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(hdr); err != nil {
		return err
	}
	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}
