package tempo

import "math"

// Columns exposes the column layout needed to place markers on the tick axis.
type Columns interface {
	// ColumnStartTick returns the first tick of column, or -1 past the end.
	ColumnStartTick(column int) int64
	LengthInTicks() int64
}

// Segment is a span of constant tempo. EndTick is exclusive.
type Segment struct {
	StartTick  int64
	EndTick    int64
	StartFrame float64
	TickSize   float64
	Bpm        float64
}

// Contains reports whether tick falls into the segment.
func (s Segment) Contains(tick int64) bool {
	return tick >= s.StartTick && tick < s.EndTick
}

// FrameAt returns the exact (fractional) frame of tick inside the segment.
func (s Segment) FrameAt(tick int64) float64 {
	return s.StartFrame + float64(tick-s.StartTick)*s.TickSize
}

func (s Segment) repeat(rep, size int64, songFrames float64) Segment {
	if rep == 0 {
		return s
	}
	s.StartTick += rep * size
	s.EndTick += rep * size
	s.StartFrame += float64(rep) * songFrames
	return s
}

// segments lays the markers out over one song repetition. Frames are
// accumulated in float64; the returned slice is scratch owned by the map.
func (m *Map) segments(sampleRate, resolution int, cols Columns) ([]Segment, float64) {
	size := cols.LengthInTicks()
	segs := m.scratch[:0]
	var frames float64
	for i, mk := range m.markers {
		start := clampTick(cols.ColumnStartTick(mk.Column), size)
		if i == 0 {
			start = 0
		}
		end := size
		if i+1 < len(m.markers) {
			end = clampTick(cols.ColumnStartTick(m.markers[i+1].Column), size)
		}
		if end < start {
			end = start
		}
		ts := ComputeTickSize(sampleRate, mk.Bpm, resolution)
		segs = append(segs, Segment{StartTick: start, EndTick: end, StartFrame: frames, TickSize: ts, Bpm: mk.Bpm})
		frames += float64(end-start) * ts
	}
	m.scratch = segs
	return segs, frames
}

func clampTick(tick, size int64) int64 {
	if tick < 0 || tick > size {
		return size
	}
	return tick
}

func (m *Map) constant(sampleRate, resolution int) Segment {
	bpm := m.markers[0].Bpm
	return Segment{EndTick: math.MaxInt64, TickSize: ComputeTickSize(sampleRate, bpm, resolution), Bpm: bpm}
}

// SegmentForTick returns the segment containing tick, shifted by whole song
// repetitions when tick lies beyond the song length.
func (m *Map) SegmentForTick(tick int64, sampleRate, resolution int, cols Columns) Segment {
	size := cols.LengthInTicks()
	if size <= 0 {
		return m.constant(sampleRate, resolution)
	}
	segs, songFrames := m.segments(sampleRate, resolution, cols)
	if tick < 0 {
		tick = 0
	}
	rep, rem := tick/size, tick%size
	for _, s := range segs {
		if rem < s.EndTick {
			return s.repeat(rep, size, songFrames)
		}
	}
	return segs[len(segs)-1].repeat(rep, size, songFrames)
}

// FrameForTick converts tick to a fractional frame by integrating tick sizes
// over all segments before it.
func (m *Map) FrameForTick(tick int64, sampleRate, resolution int, cols Columns) float64 {
	return m.SegmentForTick(tick, sampleRate, resolution, cols).FrameAt(tick)
}

// TickForFrame is the inverse of FrameForTick. It returns the tick containing
// frame and the segment that tick belongs to.
func (m *Map) TickForFrame(frame float64, sampleRate, resolution int, cols Columns) (int64, Segment) {
	size := cols.LengthInTicks()
	if frame < 0 {
		frame = 0
	}
	if size <= 0 {
		s := m.constant(sampleRate, resolution)
		return int64(math.Floor(frame / s.TickSize)), s
	}
	segs, songFrames := m.segments(sampleRate, resolution, cols)
	if songFrames <= 0 {
		s := m.constant(sampleRate, resolution)
		return int64(math.Floor(frame / s.TickSize)), s
	}
	reps := math.Floor(frame / songFrames)
	rem := frame - reps*songFrames
	rep := int64(reps)

	last := -1
	for i, s := range segs {
		if s.EndTick == s.StartTick {
			continue
		}
		last = i
		end := s.FrameAt(s.EndTick)
		if rem < end {
			tick := s.StartTick + int64(math.Floor((rem-s.StartFrame)/s.TickSize))
			if tick >= s.EndTick {
				tick = s.EndTick - 1
			}
			return tick + rep*size, s.repeat(rep, size, songFrames)
		}
	}
	// rounding pushed rem to the very end of the song
	s := segs[last]
	return s.EndTick - 1 + rep*size, s.repeat(rep, size, songFrames)
}
