package synth

import "math"

// roomSend is how much of each bus feeds the room.
var roomSend = [numBuses]float64{
	BusKick:  0.05,
	BusSnare: 0.35,
	BusHat:   0.1,
	BusTom:   0.3,
	BusPerc:  0.2,
	BusClick: 0,
}

type delayLine struct {
	buf []float64
	pos int
	fb  float64
}

func newDelayLine(n int, fb float64) delayLine {
	return delayLine{buf: make([]float64, max(n, 1)), fb: fb}
}

func (d *delayLine) comb(in float64) float64 {
	out := d.buf[d.pos]
	d.buf[d.pos] = in + out*d.fb
	d.pos = (d.pos + 1) % len(d.buf)
	return out
}

func (d *delayLine) allpass(in float64) float64 {
	delayed := d.buf[d.pos]
	d.buf[d.pos] = in + delayed*d.fb
	d.pos = (d.pos + 1) % len(d.buf)
	return delayed - in
}

// room is a short Schroeder reverb: four parallel combs into two allpasses.
type room struct {
	combs   [4]delayLine
	allpass [2]delayLine
}

func newRoom(sampleRate, size, decay float64) *room {
	base := max(int(sampleRate*size*0.05), 10)
	fb := clamp(decay, 0, 0.95)
	r := &room{}
	for i, ratio := range [4]int{1000, 1117, 1271, 1437} {
		r.combs[i] = newDelayLine(base*ratio/1000, fb)
	}
	for i, ratio := range [2]int{347, 213} {
		r.allpass[i] = newDelayLine(base*ratio/1000, 0.5)
	}
	return r
}

func (r *room) process(in float64) float64 {
	var out float64
	for i := range r.combs {
		out += r.combs[i].comb(in)
	}
	out *= 0.25
	for i := range r.allpass {
		out = r.allpass[i].allpass(out)
	}
	return out
}

// glue is a stereo-linked bus compressor that evens out the kit.
type glue struct {
	threshold float64
	slope     float64 // 1/ratio - 1
	attack    float64
	release   float64
	env       float64
}

func newGlue(sampleRate, thresholdDB, ratio, attackMs, releaseMs float64) *glue {
	coef := func(ms float64) float64 { return 1 - math.Exp(-1/(ms*sampleRate/1000)) }
	return &glue{
		threshold: math.Pow(10, thresholdDB/20),
		slope:     1/ratio - 1,
		attack:    coef(attackMs),
		release:   coef(releaseMs),
	}
}

// gain follows the louder channel and returns the gain for this frame.
func (g *glue) gain(l, r float64) float64 {
	level := math.Max(math.Abs(l), math.Abs(r))
	if level > g.env {
		g.env += g.attack * (level - g.env)
	} else {
		g.env += g.release * (level - g.env)
	}
	if g.env <= g.threshold {
		return 1
	}
	return math.Pow(g.env/g.threshold, g.slope)
}
