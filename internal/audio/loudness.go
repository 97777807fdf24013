package audio

import (
	"math"
)

// TargetLUFS is the integrated loudness stems are separated at
const TargetLUFS = -23.0

const (
	blockSeconds  = 0.4
	blockOverlap  = 0.75
	absoluteGate  = -70.0
	relativeGate  = -10.0
	loudnessShift = -0.691
)

// biquad is a direct form I second-order section
type biquad struct {
	b0, b1, b2, a1, a2 float64
}

func (q biquad) apply(x []float64) []float64 {
	y := make([]float64, len(x))
	var x1, x2, y1, y2 float64
	for i, v := range x {
		out := q.b0*v + q.b1*x1 + q.b2*x2 - q.a1*y1 - q.a2*y2
		x2, x1 = x1, v
		y2, y1 = y1, out
		y[i] = out
	}
	return y
}

// kWeighting designs the BS.1770 pre-filter (high shelf + RLB high pass)
// for an arbitrary sample rate.
func kWeighting(sampleRate int) [2]biquad {
	fs := float64(sampleRate)

	// stage 1: +4 dB high shelf at 1500 Hz
	g, q, fc := 4.0, 1/math.Sqrt2, 1500.0
	A := math.Pow(10, g/40)
	w0 := 2 * math.Pi * fc / fs
	alpha := math.Sin(w0) / (2 * q)
	cosw := math.Cos(w0)
	sqA := math.Sqrt(A)

	a0 := (A + 1) - (A-1)*cosw + 2*sqA*alpha
	shelf := biquad{
		b0: A * ((A + 1) + (A-1)*cosw + 2*sqA*alpha) / a0,
		b1: -2 * A * ((A - 1) + (A+1)*cosw) / a0,
		b2: A * ((A + 1) + (A-1)*cosw - 2*sqA*alpha) / a0,
		a1: 2 * ((A - 1) - (A+1)*cosw) / a0,
		a2: ((A + 1) - (A-1)*cosw - 2*sqA*alpha) / a0,
	}

	// stage 2: high pass at 38 Hz
	q, fc = 0.5, 38.0
	w0 = 2 * math.Pi * fc / fs
	alpha = math.Sin(w0) / (2 * q)
	cosw = math.Cos(w0)
	a0 = 1 + alpha
	highpass := biquad{
		b0: (1 + cosw) / 2 / a0,
		b1: -(1 + cosw) / a0,
		b2: (1 + cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}

	return [2]biquad{shelf, highpass}
}

// IntegratedLoudness measures a mono signal in LUFS. It returns -Inf when the
// signal is shorter than one gating block or fully gated (silence).
func IntegratedLoudness(samples []float64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return math.Inf(-1)
	}
	blockLen := int(blockSeconds * float64(sampleRate))
	step := int(blockSeconds * (1 - blockOverlap) * float64(sampleRate))
	if blockLen == 0 || step == 0 || len(samples) < blockLen {
		return math.Inf(-1)
	}

	filters := kWeighting(sampleRate)
	y := filters[1].apply(filters[0].apply(samples))

	numBlocks := (len(y)-blockLen)/step + 1
	z := make([]float64, numBlocks)
	for j := range z {
		start := j * step
		var sum float64
		for _, v := range y[start : start+blockLen] {
			sum += v * v
		}
		z[j] = sum / float64(blockLen)
	}

	blockLoudness := func(v float64) float64 { return loudnessShift + 10*math.Log10(v) }

	var absSum float64
	var absCount int
	for _, v := range z {
		if v > 0 && blockLoudness(v) > absoluteGate {
			absSum += v
			absCount++
		}
	}
	if absCount == 0 {
		return math.Inf(-1)
	}

	gate := blockLoudness(absSum/float64(absCount)) + relativeGate

	var sum float64
	var count int
	for _, v := range z {
		if v <= 0 {
			continue
		}
		if l := blockLoudness(v); l > absoluteGate && l > gate {
			sum += v
			count++
		}
	}
	if count == 0 {
		return math.Inf(-1)
	}
	return blockLoudness(sum / float64(count))
}

// NormalizeLoudness scales w so its channel-averaged integrated loudness hits
// target. Unmeasurable input (silence, shorter than one block) is returned at
// unity gain. The applied gain in dB is returned alongside.
func NormalizeLoudness(w *Waveform, target float64) (*Waveform, float64) {
	loudness := IntegratedLoudness(w.Mono(), w.SampleRate)
	if math.IsInf(loudness, 0) || math.IsNaN(loudness) {
		return w.Clone(), 0
	}
	gainDB := target - loudness
	return w.Scale(math.Pow(10, gainDB/20)), gainDB
}
