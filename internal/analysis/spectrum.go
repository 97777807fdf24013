package analysis

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

// STFT parameters shared by every frame-level descriptor
const (
	FrameSize = 2048
	HopSize   = 512
	MelBands  = 128
	NumMFCC   = 13

	rolloffPercent = 0.85
	topDB          = 80.0
	minPower       = 1e-10
)

// frameFeatures holds the per-frame series later stages consume, plus the
// running means of the scalar descriptors.
type frameFeatures struct {
	sampleRate int
	numFrames  int

	centroid  float64
	bandwidth float64
	rolloff   float64
	chroma    []float64 // 12, frame-averaged
	mfcc      []float64 // NumMFCC, frame-averaged

	logMel     [][]float64 // frames x MelBands, dB
	mfccFrames [][]float64 // frames x NumMFCC
}

// frameRate is the number of STFT frames per second
func (f *frameFeatures) frameRate() float64 {
	return float64(f.sampleRate) / HopSize
}

// analyzeFrames runs one centred STFT pass over x and derives every
// spectral descriptor from it. len(x) must be at least FrameSize.
func analyzeFrames(x []float64, sampleRate int) *frameFeatures {
	padded := reflectPad(x, FrameSize/2)
	numFrames := 1 + (len(padded)-FrameSize)/HopSize

	win := hann(FrameSize)
	fft := fourier.NewFFT(FrameSize)
	numBins := FrameSize/2 + 1

	freqs := make([]float64, numBins)
	for k := range freqs {
		freqs[k] = float64(k) * float64(sampleRate) / FrameSize
	}
	pitchClass := chromaBins(freqs)
	melBasis := melFilterbank(sampleRate, FrameSize, MelBands)
	dctBasis := dctMatrix(NumMFCC, MelBands)

	out := &frameFeatures{
		sampleRate: sampleRate,
		numFrames:  numFrames,
		chroma:     make([]float64, 12),
		mfcc:       make([]float64, NumMFCC),
		logMel:     make([][]float64, numFrames),
		mfccFrames: make([][]float64, numFrames),
	}

	buf := make([]float64, FrameSize)
	mag := make([]float64, numBins)
	power := mat.NewVecDense(numBins, nil)
	frameChroma := make([]float64, 12)
	var mel mat.VecDense

	for i := 0; i < numFrames; i++ {
		start := i * HopSize
		for j := 0; j < FrameSize; j++ {
			buf[j] = padded[start+j] * win[j]
		}
		coeffs := fft.Coefficients(nil, buf)

		var magSum float64
		for k, c := range coeffs {
			m := cmplx.Abs(c)
			mag[k] = m
			power.SetVec(k, m*m)
			magSum += m
		}

		// centroid, bandwidth, rolloff
		if magSum > 0 {
			var c float64
			for k, m := range mag {
				c += freqs[k] * m
			}
			c /= magSum
			var bw float64
			for k, m := range mag {
				d := freqs[k] - c
				bw += m / magSum * d * d
			}
			out.centroid += c
			out.bandwidth += math.Sqrt(bw)

			threshold := rolloffPercent * magSum
			var cum float64
			for k, m := range mag {
				cum += m
				if cum >= threshold {
					out.rolloff += freqs[k]
					break
				}
			}
		}

		// chroma, max-normalised per frame
		for pc := range frameChroma {
			frameChroma[pc] = 0
		}
		for k, pc := range pitchClass {
			if pc >= 0 {
				frameChroma[pc] += power.AtVec(k)
			}
		}
		var maxChroma float64
		for _, v := range frameChroma {
			maxChroma = math.Max(maxChroma, v)
		}
		if maxChroma > 0 {
			for pc, v := range frameChroma {
				out.chroma[pc] += v / maxChroma
			}
		}

		mel.MulVec(melBasis, power)
		logMel := make([]float64, MelBands)
		for b := range logMel {
			logMel[b] = 10 * math.Log10(math.Max(mel.AtVec(b), minPower))
		}
		out.logMel[i] = logMel
	}

	clipDynamicRange(out.logMel, topDB)

	var coeffs mat.VecDense
	for i, frame := range out.logMel {
		coeffs.MulVec(dctBasis, mat.NewVecDense(MelBands, frame))
		row := make([]float64, NumMFCC)
		for c := range row {
			row[c] = coeffs.AtVec(c)
			out.mfcc[c] += row[c]
		}
		out.mfccFrames[i] = row
	}

	n := float64(numFrames)
	out.centroid /= n
	out.bandwidth /= n
	out.rolloff /= n
	for pc := range out.chroma {
		out.chroma[pc] /= n
	}
	for c := range out.mfcc {
		out.mfcc[c] /= n
	}
	return out
}

// hann returns a periodic Hann window
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// reflectPad mirrors pad samples on each side without repeating the edge
func reflectPad(x []float64, pad int) []float64 {
	n := len(x)
	out := make([]float64, n+2*pad)
	copy(out[pad:], x)
	for i := 0; i < pad; i++ {
		out[pad-1-i] = x[reflectIndex(i+1, n)]
		out[pad+n+i] = x[reflectIndex(n-2-i, n)]
	}
	return out
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// chromaBins maps each FFT bin to a pitch class (C=0), or -1 for bins
// outside the musical range
func chromaBins(freqs []float64) []int {
	out := make([]int, len(freqs))
	for k, f := range freqs {
		if f < 27.5 || f > 8000 {
			out[k] = -1
			continue
		}
		midi := 69 + 12*math.Log2(f/440)
		pc := int(math.Round(midi)) % 12
		if pc < 0 {
			pc += 12
		}
		out[k] = pc
	}
	return out
}

func hzToMel(f float64) float64 { return 2595 * math.Log10(1+f/700) }
func melToHz(m float64) float64 { return 700 * (math.Pow(10, m/2595) - 1) }

// melFilterbank builds area-normalised triangular filters spanning
// 0..Nyquist as a bands x bins matrix
func melFilterbank(sampleRate, n, bands int) *mat.Dense {
	numBins := n/2 + 1
	maxMel := hzToMel(float64(sampleRate) / 2)
	edges := make([]float64, bands+2)
	for i := range edges {
		edges[i] = melToHz(maxMel * float64(i) / float64(bands+1))
	}

	fb := mat.NewDense(bands, numBins, nil)
	for b := 0; b < bands; b++ {
		lo, center, hi := edges[b], edges[b+1], edges[b+2]
		norm := 2 / (hi - lo)
		for k := 0; k < numBins; k++ {
			f := float64(k) * float64(sampleRate) / float64(n)
			var v float64
			switch {
			case f > lo && f <= center:
				v = (f - lo) / (center - lo)
			case f > center && f < hi:
				v = (hi - f) / (hi - center)
			}
			if v > 0 {
				fb.Set(b, k, v*norm)
			}
		}
	}
	return fb
}

// dctMatrix returns the orthonormal DCT-II basis truncated to rows
func dctMatrix(rows, n int) *mat.Dense {
	d := mat.NewDense(rows, n, nil)
	for k := 0; k < rows; k++ {
		scale := math.Sqrt(2 / float64(n))
		if k == 0 {
			scale = math.Sqrt(1 / float64(n))
		}
		for j := 0; j < n; j++ {
			d.Set(k, j, scale*math.Cos(math.Pi/float64(n)*(float64(j)+0.5)*float64(k)))
		}
	}
	return d
}

// clipDynamicRange floors every dB value at the global maximum minus top
func clipDynamicRange(frames [][]float64, top float64) {
	peak := math.Inf(-1)
	for _, f := range frames {
		for _, v := range f {
			peak = math.Max(peak, v)
		}
	}
	floor := peak - top
	for _, f := range frames {
		for i, v := range f {
			if v < floor {
				f[i] = floor
			}
		}
	}
}
