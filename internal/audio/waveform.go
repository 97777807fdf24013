package audio

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Waveform is a multi-channel sample buffer with samples nominally in [-1, 1].
// It is treated as immutable once loaded; transforms return new buffers.
type Waveform struct {
	Channels   [][]float64
	SampleRate int
}

// NewWaveform validates channel lengths and sample rate.
func NewWaveform(channels [][]float64, sampleRate int) (*Waveform, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("waveform has no channels")
	}
	n := len(channels[0])
	for i, ch := range channels {
		if len(ch) != n {
			return nil, fmt.Errorf("channel %d has %d samples, want %d", i, len(ch), n)
		}
	}
	return &Waveform{Channels: channels, SampleRate: sampleRate}, nil
}

// NumChannels returns the channel count
func (w *Waveform) NumChannels() int { return len(w.Channels) }

// Frames returns the number of samples per channel
func (w *Waveform) Frames() int {
	if len(w.Channels) == 0 {
		return 0
	}
	return len(w.Channels[0])
}

// Duration returns the length in seconds
func (w *Waveform) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(w.Frames()) / float64(w.SampleRate)
}

// Mono averages all channels into one
func (w *Waveform) Mono() []float64 {
	n := w.Frames()
	out := make([]float64, n)
	if len(w.Channels) == 1 {
		copy(out, w.Channels[0])
		return out
	}
	for _, ch := range w.Channels {
		floats.Add(out, ch)
	}
	floats.Scale(1/float64(len(w.Channels)), out)
	return out
}

// Stats returns the population mean and standard deviation of the mono mix.
// The synthetic transcription seed depends on these exact values.
func (w *Waveform) Stats() (mean, std float64) {
	mono := w.Mono()
	if len(mono) == 0 {
		return 0, 0
	}
	mean, std = stat.PopMeanStdDev(mono, nil)
	if math.IsNaN(mean) || math.IsNaN(std) {
		return 0, 0
	}
	return mean, std
}

// Peak returns the largest absolute sample value across channels
func (w *Waveform) Peak() float64 {
	var peak float64
	for _, ch := range w.Channels {
		for _, v := range ch {
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
	}
	return peak
}

// Clone returns a deep copy
func (w *Waveform) Clone() *Waveform {
	channels := make([][]float64, len(w.Channels))
	for i, ch := range w.Channels {
		channels[i] = append([]float64(nil), ch...)
	}
	return &Waveform{Channels: channels, SampleRate: w.SampleRate}
}

// Map returns a copy with f applied to every sample
func (w *Waveform) Map(f func(float64) float64) *Waveform {
	out := w.Clone()
	for _, ch := range out.Channels {
		for i, v := range ch {
			ch[i] = f(v)
		}
	}
	return out
}

// Scale returns a copy multiplied by gain
func (w *Waveform) Scale(gain float64) *Waveform {
	out := w.Clone()
	for _, ch := range out.Channels {
		floats.Scale(gain, ch)
	}
	return out
}
