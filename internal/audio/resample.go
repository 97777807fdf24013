package audio

// Resample converts w to rate by linear interpolation. It is only used to
// feed capabilities that require a fixed input rate and to realign stems
// returned at a model's native rate.
func Resample(w *Waveform, rate int) *Waveform {
	if rate <= 0 || rate == w.SampleRate || w.Frames() == 0 {
		return w.Clone()
	}

	ratio := float64(w.SampleRate) / float64(rate)
	n := int(float64(w.Frames()) / ratio)
	channels := make([][]float64, len(w.Channels))
	for c, src := range w.Channels {
		dst := make([]float64, n)
		last := len(src) - 1
		for i := range dst {
			pos := float64(i) * ratio
			j := int(pos)
			if j >= last {
				dst[i] = src[last]
				continue
			}
			frac := pos - float64(j)
			dst[i] = src[j]*(1-frac) + src[j+1]*frac
		}
		channels[c] = dst
	}
	return &Waveform{Channels: channels, SampleRate: rate}
}

// ToMono returns a single-channel copy
func ToMono(w *Waveform) *Waveform {
	return &Waveform{Channels: [][]float64{w.Mono()}, SampleRate: w.SampleRate}
}
