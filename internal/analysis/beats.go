package analysis

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultTempo is reported whenever no pulse can be measured
const DefaultTempo = 120.0

// BeatTracker derives tempo and beat times (seconds) from one onset-strength
// envelope, so the two are always mutually consistent.
type BeatTracker interface {
	Track(onset []float64, frameRate float64) (tempo float64, beats []float64)
}

// DPBeatTracker estimates tempo by prior-weighted autocorrelation and places
// beats by dynamic programming at that period.
type DPBeatTracker struct {
	StartBPM  float64
	Tightness float64
	MinBPM    float64
	MaxBPM    float64
}

// NewBeatTracker returns a tracker with a 120 BPM prior
func NewBeatTracker() *DPBeatTracker {
	return &DPBeatTracker{StartBPM: DefaultTempo, Tightness: 100, MinBPM: 30, MaxBPM: 320}
}

// Track implements BeatTracker. An envelope without onsets yields the
// default tempo and no beats.
func (d *DPBeatTracker) Track(onset []float64, frameRate float64) (float64, []float64) {
	if len(onset) < 2 || frameRate <= 0 || floats.Max(onset) <= 0 {
		return DefaultTempo, nil
	}

	tempo := d.estimateTempo(onset, frameRate)
	frames := d.placeBeats(onset, frameRate, tempo)

	beats := make([]float64, len(frames))
	for i, f := range frames {
		beats[i] = float64(f) / frameRate
	}
	return tempo, beats
}

func (d *DPBeatTracker) estimateTempo(onset []float64, frameRate float64) float64 {
	minLag := max(1, int(math.Floor(60*frameRate/d.MaxBPM)))
	maxLag := min(len(onset)-1, int(math.Ceil(60*frameRate/d.MinBPM)))
	if maxLag <= minLag {
		return d.StartBPM
	}

	// a short triangular smoothing lets periods that fall between two
	// integer lags score on both
	smooth := make([]float64, len(onset))
	tri := []float64{1, 2, 3, 2, 1}
	for t := range smooth {
		for i, k := range tri {
			if j := t + i - 2; j >= 0 && j < len(onset) {
				smooth[t] += onset[j] * k
			}
		}
	}

	score := make([]float64, maxLag+2)
	best := minLag
	for lag := minLag; lag <= maxLag; lag++ {
		ac := floats.Dot(smooth[:len(smooth)-lag], smooth[lag:])
		bpm := 60 * frameRate / float64(lag)
		octaves := math.Log2(bpm / d.StartBPM)
		score[lag] = ac * math.Exp(-0.5*octaves*octaves)
		if score[lag] > score[best] {
			best = lag
		}
	}
	if score[best] <= 0 {
		return d.StartBPM
	}

	// parabolic refinement around the peak
	lag := float64(best)
	if best > minLag && best < maxLag {
		a, b, c := score[best-1], score[best], score[best+1]
		if denom := a - 2*b + c; denom < 0 {
			lag += 0.5 * (a - c) / denom
		}
	}
	return 60 * frameRate / lag
}

func (d *DPBeatTracker) placeBeats(onset []float64, frameRate, tempo float64) []int {
	period := 60 * frameRate / tempo
	n := len(onset)

	norm := append([]float64(nil), onset...)
	if sd := stat.StdDev(norm, nil); sd > 0 {
		floats.Scale(1/sd, norm)
	}

	// local score: onset envelope smoothed by a narrow gaussian
	half := int(math.Round(period))
	kernel := make([]float64, 2*half+1)
	for i := range kernel {
		x := float64(i-half) * 32 / period
		kernel[i] = math.Exp(-0.5 * x * x)
	}
	local := make([]float64, n)
	for t := range local {
		var sum float64
		for i, k := range kernel {
			if j := t + i - half; j >= 0 && j < n {
				sum += norm[j] * k
			}
		}
		local[t] = sum
	}

	cum := make([]float64, n)
	back := make([]int, n)
	far := int(math.Round(2 * period))
	near := max(1, int(math.Round(period/2)))
	for t := 0; t < n; t++ {
		back[t] = -1
		cum[t] = local[t]
		hi := t - near
		if hi < 0 {
			continue
		}
		bestScore := math.Inf(-1)
		for p := max(0, t-far); p <= hi; p++ {
			dev := math.Log(float64(t-p) / period)
			s := cum[p] - d.Tightness*dev*dev
			if s > bestScore {
				bestScore, back[t] = s, p
			}
		}
		if bestScore > 0 {
			cum[t] += bestScore
		} else {
			back[t] = -1
		}
	}

	last := lastBeat(cum)
	if last < 0 {
		return nil
	}
	var frames []int
	for t := last; t >= 0; t = back[t] {
		frames = append(frames, t)
	}
	slices.Reverse(frames)
	return trimWeakBeats(frames, local)
}

// lastBeat picks the final local maximum of the cumulative score that is
// at least half the median peak height
func lastBeat(cum []float64) int {
	var peaks []int
	for t := range cum {
		left := t == 0 || cum[t] > cum[t-1]
		right := t == len(cum)-1 || cum[t] >= cum[t+1]
		if left && right {
			peaks = append(peaks, t)
		}
	}
	if len(peaks) == 0 {
		return -1
	}
	heights := make([]float64, len(peaks))
	for i, p := range peaks {
		heights[i] = cum[p]
	}
	slices.Sort(heights)
	median := stat.Quantile(0.5, stat.Empirical, heights, nil)
	for i := len(peaks) - 1; i >= 0; i-- {
		if cum[peaks[i]] >= 0.5*median {
			return peaks[i]
		}
	}
	return peaks[len(peaks)-1]
}

// trimWeakBeats drops leading and trailing beats whose local score is below
// half the RMS of the local score at beat positions
func trimWeakBeats(frames []int, local []float64) []int {
	if len(frames) == 0 {
		return frames
	}
	var sumSq float64
	for _, f := range frames {
		sumSq += local[f] * local[f]
	}
	threshold := 0.5 * math.Sqrt(sumSq/float64(len(frames)))

	start, end := 0, len(frames)
	for start < end && local[frames[start]] <= threshold {
		start++
	}
	for end > start && local[frames[end-1]] <= threshold {
		end--
	}
	return frames[start:end]
}

// onsetEnvelope is the band-averaged positive log-mel flux
func onsetEnvelope(logMel [][]float64) []float64 {
	env := make([]float64, len(logMel))
	for t := 1; t < len(logMel); t++ {
		var sum float64
		for b, v := range logMel[t] {
			if d := v - logMel[t-1][b]; d > 0 {
				sum += d
			}
		}
		env[t] = sum / float64(len(logMel[t]))
	}
	return env
}
