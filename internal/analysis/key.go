package analysis

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mode is the detected scale quality
type Mode string

const (
	Major   Mode = "Major"
	Minor   Mode = "Minor"
	Unknown Mode = "Unknown"
)

// KeyNames indexes pitch classes from C
var KeyNames = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

var (
	majorTemplate = []float64{1, 0, 1, 0, 1, 1, 0, 1, 0, 1, 0, 1}
	minorTemplate = []float64{1, 0, 1, 1, 0, 1, 0, 1, 1, 0, 1, 0}
)

// EstimateKey correlates chroma against every rotation of the binary major
// and minor scale masks. A relative major and minor share one mask, so exact
// ties go to whichever tonic carries more energy, major when equal. Flat,
// non-finite or malformed vectors return C major.
func EstimateKey(chroma []float64) (string, Mode) {
	if len(chroma) != 12 || !usableChroma(chroma) {
		return "C", Major
	}

	bestMajor, majorIdx := bestRotation(chroma, majorTemplate)
	bestMinor, minorIdx := bestRotation(chroma, minorTemplate)

	switch {
	case bestMajor > bestMinor:
		return KeyNames[majorIdx], Major
	case bestMinor > bestMajor:
		return KeyNames[minorIdx], Minor
	case chroma[minorIdx] > chroma[majorIdx]:
		return KeyNames[minorIdx], Minor
	}
	return KeyNames[majorIdx], Major
}

// bestRotation returns the first maximal correlation and its rotation
func bestRotation(chroma, template []float64) (float64, int) {
	best, idx := math.Inf(-1), 0
	rotated := make([]float64, 12)
	for r := 0; r < 12; r++ {
		roll(rotated, template, r)
		if c := stat.Correlation(chroma, rotated, nil); c > best {
			best, idx = c, r
		}
	}
	return best, idx
}

// roll shifts src right by r into dst (numpy roll semantics)
func roll(dst, src []float64, r int) {
	n := len(src)
	for i, v := range src {
		dst[(i+r)%n] = v
	}
}

func usableChroma(chroma []float64) bool {
	first := chroma[0]
	varied := false
	for _, v := range chroma {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		if v != first {
			varied = true
		}
	}
	return varied
}
