package midi

import "math"

// CleanupResult reports what Sanitize kept
type CleanupResult struct {
	Notes    []Note `json:"notes"`
	Retained int    `json:"retained"`
	Removed  int    `json:"removed"`
}

// Sanitize clamps pitch to 0-127 and velocity to 1-127, and drops notes
// with non-finite times, negative starts or no duration.
func Sanitize(notes []Note) CleanupResult {
	kept := sanitizeNotes(notes)
	return CleanupResult{
		Notes:    kept,
		Retained: len(kept),
		Removed:  len(notes) - len(kept),
	}
}

func sanitizeNotes(notes []Note) []Note {
	out := make([]Note, 0, len(notes))
	for _, n := range notes {
		if !finite(n.Start) || !finite(n.End) || n.Start < 0 || n.End <= n.Start {
			continue
		}
		n.Pitch = clamp(n.Pitch, 0, 127)
		n.Velocity = clamp(n.Velocity, 1, 127)
		out = append(out, n)
	}
	return out
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
