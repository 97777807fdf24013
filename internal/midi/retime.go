package midi

import (
	"cmp"
	"math"
	"slices"
)

// Timebase converts between seconds and ticks at a fixed tempo
type Timebase struct {
	BPM        float64
	Resolution int
}

// Canonical is 120 BPM at 480 ticks per beat (960 ticks per second)
var Canonical = Timebase{BPM: TempoBPM, Resolution: Resolution}

// TicksPerSecond returns the tick rate
func (tb Timebase) TicksPerSecond() float64 {
	return tb.BPM / 60 * float64(tb.Resolution)
}

// ToTicks rounds seconds to the nearest tick
func (tb Timebase) ToTicks(seconds float64) int64 {
	return int64(math.Round(seconds * tb.TicksPerSecond()))
}

// ToSeconds converts an absolute tick position back to seconds
func (tb Timebase) ToSeconds(ticks int64) float64 {
	return float64(ticks) / tb.TicksPerSecond()
}

// Retime snaps every note to the canonical tick grid and orders notes by
// start time. Note count is preserved; a note that would collapse to zero
// length keeps a one tick duration.
func Retime(notes []Note) []Note {
	out := make([]Note, len(notes))
	for i, n := range notes {
		start := max(0, Canonical.ToTicks(n.Start))
		end := Canonical.ToTicks(n.End)
		if end <= start {
			end = start + 1
		}
		n.Start = Canonical.ToSeconds(start)
		n.End = Canonical.ToSeconds(end)
		out[i] = n
	}
	sortByStart(out)
	return out
}

// sortByStart orders notes by start time, keeping input order for ties
func sortByStart(notes []Note) {
	slices.SortStableFunc(notes, func(a, b Note) int {
		return cmp.Compare(a.Start, b.Start)
	})
}

// RetimeTracks applies Retime to every track of a copy of tracks
func RetimeTracks(tracks []Track) []Track {
	out := make([]Track, len(tracks))
	for i, t := range tracks {
		t.Notes = Retime(t.Notes)
		out[i] = t
	}
	return out
}
