package midi

// DefaultPadSeconds is the reference length sparse tracks are padded to
const DefaultPadSeconds = 30.0

// PadPolicy extends short tracks for consumers that assume a fixed length
type PadPolicy interface {
	Pad(Track) Track
}

// FixedPad appends a near-silent filler note (pitch 60, velocity 1, one
// tick long) at Target to any track that ends before it, empty ones included
type FixedPad struct {
	Target float64
}

func (p FixedPad) Pad(t Track) Track {
	if p.Target <= 0 || t.End() >= p.Target {
		return t
	}
	notes := make([]Note, len(t.Notes), len(t.Notes)+1)
	copy(notes, t.Notes)
	t.Notes = append(notes, Note{
		Pitch:    60,
		Velocity: 1,
		Start:    p.Target,
		End:      p.Target + 1.0/TicksPerSecond,
	})
	return t
}

// NoPad leaves tracks untouched
type NoPad struct{}

func (NoPad) Pad(t Track) Track { return t }
