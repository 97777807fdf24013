package midi

// StemTranscription is one stem's transcription awaiting assembly
type StemTranscription struct {
	Stem    string
	Profile Profile
	Tracks  []Track
}

// Assemble builds one track per stem, in input order and named for the
// stem. Fragment tracks of a stem are merged and sorted by start. Drum
// stems use program 0 with the drum flag; others keep their program. A stem
// with no notes still gets its (empty) track.
func Assemble(stems []StemTranscription) *Document {
	doc := NewDocument()
	for _, st := range stems {
		t := Track{
			Name:    st.Stem,
			Program: st.Profile.Program,
			Drum:    st.Profile.Drum,
		}
		if st.Profile == (Profile{}) && len(st.Tracks) > 0 {
			t.Program = st.Tracks[0].Program
		}
		for _, frag := range st.Tracks {
			if frag.Drum {
				t.Drum = true
			}
			t.Notes = append(t.Notes, frag.Notes...)
		}
		if t.Drum {
			t.Program = 0
		}
		t.Notes = sanitizeNotes(t.Notes)
		sortByStart(t.Notes)
		doc.Tracks = append(doc.Tracks, t)
	}
	return doc
}

// FromResults pairs per-stem engine results with their stem names
func FromResults(names []string, results map[string]Result) []StemTranscription {
	out := make([]StemTranscription, 0, len(names))
	for _, name := range names {
		out = append(out, StemTranscription{
			Stem:    name,
			Profile: ProfileForStem(name),
			Tracks:  results[name].Tracks,
		})
	}
	return out
}

