package midi

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/tokoroten/tokoroten/internal/audio"
)

// CMajorScale is the pitch pool for synthetic notes
var CMajorScale = []int{60, 62, 64, 65, 67, 69, 71}

// Role selects the rhythmic density rule a synthetic track follows
type Role string

const (
	RolePiano Role = "piano"
	RoleBass  Role = "bass"
	RoleDrums Role = "drums"
)

// Profile names an instrument and how it is rendered
type Profile struct {
	Name    string
	Program int
	Drum    bool
	Role    Role
}

var (
	Piano = Profile{Name: "piano", Program: 0, Role: RolePiano}
	Bass  = Profile{Name: "bass", Program: 32, Role: RoleBass}
	Drums = Profile{Name: "drums", Program: 0, Drum: true, Role: RoleDrums}
)

// DefaultProfiles are used when a caller names no instrument
var DefaultProfiles = []Profile{Piano, Bass, Drums}

// ProfileForStem maps a stem name to its instrument profile. Unknown names
// render as piano under their own name.
func ProfileForStem(stem string) Profile {
	switch strings.ToLower(stem) {
	case audio.StemDrums, "kick", "snare", "percussion":
		p := Drums
		p.Name = stem
		return p
	case audio.StemBass:
		return Bass
	case audio.StemVocals:
		// voice oohs, melodic density
		return Profile{Name: stem, Program: 52, Role: RolePiano}
	}
	p := Piano
	p.Name = stem
	return p
}

// Seed derives the generator seed from the mono mix statistics:
// int(|mean*10000|) + int(|std*10000|). Changing this breaks reproducibility
// of every stored synthetic transcription.
func Seed(w *audio.Waveform) uint64 {
	mean, std := w.Stats()
	return uint64(math.Abs(mean*10000)) + uint64(math.Abs(std*10000))
}

// Synthetic generates deterministic scale material from waveform statistics.
// It is the fallback when no transcription model is available.
type Synthetic struct{}

func (Synthetic) Name() string { return "synthetic" }

func (Synthetic) Available(context.Context) error { return nil }

// Transcribe renders one track per profile over the waveform's duration
func (s Synthetic) Transcribe(_ context.Context, w *audio.Waveform, profiles []Profile) ([]Track, error) {
	if len(profiles) == 0 {
		profiles = DefaultProfiles
	}
	seed := Seed(w)
	rng := rand.New(rand.NewPCG(seed, seed))
	duration := w.Duration()

	tracks := make([]Track, 0, len(profiles))
	for _, p := range profiles {
		tracks = append(tracks, Synthesize(p, duration, rng))
	}
	return tracks, nil
}

// Synthesize renders one profile's density rule over duration seconds
func Synthesize(p Profile, duration float64, rng *rand.Rand) Track {
	t := Track{Name: p.Name, Program: p.Program, Drum: p.Drum}

	switch p.Role {
	case RoleBass:
		for i := 0; i < int(duration); i++ {
			start := float64(i)
			t.Notes = append(t.Notes, Note{
				Pitch:    CMajorScale[i%len(CMajorScale)] - 12,
				Velocity: 80,
				Start:    start,
				End:      start + 0.8,
			})
		}
	case RoleDrums:
		for i := 0; i < int(duration*2); i++ {
			pitch := 36 // kick
			if i%2 == 1 {
				pitch = 38 // snare
			}
			start := float64(i) * 0.5
			t.Notes = append(t.Notes, Note{Pitch: pitch, Velocity: 100, Start: start, End: start + 0.1})
		}
	default:
		for i := 0; i < int(duration*4); i++ {
			length := 0.1 + 0.4*rng.Float64()
			pitch := CMajorScale[rng.IntN(len(CMajorScale))]
			if rng.IntN(2) == 1 {
				pitch += 12
			}
			velocity := 60 + rng.IntN(41)
			start := float64(i) * 0.25
			t.Notes = append(t.Notes, Note{Pitch: pitch, Velocity: velocity, Start: start, End: start + length})
		}
	}
	return t
}

// FixedMelody is the last-resort content: an ascending C major scale,
// 0.5s per note at velocity 80
func FixedMelody() Track {
	pitches := []int{60, 62, 64, 65, 67, 69, 71, 72}
	t := Track{Name: Piano.Name, Program: Piano.Program}
	for i, p := range pitches {
		start := float64(i) * 0.5
		t.Notes = append(t.Notes, Note{Pitch: p, Velocity: 80, Start: start, End: start + 0.5})
	}
	return t
}
