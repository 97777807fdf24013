package midi

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"reflect"
	"slices"
	"testing"

	gm "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/tokoroten/tokoroten/internal/audio"
	apperrors "github.com/tokoroten/tokoroten/internal/errors"
	"github.com/tokoroten/tokoroten/internal/exec"
	"github.com/tokoroten/tokoroten/internal/logger"
)

func silence(seconds float64, rate int) *audio.Waveform {
	return &audio.Waveform{Channels: [][]float64{make([]float64, int(seconds*float64(rate)))}, SampleRate: rate}
}

func tone(freq, seconds float64, rate, channels int) *audio.Waveform {
	n := int(seconds * float64(rate))
	chans := make([][]float64, channels)
	for c := range chans {
		ch := make([]float64, n)
		for i := range ch {
			ch[i] = 0.3*math.Sin(2*math.Pi*freq*float64(i)/float64(rate)) + 0.01
		}
		chans[c] = ch
	}
	return &audio.Waveform{Channels: chans, SampleRate: rate}
}

// stubStrategy is a transcription capability with scripted behaviour
type stubStrategy struct {
	availErr error
	err      error
	tracks   []Track
	calls    int
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Available(context.Context) error { return s.availErr }

func (s *stubStrategy) Transcribe(context.Context, *audio.Waveform, []Profile) ([]Track, error) {
	s.calls++
	return s.tracks, s.err
}

func TestRetime(t *testing.T) {
	notes := []Note{
		{Pitch: 64, Velocity: 90, Start: 1.23456, End: 1.5},
		{Pitch: 60, Velocity: 80, Start: 0.0004, End: 0.0004},
		{Pitch: 67, Velocity: 70, Start: 0.75, End: 0.9},
		{Pitch: 62, Velocity: 70, Start: 0.75, End: 1.1},
	}

	got := Retime(notes)
	if len(got) != len(notes) {
		t.Fatalf("Retime changed note count: %d -> %d", len(notes), len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Start < got[i-1].Start {
			t.Fatalf("notes not sorted at %d", i)
		}
	}
	// equal starts keep input order
	if got[1].Pitch != 67 || got[2].Pitch != 62 {
		t.Errorf("tie order = %d, %d, want 67, 62", got[1].Pitch, got[2].Pitch)
	}
	for _, n := range got {
		if n.End <= n.Start {
			t.Errorf("note %d has no duration after retime", n.Pitch)
		}
	}
	byPitch := map[int]Note{}
	for _, n := range got {
		byPitch[n.Pitch] = n
	}
	for _, orig := range notes {
		n := byPitch[orig.Pitch]
		if math.Abs(n.Start-orig.Start) > 1.0/TicksPerSecond {
			t.Errorf("pitch %d start moved %v", orig.Pitch, n.Start-orig.Start)
		}
		ticks := n.Start * TicksPerSecond
		if math.Abs(ticks-math.Round(ticks)) > 1e-6 {
			t.Errorf("pitch %d start %v is off the tick grid", orig.Pitch, n.Start)
		}
	}
}

func TestTimebase(t *testing.T) {
	if got := Canonical.TicksPerSecond(); got != TicksPerSecond {
		t.Errorf("TicksPerSecond() = %v, want %d", got, TicksPerSecond)
	}
	slow := Timebase{BPM: 60, Resolution: 96}
	if got := slow.ToTicks(2.5); got != 240 {
		t.Errorf("ToTicks(2.5) = %d, want 240", got)
	}
	if got := slow.ToSeconds(240); got != 2.5 {
		t.Errorf("ToSeconds(240) = %v, want 2.5", got)
	}
}

func TestSeed(t *testing.T) {
	// mono mean 0.5, population std 0.25
	w := &audio.Waveform{Channels: [][]float64{{0.25, 0.75}, {0.25, 0.75}}, SampleRate: 8000}
	if got := Seed(w); got != 5000+2500 {
		t.Errorf("Seed() = %d, want 7500", got)
	}
	if got := Seed(silence(1, 8000)); got != 0 {
		t.Errorf("Seed(silence) = %d, want 0", got)
	}
}

func TestSynthetic_Deterministic(t *testing.T) {
	w := tone(440, 30, 8000, 2)

	first, err := Synthetic{}.Transcribe(context.Background(), w, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := Synthetic{}.Transcribe(context.Background(), w.Clone(), nil)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("same waveform produced different notes")
	}

	var a, b bytes.Buffer
	if err := Encode(&a, &Document{Tracks: first}); err != nil {
		t.Fatal(err)
	}
	if err := Encode(&b, &Document{Tracks: second}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("encoded documents differ")
	}

	counts := map[string]int{"piano": 120, "bass": 30, "drums": 60}
	for _, track := range first {
		if len(track.Notes) != counts[track.Name] {
			t.Errorf("%s: %d notes, want %d", track.Name, len(track.Notes), counts[track.Name])
		}
	}
}

func TestSynthesize_Rules(t *testing.T) {
	t.Run("Piano", func(t *testing.T) {
		track := Synthesize(Piano, 10, newRand(42))
		for i, n := range track.Notes {
			if n.Start != float64(i)*0.25 {
				t.Fatalf("note %d starts at %v", i, n.Start)
			}
			if d := n.Duration(); d < 0.1 || d >= 0.5 {
				t.Errorf("note %d duration %v outside [0.1, 0.5)", i, d)
			}
			if n.Velocity < 60 || n.Velocity > 100 {
				t.Errorf("note %d velocity %d outside [60, 100]", i, n.Velocity)
			}
			base := n.Pitch
			if base >= 72 {
				base -= 12
			}
			if !slices.Contains(CMajorScale, base) {
				t.Errorf("note %d pitch %d not in C major", i, n.Pitch)
			}
		}
	})

	t.Run("Bass", func(t *testing.T) {
		track := Synthesize(Bass, 8, nil)
		want := []int{48, 50, 52, 53, 55, 57, 59, 48}
		for i, n := range track.Notes {
			if n.Pitch != want[i] || n.Velocity != 80 || math.Abs(n.Duration()-0.8) > 1e-9 || n.Start != float64(i) {
				t.Errorf("bass note %d = %+v", i, n)
			}
		}
		if track.Program != 32 {
			t.Errorf("Program = %d, want 32", track.Program)
		}
	})

	t.Run("Drums", func(t *testing.T) {
		track := Synthesize(Drums, 2, nil)
		if len(track.Notes) != 4 || !track.Drum {
			t.Fatalf("drums = %+v", track)
		}
		for i, n := range track.Notes {
			want := 36
			if i%2 == 1 {
				want = 38
			}
			if n.Pitch != want || n.Velocity != 100 || math.Abs(n.Duration()-0.1) > 1e-9 {
				t.Errorf("drum note %d = %+v", i, n)
			}
		}
	})
}

func TestFixedPad(t *testing.T) {
	pad := FixedPad{Target: 30}

	padded := pad.Pad(Track{Notes: []Note{{Pitch: 60, Velocity: 80, Start: 0, End: 1}}})
	if len(padded.Notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(padded.Notes))
	}
	filler := padded.Notes[1]
	if filler.Pitch != 60 || filler.Velocity != 1 || filler.Start != 30 {
		t.Errorf("filler = %+v", filler)
	}
	if math.Abs(filler.Duration()-1.0/TicksPerSecond) > 1e-12 {
		t.Errorf("filler lasts %v, want one tick", filler.Duration())
	}

	empty := pad.Pad(Track{Name: "bass"})
	if len(empty.Notes) != 1 || empty.Notes[0].Velocity != 1 || empty.Notes[0].Start != 30 {
		t.Errorf("empty track padded to %+v, want the filler alone", empty.Notes)
	}
	long := Track{Notes: []Note{{Pitch: 60, Velocity: 80, Start: 29, End: 31}}}
	if got := pad.Pad(long); len(got.Notes) != 1 {
		t.Error("track reaching the target should not be padded")
	}
}

func TestEngine_SilentEndToEnd(t *testing.T) {
	log, recorded := logger.NewTestLogger()
	primary := &stubStrategy{availErr: apperrors.ErrToolNotInstalled}
	engine := NewEngine(primary, nil, nil, log)

	result := engine.Transcribe(context.Background(), silence(30, 16000))

	if result.Outcome != audio.OutcomeDegraded || result.Strategy != "synthetic" {
		t.Errorf("result = %s via %s, want degraded synthetic", result.Outcome, result.Strategy)
	}
	if result.Reason != apperrors.ReasonModelUnavailable {
		t.Errorf("Reason = %s", result.Reason)
	}
	if primary.calls != 0 {
		t.Error("unavailable model should not be invoked")
	}
	if recorded.FilterMessage("model transcription degraded, using synthetic notes").Len() != 1 {
		t.Error("expected degraded log")
	}

	path := filepath.Join(t.TempDir(), "silent.mid")
	if err := WriteFile(path, result.Document()); err != nil {
		t.Fatal(err)
	}
	doc, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Resolution != 480 {
		t.Errorf("Resolution = %d, want 480", doc.Resolution)
	}
	if math.Abs(doc.BPM-120) > 1 {
		t.Errorf("BPM = %v, want 120", doc.BPM)
	}
	if len(doc.Tracks) < 1 || doc.NoteCount() < 1 {
		t.Fatalf("document has %d tracks / %d notes", len(doc.Tracks), doc.NoteCount())
	}
	if end := doc.End(); end < 29 || end > 31 {
		t.Errorf("document ends at %.3fs, want within [29, 31]", end)
	}
}

func TestEngine_ModelSuccess(t *testing.T) {
	primary := &stubStrategy{tracks: []Track{{
		Name: "model", Program: 4,
		Notes: []Note{{Pitch: 70, Velocity: 90, Start: 0.1234, End: 0.5}},
	}}}
	engine := NewEngine(primary, NoPad{}, nil, nil)

	result := engine.Transcribe(context.Background(), tone(220, 1, 16000, 1))
	if result.Outcome != audio.OutcomeSuccess || result.Reason != apperrors.ReasonNone {
		t.Fatalf("result = %s (%s)", result.Outcome, result.Reason)
	}
	n := result.Tracks[0].Notes[0]
	if math.Abs(n.Start*TicksPerSecond-118) > 1e-9 {
		t.Errorf("start %v not retimed", n.Start)
	}
}

func TestEngine_ModelFailures(t *testing.T) {
	tests := []struct {
		name   string
		stub   *stubStrategy
		reason apperrors.Reason
	}{
		{"Error", &stubStrategy{err: errors.New("cuda oom")}, apperrors.ReasonModelFailed},
		{"Decode", &stubStrategy{err: apperrors.ErrCorruptedFile}, apperrors.ReasonDecodeFailed},
		{"Empty", &stubStrategy{tracks: []Track{{Name: "x"}}}, apperrors.ReasonEmptyTranscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewEngine(tt.stub, nil, nil, nil).Transcribe(context.Background(), tone(220, 5, 8000, 1), Bass)
			if result.Outcome != audio.OutcomeDegraded || result.Reason != tt.reason {
				t.Errorf("result = %s (%s), want degraded (%s)", result.Outcome, result.Reason, tt.reason)
			}
			if len(result.Tracks) != 1 || result.Tracks[0].Program != 32 {
				t.Errorf("expected a single bass track, got %+v", result.Tracks)
			}
		})
	}
}

func TestEngine_LastResort(t *testing.T) {
	engine := NewEngine(nil, nil, audio.NewLoader(nil, ""), nil)

	result := engine.TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "gone.wav"))
	if result.Reason != apperrors.ReasonLoadFailed || result.Strategy != "fixed" {
		t.Fatalf("result = %s via %s", result.Reason, result.Strategy)
	}
	notes := result.Tracks[0].Notes
	want := []int{60, 62, 64, 65, 67, 69, 71, 72}
	if len(notes) != len(want)+1 {
		t.Fatalf("got %d notes, want 8 plus filler", len(notes))
	}
	for i, p := range want {
		if notes[i].Pitch != p || notes[i].Start != float64(i)*0.5 || notes[i].Velocity != 80 {
			t.Errorf("note %d = %+v", i, notes[i])
		}
	}
	if notes[8].Velocity != 1 || notes[8].Start != 30 {
		t.Errorf("filler = %+v", notes[8])
	}
}

func TestEngine_ShortStem(t *testing.T) {
	engine := NewEngine(nil, nil, nil, nil)

	result := engine.Transcribe(context.Background(), tone(55, 0.9, 16000, 1), Bass)
	if result.Strategy != "synthetic" || result.Reason != apperrors.ReasonEmptyTranscription {
		t.Fatalf("result = %s via %s, want empty_transcription via synthetic", result.Reason, result.Strategy)
	}
	if len(result.Tracks) != 1 || result.Tracks[0].Name != "bass" || result.Tracks[0].Program != 32 {
		t.Fatalf("tracks = %+v, want the bass track", result.Tracks)
	}
	notes := result.Tracks[0].Notes
	if len(notes) != 1 || notes[0].Velocity != 1 || notes[0].Pitch != 60 || notes[0].Start != DefaultPadSeconds {
		t.Errorf("bass notes = %+v, want only the filler", notes)
	}

	all := engine.Transcribe(context.Background(), silence(0.1, 8000))
	if len(all.Tracks) != len(DefaultProfiles) {
		t.Fatalf("got %d tracks, want %d", len(all.Tracks), len(DefaultProfiles))
	}
	for _, tr := range all.Tracks {
		if len(tr.Notes) == 0 || tr.End() < DefaultPadSeconds {
			t.Errorf("track %s ends at %.3f with %d notes", tr.Name, tr.End(), len(tr.Notes))
		}
	}

	unpadded := NewEngine(nil, NoPad{}, nil, nil).Transcribe(context.Background(), silence(0.1, 8000), Bass)
	if unpadded.Strategy != "synthetic" || len(unpadded.Tracks[0].Notes) != 0 {
		t.Errorf("unpadded short input = %+v", unpadded)
	}
}

func TestModelBacked_Unavailable(t *testing.T) {
	m := NewModelBacked(exec.NewRunner("python3", t.TempDir()), t.TempDir(), nil)
	if err := m.Available(context.Background()); !errors.Is(err, apperrors.ErrToolNotInstalled) {
		t.Errorf("Available() = %v, want ErrToolNotInstalled", err)
	}
}

func TestAssemble(t *testing.T) {
	stems := []StemTranscription{
		{Stem: "kick", Profile: ProfileForStem("kick"), Tracks: []Track{{Program: 5, Notes: []Note{
			{Pitch: 36, Velocity: 100, Start: 1, End: 1.1},
			{Pitch: 36, Velocity: 100, Start: 0, End: 0.1},
		}}}},
		{Stem: "snare", Profile: Profile{Name: "snare", Program: 7}, Tracks: []Track{
			{Notes: []Note{{Pitch: 62, Velocity: 80, Start: 0.5, End: 1}}},
			{Notes: []Note{{Pitch: 60, Velocity: 80, Start: 0.25, End: 1}}},
		}},
	}

	doc := Assemble(stems)
	if len(doc.Tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(doc.Tracks))
	}
	kick, snare := doc.Tracks[0], doc.Tracks[1]
	if kick.Name != "kick" || snare.Name != "snare" {
		t.Errorf("names = %q, %q", kick.Name, snare.Name)
	}
	if !kick.Drum || kick.Program != 0 {
		t.Errorf("kick = drum %v program %d, want drum program 0", kick.Drum, kick.Program)
	}
	if snare.Drum || snare.Program != 7 {
		t.Errorf("snare = drum %v program %d", snare.Drum, snare.Program)
	}
	if kick.Notes[0].Start != 0 || snare.Notes[0].Pitch != 60 {
		t.Error("assembled notes not sorted by start")
	}

	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		t.Fatal(err)
	}
	raw, err := smf.ReadFrom(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw.Tracks) != 3 {
		t.Fatalf("got %d MTrk chunks, want meta + 2", len(raw.Tracks))
	}
	if mt, ok := raw.TimeFormat.(smf.MetricTicks); !ok || mt.Resolution() != 480 {
		t.Errorf("TimeFormat = %v, want 480 ticks", raw.TimeFormat)
	}
	for i, tr := range raw.Tracks[1:] {
		assertProgramFirst(t, i, tr)
	}

	decoded, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Tracks[0].Name != "kick" || decoded.Tracks[1].Name != "snare" || !decoded.Tracks[0].Drum {
		t.Errorf("decoded tracks = %+v", decoded.Tracks)
	}
}

func assertProgramFirst(t *testing.T, idx int, tr smf.Track) {
	t.Helper()
	for _, ev := range tr {
		msg := gm.Message(ev.Message)
		var ch, prog, key, vel uint8
		if msg.GetProgramChange(&ch, &prog) {
			return
		}
		if msg.GetNoteStart(&ch, &key, &vel) || msg.GetNoteEnd(&ch, &key) {
			t.Errorf("track %d: note before program change", idx)
			return
		}
	}
	t.Errorf("track %d: no program change", idx)
}

func TestAssemble_EmptyStem(t *testing.T) {
	doc := Assemble([]StemTranscription{
		{Stem: "vocals", Profile: ProfileForStem("vocals")},
		{Stem: "bass", Profile: Bass, Tracks: []Track{{Notes: []Note{{Pitch: 40, Velocity: 80, Start: 0, End: 1}}}}},
	})
	if len(doc.Tracks) != 2 || doc.Tracks[0].Name != "vocals" || len(doc.Tracks[0].Notes) != 0 {
		t.Errorf("tracks = %+v", doc.Tracks)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Tracks) != 2 {
		t.Errorf("empty track lost in round trip: %d tracks", len(decoded.Tracks))
	}
}

func TestDecode_ForeignTempo(t *testing.T) {
	// 90 BPM, 96 ticks per beat: a note at beat 2 lasting one beat
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(96)
	var meta smf.Track
	meta.Add(0, smf.MetaTempo(90))
	meta.Close(0)
	var tr smf.Track
	tr.Add(0, gm.ProgramChange(0, 25))
	tr.Add(192, gm.NoteOn(0, 64, 100))
	tr.Add(96, gm.NoteOff(0, 64))
	tr.Close(0)
	if err := s.Add(meta); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(tr); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	doc, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(doc.BPM-90) > 0.01 || doc.Resolution != 96 {
		t.Fatalf("decoded %v BPM / %d tpb", doc.BPM, doc.Resolution)
	}
	n := doc.Tracks[0].Notes[0]
	// 90 BPM stores 666666 µs per beat, so times drift by about 1e-6
	if math.Abs(n.Start-4.0/3) > 1e-5 || math.Abs(n.End-2) > 1e-5 {
		t.Errorf("note at %v-%v, want 1.333-2.0", n.Start, n.End)
	}
	if doc.Tracks[0].Program != 25 {
		t.Errorf("Program = %d, want 25", doc.Tracks[0].Program)
	}

	retimed := Retime(doc.Tracks[0].Notes)
	if got := Canonical.ToTicks(retimed[0].Start); got != 1280 {
		t.Errorf("canonical start tick = %d, want 1280", got)
	}
}

func TestSanitize(t *testing.T) {
	got := Sanitize([]Note{
		{Pitch: 130, Velocity: 0, Start: 0, End: 1},
		{Pitch: 60, Velocity: 80, Start: 1, End: 1},
		{Pitch: 60, Velocity: 80, Start: math.NaN(), End: 1},
		{Pitch: -3, Velocity: 200, Start: 2, End: 3},
	})
	if got.Retained != 2 || got.Removed != 2 {
		t.Fatalf("Sanitize() kept %d removed %d", got.Retained, got.Removed)
	}
	if got.Notes[0].Pitch != 127 || got.Notes[0].Velocity != 1 {
		t.Errorf("first = %+v", got.Notes[0])
	}
	if got.Notes[1].Pitch != 0 || got.Notes[1].Velocity != 127 {
		t.Errorf("second = %+v", got.Notes[1])
	}
}

func TestProfileForStem(t *testing.T) {
	tests := map[string]Profile{
		"drums":  {Name: "drums", Program: 0, Drum: true, Role: RoleDrums},
		"bass":   Bass,
		"vocals": {Name: "vocals", Program: 52, Role: RolePiano},
		"other":  {Name: "other", Program: 0, Role: RolePiano},
		"guitar": {Name: "guitar", Program: 0, Role: RolePiano},
	}
	for stem, want := range tests {
		if got := ProfileForStem(stem); got != want {
			t.Errorf("ProfileForStem(%q) = %+v, want %+v", stem, got, want)
		}
	}
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}
