package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/tokoroten/tokoroten/internal/analysis"
	"github.com/tokoroten/tokoroten/internal/audio"
	"github.com/tokoroten/tokoroten/internal/cache"
	apperrors "github.com/tokoroten/tokoroten/internal/errors"
	"github.com/tokoroten/tokoroten/internal/insight"
	"github.com/tokoroten/tokoroten/internal/logger"
	"github.com/tokoroten/tokoroten/internal/midi"
	"github.com/tokoroten/tokoroten/internal/store"
)

// echoBackend returns its input for every vocabulary stem
type echoBackend struct {
	calls atomic.Int32
}

func (b *echoBackend) Name() string { return "echo" }

func (b *echoBackend) Available(context.Context) error { return nil }

func (b *echoBackend) Separate(_ context.Context, in *audio.Waveform, _ string) (map[string]*audio.Waveform, error) {
	b.calls.Add(1)
	out := map[string]*audio.Waveform{}
	for _, name := range audio.StemNames {
		out[name] = in.Clone()
	}
	return out, nil
}

type fakeInsight struct {
	calls atomic.Int32
}

func (f *fakeInsight) Analyze(_ context.Context, fs analysis.FeatureSet, typ insight.AnalysisType) insight.Insight {
	f.calls.Add(1)
	return insight.Insight{Type: typ, Result: map[string]any{"tempo": fs.Tempo}, Model: "fake"}
}

type fixture struct {
	orch    *Orchestrator
	backend *echoBackend
	insight *fakeInsight
	store   *store.Store
	workDir string
	dir     string
}

func newFixture(t *testing.T, backend audio.SeparationBackend) *fixture {
	t.Helper()
	dir := t.TempDir()
	workDir := filepath.Join(dir, "work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatal(err)
	}

	log, _ := logger.NewTestLogger()
	loader := audio.NewLoader(nil, "")
	stemCache, err := cache.NewStemCache(filepath.Join(dir, "cache"), dir)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(dir, "test.db"), log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{insight: &fakeInsight{}, store: st, workDir: workDir, dir: dir}
	if eb, ok := backend.(*echoBackend); ok {
		f.backend = eb
	}
	f.orch = New(Deps{
		Loader:    loader,
		Extractor: analysis.NewExtractor(loader, log),
		Separator: audio.NewSeparator(backend, log),
		Engine:    midi.NewEngine(nil, nil, loader, log),
		Cache:     stemCache,
		Insight:   f.insight,
		Store:     st,
		Logger:    log,
		WorkDir:   workDir,
	})
	return f
}

func writeTone(t *testing.T, path string, seconds float64) {
	t.Helper()
	const rate = 22050
	samples := make([]float64, int(seconds*rate))
	for i := range samples {
		ts := float64(i) / rate
		samples[i] = 0.3 * math.Sin(2*math.Pi*440*ts)
		if i%(rate/2) < 200 {
			samples[i] += 0.5
		}
	}
	w, err := audio.NewWaveform([][]float64{samples}, rate)
	if err != nil {
		t.Fatal(err)
	}
	if err := audio.WriteWAV(path, w, 16); err != nil {
		t.Fatal(err)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected %s to be empty, found %d entries", dir, len(entries))
	}
}

func TestProcess_Success(t *testing.T) {
	f := newFixture(t, &echoBackend{})
	input := filepath.Join(f.dir, "song.wav")
	writeTone(t, input, 4)

	cfg := DefaultConfig()
	cfg.InputPath = input
	cfg.MIDIOutputPath = filepath.Join(f.dir, "out", "song.mid")
	cfg.StemsOutputDir = filepath.Join(f.dir, "stems")
	cfg.FeaturesPath = filepath.Join(f.dir, "features.json")
	cfg.Insight = insight.General
	cfg.Persist = true

	res, err := f.orch.Process(context.Background(), cfg)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if res.Features.HasError() {
		t.Errorf("unexpected feature error: %s", res.Features.Error)
	}
	if res.SeparationResult != audio.OutcomeSuccess || res.Backend != "echo" || res.CacheHit {
		t.Errorf("separation: outcome=%q backend=%q hit=%v", res.SeparationResult, res.Backend, res.CacheHit)
	}
	if len(res.Stems) != 4 {
		t.Fatalf("expected 4 stem reports, got %d", len(res.Stems))
	}
	for _, s := range res.Stems {
		if s.Strategy != "synthetic" || s.Outcome != audio.OutcomeDegraded || s.Reason != apperrors.ReasonModelUnavailable {
			t.Errorf("stem %s: %+v", s.Stem, s)
		}
		if s.Notes == 0 || s.Path == "" {
			t.Errorf("stem %s has no notes or export path: %+v", s.Stem, s)
		}
	}

	doc, err := midi.ReadFile(cfg.MIDIOutputPath)
	if err != nil {
		t.Fatalf("read midi: %v", err)
	}
	if doc.Resolution != midi.Resolution || math.Abs(doc.BPM-midi.TempoBPM) > 1e-6 {
		t.Errorf("resolution %d bpm %v", doc.Resolution, doc.BPM)
	}
	wantNames := []string{"vocals", "drums", "bass", "other"}
	if len(doc.Tracks) != len(wantNames) {
		t.Fatalf("expected %d tracks, got %d", len(wantNames), len(doc.Tracks))
	}
	for i, tr := range doc.Tracks {
		if tr.Name != wantNames[i] {
			t.Errorf("track %d name %q, want %q", i, tr.Name, wantNames[i])
		}
		if (tr.Name == "drums") != tr.Drum {
			t.Errorf("track %q drum flag %v", tr.Name, tr.Drum)
		}
	}

	if _, err := os.Stat(cfg.FeaturesPath); err != nil {
		t.Errorf("features not written: %v", err)
	}
	if res.Insight == nil || res.Insight.Model != "fake" || f.insight.calls.Load() != 1 {
		t.Errorf("insight not requested: %+v", res.Insight)
	}

	if res.AudioFileID == 0 {
		t.Fatal("expected audio file to be persisted")
	}
	rows, err := f.store.ListAnalysisResults(context.Background(), res.AudioFileID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].AnalysisType != "features" || rows[1].AnalysisType != "general" {
		t.Errorf("unexpected persisted rows: %+v", rows)
	}

	assertEmptyDir(t, f.workDir)
}

func TestProcess_CacheHit(t *testing.T) {
	f := newFixture(t, &echoBackend{})
	input := filepath.Join(f.dir, "song.wav")
	writeTone(t, input, 3)

	cfg := DefaultConfig()
	cfg.InputPath = input
	cfg.MIDIOutputPath = filepath.Join(f.dir, "a.mid")

	first, err := f.orch.Process(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg.MIDIOutputPath = filepath.Join(f.dir, "b.mid")
	second, err := f.orch.Process(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if first.CacheHit || !second.CacheHit {
		t.Errorf("cache hits: first=%v second=%v", first.CacheHit, second.CacheHit)
	}
	if first.CacheKey == "" || first.CacheKey != second.CacheKey {
		t.Errorf("cache keys %q %q", first.CacheKey, second.CacheKey)
	}
	if got := f.backend.calls.Load(); got != 1 {
		t.Errorf("backend called %d times, want 1", got)
	}
	if len(second.Stems) != 4 {
		t.Errorf("expected 4 stems from cache, got %d", len(second.Stems))
	}
}

func TestProcess_DegradedPaths(t *testing.T) {
	tests := []struct {
		name           string
		backend        audio.SeparationBackend
		input          func(t *testing.T, dir string) string
		wantSeparation apperrors.Reason
		wantStrategy   string
		wantFeatureErr bool
	}{
		{
			name:    "no separation backend",
			backend: nil,
			input: func(t *testing.T, dir string) string {
				p := filepath.Join(dir, "song.wav")
				writeTone(t, p, 2)
				return p
			},
			wantSeparation: apperrors.ReasonBackendUnavailable,
			wantStrategy:   "synthetic",
		},
		{
			name:    "missing input",
			backend: &echoBackend{},
			input: func(t *testing.T, dir string) string {
				return filepath.Join(dir, "missing.wav")
			},
			wantSeparation: apperrors.ReasonLoadFailed,
			wantStrategy:   "fixed",
			wantFeatureErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.backend)
			cfg := DefaultConfig()
			cfg.InputPath = tt.input(t, f.dir)
			cfg.MIDIOutputPath = filepath.Join(f.dir, "out.mid")

			res, err := f.orch.Process(context.Background(), cfg)
			if err != nil {
				t.Fatalf("process must not fail: %v", err)
			}
			if res.SeparationResult != audio.OutcomeDegraded || res.SeparationReason != tt.wantSeparation {
				t.Errorf("separation %q/%q, want degraded/%q", res.SeparationResult, res.SeparationReason, tt.wantSeparation)
			}
			if res.Features.HasError() != tt.wantFeatureErr {
				t.Errorf("feature error %q", res.Features.Error)
			}
			if len(res.Stems) != 4 {
				t.Fatalf("expected 4 stems, got %d", len(res.Stems))
			}
			for _, s := range res.Stems {
				if s.Strategy != tt.wantStrategy || s.Notes == 0 {
					t.Errorf("stem %s: %+v", s.Stem, s)
				}
			}

			doc, err := midi.ReadFile(cfg.MIDIOutputPath)
			if err != nil {
				t.Fatalf("read midi: %v", err)
			}
			if len(doc.Tracks) != 4 || doc.NoteCount() == 0 {
				t.Errorf("tracks=%d notes=%d", len(doc.Tracks), doc.NoteCount())
			}
			assertEmptyDir(t, f.workDir)
		})
	}
}

func TestProcess_MIDIWriteFails(t *testing.T) {
	f := newFixture(t, &echoBackend{})
	input := filepath.Join(f.dir, "song.wav")
	writeTone(t, input, 2)

	blocker := filepath.Join(f.dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.InputPath = input
	cfg.MIDIOutputPath = filepath.Join(blocker, "out.mid")

	if _, err := f.orch.Process(context.Background(), cfg); err == nil {
		t.Fatal("expected error when MIDI cannot be written")
	}
	assertEmptyDir(t, f.workDir)
}

func TestSeparate(t *testing.T) {
	f := newFixture(t, &echoBackend{})
	input := filepath.Join(f.dir, "song.wav")
	writeTone(t, input, 2)

	outDir := filepath.Join(f.dir, "stems")
	set, paths, err := f.orch.Separate(context.Background(), input, outDir)
	if err != nil {
		t.Fatal(err)
	}
	if set.Outcome != audio.OutcomeSuccess || len(paths) != 4 {
		t.Fatalf("outcome %q, %d paths", set.Outcome, len(paths))
	}
	for name, p := range paths {
		if filepath.Base(p) != name+".wav" {
			t.Errorf("stem %s written to %s", name, p)
		}
	}

	if _, _, err := f.orch.Separate(context.Background(), filepath.Join(f.dir, "missing.wav"), outDir); err == nil {
		t.Error("expected error for missing input")
	}
	assertEmptyDir(t, f.workDir)
}

func TestTranscribe(t *testing.T) {
	f := newFixture(t, nil)
	input := filepath.Join(f.dir, "song.wav")
	writeTone(t, input, 2)
	out := filepath.Join(f.dir, "song.mid")

	res, err := f.orch.Transcribe(context.Background(), input, out)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != "synthetic" || len(res.Tracks) != len(midi.DefaultProfiles) {
		t.Errorf("strategy %q tracks %d", res.Strategy, len(res.Tracks))
	}
	doc, err := midi.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Tracks) != len(midi.DefaultProfiles) {
		t.Errorf("decoded %d tracks", len(doc.Tracks))
	}
}

func TestTranscribeStemsDir(t *testing.T) {
	f := newFixture(t, nil)
	stems := filepath.Join(f.dir, "stems")
	if err := os.MkdirAll(stems, 0755); err != nil {
		t.Fatal(err)
	}
	writeTone(t, filepath.Join(stems, "bass.wav"), 2)
	writeTone(t, filepath.Join(stems, "lead.wav"), 2)
	os.WriteFile(filepath.Join(stems, "notes.txt"), []byte("ignored"), 0644)

	out := filepath.Join(f.dir, "combined.mid")
	doc, reports, err := f.orch.TranscribeStemsDir(context.Background(), stems, out, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Tracks) != 2 || len(reports) != 2 {
		t.Fatalf("tracks=%d reports=%d", len(doc.Tracks), len(reports))
	}

	decoded, err := midi.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Tracks[0].Name != "bass" || decoded.Tracks[0].Program != midi.Bass.Program {
		t.Errorf("first track %q program %d", decoded.Tracks[0].Name, decoded.Tracks[0].Program)
	}
	if decoded.Tracks[1].Name != "lead" || decoded.Tracks[1].Program != midi.Piano.Program {
		t.Errorf("second track %q program %d", decoded.Tracks[1].Name, decoded.Tracks[1].Program)
	}

	if _, _, err := f.orch.TranscribeStemsDir(context.Background(), t.TempDir(), out, 2); err == nil {
		t.Error("expected error for a directory without WAV files")
	}
}
