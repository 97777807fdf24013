package cache

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tokoroten/tokoroten/internal/audio"
)

func testSet(t *testing.T) audio.StemSet {
	t.Helper()
	stems := map[string]*audio.Waveform{}
	for i, name := range audio.StemNames {
		samples := make([]float64, 4410)
		for j := range samples {
			samples[j] = 0.1 * float64(i+1) * math.Sin(2*math.Pi*440*float64(j)/44100)
		}
		w, err := audio.NewWaveform([][]float64{samples}, 44100)
		if err != nil {
			t.Fatalf("waveform: %v", err)
		}
		stems[name] = w
	}
	return audio.StemSet{Stems: stems, Outcome: audio.OutcomeSuccess, Backend: "fake"}
}

func newCache(t *testing.T, scripts string) *StemCache {
	t.Helper()
	c, err := NewStemCache(filepath.Join(t.TempDir(), "stems"), scripts)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestStemCache_PutGetLoad(t *testing.T) {
	c := newCache(t, t.TempDir())
	if _, ok := c.Get("file_abc"); ok {
		t.Fatal("expected miss on empty cache")
	}

	set := testSet(t)
	put, err := c.Put("file_abc", set)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(put.Paths) != 4 {
		t.Fatalf("expected 4 cached stems, got %d", len(put.Paths))
	}

	got, ok := c.Get("file_abc")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if got.Backend != "fake" || len(got.Paths) != 4 {
		t.Errorf("unexpected entry %+v", got)
	}

	loaded, ok := c.Load("file_abc")
	if !ok {
		t.Fatal("expected load to succeed")
	}
	if loaded.Outcome != audio.OutcomeSuccess {
		t.Errorf("outcome = %q", loaded.Outcome)
	}
	for _, name := range audio.StemNames {
		w := loaded.Stems[name]
		if w == nil || w.SampleRate != 44100 || w.Frames() != 4410 {
			t.Fatalf("stem %s not restored: %+v", name, w)
		}
		want := set.Stems[name].Peak()
		if math.Abs(w.Peak()-want) > 1e-6 {
			t.Errorf("stem %s peak = %v, want %v", name, w.Peak(), want)
		}
	}

	size, count, err := c.Size()
	if err != nil || count != 1 || size == 0 {
		t.Errorf("Size() = %d, %d, %v", size, count, err)
	}
}

func TestStemCache_RejectsDegraded(t *testing.T) {
	c := newCache(t, t.TempDir())
	set := testSet(t)
	set.Outcome = audio.OutcomeDegraded
	if _, err := c.Put("k", set); !errors.Is(err, errDegraded) {
		t.Fatalf("expected errDegraded, got %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("degraded set must not be cached")
	}
}

func TestStemCache_VersionInvalidates(t *testing.T) {
	scripts := t.TempDir()
	script := filepath.Join(scripts, "separate.py")
	if err := os.WriteFile(script, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(t.TempDir(), "stems")

	c1, err := NewStemCache(dir, scripts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c1.Put("k", testSet(t)); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := os.WriteFile(script, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	c2, err := NewStemCache(dir, scripts)
	if err != nil {
		t.Fatal(err)
	}
	if c1.Version() == c2.Version() {
		t.Fatal("expected script change to alter version")
	}
	if _, ok := c2.Get("k"); ok {
		t.Fatal("expected miss after script change")
	}
}

func TestStemCache_MissingStemIsMiss(t *testing.T) {
	c := newCache(t, t.TempDir())
	put, err := c.Put("k", testSet(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(put.Paths[audio.StemBass]); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss with a stem removed")
	}
}

func TestStemCache_Clear(t *testing.T) {
	c := newCache(t, t.TempDir())
	if _, err := c.Put("k", testSet(t)); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	size, count, err := c.Size()
	if err != nil || size != 0 || count != 0 {
		t.Errorf("after clear Size() = %d, %d, %v", size, count, err)
	}
}

func TestKeyForFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.wav")
	b := filepath.Join(dir, "b.wav")
	os.WriteFile(a, []byte("same"), 0644)
	os.WriteFile(b, []byte("same"), 0644)

	ka, err := KeyForFile(a)
	if err != nil {
		t.Fatal(err)
	}
	kb, _ := KeyForFile(b)
	if ka != kb || len(ka) != len("file_")+16 {
		t.Errorf("keys %q %q", ka, kb)
	}
	if _, err := KeyForFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
