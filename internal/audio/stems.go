package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/tokoroten/tokoroten/internal/errors"
	"github.com/tokoroten/tokoroten/internal/exec"
	"github.com/tokoroten/tokoroten/internal/workspace"
)

// Fixed stem vocabulary produced by every separation
const (
	StemVocals = "vocals"
	StemDrums  = "drums"
	StemBass   = "bass"
	StemOther  = "other"
)

// StemNames is the separation vocabulary in output order
var StemNames = []string{StemVocals, StemDrums, StemBass, StemOther}

// Outcome reports whether a stage ran its primary path or a fallback
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeDegraded Outcome = "degraded"
)

// StemSet maps stem names to waveforms sharing the source sample rate
type StemSet struct {
	Stems   map[string]*Waveform
	Outcome Outcome
	Reason  apperrors.Reason
	Backend string
}

// Names returns the stem names, vocabulary first, then custom names in
// lexical order
func (s StemSet) Names() []string {
	names := make([]string, 0, len(s.Stems))
	seen := make(map[string]bool, len(s.Stems))
	for _, name := range StemNames {
		if _, ok := s.Stems[name]; ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	var extra []string
	for name := range s.Stems {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	slices.Sort(extra)
	return append(names, extra...)
}

// SeparationBackend is the black-box source separation capability. It
// receives a standardised signal and a scratch path it may write its input
// artifact to, and returns stems in the same standardised domain.
type SeparationBackend interface {
	Name() string
	Available(ctx context.Context) error
	Separate(ctx context.Context, in *Waveform, scratch string) (map[string]*Waveform, error)
}

// Separator normalises loudness, runs the backend and restores the signal
// reference. It never fails: any backend problem yields duplicated stems.
type Separator struct {
	backend    SeparationBackend
	logger     *zap.Logger
	targetLUFS float64
}

// NewSeparator creates a separator; backend may be nil
func NewSeparator(backend SeparationBackend, logger *zap.Logger) *Separator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Separator{backend: backend, logger: logger, targetLUFS: TargetLUFS}
}

// Separate splits w into the fixed stem vocabulary
func (s *Separator) Separate(ctx context.Context, w *Waveform, ws *workspace.Workspace) StemSet {
	normalized, gainDB := NormalizeLoudness(w, s.targetLUFS)
	s.logger.Debug("loudness normalized",
		zap.Float64("gain_db", gainDB),
		zap.Float64("target_lufs", s.targetLUFS))

	if s.backend == nil {
		return s.fallback(normalized, apperrors.ReasonBackendUnavailable, nil)
	}
	if err := s.backend.Available(ctx); err != nil {
		return s.fallback(normalized, apperrors.ReasonFor(err, apperrors.ReasonBackendUnavailable), err)
	}

	standardized, mean, std := standardize(normalized)

	scratch := scratchPath(ws)
	defer func() {
		if err := os.Remove(scratch); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove scratch audio", zap.String("path", scratch), zap.Error(err))
		}
	}()

	raw, err := s.backend.Separate(ctx, standardized, scratch)
	if err != nil {
		return s.fallback(normalized, apperrors.ReasonBackendFailed, err)
	}
	for _, name := range StemNames {
		if stem, ok := raw[name]; !ok || stem == nil || stem.Frames() == 0 {
			return s.fallback(normalized, apperrors.ReasonMissingStems,
				fmt.Errorf("%w: %s", apperrors.ErrNoStems, name))
		}
	}

	stems := make(map[string]*Waveform, len(raw))
	for name, stem := range raw {
		if stem == nil || stem.Frames() == 0 {
			continue
		}
		restored := stem.Map(func(v float64) float64 { return v*std + mean })
		if restored.SampleRate != w.SampleRate {
			restored = Resample(restored, w.SampleRate)
		}
		stems[name] = restored
	}

	s.logger.Info("stems separated",
		zap.String("backend", s.backend.Name()),
		zap.Int("stems", len(stems)))

	return StemSet{Stems: stems, Outcome: OutcomeSuccess, Backend: s.backend.Name()}
}

// fallback returns every vocabulary stem as a copy of the normalised input
func (s *Separator) fallback(normalized *Waveform, reason apperrors.Reason, err error) StemSet {
	fields := []zap.Field{zap.String("reason", string(reason))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Warn("stem separation degraded, duplicating input", fields...)

	stems := make(map[string]*Waveform, len(StemNames))
	for _, name := range StemNames {
		stems[name] = normalized.Clone()
	}
	name := ""
	if s.backend != nil {
		name = s.backend.Name()
	}
	return StemSet{Stems: stems, Outcome: OutcomeDegraded, Reason: reason, Backend: name}
}

// standardize returns (w-mean)/std over all samples. A near-constant signal
// keeps unit scale so the restore step stays exact.
func standardize(w *Waveform) (*Waveform, float64, float64) {
	mean, std := w.Stats()
	if std < 1e-6 {
		std = 1
	}
	return w.Map(func(v float64) float64 { return (v - mean) / std }), mean, std
}

func scratchPath(ws *workspace.Workspace) string {
	if ws != nil {
		return ws.NormalizedAudio()
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("normalized_%s.wav", uuid.NewString()))
}

// DemucsBackend runs the separation script through the Python runner. The
// script receives a WAV path and an output directory and must write one
// <stem>.wav per vocabulary entry.
type DemucsBackend struct {
	runner *exec.Runner
	model  string

	once     sync.Once
	availErr error
}

// NewDemucsBackend creates a backend for the given demucs model name
func NewDemucsBackend(runner *exec.Runner, model string) *DemucsBackend {
	if model == "" {
		model = "htdemucs_ft"
	}
	return &DemucsBackend{runner: runner, model: model}
}

func (d *DemucsBackend) Name() string { return "demucs:" + d.model }

// Available probes the script and Python package once and caches the answer
func (d *DemucsBackend) Available(ctx context.Context) error {
	d.once.Do(func() {
		if d.runner == nil || !d.runner.HasScript("separate.py") {
			d.availErr = fmt.Errorf("%w: separate.py", apperrors.ErrToolNotInstalled)
			return
		}
		d.availErr = d.runner.CheckPythonDependency(ctx, "demucs")
	})
	return d.availErr
}

// Separate writes in to scratch (peak-scaled into PCM range), runs the
// script, and reads the stems back in the input's domain
func (d *DemucsBackend) Separate(ctx context.Context, in *Waveform, scratch string) (map[string]*Waveform, error) {
	peak := in.Peak()
	if peak == 0 {
		peak = 1
	}
	if err := WriteWAV(scratch, in.Scale(1/peak), 32); err != nil {
		return nil, fmt.Errorf("write separator input: %w", err)
	}

	outDir := strings.TrimSuffix(scratch, filepath.Ext(scratch)) + "_stems"
	defer os.RemoveAll(outDir)

	result, err := d.runner.RunScript(ctx, "separate.py", scratch, outDir, "--model", d.model)
	if err != nil {
		if result != nil && result.ExitCode != 0 {
			return nil, apperrors.NewProcessError("demucs", "stem_separation", result.ExitCode, result.Stderr, err)
		}
		return nil, fmt.Errorf("stem separation: %w", err)
	}

	stems := make(map[string]*Waveform, len(StemNames))
	for _, name := range StemNames {
		path := filepath.Join(outDir, name+".wav")
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s not found in %s", apperrors.ErrNoStems, name, outDir)
		}
		stem, err := ReadWAV(path)
		if err != nil {
			return nil, fmt.Errorf("read %s stem: %w", name, err)
		}
		stems[name] = stem.Scale(peak)
	}
	return stems, nil
}

// WriteStems exports every stem as 16-bit WAV under dir and returns the paths
func WriteStems(set StemSet, dir string) (map[string]string, error) {
	paths := make(map[string]string, len(set.Stems))
	for _, name := range set.Names() {
		path := filepath.Join(dir, name+".wav")
		if err := WriteWAV(path, set.Stems[name], 16); err != nil {
			return nil, fmt.Errorf("write %s stem: %w", name, err)
		}
		paths[name] = path
	}
	return paths, nil
}
