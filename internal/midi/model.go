package midi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokoroten/tokoroten/internal/audio"
	apperrors "github.com/tokoroten/tokoroten/internal/errors"
	"github.com/tokoroten/tokoroten/internal/exec"
)

// ModelSampleRate is the input rate the transcription model expects
const ModelSampleRate = 16000

// ModelBacked runs the transcription model script. The script takes a mono
// WAV path and an output MIDI path.
type ModelBacked struct {
	runner     *exec.Runner
	script     string
	dependency string
	scratchDir string
	logger     *zap.Logger

	once     sync.Once
	availErr error
}

// NewModelBacked creates a model strategy writing scratch files under
// scratchDir (system temp when empty)
func NewModelBacked(runner *exec.Runner, scratchDir string, logger *zap.Logger) *ModelBacked {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelBacked{
		runner:     runner,
		script:     "transcribe.py",
		dependency: "transformers",
		scratchDir: scratchDir,
		logger:     logger,
	}
}

func (m *ModelBacked) Name() string { return "model" }

// Available probes the script and its Python package on first use only
func (m *ModelBacked) Available(ctx context.Context) error {
	m.once.Do(func() {
		if m.runner == nil || !m.runner.HasScript(m.script) {
			m.availErr = fmt.Errorf("%w: %s", apperrors.ErrToolNotInstalled, m.script)
			return
		}
		m.availErr = m.runner.CheckPythonDependency(ctx, m.dependency)
	})
	return m.availErr
}

// Transcribe resamples w to 16 kHz mono, runs the model and decodes its MIDI
// output at the file's own tempo and resolution
func (m *ModelBacked) Transcribe(ctx context.Context, w *audio.Waveform, profiles []Profile) ([]Track, error) {
	id := uuid.NewString()
	in := filepath.Join(m.scratchDir, "transcribe_"+id+".wav")
	out := filepath.Join(m.scratchDir, "transcribe_"+id+".mid")
	defer m.remove(in)
	defer m.remove(out)

	mono := audio.Resample(audio.ToMono(w), ModelSampleRate)
	if err := audio.WriteWAV(in, mono, 16); err != nil {
		return nil, fmt.Errorf("write model input: %w", err)
	}

	result, err := m.runner.RunScript(ctx, m.script, in, out)
	if err != nil {
		if result != nil && result.ExitCode != 0 {
			return nil, apperrors.NewProcessError("transcribe", "transcription", result.ExitCode, result.Stderr, err)
		}
		return nil, fmt.Errorf("transcription: %w", err)
	}

	doc, err := ReadFile(out)
	if err != nil {
		return nil, err
	}
	if math.Abs(doc.BPM-TempoBPM) > 1 {
		m.logger.Info("retiming model output to canonical tempo",
			zap.Float64("model_bpm", doc.BPM),
			zap.Int("model_resolution", doc.Resolution))
	}

	tracks := doc.Tracks
	if len(profiles) == 1 {
		// a single stem: every instrument the model heard belongs to it
		p := profiles[0]
		for i := range tracks {
			if tracks[i].Name == "" {
				tracks[i].Name = p.Name
			}
			if p.Drum {
				tracks[i].Drum = true
				tracks[i].Program = 0
			}
		}
	}
	return tracks, nil
}

func (m *ModelBacked) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("remove scratch file", zap.String("path", path), zap.Error(err))
	}
}
