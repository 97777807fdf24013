package midi

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tokoroten/tokoroten/internal/audio"
	apperrors "github.com/tokoroten/tokoroten/internal/errors"
)

// Strategy is a transcription capability. Available is checked before every
// request so a missing model degrades instead of failing.
type Strategy interface {
	Name() string
	Available(ctx context.Context) error
	Transcribe(ctx context.Context, w *audio.Waveform, profiles []Profile) ([]Track, error)
}

// Result is the outcome of transcribing one waveform. Tracks are retimed to
// the canonical grid and padded, so under FixedPad every track holds at
// least the filler note.
type Result struct {
	Tracks   []Track
	Outcome  audio.Outcome
	Reason   apperrors.Reason
	Strategy string
}

// Document wraps the tracks in a canonical document
func (r Result) Document() *Document {
	doc := NewDocument()
	doc.Tracks = r.Tracks
	return doc
}

// Engine runs the primary strategy and falls back to synthetic material
type Engine struct {
	primary   Strategy
	synthetic Synthetic
	pad       PadPolicy
	loader    *audio.Loader
	logger    *zap.Logger
}

// NewEngine creates an engine. primary may be nil to run synthetic only;
// pad defaults to FixedPad at DefaultPadSeconds.
func NewEngine(primary Strategy, pad PadPolicy, loader *audio.Loader, logger *zap.Logger) *Engine {
	if pad == nil {
		pad = FixedPad{Target: DefaultPadSeconds}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{primary: primary, pad: pad, loader: loader, logger: logger}
}

// TranscribeFile loads path and transcribes it. A load failure yields the
// fixed melody.
func (e *Engine) TranscribeFile(ctx context.Context, path string, profiles ...Profile) Result {
	if e.loader == nil {
		return e.lastResort(apperrors.ReasonLoadFailed, errors.New("no audio loader configured"))
	}
	w, err := e.loader.Load(ctx, path)
	if err != nil {
		return e.lastResort(apperrors.ReasonLoadFailed, err)
	}
	return e.Transcribe(ctx, w, profiles...)
}

// Transcribe converts w into tracks for the given profiles (all defaults
// when none are named)
func (e *Engine) Transcribe(ctx context.Context, w *audio.Waveform, profiles ...Profile) Result {
	if w == nil || w.Frames() == 0 || w.SampleRate <= 0 {
		return e.lastResort(apperrors.ReasonLoadFailed, fmt.Errorf("%w: empty waveform", apperrors.ErrCorruptedFile))
	}

	reason := apperrors.ReasonModelUnavailable
	if e.primary != nil {
		tracks, r, err := e.runPrimary(ctx, w, profiles)
		if err == nil {
			return e.finish(tracks, audio.OutcomeSuccess, apperrors.ReasonNone, e.primary.Name())
		}
		reason = r
		e.logger.Warn("model transcription degraded, using synthetic notes",
			zap.String("strategy", e.primary.Name()),
			zap.String("reason", string(reason)),
			zap.Error(err))
	}

	tracks, _ := e.synthetic.Transcribe(ctx, w, profiles)
	if countNotes(tracks) == 0 {
		reason = apperrors.ReasonEmptyTranscription
		e.logger.Warn("synthetic transcription produced no notes",
			zap.Float64("duration_seconds", w.Duration()))
	}
	return e.finish(tracks, audio.OutcomeDegraded, reason, e.synthetic.Name())
}

func (e *Engine) runPrimary(ctx context.Context, w *audio.Waveform, profiles []Profile) ([]Track, apperrors.Reason, error) {
	if err := e.primary.Available(ctx); err != nil {
		return nil, apperrors.ReasonModelUnavailable, err
	}
	tracks, err := e.primary.Transcribe(ctx, w, profiles)
	if err != nil {
		if errors.Is(err, apperrors.ErrCorruptedFile) {
			return nil, apperrors.ReasonDecodeFailed, err
		}
		return nil, apperrors.ReasonModelFailed, err
	}
	if countNotes(tracks) == 0 {
		return nil, apperrors.ReasonEmptyTranscription, errors.New("model returned no notes")
	}
	return tracks, apperrors.ReasonNone, nil
}

func (e *Engine) lastResort(reason apperrors.Reason, err error) Result {
	e.logger.Warn("transcription fell back to fixed melody",
		zap.String("reason", string(reason)),
		zap.Error(err))
	return e.finish([]Track{FixedMelody()}, audio.OutcomeDegraded, reason, "fixed")
}

func (e *Engine) finish(tracks []Track, outcome audio.Outcome, reason apperrors.Reason, strategy string) Result {
	out := make([]Track, len(tracks))
	for i, t := range tracks {
		t.Notes = sanitizeNotes(t.Notes)
		out[i] = e.pad.Pad(t)
	}
	return Result{
		Tracks:   RetimeTracks(out),
		Outcome:  outcome,
		Reason:   reason,
		Strategy: strategy,
	}
}

func countNotes(tracks []Track) int {
	var n int
	for _, t := range tracks {
		n += len(t.Notes)
	}
	return n
}
