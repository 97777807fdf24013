package analysis

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tokoroten/tokoroten/internal/audio"
	apperrors "github.com/tokoroten/tokoroten/internal/errors"
)

// MaxDownbeats caps the downbeat list. Downbeats are simply the leading
// beats, not metrically detected bar starts.
const MaxDownbeats = 10

// UnknownKey is reported when no key could be estimated
const UnknownKey = "Unknown"

// FileInfo describes where a FeatureSet came from
type FileInfo struct {
	SampleRate int    `json:"sample_rate,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	FileName   string `json:"file_name,omitempty"`
}

// FeatureSet is the flat feature dictionary handed to insight and storage
type FeatureSet struct {
	Duration          float64   `json:"duration"`
	Tempo             float64   `json:"tempo"`
	SpectralCentroid  float64   `json:"spectral_centroid"`
	SpectralBandwidth float64   `json:"spectral_bandwidth"`
	SpectralRolloff   float64   `json:"spectral_rolloff"`
	Chroma            []float64 `json:"chroma_features,omitempty"`
	MFCC              []float64 `json:"mfccs,omitempty"`
	Key               string    `json:"detected_key"`
	Mode              Mode      `json:"detected_scale"`
	Beats             []float64 `json:"beats,omitempty"`
	Downbeats         []float64 `json:"downbeats,omitempty"`
	Segments          []Segment `json:"segments,omitempty"`
	FileInfo          FileInfo  `json:"file_info"`
	Error             string    `json:"error,omitempty"`
}

// HasError reports whether the set holds defaults from a failed extraction
func (f FeatureSet) HasError() bool { return f.Error != "" }

// Extractor derives a FeatureSet from audio
type Extractor struct {
	loader *audio.Loader
	beats  BeatTracker
	logger *zap.Logger
}

// NewExtractor creates an extractor; loader is only needed for ExtractFile
func NewExtractor(loader *audio.Loader, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{loader: loader, beats: NewBeatTracker(), logger: logger}
}

// WithBeatTracker swaps the beat tracking capability
func (e *Extractor) WithBeatTracker(bt BeatTracker) *Extractor {
	e.beats = bt
	return e
}

// ExtractFile loads path and extracts its features. Load failures produce
// the default set with the error attached.
func (e *Extractor) ExtractFile(ctx context.Context, path string) FeatureSet {
	info := FileInfo{FilePath: path, FileName: filepath.Base(path)}
	if e.loader == nil {
		return e.fail(info, 0, fmt.Errorf("no audio loader configured"))
	}
	w, err := e.loader.Load(ctx, path)
	if err != nil {
		return e.fail(info, 0, err)
	}
	fs := e.Extract(ctx, w)
	fs.FileInfo.FilePath = info.FilePath
	fs.FileInfo.FileName = info.FileName
	return fs
}

// Extract computes every descriptor from w. It never panics; degenerate
// input yields defaults with Error set.
func (e *Extractor) Extract(ctx context.Context, w *audio.Waveform) FeatureSet {
	if w == nil || w.SampleRate <= 0 || w.Frames() == 0 {
		return e.fail(FileInfo{}, 0, fmt.Errorf("%w: empty waveform", apperrors.ErrCorruptedFile))
	}
	info := FileInfo{SampleRate: w.SampleRate}
	duration := w.Duration()
	if err := ctx.Err(); err != nil {
		return e.fail(info, duration, err)
	}

	mono := sanitize(w.Mono())
	if len(mono) < FrameSize {
		return e.fail(info, duration, fmt.Errorf("%w: %d samples, need %d", apperrors.ErrTooShort, len(mono), FrameSize))
	}

	frames := analyzeFrames(mono, w.SampleRate)
	tempo, beats := e.beats.Track(onsetEnvelope(frames.logMel), frames.frameRate())
	if math.IsNaN(tempo) || math.IsInf(tempo, 0) || tempo <= 0 {
		tempo = DefaultTempo
	}
	key, mode := EstimateKey(frames.chroma)
	segments := buildSegments(segmentBoundaries(frames.mfccFrames, NumSegments), frames.frameRate(), duration)

	fs := FeatureSet{
		Duration:          duration,
		Tempo:             tempo,
		SpectralCentroid:  finite(frames.centroid),
		SpectralBandwidth: finite(frames.bandwidth),
		SpectralRolloff:   finite(frames.rolloff),
		Chroma:            frames.chroma,
		MFCC:              frames.mfcc,
		Key:               key,
		Mode:              mode,
		Beats:             beats,
		Downbeats:         Downbeats(beats),
		Segments:          segments,
		FileInfo:          info,
	}

	e.logger.Debug("features extracted",
		zap.Float64("duration", duration),
		zap.Float64("tempo", tempo),
		zap.String("key", key+" "+string(mode)),
		zap.Int("beats", len(beats)),
		zap.Int("segments", len(segments)))
	return fs
}

func (e *Extractor) fail(info FileInfo, duration float64, err error) FeatureSet {
	e.logger.Warn("feature extraction degraded",
		zap.String("reason", string(apperrors.ReasonFor(err, apperrors.ReasonLoadFailed))),
		zap.String("file", info.FilePath),
		zap.Error(err))
	return defaultFeatures(info, duration, err)
}

func defaultFeatures(info FileInfo, duration float64, err error) FeatureSet {
	return FeatureSet{
		Duration: duration,
		Tempo:    DefaultTempo,
		Key:      UnknownKey,
		Mode:     Unknown,
		FileInfo: info,
		Error:    err.Error(),
	}
}

// Downbeats returns the first min(MaxDownbeats, len(beats)) beats
func Downbeats(beats []float64) []float64 {
	n := min(MaxDownbeats, len(beats))
	return append([]float64(nil), beats[:n]...)
}

// AnalysisSummary is the compact key/tempo answer of the analyze endpoint
type AnalysisSummary struct {
	Key           string    `json:"key"`
	Tempo         float64   `json:"tempo"`
	TimeSignature string    `json:"time_signature"`
	Downbeats     []float64 `json:"downbeats"`
}

// Summary condenses a FeatureSet for callers that only need key and tempo
func Summary(fs FeatureSet) AnalysisSummary {
	key := fs.Key
	if fs.Mode != Unknown && fs.Mode != "" {
		key += " " + string(fs.Mode)
	}
	downbeats := fs.Downbeats
	if downbeats == nil {
		downbeats = []float64{}
	}
	return AnalysisSummary{
		Key:           key,
		Tempo:         fs.Tempo,
		TimeSignature: "4/4",
		Downbeats:     downbeats,
	}
}

// sanitize replaces non-finite samples with silence
func sanitize(x []float64) []float64 {
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x[i] = 0
		}
	}
	return x
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
