package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokoroten/tokoroten/internal/analysis"
	"github.com/tokoroten/tokoroten/internal/audio"
	"github.com/tokoroten/tokoroten/internal/cache"
	"github.com/tokoroten/tokoroten/internal/config"
	apperrors "github.com/tokoroten/tokoroten/internal/errors"
	"github.com/tokoroten/tokoroten/internal/exec"
	"github.com/tokoroten/tokoroten/internal/insight"
	"github.com/tokoroten/tokoroten/internal/midi"
	"github.com/tokoroten/tokoroten/internal/progress"
	"github.com/tokoroten/tokoroten/internal/store"
	"github.com/tokoroten/tokoroten/internal/workspace"
)

// Config holds per-request pipeline options
type Config struct {
	InputPath         string
	MIDIOutputPath    string
	StemsOutputDir    string               // export separated stems here when set
	FeaturesPath      string               // write the FeatureSet JSON here when set
	Insight           insight.AnalysisType // request an AI insight of this type when set
	Persist           bool                 // save file and results through the store
	AudioFileID       int64                // attach persisted results to this existing file
	UseCache          bool                 // reuse cached stems for identical input
	StemWorkers       int
	StemTimeout       time.Duration
	TranscribeTimeout time.Duration
	InsightTimeout    time.Duration
}

// DefaultConfig returns default pipeline configuration
func DefaultConfig() Config {
	return Config{
		UseCache:          true,
		StemWorkers:       4,
		StemTimeout:       5 * time.Minute,
		TranscribeTimeout: 3 * time.Minute,
		InsightTimeout:    30 * time.Second,
	}
}

// ConfigFrom copies the pipeline-relevant settings out of app config
func ConfigFrom(c config.Config) Config {
	return Config{
		UseCache:          c.UseCache,
		StemWorkers:       c.StemWorkers,
		StemTimeout:       c.StemTimeout,
		TranscribeTimeout: c.TranscribeTimeout,
		InsightTimeout:    c.InsightTimeout,
	}
}

// StemReport summarises one stem's transcription
type StemReport struct {
	Stem     string           `json:"stem"`
	Strategy string           `json:"strategy"`
	Outcome  audio.Outcome    `json:"outcome"`
	Reason   apperrors.Reason `json:"reason,omitempty"`
	Notes    int              `json:"notes"`
	Path     string           `json:"path,omitempty"`
}

// Result contains all pipeline outputs
type Result struct {
	Features         analysis.FeatureSet `json:"features"`
	SeparationResult audio.Outcome       `json:"separation_outcome"`
	SeparationReason apperrors.Reason    `json:"separation_reason,omitempty"`
	Backend          string              `json:"separation_backend,omitempty"`
	CacheKey         string              `json:"cache_key,omitempty"`
	CacheHit         bool                `json:"cache_hit"`
	Stems            []StemReport        `json:"stems"`
	MIDIPath         string              `json:"midi_path,omitempty"`
	Insight          *insight.Insight    `json:"insight,omitempty"`
	AudioFileID      int64               `json:"audio_file_id,omitempty"`
	Elapsed          float64             `json:"elapsed_seconds"`

	Document *midi.Document `json:"-"`
}

// InsightProvider is the AI commentary collaborator
type InsightProvider interface {
	Analyze(ctx context.Context, fs analysis.FeatureSet, typ insight.AnalysisType) insight.Insight
}

// ResultStore is the persistence collaborator
type ResultStore interface {
	SaveAudioFile(ctx context.Context, f store.AudioFile) (store.AudioFile, error)
	SaveAnalysisResult(ctx context.Context, r store.AnalysisResult) (store.AnalysisResult, error)
}

// Deps are the stage implementations an Orchestrator drives. Loader,
// Extractor, Separator and Engine are required; the rest are optional.
type Deps struct {
	Loader    *audio.Loader
	Extractor *analysis.Extractor
	Separator *audio.Separator
	Engine    *midi.Engine
	Cache     *cache.StemCache
	Insight   InsightProvider
	Store     ResultStore
	Progress  *progress.Reporter
	Logger    *zap.Logger
	WorkDir   string // parent of per-request workspaces
}

// Orchestrator coordinates the full processing pipeline
type Orchestrator struct {
	loader    *audio.Loader
	extractor *analysis.Extractor
	separator *audio.Separator
	engine    *midi.Engine
	cache     *cache.StemCache
	insight   InsightProvider
	store     ResultStore
	progress  *progress.Reporter
	logger    *zap.Logger
	workDir   string
}

// New creates an orchestrator from explicit stage implementations
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Progress == nil {
		d.Progress = progress.NewReporter(io.Discard, false)
	}
	return &Orchestrator{
		loader:    d.Loader,
		extractor: d.Extractor,
		separator: d.Separator,
		engine:    d.Engine,
		cache:     d.Cache,
		insight:   d.Insight,
		store:     d.Store,
		progress:  d.Progress,
		logger:    d.Logger,
		workDir:   d.WorkDir,
	}
}

// NewOrchestrator wires the production stages from app config: ffmpeg
// decoding, the demucs separation script, the model transcription script
// with synthetic fallback, the stem cache and the Ollama insight client.
// Attach a store with WithStore.
func NewOrchestrator(cfg config.Config, logger *zap.Logger, out io.Writer, verbose bool) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := exec.NewRunner(cfg.PythonPath, cfg.ScriptsDir)
	loader := audio.NewLoader(runner, cfg.FFmpegBin)

	var stemCache *cache.StemCache
	if cfg.UseCache {
		c, err := cache.NewStemCache(cfg.CacheDir, cfg.ScriptsDir)
		if err != nil {
			logger.Warn("stem cache disabled", zap.Error(err))
		} else {
			stemCache = c
		}
	}

	return New(Deps{
		Loader:    loader,
		Extractor: analysis.NewExtractor(loader, logger),
		Separator: audio.NewSeparator(audio.NewDemucsBackend(runner, ""), logger),
		Engine: midi.NewEngine(
			midi.NewModelBacked(runner, "", logger),
			midi.FixedPad{Target: cfg.PadSeconds},
			loader,
			logger,
		),
		Cache:    stemCache,
		Insight:  insight.NewClient(cfg.OllamaURL, cfg.OllamaModel, cfg.InsightTimeout, logger),
		Progress: progress.NewReporter(out, verbose),
		Logger:   logger,
	})
}

// WithStore attaches a persistence collaborator
func (o *Orchestrator) WithStore(s ResultStore) *Orchestrator {
	o.store = s
	return o
}

// WithProgress returns a copy of o that reports to p
func (o *Orchestrator) WithProgress(p *progress.Reporter) *Orchestrator {
	c := *o
	c.progress = p
	return &c
}

// Insight exposes the configured insight collaborator (may be nil)
func (o *Orchestrator) Insight() InsightProvider { return o.insight }

// Analyze extracts features from path. It never fails; problems surface in
// the FeatureSet's Error field.
func (o *Orchestrator) Analyze(ctx context.Context, path string) analysis.FeatureSet {
	return o.extractor.ExtractFile(ctx, path)
}

// Separate splits path into stems and writes them under outDir. Only a
// load failure or a failed write returns an error; an unavailable backend
// yields a degraded set of input copies.
func (o *Orchestrator) Separate(ctx context.Context, path, outDir string) (audio.StemSet, map[string]string, error) {
	w, err := o.loader.Load(ctx, path)
	if err != nil {
		return audio.StemSet{}, nil, fmt.Errorf("load %s: %w", path, err)
	}
	ws, err := workspace.CreateIn(o.workDir)
	if err != nil {
		return audio.StemSet{}, nil, err
	}
	defer o.cleanup(ws)

	set := o.separator.Separate(ctx, w, ws)
	paths, err := audio.WriteStems(set, outDir)
	if err != nil {
		return set, nil, err
	}
	return set, paths, nil
}

// Transcribe converts the audio at path to a canonical MIDI file with the
// default instrument profiles. Only writing midiPath can fail.
func (o *Orchestrator) Transcribe(ctx context.Context, path, midiPath string) (midi.Result, error) {
	res := o.engine.TranscribeFile(ctx, path)
	if err := midi.WriteFile(midiPath, res.Document()); err != nil {
		return res, fmt.Errorf("write midi: %w", err)
	}
	return res, nil
}

// TranscribeStemsDir transcribes every WAV in dir into one combined MIDI
// file with a track per file, named for the file's base name
func (o *Orchestrator) TranscribeStemsDir(ctx context.Context, dir, midiPath string, workers int) (*midi.Document, []StemReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read stems dir: %w", err)
	}
	var names []string
	paths := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		names = append(names, name)
		paths[name] = filepath.Join(dir, e.Name())
	}
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("%w: no .wav files in %s", apperrors.ErrNoStems, dir)
	}

	results := o.transcribeAll(ctx, names, workers, 0, func(ctx context.Context, name string) midi.Result {
		return o.engine.TranscribeFile(ctx, paths[name], midi.ProfileForStem(name))
	})
	doc := midi.Assemble(midi.FromResults(names, results))
	if err := midi.WriteFile(midiPath, doc); err != nil {
		return doc, nil, fmt.Errorf("write midi: %w", err)
	}
	return doc, reports(names, results, paths), nil
}

// Process runs the full pipeline: load, features, separation, per-stem
// transcription, assembly and the MIDI write, then the optional stem
// export, insight and persistence. The per-request workspace is removed on
// every path. Only writing the MIDI file returns an error.
func (o *Orchestrator) Process(ctx context.Context, cfg Config) (*Result, error) {
	start := time.Now()
	ws, err := workspace.CreateIn(o.workDir)
	if err != nil {
		return nil, err
	}
	defer o.cleanup(ws)

	// Stage 1: load
	o.progress.StartStage(progress.StageLoad)
	w, loadErr := o.loader.Load(ctx, cfg.InputPath)
	if loadErr != nil {
		o.progress.Warning("Load failed, continuing with defaults: %v", loadErr)
		o.logger.Warn("input load failed",
			zap.String("reason", string(apperrors.ReasonLoadFailed)),
			zap.String("file", cfg.InputPath),
			zap.Error(loadErr))
	} else {
		o.progress.StageComplete("%d channel(s), %d Hz, %.1fs", w.NumChannels(), w.SampleRate, w.Duration())
	}

	// Stage 2: features
	o.progress.StartStage(progress.StageAnalyze)
	result := &Result{MIDIPath: cfg.MIDIOutputPath}
	if w != nil {
		result.Features = o.extractor.Extract(ctx, w)
		result.Features.FileInfo.FilePath = cfg.InputPath
		result.Features.FileInfo.FileName = filepath.Base(cfg.InputPath)
	} else {
		result.Features = o.extractor.ExtractFile(ctx, cfg.InputPath)
	}
	o.progress.StageComplete("Tempo: %.1f BPM, Key: %s %s, %d beats, %d segments",
		result.Features.Tempo, result.Features.Key, result.Features.Mode,
		len(result.Features.Beats), len(result.Features.Segments))

	// Stage 3: separation, fully complete before any transcription starts
	o.progress.StartStage(progress.StageSeparate)
	set := o.separate(ctx, cfg, w, ws, result)

	// Stage 4: per-stem transcription
	o.progress.StartStage(progress.StageTranscribe)
	names := set.Names()
	if len(names) == 0 {
		names = audio.StemNames
	}
	results := o.transcribeAll(ctx, names, cfg.StemWorkers, cfg.TranscribeTimeout, func(ctx context.Context, name string) midi.Result {
		// a missing stem waveform takes the engine's fixed-melody path
		return o.engine.Transcribe(ctx, set.Stems[name], midi.ProfileForStem(name))
	})

	// Stage 5: assembly and the one fatal write
	o.progress.StartStage(progress.StageAssemble)
	result.Document = midi.Assemble(midi.FromResults(names, results))
	if cfg.MIDIOutputPath != "" {
		if err := midi.WriteFile(cfg.MIDIOutputPath, result.Document); err != nil {
			return nil, fmt.Errorf("write midi: %w", err)
		}
	}
	o.progress.StageComplete("%d tracks, %d notes", len(result.Document.Tracks), result.Document.NoteCount())

	// Stage 6: optional outputs
	o.progress.StartStage(progress.StageFinish)
	var stemPaths map[string]string
	if cfg.StemsOutputDir != "" && len(set.Stems) > 0 {
		stemPaths, err = audio.WriteStems(set, cfg.StemsOutputDir)
		if err != nil {
			o.progress.Warning("Stem export failed: %v", err)
			o.logger.Warn("stem export failed", zap.Error(err))
		} else {
			o.progress.StageComplete("Exported %d stems to %s", len(stemPaths), cfg.StemsOutputDir)
		}
	}
	result.Stems = reports(names, results, stemPaths)

	if cfg.FeaturesPath != "" {
		if err := writeJSON(cfg.FeaturesPath, result.Features); err != nil {
			o.progress.Warning("Feature export failed: %v", err)
			o.logger.Warn("feature export failed", zap.Error(err))
		}
	}

	if cfg.Insight != "" && o.insight != nil {
		ictx, cancel := withTimeout(ctx, cfg.InsightTimeout)
		ins := o.insight.Analyze(ictx, result.Features, cfg.Insight)
		cancel()
		result.Insight = &ins
		if ins.Fallback {
			o.progress.Warning("Insight unavailable, using %s defaults", ins.Type)
		} else {
			o.progress.StageComplete("Insight (%s) from %s", ins.Type, ins.Model)
		}
	}

	result.Elapsed = time.Since(start).Seconds()
	if cfg.Persist && o.store != nil {
		o.persist(ctx, cfg, w, result)
	}

	o.progress.Done(cfg.MIDIOutputPath)
	return result, nil
}

func (o *Orchestrator) separate(ctx context.Context, cfg Config, w *audio.Waveform, ws *workspace.Workspace, result *Result) audio.StemSet {
	if w == nil {
		result.SeparationResult = audio.OutcomeDegraded
		result.SeparationReason = apperrors.ReasonLoadFailed
		o.progress.StageComplete("Skipped (no audio)")
		return audio.StemSet{Outcome: audio.OutcomeDegraded, Reason: apperrors.ReasonLoadFailed}
	}

	useCache := cfg.UseCache && o.cache != nil
	if useCache {
		key, err := cache.KeyForFile(cfg.InputPath)
		if err != nil {
			o.progress.Warning("Cache key failed: %v", err)
			useCache = false
		} else {
			result.CacheKey = key
			if set, ok := o.cache.Load(key); ok {
				result.CacheHit = true
				result.SeparationResult = set.Outcome
				result.Backend = set.Backend
				o.progress.StageComplete("Using cached stems (key: %s)", key)
				return set
			}
		}
	}

	sctx, cancel := withTimeout(ctx, cfg.StemTimeout)
	defer cancel()
	set := o.separator.Separate(sctx, w, ws)
	result.SeparationResult = set.Outcome
	result.SeparationReason = set.Reason
	result.Backend = set.Backend

	if set.Outcome == audio.OutcomeSuccess {
		o.progress.StageComplete("%d stems from %s", len(set.Stems), set.Backend)
		if useCache {
			if _, err := o.cache.Put(result.CacheKey, set); err != nil {
				o.progress.Warning("Cache save failed: %v", err)
			}
		}
	} else {
		o.progress.Warning("Separation degraded (%s), using input copies", set.Reason)
	}
	return set
}

// transcribeAll runs fn for every name with at most workers in flight
func (o *Orchestrator) transcribeAll(ctx context.Context, names []string, workers int, timeout time.Duration, fn func(context.Context, string) midi.Result) map[string]midi.Result {
	out := make([]midi.Result, len(names))
	var g errgroup.Group
	g.SetLimit(max(1, workers))
	for i, name := range names {
		g.Go(func() error {
			tctx, cancel := withTimeout(ctx, timeout)
			defer cancel()
			out[i] = fn(tctx, name)
			o.progress.Update("%s: %d notes via %s", name, countNotes(out[i].Tracks), out[i].Strategy)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]midi.Result, len(names))
	for i, name := range names {
		results[name] = out[i]
	}
	return results
}

func (o *Orchestrator) persist(ctx context.Context, cfg Config, w *audio.Waveform, result *Result) {
	fileID := cfg.AudioFileID
	if fileID == 0 {
		file := store.AudioFile{
			Filename: filepath.Base(cfg.InputPath),
			FilePath: cfg.InputPath,
			Format:   strings.TrimPrefix(strings.ToLower(filepath.Ext(cfg.InputPath)), "."),
		}
		if info, err := os.Stat(cfg.InputPath); err == nil {
			file.FileSize = info.Size()
		}
		if w != nil {
			file.Duration = w.Duration()
			file.SampleRate = w.SampleRate
		}
		saved, err := o.store.SaveAudioFile(ctx, file)
		if err != nil {
			o.progress.Warning("Persist failed: %v", err)
			o.logger.Warn("persist audio file failed", zap.Error(err))
			return
		}
		fileID = saved.ID
	}
	result.AudioFileID = fileID

	o.saveResult(ctx, fileID, "features", result.Features, result.Features.Error, result.Elapsed)
	if ins := result.Insight; ins != nil {
		notes := ""
		if ins.Fallback {
			notes = "default insight"
		}
		o.saveResult(ctx, fileID, string(ins.Type), ins.Result, notes, 0)
	}
}

func (o *Orchestrator) saveResult(ctx context.Context, fileID int64, typ string, payload any, notes string, elapsed float64) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("marshal analysis result", zap.String("analysis_type", typ), zap.Error(err))
		return
	}
	_, err = o.store.SaveAnalysisResult(ctx, store.AnalysisResult{
		AudioFileID:    fileID,
		AnalysisType:   typ,
		Result:         data,
		ProcessingTime: elapsed,
		Notes:          notes,
	})
	if err != nil {
		o.progress.Warning("Persist failed: %v", err)
		o.logger.Warn("persist analysis result failed", zap.String("analysis_type", typ), zap.Error(err))
	}
}

func (o *Orchestrator) cleanup(ws *workspace.Workspace) {
	if err := ws.Cleanup(); err != nil {
		o.logger.Warn("remove workspace", zap.String("dir", ws.Dir), zap.Error(err))
	}
}

func reports(names []string, results map[string]midi.Result, paths map[string]string) []StemReport {
	out := make([]StemReport, 0, len(names))
	for _, name := range names {
		r := results[name]
		out = append(out, StemReport{
			Stem:     name,
			Strategy: r.Strategy,
			Outcome:  r.Outcome,
			Reason:   r.Reason,
			Notes:    countNotes(r.Tracks),
			Path:     paths[name],
		})
	}
	return out
}

func countNotes(tracks []midi.Track) int {
	var n int
	for _, t := range tracks {
		n += len(t.Notes)
	}
	return n
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
