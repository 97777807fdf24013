package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Stage represents a processing stage
type Stage struct {
	Number      int
	Total       int
	Name        string
	Description string
}

// Pipeline stages, in execution order
var (
	StageLoad       = Stage{1, 6, "load", "Loading audio..."}
	StageAnalyze    = Stage{2, 6, "analyze", "Extracting features (tempo, key, segments)..."}
	StageSeparate   = Stage{3, 6, "separate", "Separating stems... (this may take a moment)"}
	StageTranscribe = Stage{4, 6, "transcribe", "Transcribing stems to MIDI..."}
	StageAssemble   = Stage{5, 6, "assemble", "Assembling multi-track MIDI..."}
	StageFinish     = Stage{6, 6, "finish", "Exporting results..."}
)

// Reporter handles CLI progress output. It is safe for concurrent use.
type Reporter struct {
	mu        sync.Mutex
	out       io.Writer
	startTime time.Time
	verbose   bool
}

// NewReporter creates a new progress reporter; a nil out discards output
func NewReporter(out io.Writer, verbose bool) *Reporter {
	if out == nil {
		out = io.Discard
	}
	return &Reporter{
		out:       out,
		startTime: time.Now(),
		verbose:   verbose,
	}
}

func (r *Reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// StartStage announces the beginning of a processing stage
func (r *Reporter) StartStage(stage Stage) {
	r.printf("[%d/%d] %s\n", stage.Number, stage.Total, stage.Description)
}

// Update shows a sub-progress message within a stage
func (r *Reporter) Update(format string, args ...any) {
	if r.verbose {
		r.printf("       %s\n", fmt.Sprintf(format, args...))
	}
}

// StageComplete shows completion message for a stage
func (r *Reporter) StageComplete(format string, args ...any) {
	r.printf("       %s\n", fmt.Sprintf(format, args...))
}

// Done announces successful completion
func (r *Reporter) Done(outputPath string) {
	elapsed := time.Since(r.startTime)
	r.printf("Done! MIDI transcription written.\n")
	if outputPath != "" {
		r.printf("Output saved to: %s\n", outputPath)
	}
	r.printf("Completed in %.1f seconds\n", elapsed.Seconds())
}

// Error announces an error
func (r *Reporter) Error(err error) {
	r.printf("Error: %s\n", err)
}

// Warning announces a non-fatal warning
func (r *Reporter) Warning(format string, args ...any) {
	r.printf("Warning: %s\n", fmt.Sprintf(format, args...))
}
