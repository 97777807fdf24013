package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for expected failure modes
var (
	ErrFileNotFound      = errors.New("file not found")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptedFile     = errors.New("file corrupted or unreadable")
	ErrFileTooLarge      = errors.New("file exceeds size limit")
	ErrTimeout           = errors.New("operation timed out")
	ErrToolNotInstalled  = errors.New("required tool not installed")
	ErrTooShort          = errors.New("audio shorter than one analysis frame")
	ErrNoStems           = errors.New("separation produced no stems")
)

// ProcessError represents a failure in an external process
type ProcessError struct {
	Tool     string // "demucs", "transcriber", "ffmpeg"
	Stage    string // "stem_separation", "transcription", "decode"
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed at %s (exit %d): %s", e.Tool, e.Stage, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s failed at %s (exit %d)", e.Tool, e.Stage, e.ExitCode)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// IsRecoverable returns true if fallback strategy exists
func (e *ProcessError) IsRecoverable() bool {
	switch e.Stage {
	case "stem_separation", "transcription":
		return true
	}
	return false
}

// NewProcessError creates a ProcessError
func NewProcessError(tool, stage string, exitCode int, stderr string, cause error) *ProcessError {
	return &ProcessError{
		Tool:     tool,
		Stage:    stage,
		ExitCode: exitCode,
		Stderr:   stderr,
		Cause:    cause,
	}
}

// Reason tags why a stage produced degraded output
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonLoadFailed         Reason = "load_failed"
	ReasonTooShort           Reason = "too_short"
	ReasonBackendUnavailable Reason = "backend_unavailable"
	ReasonBackendFailed      Reason = "backend_failed"
	ReasonMissingStems       Reason = "missing_stems"
	ReasonModelUnavailable   Reason = "model_unavailable"
	ReasonModelFailed        Reason = "model_failed"
	ReasonDecodeFailed       Reason = "decode_failed"
	ReasonEmptyTranscription Reason = "empty_transcription"
)

// ReasonFor maps an error to the closest degraded reason code.
func ReasonFor(err error, fallback Reason) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrToolNotInstalled):
		return ReasonBackendUnavailable
	case errors.Is(err, ErrTooShort):
		return ReasonTooShort
	case errors.Is(err, ErrFileNotFound), errors.Is(err, ErrCorruptedFile), errors.Is(err, ErrUnsupportedFormat):
		return ReasonLoadFailed
	}
	return fallback
}
