package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Workspace manages temporary files for a single analysis request
type Workspace struct {
	Dir       string
	CreatedAt time.Time
}

// Create creates a new isolated workspace in the system temp directory
func Create() (*Workspace, error) {
	return CreateIn("")
}

// CreateIn creates a workspace under parent (system temp dir when empty)
func CreateIn(parent string) (*Workspace, error) {
	dir, err := os.MkdirTemp(parent, "tokoroten-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	return &Workspace{
		Dir:       dir,
		CreatedAt: time.Now(),
	}, nil
}

// Path helpers for workspace files
func (w *Workspace) InputCopy(ext string) string { return filepath.Join(w.Dir, "input"+ext) }
func (w *Workspace) StemsDir() string             { return filepath.Join(w.Dir, "stems") }
func (w *Workspace) SeparatorOut() string         { return filepath.Join(w.Dir, "separator_out") }
func (w *Workspace) CombinedMIDI() string         { return filepath.Join(w.Dir, "combined.mid") }
func (w *Workspace) FeaturesJSON() string         { return filepath.Join(w.Dir, "features.json") }

// StemPath returns the canonical location of an exported stem
func (w *Workspace) StemPath(name string) string {
	return filepath.Join(w.StemsDir(), name+".wav")
}

// NormalizedAudio returns a fresh, unique path for a loudness-normalized
// scratch file. Callers own its removal.
func (w *Workspace) NormalizedAudio() string {
	return filepath.Join(w.Dir, fmt.Sprintf("normalized_%s.wav", uuid.NewString()))
}

// Scratch returns a fresh, unique path with the given stem and extension
func (w *Workspace) Scratch(stem, ext string) string {
	return filepath.Join(w.Dir, fmt.Sprintf("%s_%s%s", stem, uuid.NewString(), ext))
}

// Cleanup removes the workspace directory and all contents
func (w *Workspace) Cleanup() error {
	return os.RemoveAll(w.Dir)
}

// CopyFile copies a file into the workspace
func (w *Workspace) CopyFile(src, dstName string) (string, error) {
	dst := filepath.Join(w.Dir, dstName)
	input, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	if err := os.WriteFile(dst, input, 0644); err != nil {
		return "", fmt.Errorf("write destination: %w", err)
	}
	return dst, nil
}
