package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWorkspaceLifecycle(t *testing.T) {
	ws, err := CreateIn(t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a, b := ws.NormalizedAudio(), ws.NormalizedAudio()
	if a == b {
		t.Error("normalized scratch paths must be unique")
	}
	if !strings.HasPrefix(filepath.Base(a), "normalized_") || filepath.Ext(a) != ".wav" {
		t.Errorf("unexpected scratch name %q", a)
	}
	if filepath.Dir(ws.StemPath("drums")) != ws.StemsDir() {
		t.Error("stems must live under StemsDir")
	}

	src := filepath.Join(t.TempDir(), "song.wav")
	if err := os.WriteFile(src, []byte("RIFF"), 0644); err != nil {
		t.Fatal(err)
	}
	dst, err := ws.CopyFile(src, "input.wav")
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("copied file missing: %v", err)
	}

	if err := ws.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Error("workspace dir should be removed")
	}
}
