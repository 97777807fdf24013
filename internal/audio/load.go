package audio

import (
	"context"
	"fmt"
	"os"

	apperrors "github.com/tokoroten/tokoroten/internal/errors"
	"github.com/tokoroten/tokoroten/internal/exec"
)

// Loader turns audio files into Waveforms. WAV and MP3 decode in-process;
// everything else goes through ffmpeg when a runner is configured.
type Loader struct {
	runner *exec.Runner
	ffmpeg string
}

// NewLoader creates a loader; runner may be nil to disable ffmpeg decoding
func NewLoader(runner *exec.Runner, ffmpegBin string) *Loader {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &Loader{runner: runner, ffmpeg: ffmpegBin}
}

// Load validates and decodes path
func (l *Loader) Load(ctx context.Context, path string) (*Waveform, error) {
	format, err := ValidateInput(path)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatWAV:
		w, err := ReadWAV(path)
		if err == nil || l.runner == nil {
			return w, err
		}
		// Float or extensible WAVs the in-process decoder rejects
		return decodeFFmpeg(ctx, l.runner, l.ffmpeg, path)
	case FormatMP3:
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open mp3: %w", err)
		}
		defer f.Close()
		return DecodeMP3(f)
	default:
		if l.runner == nil {
			return nil, fmt.Errorf("%w: %s needs ffmpeg", apperrors.ErrUnsupportedFormat, format)
		}
		return decodeFFmpeg(ctx, l.runner, l.ffmpeg, path)
	}
}
