package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/tokoroten/tokoroten/internal/errors"
	"github.com/tokoroten/tokoroten/internal/exec"
)

// probeStream returns the sample rate and channel count of the first audio stream
func probeStream(ctx context.Context, runner *exec.Runner, ffprobe, path string) (int, int, error) {
	result, err := runner.Run(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=sample_rate,channels",
		"-of", "csv=p=0",
		path)
	if err != nil {
		return 0, 0, err
	}

	fields := strings.Split(strings.TrimSpace(result.Stdout), ",")
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("%w: ffprobe output %q", apperrors.ErrCorruptedFile, result.Stdout)
	}
	rate, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: sample rate: %v", apperrors.ErrCorruptedFile, err)
	}
	channels, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: channels: %v", apperrors.ErrCorruptedFile, err)
	}
	return rate, channels, nil
}

// decodeFFmpeg decodes any ffmpeg-readable file to float32 PCM at its native
// rate and channel count
func decodeFFmpeg(ctx context.Context, runner *exec.Runner, ffmpeg, path string) (*Waveform, error) {
	ffprobe := strings.TrimSuffix(ffmpeg, "ffmpeg") + "ffprobe"
	rate, numChans, err := probeStream(ctx, runner, ffprobe, path)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}

	result, err := runner.Run(ctx, ffmpeg,
		"-hide_banner", "-v", "error",
		"-i", path,
		"-ac", strconv.Itoa(numChans),
		"-ar", strconv.Itoa(rate),
		"-f", "f32le",
		"pipe:1")
	if err != nil {
		stderr := ""
		exitCode := -1
		if result != nil {
			stderr, exitCode = result.Stderr, result.ExitCode
		}
		return nil, apperrors.NewProcessError("ffmpeg", "decode", exitCode, stderr, err)
	}

	raw := []byte(result.Stdout)
	if len(raw)%(4*numChans) != 0 {
		return nil, fmt.Errorf("%w: unexpected pcm length %d", apperrors.ErrCorruptedFile, len(raw))
	}

	frames := len(raw) / (4 * numChans)
	channels := make([][]float64, numChans)
	for c := range channels {
		channels[c] = make([]float64, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < numChans; c++ {
			off := (i*numChans + c) * 4
			channels[c][i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[off : off+4])))
		}
	}
	return NewWaveform(channels, rate)
}
