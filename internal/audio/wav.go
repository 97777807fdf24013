package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	apperrors "github.com/tokoroten/tokoroten/internal/errors"
)

// DecodeWAV reads a PCM WAV stream into a Waveform
func DecodeWAV(r io.ReadSeeker) (*Waveform, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav header", apperrors.ErrCorruptedFile)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: decode wav: %v", apperrors.ErrCorruptedFile, err)
	}

	numChans := int(d.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		numChans = buf.Format.NumChannels
	}
	bitDepth := int(d.BitDepth)
	if numChans == 0 || bitDepth == 0 || d.SampleRate == 0 {
		return nil, fmt.Errorf("%w: wav header missing format fields", apperrors.ErrCorruptedFile)
	}

	frames := len(buf.Data) / numChans
	channels := make([][]float64, numChans)
	for c := range channels {
		channels[c] = make([]float64, frames)
	}

	scale := 1 / math.Pow(2, float64(bitDepth-1))
	offset := 0
	if bitDepth == 8 {
		// 8-bit PCM is unsigned
		offset = 128
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < numChans; c++ {
			channels[c][i] = float64(buf.Data[i*numChans+c]-offset) * scale
		}
	}

	return NewWaveform(channels, int(d.SampleRate))
}

// ReadWAV opens and decodes a WAV file
func ReadWAV(path string) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// WriteWAV encodes w as integer PCM at the given bit depth (16, 24 or 32).
// Samples are clipped to [-1, 1].
func WriteWAV(path string, w *Waveform, bitDepth int) error {
	switch bitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create wav dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer f.Close()

	numChans := w.NumChannels()
	frames := w.Frames()
	maxVal := math.Pow(2, float64(bitDepth-1)) - 1

	data := make([]int, frames*numChans)
	for i := 0; i < frames; i++ {
		for c := 0; c < numChans; c++ {
			v := math.Max(-1, math.Min(1, w.Channels[c][i]))
			data[i*numChans+c] = int(math.Round(v * maxVal))
		}
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: numChans, SampleRate: w.SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}

	enc := wav.NewEncoder(f, w.SampleRate, bitDepth, numChans, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}
