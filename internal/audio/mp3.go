package audio

import (
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	apperrors "github.com/tokoroten/tokoroten/internal/errors"
)

// DecodeMP3 decodes an MP3 stream. go-mp3 always yields 16-bit
// little-endian interleaved stereo.
func DecodeMP3(r io.Reader) (*Waveform, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: mp3 decode: %v", apperrors.ErrCorruptedFile, err)
	}

	left := make([]float64, 0, 1<<16)
	right := make([]float64, 0, 1<<16)

	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := decoder.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			whole := len(chunk) - len(chunk)%4
			for i := 0; i < whole; i += 4 {
				l := int16(uint16(chunk[i]) | uint16(chunk[i+1])<<8)
				r := int16(uint16(chunk[i+2]) | uint16(chunk[i+3])<<8)
				left = append(left, float64(l)/32768.0)
				right = append(right, float64(r)/32768.0)
			}
			carry = append(carry[:0], chunk[whole:]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: mp3 read: %v", apperrors.ErrCorruptedFile, err)
		}
	}

	if len(left) == 0 {
		return nil, fmt.Errorf("%w: mp3 contains no samples", apperrors.ErrCorruptedFile)
	}

	return NewWaveform([][]float64{left, right}, decoder.SampleRate())
}
