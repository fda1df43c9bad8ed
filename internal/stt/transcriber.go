package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
)

// ErrUnsupportedFormat rejects artifacts that are not mono 16-bit PCM at the
// configured sample rate.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Transcriber converts a persisted utterance into text. An empty string with a
// nil error means nothing intelligible was said.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// LoadPCM reads path and verifies its format.
func LoadPCM(path string, sampleRate int) ([]int, error) {
	format, samples, err := audio.ReadWAV(path)
	if err != nil {
		return nil, failure.New(failure.KindOf(err), "read utterance", err)
	}
	if format.Channels != 1 || format.BitDepth != 16 || format.SampleRate != sampleRate {
		return nil, failure.New(failure.KindInvalidInput, "read utterance",
			fmt.Errorf("%w: %d channel(s), %d-bit, %d Hz", ErrUnsupportedFormat, format.Channels, format.BitDepth, format.SampleRate))
	}
	return samples, nil
}

// Float32 scales 16-bit samples into [-1, 1].
func Float32(samples []int) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// New builds the transcriber selected by cfg.Mode. Transcribers holding
// native resources also implement io.Closer.
func New(cfg config.STTConfig, sampleRate int) (Transcriber, error) {
	switch cfg.Mode {
	case "", "whisper":
		return NewWhisper(cfg, sampleRate)
	case "exec":
		return NewExecTranscriber(cfg, sampleRate)
	case "mock":
		return NewMockTranscriber(), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
