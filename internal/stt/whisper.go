package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
)

// Whisper transcribes with a locally loaded whisper.cpp model.
type Whisper struct {
	model      whisper.Model
	cfg        config.STTConfig
	sampleRate int
	mu         sync.Mutex
}

func NewWhisper(cfg config.STTConfig, sampleRate int) (*Whisper, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper model path is empty")
	}
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, failure.New(failure.KindOf(err), "load whisper model", err)
	}
	return &Whisper{model: model, cfg: cfg, sampleRate: sampleRate}, nil
}

func (w *Whisper) Close() error {
	if w.model == nil {
		return nil
	}
	return w.model.Close()
}

func (w *Whisper) Transcribe(ctx context.Context, path string) (string, error) {
	samples, err := LoadPCM(path, w.sampleRate)
	if err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	wctx, err := w.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("new whisper context: %w", err)
	}
	lang := w.cfg.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return "", failure.New(failure.KindInvalidInput, "whisper language", err)
	}
	threads := w.cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))

	if err := wctx.Process(Float32(samples), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
