package tts

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink is the best-effort speech output used by the pipeline. Utterances are
// serialized and failures are logged, never returned.
type Sink struct {
	speaker Speaker
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	spoken   metric.Int64Counter
	observer func(text string)
}

func NewSink(speaker Speaker, timeout time.Duration, log *slog.Logger) *Sink {
	s := &Sink{
		speaker: speaker,
		timeout: timeout,
		logger:  log.With(slog.String("component", "speech-sink")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voice/tts")
	if counter, err := meter.Int64Counter("loqa.tts.utterances", metric.WithDescription("Utterances sent to the speech output by outcome")); err == nil {
		s.spoken = counter
	}
	return s
}

// OnSpeak registers a callback invoked with every utterance before it is
// voiced.
func (s *Sink) OnSpeak(fn func(text string)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

func (s *Sink) Speak(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.observer != nil {
		s.observer(text)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
	}
	outcome := "ok"
	if err := s.speaker.Speak(ctx, text); err != nil {
		outcome = "error"
		s.logger.Warn("speech output failed", slog.String("text", text), slogError(err))
	}
	if s.spoken != nil {
		s.spoken.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
