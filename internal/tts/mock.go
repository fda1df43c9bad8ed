package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// LogSpeaker prints each utterance instead of voicing it.
type LogSpeaker struct {
	out    io.Writer
	logger *slog.Logger
}

func NewLogSpeaker(out io.Writer, log *slog.Logger) *LogSpeaker {
	return &LogSpeaker{out: out, logger: log.With(slog.String("component", "tts-log"))}
}

func (l *LogSpeaker) Speak(ctx context.Context, text string) error {
	l.logger.Info("speak", slog.String("text", text))
	if l.out != nil {
		_, err := fmt.Fprintf(l.out, "Jarvis: %s\n", text)
		return err
	}
	return nil
}

// MockSpeaker records utterances. Err, when set, is returned from every call.
type MockSpeaker struct {
	mu    sync.Mutex
	texts []string
	Err   error
}

func NewMockSpeaker() *MockSpeaker { return &MockSpeaker{} }

func (m *MockSpeaker) Speak(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return m.Err
}

// Spoken returns a copy of every recorded utterance.
func (m *MockSpeaker) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}
