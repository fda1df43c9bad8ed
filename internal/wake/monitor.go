// Package wake watches the live microphone stream for the trigger phrase.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event is a debounced trigger-phrase detection.
type Event struct {
	At   time.Time
	Text string
}

// Monitor owns a persistent input stream and a streaming decoder.
type Monitor struct {
	backend  audio.Backend
	device   audio.Device
	params   audio.StreamParams
	decoder  Decoder
	phrase   string
	cooldown time.Duration
	log      *slog.Logger
	clock    func() time.Time

	stream audio.Stream
	last   Event

	closed    bool
	closeOnce sync.Once
	mu        sync.Mutex

	polls metric.Int64Counter
}

func NewMonitor(backend audio.Backend, device audio.Device, params audio.StreamParams, decoder Decoder, phrase string, cooldown time.Duration, log *slog.Logger) *Monitor {
	m := &Monitor{
		backend:  backend,
		device:   device,
		params:   params,
		decoder:  decoder,
		phrase:   strings.ToLower(strings.TrimSpace(phrase)),
		cooldown: cooldown,
		log:      log.With(slog.String("component", "wake-monitor")),
		clock:    time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voice/wake")
	if counter, err := meter.Int64Counter("loqa.wake.results", metric.WithDescription("Finalized wake decoder results by outcome")); err == nil {
		m.polls = counter
	}
	return m
}

// Open acquires the stream and connects the decoder. Failure is fatal to the
// caller.
func (m *Monitor) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("wake monitor closed")
	}
	if err := m.decoder.Reset(ctx); err != nil {
		return fmt.Errorf("start wake decoder: %w", err)
	}
	stream, err := m.backend.OpenInput(m.device, m.params)
	if err != nil {
		return fmt.Errorf("open wake stream: %w", err)
	}
	m.stream = stream
	m.log.Info("listening for wake phrase", slog.String("phrase", m.phrase), slog.Duration("cooldown", m.cooldown))
	return nil
}

// Poll reads and decodes one frame. It reports true only for a finalized
// result containing the phrase outside the cooldown window. Errors are logged
// and trigger a stream reopen; they are never returned.
func (m *Monitor) Poll(ctx context.Context) (detected bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("wake poll panicked", slog.Any("panic", r))
			detected = false
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.stream == nil {
		if err := m.reopenLocked(ctx); err != nil {
			return false
		}
	}

	frame, err := m.stream.Read()
	if err != nil {
		if errors.Is(err, audio.ErrStreamClosed) {
			m.log.Debug("wake stream closed, not reopening")
			return false
		}
		m.log.Warn("wake frame read failed", slog.String("error", err.Error()))
		_ = m.reopenLocked(ctx)
		return false
	}

	res, err := m.decoder.Feed(ctx, frame)
	if err != nil {
		m.log.Warn("wake decode failed", slog.String("error", err.Error()))
		_ = m.reopenLocked(ctx)
		return false
	}
	if !res.Final {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(res.Text))
	if text == "" {
		return false
	}
	if !strings.Contains(text, m.phrase) {
		m.count(ctx, "no_phrase")
		return false
	}

	now := m.clock()
	if !m.last.At.IsZero() && now.Sub(m.last.At) < m.cooldown {
		m.log.Debug("wake detection suppressed by cooldown", slog.String("text", text))
		m.count(ctx, "suppressed")
		return false
	}
	m.last = Event{At: now, Text: text}
	m.count(ctx, "detected")
	m.log.Info("wake phrase detected", slog.String("text", text))
	return true
}

// LastDetection returns the most recent accepted detection.
func (m *Monitor) LastDetection() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, !m.last.At.IsZero()
}

// Close releases the stream and decoder exactly once.
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		var errs []error
		if m.stream != nil {
			errs = append(errs, m.stream.Close())
			m.stream = nil
		}
		errs = append(errs, m.decoder.Close())
		err = errors.Join(errs...)
		m.log.Info("wake monitor closed")
	})
	return err
}

func (m *Monitor) reopenLocked(ctx context.Context) error {
	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			m.log.Debug("closing failed wake stream", slog.String("error", err.Error()))
		}
		m.stream = nil
	}
	if err := m.decoder.Reset(ctx); err != nil {
		m.log.Warn("wake decoder reset failed", slog.String("error", err.Error()))
		return err
	}
	stream, err := m.backend.OpenInput(m.device, m.params)
	if err != nil {
		m.log.Warn("wake stream reopen failed", slog.String("error", err.Error()))
		return err
	}
	m.stream = stream
	m.log.Info("wake stream reopened")
	return nil
}

func (m *Monitor) count(ctx context.Context, outcome string) {
	if m.polls == nil {
		return
	}
	m.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
