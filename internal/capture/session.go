// Package capture records bounded follow-up utterances after a wake event.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

var (
	// ErrDeviceUnavailable means every open attempt failed. Callers treat it as
	// "no session" for this cycle.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrEmptyCapture means no frame could be read during the recording.
	ErrEmptyCapture = errors.New("capture produced no audio")
	ErrClosed       = errors.New("capture session closed")
)

// Utterance is one finished recording.
type Utterance struct {
	Samples      []int16
	Frames       int
	Expected     int
	MaxLevel     float64
	SilenceRatio float64
	Silent       bool
	Path         string
	StartedAt    time.Time
	Elapsed      time.Duration
}

// Session opens a fresh stream per recording on the selected device.
type Session struct {
	backend audio.Backend
	device  audio.Device
	params  audio.StreamParams
	cfg     config.CaptureConfig
	log     *slog.Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func NewSession(backend audio.Backend, device audio.Device, params audio.StreamParams, cfg config.CaptureConfig, log *slog.Logger) *Session {
	if cfg.OpenAttempts <= 0 {
		cfg.OpenAttempts = 3
	}
	return &Session{
		backend: backend,
		device:  device,
		params:  params,
		cfg:     cfg,
		log:     log.With(slog.String("component", "capture")),
	}
}

// FrameCount is the number of frames read for a recording of d.
func FrameCount(sampleRate, frameSize int, d time.Duration) int {
	if frameSize <= 0 {
		return 0
	}
	return int(float64(sampleRate) / float64(frameSize) * d.Seconds())
}

// Open acquires a stream, retrying immediately up to the configured number of
// attempts.
func (s *Session) Open() (audio.Stream, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.OpenAttempts; attempt++ {
		stream, err := s.backend.OpenInput(s.device, s.params)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		s.log.Warn("capture open failed",
			slog.Int("attempt", attempt),
			slog.Int("attempts", s.cfg.OpenAttempts),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, lastErr)
}

// Record captures d worth of frames, persists them to the artifact path and
// returns the utterance. Failed frame reads are skipped.
func (s *Session) Record(ctx context.Context, d time.Duration) (*Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	stream, err := s.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			s.log.Warn("capture stream close failed", slog.String("error", err.Error()))
		}
	}()

	expected := FrameCount(s.params.SampleRate, s.params.FrameSize, d)
	utt := &Utterance{
		Expected:  expected,
		StartedAt: time.Now(),
		Samples:   make([]int16, 0, expected*s.params.FrameSize),
	}
	s.log.Info("recording", slog.Duration("duration", d), slog.Int("frames", expected))

	var quiet int
	for i := 0; i < expected; i++ {
		if ctx.Err() != nil {
			s.log.Info("recording interrupted", slog.Int("frames", utt.Frames))
			break
		}
		frame, err := stream.Read()
		if err != nil {
			if errors.Is(err, audio.ErrStreamClosed) {
				break
			}
			s.log.Warn("frame read failed", slog.Int("frame", i), slog.String("error", err.Error()))
			continue
		}
		level := audio.Level(frame)
		if level > utt.MaxLevel {
			utt.MaxLevel = level
		}
		if level < s.cfg.MinLevel {
			quiet++
		}
		utt.Samples = append(utt.Samples, frame...)
		utt.Frames++
	}
	utt.Elapsed = time.Since(utt.StartedAt)

	if utt.Frames == 0 {
		return nil, ErrEmptyCapture
	}
	utt.SilenceRatio = float64(quiet) / float64(utt.Frames)
	utt.Silent = utt.MaxLevel <= s.cfg.MinLevel
	if utt.Silent {
		s.log.Warn("captured audio is silent", slog.Float64("max_level", utt.MaxLevel), slog.Float64("min_level", s.cfg.MinLevel))
	}

	if err := audio.WriteWAV(s.cfg.ArtifactPath, utt.Samples, s.params.SampleRate); err != nil {
		return nil, fmt.Errorf("persist capture: %w", err)
	}
	utt.Path = s.cfg.ArtifactPath
	s.log.Info("recording saved",
		slog.String("path", utt.Path),
		slog.Int("frames", utt.Frames),
		slog.Float64("max_level", utt.MaxLevel),
		slog.Float64("silence_ratio", utt.SilenceRatio))
	return utt, nil
}

// Close marks the session unusable. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.log.Debug("capture session closed")
	})
	return nil
}
