package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedStream struct {
	frameSize int
	amplitude int16
	failEvery int
	reads     int
	closed    int
}

func (s *scriptedStream) Read() ([]int16, error) {
	s.reads++
	if s.failEvery > 0 && s.reads%s.failEvery == 0 {
		return nil, errors.New("overflow")
	}
	frame := make([]int16, s.frameSize)
	for i := range frame {
		frame[i] = s.amplitude
	}
	return frame, nil
}

func (s *scriptedStream) Close() error {
	s.closed++
	return nil
}

type stubBackend struct {
	stream   *scriptedStream
	openErr  error
	attempts int
}

func (b *stubBackend) DefaultInputDevice() (audio.Device, error) { return audio.Device{}, nil }
func (b *stubBackend) Devices() ([]audio.Device, error)          { return nil, nil }
func (b *stubBackend) OpenInput(audio.Device, audio.StreamParams) (audio.Stream, error) {
	b.attempts++
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.stream, nil
}

var params = audio.StreamParams{SampleRate: 16000, FrameSize: 1024, Channels: 1}

func newSession(t *testing.T, b *stubBackend, minLevel float64) *Session {
	t.Helper()
	cfg := config.CaptureConfig{
		OpenAttempts: 3,
		MinLevel:     minLevel,
		ArtifactPath: filepath.Join(t.TempDir(), "audio", "recording.wav"),
	}
	return NewSession(b, audio.Device{Index: 0}, params, cfg, newLogger())
}

func TestRecordFrameCountBound(t *testing.T) {
	stream := &scriptedStream{frameSize: 1024, amplitude: 8000}
	s := newSession(t, &stubBackend{stream: stream}, 0.01)

	utt, err := s.Record(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	limit := int(math.Ceil(16000.0 * 2 / 1024))
	if utt.Frames > limit {
		t.Fatalf("frames %d exceed bound %d", utt.Frames, limit)
	}
	if utt.Frames != FrameCount(16000, 1024, 2*time.Second) {
		t.Fatalf("expected every frame to be kept, got %d of %d", utt.Frames, utt.Expected)
	}
	if stream.closed != 1 {
		t.Fatalf("expected stream closed once, got %d", stream.closed)
	}
	if utt.Silent {
		t.Fatal("expected non-silent capture")
	}

	format, samples, err := audio.ReadWAV(utt.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if format.SampleRate != 16000 || format.Channels != 1 || format.BitDepth != 16 {
		t.Fatalf("unexpected artifact format %+v", format)
	}
	if len(samples) != utt.Frames*1024 {
		t.Fatalf("expected %d samples, got %d", utt.Frames*1024, len(samples))
	}
}

func TestRecordSkipsFailedReads(t *testing.T) {
	stream := &scriptedStream{frameSize: 1024, amplitude: 8000, failEvery: 4}
	s := newSession(t, &stubBackend{stream: stream}, 0.01)

	utt, err := s.Record(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if utt.Frames >= utt.Expected {
		t.Fatalf("expected fewer frames than %d after read failures, got %d", utt.Expected, utt.Frames)
	}
	if utt.Frames+utt.Expected/4 != utt.Expected {
		t.Fatalf("expected only failed reads to be dropped, got %d of %d", utt.Frames, utt.Expected)
	}
}

func TestRecordFlagsSilence(t *testing.T) {
	stream := &scriptedStream{frameSize: 1024, amplitude: 0}
	s := newSession(t, &stubBackend{stream: stream}, 0.01)

	utt, err := s.Record(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !utt.Silent || utt.SilenceRatio != 1 {
		t.Fatalf("expected silent capture, got silent=%v ratio=%f", utt.Silent, utt.SilenceRatio)
	}
	if utt.Path == "" {
		t.Fatal("silent captures are still persisted")
	}
}

func TestOpenFailsAfterThreeAttempts(t *testing.T) {
	b := &stubBackend{openErr: errors.New("device busy")}
	s := newSession(t, b, 0.01)

	utt, err := s.Record(context.Background(), time.Second)
	if utt != nil {
		t.Fatal("expected no utterance")
	}
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if b.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", b.attempts)
	}
}

func TestRecordAfterClose(t *testing.T) {
	s := newSession(t, &stubBackend{stream: &scriptedStream{frameSize: 1024}}, 0.01)
	_ = s.Close()
	_ = s.Close()
	if _, err := s.Record(context.Background(), time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
