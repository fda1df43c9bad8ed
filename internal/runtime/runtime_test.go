package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/wake"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type toneStream struct{ size int }

func (s *toneStream) Read() ([]int16, error) {
	frame := make([]int16, s.size)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = 8000
		} else {
			frame[i] = -8000
		}
	}
	return frame, nil
}

func (s *toneStream) Close() error { return nil }

type toneBackend struct{}

var mic = audio.Device{Index: 0, Name: "test mic", MaxInputChannels: 1, DefaultSampleRate: 16000}

func (toneBackend) DefaultInputDevice() (audio.Device, error) { return mic, nil }
func (toneBackend) Devices() ([]audio.Device, error)          { return []audio.Device{mic}, nil }
func (toneBackend) OpenInput(_ audio.Device, p audio.StreamParams) (audio.Stream, error) {
	return &toneStream{size: p.FrameSize}, nil
}

type silentPlayer struct{}

func (silentPlayer) PlayFile(context.Context, string) error          { return nil }
func (silentPlayer) PlayPCM(context.Context, []byte, int, int) error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Capture.DurationSeconds = 0.2
	cfg.Capture.ArtifactPath = filepath.Join(dir, "recording.wav")
	cfg.Wake.Mode = "mock"
	cfg.STT.Mode = "mock"
	cfg.TTS.Mode = "mock"
	cfg.Orchestrator.IdleMS = 1
	cfg.Orchestrator.ErrorPauseMS = 1
	return cfg
}

func TestStopPhraseEndsRuntime(t *testing.T) {
	cfg := testConfig(t)
	speaker := tts.NewMockSpeaker()
	rt := New(cfg, newLogger(), Options{
		Backend:     toneBackend{},
		Decoder:     wake.NewScriptedDecoder(wake.Finals("hey jarvis")...),
		Transcriber: stt.NewMockTranscriber("jarvis stop listening"),
		Speaker:     speaker,
		Player:      silentPlayer{},
	})

	done := make(chan error, 1)
	go func() { done <- rt.Start(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runtime did not stop on the stop phrase")
	}

	spoken := speaker.Spoken()
	if len(spoken) != 2 || spoken[0] != "Yes, I'm listening" || spoken[1] != "Stopping listening." {
		t.Fatalf("unexpected speech %v", spoken)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 0
	rt := New(cfg, newLogger(), Options{
		Backend: toneBackend{},
		Speaker: tts.NewMockSpeaker(),
		Player:  silentPlayer{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	var addr string
	select {
	case addr = <-rt.Addr():
	case err := <-done:
		cancel()
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatalf("http server did not start")
	}
	base := "http://" + addr

	if code := get(t, base+"/healthz"); code != http.StatusOK {
		t.Fatalf("healthz returned %d", code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for get(t, base+"/readyz") != http.StatusOK {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if code := get(t, base+"/metrics"); code != http.StatusOK {
		t.Fatalf("metrics returned %d", code)
	}

	resp, err := http.Get(base + "/errors")
	if err != nil {
		t.Fatalf("errors endpoint: %v", err)
	}
	var report errorReport
	err = json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode error report: %v", err)
	}
	if report.Stats.Total != 0 {
		t.Fatalf("expected empty journal, got %+v", report.Stats)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runtime did not stop after cancellation")
	}
}

func TestBusModeAnnouncesNode(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 0
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Node.ID = "test-node"
	rt := New(cfg, newLogger(), Options{
		Backend: toneBackend{},
		Speaker: tts.NewMockSpeaker(),
		Player:  silentPlayer{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	var addr string
	select {
	case addr = <-rt.Addr():
	case err := <-done:
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatalf("http server did not start")
	}

	resp, err := http.Get("http://" + addr + "/nodes?handles=what+time")
	if err != nil {
		t.Fatalf("nodes endpoint: %v", err)
	}
	var nodes []capability.NodeInfo
	err = json.NewDecoder(resp.Body).Decode(&nodes)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "test-node" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runtime did not stop after cancellation")
	}
}

func TestUnknownActionFailsStartup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Router.Commands = append(cfg.Router.Commands, config.CommandConfig{Key: "dance", Action: "dance"})
	rt := New(cfg, newLogger(), Options{
		Backend: toneBackend{},
		Speaker: tts.NewMockSpeaker(),
		Player:  silentPlayer{},
	})
	if err := rt.Start(context.Background()); err == nil {
		t.Fatalf("expected startup error for unknown action")
	}
}

func TestWorkerFailuresAreJournaled(t *testing.T) {
	journal := failure.NewJournal(10, newLogger(), nil)
	hook := journalWorkerFailures(context.Background(), journal)
	hook("voice-memo", failure.New(failure.KindUnavailable, "open memo stream", errors.New("device busy")))

	entries := journal.Recent(1)
	if len(entries) != 1 || entries[0].Command != "voice-memo" || entries[0].Kind != failure.KindUnavailable {
		t.Fatalf("unexpected journal entries %+v", entries)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug") != slog.LevelDebug {
		t.Fatalf("expected debug level")
	}
	if parseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unknown levels fall back to info")
	}
}

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}
