package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
)

type stubStream struct{}

func (stubStream) Read() ([]int16, error) { return make([]int16, 16), nil }
func (stubStream) Close() error           { return nil }

type stubBackend struct{ devices []audio.Device }

func (b stubBackend) DefaultInputDevice() (audio.Device, error) { return b.devices[0], nil }
func (b stubBackend) Devices() ([]audio.Device, error)          { return b.devices, nil }
func (b stubBackend) OpenInput(audio.Device, audio.StreamParams) (audio.Stream, error) {
	return stubStream{}, nil
}

func TestListDevicesSkipsOutputs(t *testing.T) {
	backend := stubBackend{devices: []audio.Device{
		{Index: 2, Name: "USB mic", MaxInputChannels: 1, DefaultSampleRate: 48000},
		{Index: 0, Name: "Speakers", MaxInputChannels: 0},
		{Index: 1, Name: "Built-in mic", MaxInputChannels: 2, DefaultSampleRate: 44100},
	}}
	var out bytes.Buffer
	if err := listDevices(backend, config.Default(), true, &out); err != nil {
		t.Fatalf("list devices: %v", err)
	}
	text := out.String()
	if strings.Contains(text, "Speakers") {
		t.Fatalf("output devices must not be listed: %s", text)
	}
	if strings.Index(text, "Built-in mic") > strings.Index(text, "USB mic") {
		t.Fatalf("devices should be ordered by index: %s", text)
	}
	if !strings.Contains(text, "selected: 2 USB mic") {
		t.Fatalf("expected default device selected: %s", text)
	}
}

func TestPrintEventsEmitsJSONLines(t *testing.T) {
	evts := []eventstore.Event{
		{ID: 1, SessionID: "s1", Type: "wake.detected", Payload: []byte(`{"text":"jarvis"}`), CreatedAt: time.Unix(0, 0).UTC()},
		{ID: 2, SessionID: "s1", Type: "raw", Payload: []byte("not json"), CreatedAt: time.Unix(0, 0).UTC()},
	}
	var out bytes.Buffer
	if err := printEvents(evts, &out); err != nil {
		t.Fatalf("print: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first eventLine
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Type != "wake.detected" || string(first.Payload) != `{"text":"jarvis"}` {
		t.Fatalf("unexpected line %+v", first)
	}
	if strings.Contains(lines[1], "payload") {
		t.Fatalf("invalid payloads are omitted: %s", lines[1])
	}
}

func TestPrintSummarySortsKinds(t *testing.T) {
	var out bytes.Buffer
	printSummary(map[string]int{"wake.detected": 3, "command.result": 2}, &out)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "command.result") || !strings.HasSuffix(lines[1], " 3") {
		t.Fatalf("unexpected summary %q", out.String())
	}
}
