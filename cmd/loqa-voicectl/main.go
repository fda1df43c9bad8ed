package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/skills/manifest"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'devices', 'events' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "devices":
		err = runDevices(os.Args[2:], os.Stdout)
	case "events":
		err = runEvents(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ExitOnError)
	path := fs.StringP("file", "f", "skill.yaml", "Path to skill manifest")
	_ = fs.Parse(args)

	m, err := manifest.Load(*path)
	if err != nil {
		return err
	}
	if err := manifest.Validate(m); err != nil {
		return err
	}
	fmt.Printf("manifest valid: %s %s (keys: %v)\n", m.Metadata.Name, m.Metadata.Version, m.Capabilities.Voice.Keys)
	return nil
}

func runDevices(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("devices", pflag.ExitOnError)
	probe := fs.Bool("probe", false, "Select the device the daemon would use")
	configPath := fs.StringP("config", "c", "", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	backend, err := audio.OpenPortAudio()
	if err != nil {
		return err
	}
	defer backend.Close()
	return listDevices(backend, cfg, *probe, out)
}

func listDevices(backend audio.Backend, cfg config.Config, probe bool, out io.Writer) error {
	params := audio.StreamParams{SampleRate: cfg.Audio.SampleRate, FrameSize: cfg.Audio.FrameSize, Channels: cfg.Audio.Channels}
	prober := audio.NewProber(backend, params, slog.New(slog.NewTextHandler(io.Discard, nil)))
	devices, err := prober.InputDevices()
	if err != nil {
		return err
	}
	for _, dev := range devices {
		fmt.Fprintf(out, "%3d  %-40s  %d ch  %.0f Hz\n", dev.Index, dev.Name, dev.MaxInputChannels, dev.DefaultSampleRate)
	}
	if !probe {
		return nil
	}
	dev, err := prober.SelectInputDevice(cfg.Audio.DeviceIndex)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "selected: %d %s\n", dev.Index, dev.Name)
	return nil
}

func runEvents(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("events", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "Path to configuration file")
	session := fs.StringP("session", "s", "", "Only show events for this session id")
	limit := fs.IntP("limit", "n", 20, "Maximum number of events")
	since := fs.Duration("since", 0, "Print event counts by type for this window instead of events")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg.EventStore, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer store.Close()

	if *since > 0 {
		counts, err := store.CountByType(ctx, time.Now().Add(-*since))
		if err != nil {
			return err
		}
		printSummary(counts, out)
		return nil
	}

	var evts []eventstore.Event
	if *session != "" {
		evts, err = store.Cycle(ctx, *session, *limit)
	} else {
		evts, err = store.Recent(ctx, *limit)
	}
	if err != nil {
		return err
	}
	return printEvents(evts, out)
}

type eventLine struct {
	ID        int64           `json:"id"`
	Session   string          `json:"session"`
	Source    string          `json:"source,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func printEvents(evts []eventstore.Event, out io.Writer) error {
	enc := json.NewEncoder(out)
	for _, e := range evts {
		line := eventLine{
			ID:        e.ID,
			Session:   e.SessionID,
			Source:    e.Source,
			Type:      e.Type,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
		if json.Valid(e.Payload) {
			line.Payload = e.Payload
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(counts map[string]int, out io.Writer) {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "%-28s %d\n", k, counts[k])
	}
}
