package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.FrameSize != 1024 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Wake.Phrase != "jarvis" || cfg.Wake.Cooldown() != time.Second || cfg.Wake.ReadTimeout() != 3*time.Second {
		t.Fatalf("unexpected wake defaults: %+v", cfg.Wake)
	}
	if cfg.Cache.Capacity != 1000 {
		t.Fatalf("expected cache capacity 1000, got %d", cfg.Cache.Capacity)
	}
	if cfg.Workers.Max != 3 {
		t.Fatalf("expected 3 workers, got %d", cfg.Workers.Max)
	}
	if cfg.Router.Commands[0].Key != "open" {
		t.Fatalf("expected open to be registered first, got %q", cfg.Router.Commands[0].Key)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_WAKE_PHRASE", "computer")
	t.Setenv("LOQA_WAKE_COOLDOWN_MS", "2500")
	t.Setenv("LOQA_CAPTURE_DURATION_SECONDS", "2.5")
	t.Setenv("LOQA_CAPTURE_MIN_LEVEL", "0.05")
	t.Setenv("LOQA_WORKERS_MAX", "5")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Embedded {
		t.Fatalf("expected 2 external servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Wake.Phrase != "computer" || cfg.Wake.Cooldown() != 2500*time.Millisecond {
		t.Fatalf("expected wake overrides, got %+v", cfg.Wake)
	}
	if cfg.Capture.Duration() != 2500*time.Millisecond {
		t.Fatalf("expected capture duration 2.5s, got %s", cfg.Capture.Duration())
	}
	if cfg.Capture.MinLevel != 0.05 {
		t.Fatalf("expected min level override")
	}
	if cfg.Workers.Max != 5 {
		t.Fatalf("expected workers override")
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected api key from OPENAI_API_KEY")
	}
}

func TestLoadFileKeepsRegistryOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-voice.yaml")
	doc := `router:
  commands:
    - key: timer
      action: shell
      args:
        command: "notify-send timer"
    - key: open
      action: open
  aliases:
    - alias: countdown
      target: timer
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Router.Commands) != 2 || cfg.Router.Commands[0].Key != "timer" {
		t.Fatalf("expected file registry to replace defaults in order, got %+v", cfg.Router.Commands)
	}
	if cfg.Router.Commands[0].Args["command"] != "notify-send timer" {
		t.Fatalf("expected args to be parsed")
	}
	if len(cfg.Router.Aliases) != 1 || cfg.Router.Aliases[0].Target != "timer" {
		t.Fatalf("unexpected aliases %+v", cfg.Router.Aliases)
	}
}

func TestValidateRejectsDuplicateKeys(t *testing.T) {
	cfg := Default()
	cfg.Router.Commands = append(cfg.Router.Commands, CommandConfig{Key: "Open", Action: "open"})
	if err := validate(cfg); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestValidateOpenAIRequiresKey(t *testing.T) {
	cfg := Default()
	cfg.LLM.Mode = "openai"
	cfg.LLM.APIKey = ""
	if err := validate(cfg); err == nil {
		t.Fatal("expected missing api key error")
	}
}
