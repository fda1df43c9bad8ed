package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/router"
)

const greeterManifest = `metadata:
  name: greeter
  version: 0.1.0
  description: says hello
  author: test
runtime:
  mode: wasm
  module: %s
  entrypoint: run
  host_version: v1
capabilities:
  voice:
    keys:
      - greet
    aliases:
      - say hi
    apology: The greeter is unavailable.
permissions:
%s
`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSpeaker struct {
	mu     sync.Mutex
	spoken []string
}

func (s *recordingSpeaker) Speak(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
}

func (s *recordingSpeaker) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func writeSkill(t *testing.T, permissions string) string {
	t.Helper()
	return writeManifest(t, greeterManifest, permissions)
}

func writeManifest(t *testing.T, manifest, permissions string) string {
	t.Helper()
	module, err := filepath.Abs(filepath.Join("..", "runtime", "testdata", "speak.wasm"))
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	root := t.TempDir()
	dir := filepath.Join(root, "greeter")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := fmt.Sprintf(manifest, module, permissions)
	if err := os.WriteFile(filepath.Join(dir, "skill.yaml"), []byte(data), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return root
}

func TestDisabledServiceIsNil(t *testing.T) {
	svc, err := New(context.Background(), config.SkillsConfig{Enabled: false}, Deps{}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc != nil {
		t.Fatalf("expected nil service when disabled")
	}
	if _, ok := svc.Handler("greeter"); ok {
		t.Fatalf("nil service should not resolve handlers")
	}
}

func TestVoiceKeySpeaksThroughRouter(t *testing.T) {
	ctx := context.Background()
	root := writeSkill(t, "  - voice:speak")

	store, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc, err := New(ctx, config.SkillsConfig{Enabled: true, Directory: root, TimeoutMS: 5000, AuditPrivacy: "internal"}, Deps{Store: store}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	regs := svc.Registrations()
	if len(regs) != 1 || regs[0].Skill != "greeter" || regs[0].Keys[0] != "greet" {
		t.Fatalf("unexpected registrations %+v", regs)
	}

	speaker := &recordingSpeaker{}
	r := router.New(config.Default(), router.Deps{Speaker: speaker}, newLogger())
	svc.Register(r)

	if out := r.Dispatch(ctx, "jarvis greet"); out != router.Continue {
		t.Fatalf("expected continue, got %v", out)
	}
	if out := r.Dispatch(ctx, "jarvis say hi please"); out != router.Continue {
		t.Fatalf("expected continue, got %v", out)
	}
	spoken := speaker.lines()
	if len(spoken) != 2 || spoken[0] != "hello" || spoken[1] != "hello" {
		t.Fatalf("unexpected speech %v", spoken)
	}

	events, err := store.Cycle(ctx, "skill:greeter", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[string]int{}
	for _, evt := range events {
		seen[evt.Type]++
	}
	for _, typ := range []string{"skill.invoke.start", "skill.speak", "skill.invoke.complete"} {
		if seen[typ] != 2 {
			t.Fatalf("expected two %s audits, got %v", typ, seen)
		}
	}
}

func TestAliasSkipsKeyClaimedByBuiltin(t *testing.T) {
	ctx := context.Background()
	manifest := strings.Replace(greeterManifest, "      - greet\n", "      - open\n      - greet\n", 1)
	root := writeManifest(t, manifest, "  - voice:speak")

	svc, err := New(ctx, config.SkillsConfig{Enabled: true, Directory: root, TimeoutMS: 5000}, Deps{}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	speaker := &recordingSpeaker{}
	r := router.New(config.Default(), router.Deps{Speaker: speaker}, newLogger())
	builtin := 0
	if err := r.Register("open", router.HandlerFunc(func(context.Context, *router.Context) (router.Outcome, error) {
		builtin++
		return router.Continue, nil
	})); err != nil {
		t.Fatalf("register builtin: %v", err)
	}
	svc.Register(r)

	r.Dispatch(ctx, "jarvis say hi")
	if builtin != 0 {
		t.Fatalf("alias reached the built-in handler")
	}
	if spoken := speaker.lines(); len(spoken) != 1 || spoken[0] != "hello" {
		t.Fatalf("unexpected speech %v", spoken)
	}
}

func TestSpeechRequiresPermission(t *testing.T) {
	ctx := context.Background()
	root := writeSkill(t, "  - bus:publish")

	svc, err := New(ctx, config.SkillsConfig{Enabled: true, Directory: root, TimeoutMS: 5000}, Deps{}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	h, ok := svc.Handler("greeter")
	if !ok {
		t.Fatalf("expected greeter handler")
	}
	if ap, ok := h.(router.Apologizer); !ok || ap.Apology() != "The greeter is unavailable." {
		t.Fatalf("expected manifest apology")
	}
	speaker := &recordingSpeaker{}
	out, err := h.Execute(ctx, &router.Context{RawText: "greet", Key: "greet", Phrase: "greet", Speaker: speaker})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != router.Continue {
		t.Fatalf("expected continue")
	}
	if got := speaker.lines(); len(got) != 0 {
		t.Fatalf("speech without permission should be blocked, got %v", got)
	}
}

func TestMissingModuleReportsError(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := filepath.Join(root, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := fmt.Sprintf(greeterManifest, "missing.wasm", "  - voice:speak")
	if err := os.WriteFile(filepath.Join(dir, "skill.yaml"), []byte(data), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	svc, err := New(ctx, config.SkillsConfig{Enabled: true, Directory: root, TimeoutMS: 1000}, Deps{}, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	h, ok := svc.Handler("greeter")
	if !ok {
		t.Fatalf("expected greeter handler")
	}
	if _, err := h.Execute(ctx, &router.Context{RawText: "greet", Key: "greet"}); err == nil {
		t.Fatalf("expected error for missing module")
	}
}
