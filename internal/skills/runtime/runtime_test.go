package runtime_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/skills/manifest"
	runtime "github.com/loqalabs/loqa-voice/internal/skills/runtime"
)

const sampleManifest = `metadata:
  name: sample
  version: 0.0.1
  description: example skill
  author: test
runtime:
  mode: wasm
  module: %s
  entrypoint: run
  host_version: v1
capabilities:
  voice:
    keys:
      - sample
permissions:
  - voice:speak
`

func TestRuntimeLoadMissingFile(t *testing.T) {
	ctx := context.Background()
	rt, err := runtime.New(ctx, runtime.HostBindings{})
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })

	mfYAML := []byte(formatManifest(sampleManifest, filepath.Join(t.TempDir(), "missing.wasm")))
	manifestPath := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(manifestPath, mfYAML, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	mf, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}

	if _, err := rt.Load(ctx, mf, map[string]string{}); err == nil {
		t.Fatalf("expected error for missing module")
	}
}

func TestRuntimeRejectsInvalidModule(t *testing.T) {
	ctx := context.Background()
	rt, err := runtime.New(ctx, runtime.HostBindings{})
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })

	module := filepath.Join(t.TempDir(), "garbage.wasm")
	if err := os.WriteFile(module, []byte("not wasm"), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	mf := manifest.Manifest{
		Metadata: manifest.Metadata{Name: "garbage"},
		Runtime:  manifest.RuntimeSpec{Mode: "wasm", Module: module, Entrypoint: "run"},
	}
	if _, err := rt.Load(ctx, mf, nil); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestRuntimeInvokeSpeaks(t *testing.T) {
	ctx := context.Background()
	var spoken []string
	var audits []string
	rt, err := runtime.New(ctx, runtime.HostBindings{
		Speak: func(text string) error {
			spoken = append(spoken, text)
			return nil
		},
		RecordAudit: func(e runtime.AuditEvent) { audits = append(audits, e.Type) },
	})
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })

	mf := manifest.Manifest{
		Metadata: manifest.Metadata{Name: "hello"},
		Runtime:  manifest.RuntimeSpec{Mode: "wasm", Module: filepath.Join("testdata", "speak.wasm"), Entrypoint: "run"},
	}
	skill, err := rt.Load(ctx, mf, map[string]string{"LOQA_UTTERANCE": "say hello"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { skill.Close(ctx) })

	if err := skill.Invoke(ctx); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(spoken) != 1 || spoken[0] != "hello" {
		t.Fatalf("unexpected speech %v", spoken)
	}
	if len(audits) != 1 || audits[0] != "skill.speak" {
		t.Fatalf("unexpected audits %v", audits)
	}
}

func TestRuntimeMissingEntrypoint(t *testing.T) {
	ctx := context.Background()
	rt, err := runtime.New(ctx, runtime.HostBindings{})
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })
	mf := manifest.Manifest{
		Metadata: manifest.Metadata{Name: "hello"},
		Runtime:  manifest.RuntimeSpec{Mode: "wasm", Module: filepath.Join("testdata", "speak.wasm"), Entrypoint: "handle"},
	}
	if _, err := rt.Load(ctx, mf, nil); err == nil {
		t.Fatalf("expected missing entrypoint error")
	}
}

func formatManifest(template, modulePath string) string {
	return fmt.Sprintf(template, modulePath)
}
