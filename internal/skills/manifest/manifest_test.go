package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `metadata:
  name: dice
  version: 0.1.0
  description: Rolls dice on request
  author: Loqa Labs
runtime:
  mode: wasm
  module: build/dice.wasm
  entrypoint: run
  host_version: v1
capabilities:
  voice:
    keys:
      - roll a dice
      - roll the dice
    aliases:
      - throw a die
    apology: Sorry, the dice fell off the table.
  bus:
    publish:
      - loqa.voice.skill.dice
permissions:
  - voice:speak
  - bus:publish
`

func TestValidateValidManifest(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "skill.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(m.Capabilities.Voice.Keys) != 2 || m.Capabilities.Voice.Aliases[0] != "throw a die" {
		t.Fatalf("unexpected voice spec %+v", m.Capabilities.Voice)
	}
	if !m.HasPermission(PermissionSpeak) {
		t.Fatalf("expected speak permission")
	}
}

func TestValidateMissingFields(t *testing.T) {
	m := Manifest{}
	if err := Validate(m); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateUnsupportedMode(t *testing.T) {
	m := Manifest{
		Metadata:     Metadata{Name: "x", Version: "1"},
		Runtime:      RuntimeSpec{Mode: "python"},
		Capabilities: Capabilities{Voice: VoiceSpec{Keys: []string{"foo"}}},
		Permissions:  []string{"voice:speak"},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected error for unsupported runtime")
	}
}

func TestValidateRequiresTrigger(t *testing.T) {
	m := Manifest{
		Metadata:    Metadata{Name: "x", Version: "1"},
		Runtime:     RuntimeSpec{Mode: "wasm", Module: "x.wasm", Entrypoint: "run"},
		Permissions: []string{"voice:speak"},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected error without voice keys or subscriptions")
	}
}

func TestValidateDuplicateKeys(t *testing.T) {
	m := Manifest{
		Metadata:     Metadata{Name: "x", Version: "1"},
		Runtime:      RuntimeSpec{Mode: "wasm", Module: "x.wasm", Entrypoint: "run"},
		Capabilities: Capabilities{Voice: VoiceSpec{Keys: []string{"Roll", "roll "}}},
		Permissions:  []string{"voice:speak"},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestValidatePublishNeedsPermission(t *testing.T) {
	m := Manifest{
		Metadata: Metadata{Name: "x", Version: "1"},
		Runtime:  RuntimeSpec{Mode: "wasm", Module: "x.wasm", Entrypoint: "run"},
		Capabilities: Capabilities{
			Voice: VoiceSpec{Keys: []string{"roll"}},
			Bus:   BusSpec{Publish: []string{"a.b"}},
		},
		Permissions: []string{"voice:speak"},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected missing publish permission error")
	}
}

func TestLoadResolvesModuleAgainstManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skill.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Runtime.Module != filepath.Join(dir, "build", "dice.wasm") {
		t.Fatalf("unexpected module path %q", m.Runtime.Module)
	}
}

func TestValidateRejectsUnknownPermission(t *testing.T) {
	m := Manifest{
		Metadata:     Metadata{Name: "x", Version: "1"},
		Runtime:      RuntimeSpec{Mode: "wasm", Module: "x.wasm", Entrypoint: "run"},
		Capabilities: Capabilities{Voice: VoiceSpec{Keys: []string{"roll"}}},
		Permissions:  []string{"filesystem:write"},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected unknown permission error")
	}
}
