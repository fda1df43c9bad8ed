package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Permissions a manifest may request.
const (
	PermissionSpeak   = "voice:speak"
	PermissionPublish = "bus:publish"
)

// Manifest describes a Loqa skill package.
type Manifest struct {
	Metadata     Metadata     `yaml:"metadata"`
	Runtime      RuntimeSpec  `yaml:"runtime"`
	Capabilities Capabilities `yaml:"capabilities"`
	Permissions  []string     `yaml:"permissions"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	Entrypoint  string `yaml:"entrypoint"`
	HostVersion string `yaml:"host_version"`
}

type Capabilities struct {
	Bus   BusSpec   `yaml:"bus,omitempty"`
	Voice VoiceSpec `yaml:"voice,omitempty"`
}

type BusSpec struct {
	Publish   []string `yaml:"publish,omitempty"`
	Subscribe []string `yaml:"subscribe,omitempty"`
}

// VoiceSpec binds spoken command keys to the skill. Aliases resolve to the
// first key.
type VoiceSpec struct {
	Keys    []string `yaml:"keys,omitempty"`
	Aliases []string `yaml:"aliases,omitempty"`
	Apology string   `yaml:"apology,omitempty"`
}

// Load reads a manifest from disk. A relative runtime.module is resolved
// against the manifest's directory.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if m.Runtime.Module != "" && !filepath.IsAbs(m.Runtime.Module) {
		m.Runtime.Module = filepath.Join(filepath.Dir(path), m.Runtime.Module)
	}
	return m, nil
}

// Validate reports the first problem found in m.
func Validate(m Manifest) error {
	for _, check := range []func(Manifest) error{
		checkMetadata,
		checkRuntime,
		checkVoice,
		checkPermissions,
	} {
		if err := check(m); err != nil {
			return err
		}
	}
	return nil
}

func checkMetadata(m Manifest) error {
	switch {
	case m.Metadata.Name == "":
		return errors.New("metadata.name is required")
	case m.Metadata.Version == "":
		return errors.New("metadata.version is required")
	}
	return nil
}

func checkRuntime(m Manifest) error {
	switch m.Runtime.Mode {
	case "":
		return errors.New("runtime.mode is required")
	case "wasm":
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if m.Runtime.Module == "" {
		return errors.New("runtime.module is required for wasm")
	}
	if m.Runtime.Entrypoint == "" {
		return errors.New("runtime.entrypoint is required for wasm")
	}
	return nil
}

func checkVoice(m Manifest) error {
	voice := m.Capabilities.Voice
	if len(voice.Keys) == 0 {
		if len(m.Capabilities.Bus.Subscribe) == 0 {
			return errors.New("capabilities must declare voice keys or bus subscriptions")
		}
		if len(voice.Aliases) > 0 {
			return errors.New("capabilities.voice.aliases require at least one key")
		}
	}
	seen := make(map[string]bool, len(voice.Keys)+len(voice.Aliases))
	for _, phrase := range append(append([]string{}, voice.Keys...), voice.Aliases...) {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p == "" {
			return errors.New("capabilities.voice must not contain empty phrases")
		}
		if seen[p] {
			return fmt.Errorf("duplicate voice key %q", phrase)
		}
		seen[p] = true
	}
	return nil
}

func checkPermissions(m Manifest) error {
	if len(m.Permissions) == 0 {
		return errors.New("permissions must include at least one entry")
	}
	for _, p := range m.Permissions {
		if p != PermissionSpeak && p != PermissionPublish {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	if len(m.Capabilities.Bus.Publish) > 0 && !m.HasPermission(PermissionPublish) {
		return fmt.Errorf("capabilities.bus.publish requires the %s permission", PermissionPublish)
	}
	return nil
}

// HasPermission reports whether the manifest requests perm.
func (m Manifest) HasPermission(perm string) bool {
	return slices.Contains(m.Permissions, perm)
}
