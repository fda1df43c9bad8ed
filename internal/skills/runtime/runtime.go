// Package runtime executes skill modules in a wazero sandbox. Skills reach
// the voice pipeline only through the functions exported in the "env" host
// module.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-voice/internal/skills/manifest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Host call result codes returned to the guest.
const (
	HostOK            = 0
	HostErrNotAllowed = 1
	HostErrRuntime    = 2
)

// HostBindings connects host calls to the pipeline. Nil callbacks reject the
// corresponding call.
type HostBindings struct {
	Logger       *slog.Logger
	Speak        func(text string) error
	AllowPublish func(subject string) error
	Publish      func(subject string, payload []byte) error
	RecordAudit  func(event AuditEvent)
}

type AuditEvent struct {
	Type string
	Data map[string]any
}

// Runtime owns one wazero runtime with the host module and WASI installed.
type Runtime struct {
	rt wazero.Runtime
}

func New(ctx context.Context, bindings HostBindings) (*Runtime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	h := newHost(bindings)
	if err := h.install(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &Runtime{rt: rt}, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Skill is an instantiated module ready to invoke.
type Skill struct {
	Manifest manifest.Manifest
	module   api.Module
	compiled wazero.CompiledModule
	entry    api.Function
}

// Load compiles and instantiates the module named by m. Any _start export
// runs during instantiation; the manifest entrypoint runs on Invoke. env is
// visible to the guest through WASI.
func (r *Runtime) Load(ctx context.Context, m manifest.Manifest, env map[string]string) (*Skill, error) {
	if r == nil || r.rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	if m.Runtime.Mode != "wasm" {
		return nil, fmt.Errorf("unsupported runtime mode %q", m.Runtime.Mode)
	}
	code, err := os.ReadFile(m.Runtime.Module)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	cfg := wazero.NewModuleConfig().WithName(m.Metadata.Name).WithStdout(io.Discard).WithStderr(io.Discard)
	for k, v := range env {
		cfg = cfg.WithEnv(k, v)
	}
	module, err := r.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	s := &Skill{Manifest: m, module: module, compiled: compiled}
	if s.entry = module.ExportedFunction(m.Runtime.Entrypoint); s.entry == nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", m.Runtime.Entrypoint)
	}
	return s, nil
}

// Invoke calls the entrypoint. Inputs travel through the environment, so
// the entrypoint takes no parameters.
func (s *Skill) Invoke(ctx context.Context) error {
	if s == nil || s.entry == nil {
		return errors.New("skill entrypoint not available")
	}
	_, err := s.entry.Call(ctx)
	return err
}

func (s *Skill) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.module != nil {
		errs = append(errs, s.module.Close(ctx))
	}
	if s.compiled != nil {
		errs = append(errs, s.compiled.Close(ctx))
	}
	return errors.Join(errs...)
}

// host implements the env module functions.
type host struct {
	b   HostBindings
	log *slog.Logger
}

func newHost(b HostBindings) *host {
	log := b.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &host{b: b, log: log.With(slog.String("component", "skill-host"))}
}

type hostFunc struct {
	name    string
	params  int
	returns bool
	fn      api.GoModuleFunc
}

func (h *host) install(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder("env")
	for _, f := range []hostFunc{
		{name: "host_log", params: 2, fn: h.hostLog},
		{name: "host_speak", params: 2, returns: true, fn: h.hostSpeak},
		{name: "host_publish", params: 4, returns: true, fn: h.hostPublish},
	} {
		params := make([]api.ValueType, f.params)
		for i := range params {
			params[i] = api.ValueTypeI32
		}
		fb := builder.NewFunctionBuilder().WithName(f.name)
		if f.returns {
			fb = fb.WithGoModuleFunction(f.fn, params, []api.ValueType{api.ValueTypeI32}).WithResultNames("code")
		} else {
			fb = fb.WithGoModuleFunction(f.fn, params, nil)
		}
		fb.Export(f.name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

func (h *host) audit(kind string, data map[string]any) {
	if h.b.RecordAudit != nil {
		h.b.RecordAudit(AuditEvent{Type: kind, Data: data})
	}
}

// guestString copies length bytes at ptr out of the guest's memory.
func guestString(mod api.Module, ptr, length uint64) (string, bool) {
	mem := mod.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(api.DecodeU32(ptr), api.DecodeU32(length))
	if !ok {
		return "", false
	}
	return string(data), true
}

func result(stack []uint64, code int32) { stack[0] = api.EncodeI32(code) }

func (h *host) hostLog(_ context.Context, mod api.Module, stack []uint64) {
	if api.DecodeU32(stack[1]) == 0 {
		return
	}
	msg, ok := guestString(mod, stack[0], stack[1])
	if !ok {
		h.log.Warn("host_log: out of bounds read", slog.String("module", mod.Name()))
		return
	}
	h.log.Info("skill log", slog.String("module", mod.Name()), slog.String("message", msg))
	h.audit("skill.log", map[string]any{"message": msg})
}

func (h *host) hostSpeak(_ context.Context, mod api.Module, stack []uint64) {
	text, ok := guestString(mod, stack[0], stack[1])
	if !ok {
		result(stack, HostErrRuntime)
		return
	}
	if h.b.Speak == nil {
		result(stack, HostErrNotAllowed)
		return
	}
	if err := h.b.Speak(text); err != nil {
		h.log.Warn("skill speech blocked", slog.String("module", mod.Name()), slog.String("error", err.Error()))
		result(stack, HostErrNotAllowed)
		return
	}
	h.audit("skill.speak", map[string]any{"text": text})
	result(stack, HostOK)
}

func (h *host) hostPublish(_ context.Context, mod api.Module, stack []uint64) {
	subject, ok := guestString(mod, stack[0], stack[1])
	if !ok {
		result(stack, HostErrRuntime)
		return
	}
	if h.b.AllowPublish == nil || h.b.Publish == nil {
		result(stack, HostErrNotAllowed)
		return
	}
	if err := h.b.AllowPublish(subject); err != nil {
		h.log.Warn("skill publish blocked", slog.String("subject", subject), slog.String("error", err.Error()))
		result(stack, HostErrNotAllowed)
		return
	}
	var payload []byte
	if api.DecodeU32(stack[3]) > 0 {
		data, ok := guestString(mod, stack[2], stack[3])
		if !ok {
			result(stack, HostErrRuntime)
			return
		}
		payload = []byte(data)
	}
	if err := h.b.Publish(subject, payload); err != nil {
		h.log.Error("skill publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
		result(stack, HostErrRuntime)
		return
	}
	h.audit("skill.publish", map[string]any{"subject": subject, "payload_bytes": len(payload)})
	result(stack, HostOK)
}
