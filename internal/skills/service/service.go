package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/router"
	manifestpkg "github.com/loqalabs/loqa-voice/internal/skills/manifest"
	skillrt "github.com/loqalabs/loqa-voice/internal/skills/runtime"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"
)

// busConcurrency bounds concurrent bus-triggered invocations.
const busConcurrency = 2

// Deps are the optional collaborators of the skills service. A nil Bus
// disables subscriptions and publishing; a nil Store disables auditing.
type Deps struct {
	Bus   *bus.Client
	Store *eventstore.Store
}

// Registration lists the voice phrases a skill answers to.
type Registration struct {
	Skill   string
	Keys    []string
	Aliases []string
}

// Service manages lifecycle and execution of WASM skills.
type Service struct {
	cfg    config.SkillsConfig
	log    *slog.Logger
	bus    *bus.Client
	store  *eventstore.Store
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sema   *semaphore.Weighted

	mu     sync.RWMutex
	skills map[string]*binding
	subs   []*nats.Subscription

	healthy bool
}

type binding struct {
	manifest      manifestpkg.Manifest
	manifestPath  string
	modulePath    string
	directory     string
	publishSet    map[string]struct{}
	subscribeList []string
	sessionID     string
}

// New creates the skills service. When cfg.Enabled is false, nil is returned.
func New(ctx context.Context, cfg config.SkillsConfig, deps Deps, logger *slog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	cctx, cancel := context.WithCancel(ctx)
	svc := &Service{
		cfg:    cfg,
		log:    logger.With(slog.String("component", "skills.service")),
		bus:    deps.Bus,
		store:  deps.Store,
		ctx:    cctx,
		cancel: cancel,
		sema:   semaphore.NewWeighted(busConcurrency),
		skills: make(map[string]*binding),
	}
	if err := svc.loadSkills(); err != nil {
		cancel()
		return nil, err
	}
	if err := svc.registerSubscriptions(); err != nil {
		svc.Close()
		return nil, err
	}
	svc.healthy = true
	return svc, nil
}

// Close terminates subscriptions and waits for in-flight executions.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.cancel()
	s.mu.Lock()
	for _, sub := range s.subs {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.subs = nil
	s.mu.Unlock()
	s.wg.Wait()
}

// Healthy reports whether the service loaded its skills.
func (s *Service) Healthy() bool {
	return s != nil && s.healthy
}

// Registrations returns the voice bindings of every loaded skill, sorted by
// skill name so registration order is stable across restarts.
func (s *Service) Registrations() []Registration {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Registration, 0, len(s.skills))
	for name, b := range s.skills {
		voice := b.manifest.Capabilities.Voice
		if len(voice.Keys) == 0 {
			continue
		}
		out = append(out, Registration{
			Skill:   name,
			Keys:    append([]string(nil), voice.Keys...),
			Aliases: append([]string(nil), voice.Aliases...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skill < out[j].Skill })
	return out
}

// Register binds every skill's voice keys and aliases on r. A key already
// claimed by a built-in command is logged and skipped.
func (s *Service) Register(r *router.Router) {
	for _, reg := range s.Registrations() {
		h, _ := s.Handler(reg.Skill)
		var registered []string
		for _, key := range reg.Keys {
			if err := r.Register(key, h); err != nil {
				s.log.Warn("skill key not registered", slog.String("skill", reg.Skill), slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			registered = append(registered, key)
		}
		if len(registered) == 0 {
			continue
		}
		// Aliases target a key this skill owns, never a built-in it lost to.
		for _, phrase := range reg.Aliases {
			if err := r.Alias(phrase, registered[0]); err != nil {
				s.log.Warn("skill alias not registered", slog.String("skill", reg.Skill), slog.String("alias", phrase), slog.String("error", err.Error()))
			}
		}
		s.log.Info("skill voice keys registered", slog.String("skill", reg.Skill), slog.Any("keys", registered))
	}
}

// Handler returns a router handler invoking the named skill.
func (s *Service) Handler(name string) (router.Handler, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	b, ok := s.skills[name]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &voiceHandler{svc: s, binding: b}, true
}

type voiceHandler struct {
	svc     *Service
	binding *binding
}

func (h *voiceHandler) Execute(ctx context.Context, c *router.Context) (router.Outcome, error) {
	return router.Continue, h.svc.invokeVoice(ctx, h.binding, c)
}

func (h *voiceHandler) Apology() string {
	return h.binding.manifest.Capabilities.Voice.Apology
}

func (s *Service) loadSkills() error {
	root := s.cfg.Directory
	if root == "" {
		return errors.New("skills directory not configured")
	}
	entries := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(d.Name(), "skill.yaml") {
			entries++
			if err := s.addSkill(path); err != nil {
				s.log.Error("failed to load skill", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(s.skills) == 0 {
		s.log.Warn("no skills discovered", slog.String("directory", root), slog.Int("manifests", entries))
	} else {
		s.log.Info("skills discovered", slog.Int("count", len(s.skills)))
	}
	return nil
}

func (s *Service) addSkill(manifestPath string) error {
	mf, err := manifestpkg.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := manifestpkg.Validate(mf); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}
	name := mf.Metadata.Name
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.skills[name]; exists {
		return fmt.Errorf("duplicate skill name %s", name)
	}

	publishSet := make(map[string]struct{}, len(mf.Capabilities.Bus.Publish))
	for _, subj := range mf.Capabilities.Bus.Publish {
		publishSet[subj] = struct{}{}
	}

	s.skills[name] = &binding{
		manifest:      mf,
		manifestPath:  manifestPath,
		modulePath:    mf.Runtime.Module,
		directory:     filepath.Dir(manifestPath),
		publishSet:    publishSet,
		subscribeList: append([]string(nil), mf.Capabilities.Bus.Subscribe...),
		sessionID:     fmt.Sprintf("skill:%s", name),
	}
	return nil
}

func (s *Service) registerSubscriptions() error {
	if s.bus == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, binding := range s.skills {
		for _, subject := range binding.subscribeList {
			sub, err := s.bus.Conn().Subscribe(subject, s.makeHandler(binding))
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			s.subs = append(s.subs, sub)
			s.log.Info("skill subscribed", slog.String("skill", binding.manifest.Metadata.Name), slog.String("subject", subject))
		}
	}
	return nil
}

func (s *Service) makeHandler(binding *binding) nats.MsgHandler {
	return func(msg *nats.Msg) {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.sema.Acquire(s.ctx, 1); err != nil {
				return
			}
			defer s.sema.Release(1)
			env := map[string]string{
				"LOQA_EVENT_SUBJECT": msg.Subject,
				"LOQA_EVENT_PAYLOAD": string(msg.Data),
			}
			if msg.Reply != "" {
				env["LOQA_EVENT_REPLY"] = msg.Reply
			}
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout())
			defer cancel()
			if err := s.invoke(ctx, binding, env, nil, map[string]any{"subject": msg.Subject}); err != nil {
				s.log.Error("skill invocation failed", slog.String("skill", binding.manifest.Metadata.Name), slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			}
		}()
	}
}

func (s *Service) invokeVoice(ctx context.Context, binding *binding, c *router.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()

	argument := c.RawText
	if c.Phrase != "" {
		if i := strings.Index(c.RawText, c.Phrase); i >= 0 {
			argument = strings.TrimSpace(c.RawText[i+len(c.Phrase):])
		}
	}
	env := map[string]string{
		"LOQA_UTTERANCE":  c.RawText,
		"LOQA_ARGUMENT":   argument,
		"LOQA_COMMAND":    c.Key,
		"LOQA_SESSION_ID": c.SessionID,
	}
	speak := func(text string) error {
		if !binding.manifest.HasPermission(manifestpkg.PermissionSpeak) {
			return fmt.Errorf("missing permission %s", manifestpkg.PermissionSpeak)
		}
		if c.Speaker == nil {
			return errors.New("no speaker available")
		}
		c.Speaker.Speak(ctx, text)
		return nil
	}
	err := s.invoke(ctx, binding, env, speak, map[string]any{"command": c.Key})
	if err != nil {
		return failure.New(failure.KindOf(err), "skill "+binding.manifest.Metadata.Name, err)
	}
	return nil
}

func (s *Service) invoke(ctx context.Context, binding *binding, env map[string]string, speak func(string) error, start map[string]any) error {
	invocationID := uuid.NewString()
	env["LOQA_SKILL_NAME"] = binding.manifest.Metadata.Name
	env["LOQA_INVOCATION_ID"] = invocationID
	env["LOQA_SKILL_DIRECTORY"] = binding.directory

	hostLogger := s.log.With(
		slog.String("skill", binding.manifest.Metadata.Name),
		slog.String("invocation_id", invocationID),
	)

	hostBindings := skillrt.HostBindings{
		Logger: hostLogger,
		Speak:  speak,
		AllowPublish: func(subject string) error {
			if !binding.manifest.HasPermission(manifestpkg.PermissionPublish) {
				return fmt.Errorf("missing permission %s", manifestpkg.PermissionPublish)
			}
			if _, ok := binding.publishSet[subject]; !ok {
				return fmt.Errorf("subject %s not declared in manifest", subject)
			}
			if s.bus == nil {
				return errors.New("bus disabled")
			}
			return nil
		},
		Publish: func(subject string, payload []byte) error {
			return s.bus.Conn().Publish(subject, payload)
		},
		RecordAudit: func(event skillrt.AuditEvent) {
			s.appendAudit(binding, invocationID, event)
		},
	}

	runtime, err := skillrt.New(ctx, hostBindings)
	if err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}
	defer runtime.Close(context.Background())

	mf := binding.manifest
	mf.Runtime.Module = binding.modulePath

	skill, err := runtime.Load(ctx, mf, env)
	if err != nil {
		return failure.New(failure.KindUnavailable, "load skill", err)
	}
	defer skill.Close(context.Background())

	began := time.Now()
	s.appendAudit(binding, invocationID, skillrt.AuditEvent{Type: "skill.invoke.start", Data: start})

	if err := skill.Invoke(ctx); err != nil {
		s.appendAudit(binding, invocationID, skillrt.AuditEvent{Type: "skill.invoke.error", Data: map[string]any{
			"error": err.Error(),
		}})
		if ctx.Err() != nil {
			return failure.New(failure.KindTimeout, "invoke skill", err)
		}
		return err
	}

	s.appendAudit(binding, invocationID, skillrt.AuditEvent{Type: "skill.invoke.complete", Data: map[string]any{
		"duration_ms": time.Since(began).Milliseconds(),
	}})
	return nil
}

func (s *Service) appendAudit(binding *binding, invocationID string, event skillrt.AuditEvent) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = s.store.BeginCycle(ctx, binding.sessionID, binding.manifest.Metadata.Name, s.cfg.AuditPrivacy)
	payload := map[string]any{
		"invocation_id": invocationID,
		"skill":         binding.manifest.Metadata.Name,
	}
	for k, v := range event.Data {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal audit event", slog.String("error", err.Error()))
		return
	}
	evt := eventstore.Event{
		SessionID: binding.sessionID,
		Source:    binding.manifest.Metadata.Name,
		Type:      event.Type,
		Payload:   data,
		Privacy:   s.cfg.AuditPrivacy,
	}
	if err := s.store.Append(ctx, evt); err != nil {
		s.log.Warn("failed to append audit event", slog.String("error", err.Error()))
	}
}
