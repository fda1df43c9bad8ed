// Package router maps transcribed commands onto registered handlers.
//
// Matching is a fixed sequence: stop phrases, thanks phrases, direct keys in
// registration order, aliases in registration order, then the conversational
// fallback. Every handler runs inside its own error boundary.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Match kinds reported in Records.
const (
	MatchEmpty    = "empty"
	MatchStop     = "stop"
	MatchThanks   = "thanks"
	MatchDirect   = "direct"
	MatchAlias    = "alias"
	MatchFallback = "fallback"
)

// Record describes one completed dispatch.
type Record struct {
	SessionID string
	Input     string
	Text      string
	Key       string
	Match     string
	Outcome   Outcome
	Err       error
	Duration  time.Duration
}

// Deps are the collaborators shared with every handler.
type Deps struct {
	Speaker   Speaker
	Responder Responder
	Workers   Submitter
	Journal   *failure.Journal
}

type command struct {
	key     string
	handler Handler
}

type alias struct {
	alias  string
	target string
}

type Router struct {
	cfg     config.Config
	trigger string
	deps    Deps
	logger  *slog.Logger

	mu       sync.RWMutex
	commands []command
	index    map[string]int
	aliases  []alias
	observer func(ctx context.Context, rec Record)

	dispatches metric.Int64Counter
}

func New(cfg config.Config, deps Deps, log *slog.Logger) *Router {
	r := &Router{
		cfg:     cfg,
		trigger: strings.ToLower(strings.TrimSpace(cfg.Wake.Phrase)),
		deps:    deps,
		logger:  log.With(slog.String("component", "router")),
		index:   make(map[string]int),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voice/router")
	if counter, err := meter.Int64Counter("loqa.router.dispatches", metric.WithDescription("Command dispatches by match kind and outcome")); err == nil {
		r.dispatches = counter
	}
	return r
}

// Register adds a direct key. Keys are matched in the order registered.
func (r *Router) Register(key string, h Handler) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return errors.New("command key is required")
	}
	if h == nil {
		return fmt.Errorf("command %q has no handler", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[key]; exists {
		return fmt.Errorf("duplicate command key %q", key)
	}
	r.index[key] = len(r.commands)
	r.commands = append(r.commands, command{key: key, handler: h})
	return nil
}

// Alias maps an alternate phrase onto a key. The target is resolved at
// dispatch time; an alias whose target is never registered is ignored.
func (r *Router) Alias(phrase, target string) error {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	target = strings.ToLower(strings.TrimSpace(target))
	if phrase == "" || target == "" {
		return errors.New("alias and target are required")
	}
	r.mu.Lock()
	r.aliases = append(r.aliases, alias{alias: phrase, target: target})
	r.mu.Unlock()
	return nil
}

// OnDispatch registers a callback that receives every dispatch record.
func (r *Router) OnDispatch(fn func(ctx context.Context, rec Record)) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// Keys lists registered keys in registration order.
func (r *Router) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, len(r.commands))
	for i, c := range r.commands {
		keys[i] = c.key
	}
	return keys
}

// Dispatch routes raw transcribed text and reports whether the pipeline
// should keep listening. It never panics.
func (r *Router) Dispatch(ctx context.Context, raw string) Outcome {
	start := time.Now()
	rec := Record{SessionID: SessionID(ctx), Input: raw}
	defer func() {
		rec.Duration = time.Since(start)
		r.finish(ctx, rec)
	}()

	text := strings.ToLower(strings.TrimSpace(raw))
	rec.Text = text
	if text == "" {
		r.logger.Info("empty command ignored")
		rec.Match = MatchEmpty
		return Continue
	}

	if containsAny(text, r.cfg.Router.StopPhrases) {
		r.say(ctx, r.cfg.Router.StopReply)
		rec.Match, rec.Outcome = MatchStop, Stop
		return Stop
	}
	if containsAny(text, r.cfg.Router.ThanksPhrases) {
		r.say(ctx, r.cfg.Router.ThanksReply)
		rec.Match = MatchThanks
		return Continue
	}

	text = r.stripTrigger(text)
	rec.Text = text

	cmd, how, phrase, ok := r.match(text)
	if !ok {
		rec.Match = MatchFallback
		r.fallback(ctx, text)
		return Continue
	}
	rec.Key, rec.Match = cmd.key, how
	rec.Outcome, rec.Err = r.execute(ctx, cmd, text, phrase)
	return rec.Outcome
}

// stripTrigger drops everything up to and including the first occurrence of
// the trigger phrase.
func (r *Router) stripTrigger(text string) string {
	if r.trigger == "" {
		return text
	}
	if i := strings.Index(text, r.trigger); i >= 0 {
		text = text[i+len(r.trigger):]
	}
	return strings.TrimSpace(strings.TrimLeft(text, " ,.!?"))
}

func (r *Router) match(text string) (command, string, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.commands {
		if strings.Contains(text, c.key) {
			return c, MatchDirect, c.key, true
		}
	}
	for _, a := range r.aliases {
		if !strings.Contains(text, a.alias) {
			continue
		}
		i, ok := r.index[a.target]
		if !ok {
			r.logger.Debug("alias target not registered", slog.String("alias", a.alias), slog.String("target", a.target))
			continue
		}
		return r.commands[i], MatchAlias, a.alias, true
	}
	return command{}, "", "", false
}

func (r *Router) execute(ctx context.Context, cmd command, text, phrase string) (out Outcome, err error) {
	c := &Context{
		RawText:   text,
		Key:       cmd.key,
		Phrase:    phrase,
		SessionID: SessionID(ctx),
		Speaker:   r.deps.Speaker,
		Responder: r.deps.Responder,
		Workers:   r.deps.Workers,
		Config:    r.cfg,
	}
	defer func() {
		if p := recover(); p != nil {
			err = failure.Errorf(failure.KindInternal, cmd.key, "handler panic: %v", p)
			out = Continue
			r.fail(ctx, cmd, text, err)
		}
	}()

	r.logger.Info("dispatching command", slog.String("key", cmd.key), slog.String("text", text))
	out, err = cmd.handler.Execute(ctx, c)
	if err != nil {
		r.fail(ctx, cmd, text, err)
		return Continue, err
	}
	return out, nil
}

func (r *Router) fail(ctx context.Context, cmd command, text string, err error) {
	if r.deps.Journal != nil {
		r.deps.Journal.Record(ctx, err, cmd.key, map[string]any{"text": text, "session_id": SessionID(ctx)})
	} else {
		r.logger.Warn("command failed", slog.String("key", cmd.key), slogError(err))
	}
	apology := DefaultApology
	if a, ok := cmd.handler.(Apologizer); ok && a.Apology() != "" {
		apology = a.Apology()
	}
	r.say(ctx, apology)
}

func (r *Router) fallback(ctx context.Context, text string) {
	if r.deps.Responder == nil {
		r.say(ctx, DefaultApology)
		return
	}
	r.say(ctx, r.deps.Responder.GetOrGenerate(ctx, text))
}

func (r *Router) say(ctx context.Context, text string) {
	if r.deps.Speaker == nil || text == "" {
		return
	}
	r.deps.Speaker.Speak(ctx, text)
}

func (r *Router) finish(ctx context.Context, rec Record) {
	if r.dispatches != nil {
		r.dispatches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("match", rec.Match),
			attribute.String("outcome", rec.Outcome.String()),
			attribute.Bool("error", rec.Err != nil),
		))
	}
	r.mu.RLock()
	observer := r.observer
	r.mu.RUnlock()
	if observer != nil {
		observer(ctx, rec)
	}
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
