// Package actions provides the built-in command handlers and binds the
// configured registry onto a router.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/mattn/go-shellwords"
)

// Launcher starts an external program without waiting for it to exit.
type Launcher func(ctx context.Context, argv []string) error

// SkillResolver looks up a loaded skill handler by name.
type SkillResolver interface {
	Handler(name string) (router.Handler, bool)
}

// Deps are the collaborators built-in handlers need.
type Deps struct {
	Player     notify.Player
	Backend    audio.Backend
	Device     audio.Device
	Params     audio.StreamParams
	HTTPClient *http.Client
	Launch     Launcher
	Skills     SkillResolver
	Clock      func() time.Time
	Logger     *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if d.Launch == nil {
		d.Launch = StartProcess
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Family apologies spoken when a handler fails.
const (
	ApologyOpen    = "Sorry, I couldn't open that application."
	ApologyPlay    = "Sorry, I couldn't play that."
	ApologySearch  = "Sorry, I couldn't run that search."
	ApologyTime    = "Sorry, I couldn't tell the time."
	ApologyWeather = "Sorry, I couldn't get the weather right now."
	ApologyMemo    = "Sorry, there was a problem with the voice memo."
	ApologyShell   = "Sorry, that command failed."
	ApologyChat    = "Sorry, I couldn't come up with an answer."
	ApologySkill   = "Sorry, that skill failed."
)

// Build registers every configured command and alias on r, in configuration
// order.
func Build(cfg config.Config, r *router.Router, deps Deps) error {
	deps = deps.withDefaults()
	memo := NewMemoRecorder(cfg.Actions, deps)
	for _, cmd := range cfg.Router.Commands {
		h, apology, err := handlerFor(cmd, cfg, deps, memo)
		if err != nil {
			return fmt.Errorf("command %q: %w", cmd.Key, err)
		}
		if cmd.Apology != "" {
			apology = cmd.Apology
		}
		if err := r.Register(cmd.Key, router.WithApology(h, apology)); err != nil {
			return err
		}
	}
	for _, a := range cfg.Router.Aliases {
		if err := r.Alias(a.Alias, a.Target); err != nil {
			return err
		}
	}
	return nil
}

func handlerFor(cmd config.CommandConfig, cfg config.Config, deps Deps, memo *MemoRecorder) (router.Handler, string, error) {
	switch cmd.Action {
	case "open":
		return NewOpen(cmd.Args, deps), ApologyOpen, nil
	case "play":
		return NewPlay(cfg.Actions, deps), ApologyPlay, nil
	case "search":
		return NewSearch(cfg.Actions, deps), ApologySearch, nil
	case "time":
		return NewTime(deps), ApologyTime, nil
	case "weather":
		return NewWeather(cfg.Actions, deps), ApologyWeather, nil
	case "memo_start":
		return memo.StartHandler(), ApologyMemo, nil
	case "memo_stop":
		return memo.StopHandler(), ApologyMemo, nil
	case "shell":
		h, err := NewShell(cmd.Args, deps)
		return h, ApologyShell, err
	case "chat":
		return NewChat(), ApologyChat, nil
	case "skill":
		if deps.Skills == nil {
			return nil, "", fmt.Errorf("skills are not enabled")
		}
		h, ok := deps.Skills.Handler(cmd.Args["skill"])
		if !ok {
			return nil, "", fmt.Errorf("skill %q not loaded", cmd.Args["skill"])
		}
		return h, ApologySkill, nil
	default:
		return nil, "", fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// Argument returns the text following the matched key or alias.
func Argument(c *router.Context) string {
	text := c.RawText
	for _, phrase := range []string{c.Phrase, c.Key} {
		if phrase == "" {
			continue
		}
		if i := strings.Index(text, phrase); i >= 0 {
			return strings.TrimSpace(text[i+len(phrase):])
		}
	}
	return strings.TrimSpace(text)
}

// StartProcess launches argv detached from the pipeline and reaps it in the
// background.
func StartProcess(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return failure.Errorf(failure.KindInvalidInput, "start process", "empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return failure.New(failure.KindOf(err), "start "+argv[0], err)
	}
	go cmd.Wait()
	return nil
}

func splitCommand(command string) ([]string, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, failure.New(failure.KindInvalidInput, "parse command", err)
	}
	if len(args) == 0 {
		return nil, failure.Errorf(failure.KindInvalidInput, "parse command", "empty command")
	}
	return args, nil
}
