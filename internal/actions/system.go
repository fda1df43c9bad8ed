package actions

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/router"
)

// Open starts an application. Spoken names may be mapped to command lines
// through the command's args.
type Open struct {
	apps   map[string]string
	launch Launcher
}

func NewOpen(apps map[string]string, deps Deps) *Open {
	mapped := make(map[string]string, len(apps))
	for name, cmd := range apps {
		mapped[strings.ToLower(name)] = cmd
	}
	return &Open{apps: mapped, launch: deps.Launch}
}

func (o *Open) Execute(ctx context.Context, c *router.Context) (router.Outcome, error) {
	app := strings.Trim(Argument(c), " .!?")
	if app == "" {
		c.Speaker.Speak(ctx, "Which application should I open?")
		return router.Continue, nil
	}
	command := app
	if mapped, ok := o.apps[app]; ok {
		command = mapped
	}
	argv, err := splitCommand(command)
	if err != nil {
		return router.Continue, err
	}
	if err := o.launch(ctx, argv); err != nil {
		return router.Continue, err
	}
	c.Speaker.Speak(ctx, "Opening "+app)
	return router.Continue, nil
}

// Search opens the browser on a web search.
type Search struct {
	browser string
	pattern string
	launch  Launcher
}

func NewSearch(cfg config.ActionsConfig, deps Deps) *Search {
	return &Search{browser: cfg.BrowserCommand, pattern: cfg.SearchURL, launch: deps.Launch}
}

var searchSuffixes = []string{" in google", " on google", " on the web", " online"}

func (s *Search) Execute(ctx context.Context, c *router.Context) (router.Outcome, error) {
	query := strings.Trim(Argument(c), " .!?")
	for _, suffix := range searchSuffixes {
		query = strings.TrimSuffix(query, suffix)
	}
	if query == "" {
		c.Speaker.Speak(ctx, "What should I search for?")
		return router.Continue, nil
	}
	argv, err := splitCommand(s.browser)
	if err != nil {
		return router.Continue, err
	}
	argv = append(argv, SearchURL(s.pattern, query))
	if err := s.launch(ctx, argv); err != nil {
		return router.Continue, err
	}
	c.Speaker.Speak(ctx, "Searching for "+query)
	return router.Continue, nil
}

// SearchURL fills pattern's single %s with the escaped query.
func SearchURL(pattern, query string) string {
	return fmt.Sprintf(pattern, url.QueryEscape(query))
}

// Shell runs a fixed command line and speaks a confirmation or its output.
type Shell struct {
	argv  []string
	reply string
}

func NewShell(args map[string]string, deps Deps) (*Shell, error) {
	argv, err := splitCommand(args["command"])
	if err != nil {
		return nil, err
	}
	return &Shell{argv: argv, reply: args["reply"]}, nil
}

func (s *Shell) Execute(ctx context.Context, c *router.Context) (router.Outcome, error) {
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(out.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return router.Continue, failure.New(failure.KindOf(err), "shell "+s.argv[0], err)
	}
	reply := s.reply
	if reply == "" {
		reply, _, _ = strings.Cut(strings.TrimSpace(out.String()), "\n")
	}
	if reply == "" {
		reply = "Done."
	}
	c.Speaker.Speak(ctx, reply)
	return router.Continue, nil
}

// Chat forces a conversational reply for the text after the key.
type Chat struct{}

func NewChat() *Chat { return &Chat{} }

func (Chat) Execute(ctx context.Context, c *router.Context) (router.Outcome, error) {
	if c.Responder == nil {
		return router.Continue, failure.Errorf(failure.KindUnavailable, "chat", "no responder configured")
	}
	c.Speaker.Speak(ctx, c.Responder.GetOrGenerate(ctx, Argument(c)))
	return router.Continue, nil
}
