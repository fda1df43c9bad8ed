package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/worker"
)

var mediaExtensions = []string{".mp3", ".wav"}

// Play plays a track from the media directory in the background.
type Play struct {
	dir    string
	player notify.Player
}

func NewPlay(cfg config.ActionsConfig, deps Deps) *Play {
	return &Play{dir: cfg.MediaDir, player: deps.Player}
}

func (p *Play) Execute(ctx context.Context, c *router.Context) (router.Outcome, error) {
	name := strings.Trim(Argument(c), " .!?")
	if name == "" {
		c.Speaker.Speak(ctx, "What should I play?")
		return router.Continue, nil
	}
	if p.player == nil {
		return router.Continue, failure.Errorf(failure.KindUnavailable, "play", "no audio output configured")
	}
	path, err := p.resolve(name)
	if err != nil {
		return router.Continue, err
	}
	speaker := c.Speaker
	err = c.Workers.Submit("play", func(ctx context.Context) error {
		if err := p.player.PlayFile(ctx, path); err != nil {
			speaker.Speak(ctx, "Sorry, playback of "+name+" failed.")
			return err
		}
		return nil
	})
	if errors.Is(err, worker.ErrPoolFull) {
		c.Speaker.Speak(ctx, "I'm busy with other tasks right now.")
		return router.Continue, nil
	}
	if err != nil {
		return router.Continue, err
	}
	c.Speaker.Speak(ctx, "Playing "+name)
	return router.Continue, nil
}

func (p *Play) resolve(name string) (string, error) {
	for _, ext := range mediaExtensions {
		path := filepath.Join(p.dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", failure.Errorf(failure.KindNotFound, "play", "no media named %q in %s", name, p.dir)
}
