package actions

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voice/internal/router"
)

// Time speaks the local wall-clock time.
type Time struct {
	clock func() time.Time
}

func NewTime(deps Deps) *Time {
	return &Time{clock: deps.Clock}
}

func (t *Time) Execute(ctx context.Context, c *router.Context) (router.Outcome, error) {
	c.Speaker.Speak(ctx, "It's "+t.clock().Format("3:04 PM"))
	return router.Continue, nil
}
