package router

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/worker"
)

// Outcome tells the orchestrator whether to keep listening.
type Outcome int

const (
	Continue Outcome = iota
	Stop
)

func (o Outcome) String() string {
	if o == Stop {
		return "stop"
	}
	return "continue"
}

// DefaultApology is spoken when a failing handler has no apology of its own.
const DefaultApology = "Sorry, I couldn't complete that request."

// Speaker is the best-effort speech output.
type Speaker interface {
	Speak(ctx context.Context, text string)
}

// Responder produces conversational replies.
type Responder interface {
	GetOrGenerate(ctx context.Context, text string) string
}

// Submitter accepts background jobs.
type Submitter interface {
	Submit(name string, job worker.Job) error
}

// Context is handed to a handler for one dispatch. Handlers must treat it as
// read-only. Phrase is the key or alias that matched RawText.
type Context struct {
	RawText   string
	Key       string
	Phrase    string
	SessionID string
	Speaker   Speaker
	Responder Responder
	Workers   Submitter
	Config    config.Config
}

// Handler executes one command family.
type Handler interface {
	Execute(ctx context.Context, c *Context) (Outcome, error)
}

// Apologizer is implemented by handlers with a family-specific apology.
type Apologizer interface {
	Apology() string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Context) (Outcome, error)

func (f HandlerFunc) Execute(ctx context.Context, c *Context) (Outcome, error) {
	return f(ctx, c)
}

// WithApology attaches an apology to h.
func WithApology(h Handler, apology string) Handler {
	if apology == "" {
		return h
	}
	return apologetic{Handler: h, apology: apology}
}

type apologetic struct {
	Handler
	apology string
}

func (a apologetic) Apology() string { return a.apology }

type sessionKey struct{}

// WithSessionID tags ctx with the pipeline cycle that produced the command.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the cycle id carried by ctx, if any.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
