// Package llm provides the conversational responder used when a command
// matches no registered action.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Request is one conversational turn.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk is a piece of a streamed reply. Done marks the last one.
type Chunk struct {
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator produces a reply, calling consumer once per chunk.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{System: cfg.System, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Collect runs gen and joins every chunk into one spoken reply.
func Collect(ctx context.Context, gen Generator, req Request) (string, error) {
	var b strings.Builder
	err := gen.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
