package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/mattn/go-shellwords"
)

// execGenerator hands the turn to a local program as JSON on stdin and reads
// a single JSON reply from stdout.
type execGenerator struct {
	argv []string
}

type execTurn struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type execReply struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execTurn(req))
	if err != nil {
		return err
	}

	began := time.Now()
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return failure.New(failure.KindOf(err), "llm exec", err)
	}

	var reply execReply
	if err := json.Unmarshal(output, &reply); err != nil {
		return failure.New(failure.KindInvalidInput, "llm exec", fmt.Errorf("decode reply: %w", err))
	}
	return consumer(Chunk{
		Content:          reply.Content,
		Done:             true,
		PromptTokens:     reply.PromptTokens,
		CompletionTokens: reply.CompletionTokens,
		Latency:          time.Since(began),
	})
}
