package llm

import (
	"context"
	"strings"
)

type echoGenerator struct{}

// NewMockGenerator answers every prompt by repeating it back.
func NewMockGenerator() Generator { return echoGenerator{} }

func (echoGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return consumer(Chunk{Content: "You said: " + strings.TrimSpace(req.Prompt), Done: true})
}
