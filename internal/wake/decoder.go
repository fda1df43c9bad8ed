package wake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Result is the decoder's view of the utterance after one frame.
type Result struct {
	// Final is set once the decoder commits to the text of an utterance.
	Final bool
	Text  string
}

// Decoder is a streaming speech recognizer fed one frame at a time.
type Decoder interface {
	Feed(ctx context.Context, frame []int16) (Result, error)
	// Reset discards decoder state and reacquires any transport.
	Reset(ctx context.Context) error
	Close() error
}

// ScriptedDecoder replays a fixed sequence of results, one per frame. Once the
// script is exhausted it returns empty partial results.
type ScriptedDecoder struct {
	mu     sync.Mutex
	script []Step
	pos    int
	resets int
	closed bool
}

// Step is one scripted decoder response.
type Step struct {
	Result Result
	Err    error
}

func NewScriptedDecoder(steps ...Step) *ScriptedDecoder {
	return &ScriptedDecoder{script: steps}
}

// Finals builds a script where each text is a finalized utterance.
func Finals(texts ...string) []Step {
	steps := make([]Step, len(texts))
	for i, t := range texts {
		steps[i] = Step{Result: Result{Final: true, Text: t}}
	}
	return steps
}

func (d *ScriptedDecoder) Feed(_ context.Context, _ []int16) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos >= len(d.script) {
		return Result{}, nil
	}
	step := d.script[d.pos]
	d.pos++
	return step.Result, step.Err
}

func (d *ScriptedDecoder) Reset(context.Context) error {
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
	return nil
}

func (d *ScriptedDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Resets reports how many times Reset was called.
func (d *ScriptedDecoder) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *ScriptedDecoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// NewDecoder builds the decoder selected by cfg.Mode. The mock decoder never
// finalizes anything.
func NewDecoder(cfg config.WakeConfig, sampleRate int, log *slog.Logger) (Decoder, error) {
	switch cfg.Mode {
	case "", "vosk":
		return NewVoskDecoder(cfg.Endpoint, sampleRate, cfg.ReadTimeout(), log), nil
	case "mock":
		return NewScriptedDecoder(), nil
	default:
		return nil, fmt.Errorf("unsupported wake mode %q", cfg.Mode)
	}
}
