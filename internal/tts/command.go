package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/failure"
)

// CommandSpeaker hands text on stdin to a speech program such as
// `espeak-ng --stdin`.
type CommandSpeaker struct {
	cmd []string
}

func NewCommandSpeaker(command string) (*CommandSpeaker, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	return &CommandSpeaker{cmd: args}, nil
}

func (c *CommandSpeaker) Speak(ctx context.Context, text string) error {
	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return failure.New(failure.KindOf(err), "speak command", err)
	}
	return nil
}
