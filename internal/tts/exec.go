package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecSynth runs a synthesis program once per utterance. The program reads
// one JSON request on stdin and writes JSON lines carrying base64 PCM; a line
// with "final": true ends the utterance.
type ExecSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type synthRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type synthLine struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (*ExecSynth, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	return &ExecSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func parseCommand(command string) ([]string, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return args, nil
}

func (e *ExecSynth) Synthesize(ctx context.Context, text, voice string) (Utterance, error) {
	req, err := json.Marshal(synthRequest{Text: text, Voice: voice, SampleRate: e.sampleRate, Channels: e.channels})
	if err != nil {
		return Utterance{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(req)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Utterance{}, err
	}
	if err := cmd.Start(); err != nil {
		return Utterance{}, err
	}

	u := Utterance{SampleRate: e.sampleRate, Channels: e.channels}
	readErr := func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var msg synthLine
			if err := json.Unmarshal(line, &msg); err != nil {
				return fmt.Errorf("decode synth output: %w", err)
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.PCMBase64)
			if err != nil {
				return fmt.Errorf("decode synth pcm: %w", err)
			}
			u.PCM = append(u.PCM, pcm...)
			if msg.Final {
				return nil
			}
		}
		return scanner.Err()
	}()
	if readErr != nil {
		_ = cmd.Process.Kill()
	}
	// Drain anything after the final line so Wait does not block the child.
	_, _ = bufio.NewReader(stdout).WriteTo(io.Discard)
	waitErr := cmd.Wait()
	if readErr != nil {
		return Utterance{}, readErr
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, msg)
		}
		return Utterance{}, waitErr
	}
	return u, nil
}
