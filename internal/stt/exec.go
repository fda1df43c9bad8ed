package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/mattn/go-shellwords"
)

// execTranscriber runs a recognizer program per utterance, for example a
// whisper.cpp CLI build. The program receives --audio <wav> plus optional
// --model and --language, and prints either {"text": "..."} or plain text.
type execTranscriber struct {
	argv       []string
	extra      []string
	sampleRate int
	timeout    time.Duration
}

func NewExecTranscriber(cfg config.STTConfig, sampleRate int) (Transcriber, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	var extra []string
	if cfg.ModelPath != "" {
		extra = append(extra, "--model", cfg.ModelPath)
	}
	if cfg.Language != "" {
		extra = append(extra, "--language", cfg.Language)
	}
	return &execTranscriber{argv: argv, extra: extra, sampleRate: sampleRate, timeout: cfg.Timeout()}, nil
}

func (r *execTranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	if _, err := LoadPCM(path, r.sampleRate); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string{}, r.argv[1:]...), "--audio", path)
	args = append(args, r.extra...)
	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", failure.New(failure.KindTimeout, "stt exec", ctx.Err())
		}
		return "", failure.New(failure.KindOf(err), "stt exec", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	return parseTranscript(stdout.Bytes())
}

func parseTranscript(out []byte) (string, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return "", nil
	}
	if out[0] != '{' {
		return strings.Join(strings.Fields(string(out)), " "), nil
	}
	var res struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return "", failure.New(failure.KindInvalidInput, "stt exec", fmt.Errorf("decode transcript: %w", err))
	}
	return strings.TrimSpace(res.Text), nil
}
