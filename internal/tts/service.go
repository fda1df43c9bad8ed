package tts

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/notify"
)

// New builds the speaker selected by cfg.Mode. out receives printed
// utterances in log mode.
func New(cfg config.TTSConfig, player notify.Player, out io.Writer, log *slog.Logger) (Speaker, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSpeaker(), nil
	case "", "log":
		return NewLogSpeaker(out, log), nil
	case "command":
		return NewCommandSpeaker(cfg.Command)
	case "exec":
		synth, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		return NewSynthSpeaker(synth, player, cfg.Voice), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
