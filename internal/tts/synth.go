package tts

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/notify"
)

// SynthSpeaker plays a synthesizer's output through a player.
type SynthSpeaker struct {
	synth  Synthesizer
	player notify.Player
	voice  string
}

func NewSynthSpeaker(synth Synthesizer, player notify.Player, voice string) *SynthSpeaker {
	return &SynthSpeaker{synth: synth, player: player, voice: voice}
}

func (s *SynthSpeaker) Speak(ctx context.Context, text string) error {
	u, err := s.synth.Synthesize(ctx, text, s.voice)
	if err != nil {
		return failure.New(failure.KindOf(err), "synthesize speech", err)
	}
	if len(u.PCM) == 0 {
		return nil
	}
	return s.player.PlayPCM(ctx, u.PCM, u.SampleRate, u.Channels)
}
