package tts

import "context"

// Utterance is synthesized speech as interleaved 16-bit little-endian PCM.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Synthesizer turns text into audio without playing it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Utterance, error)
}

// Speaker renders text for the user, audibly or otherwise.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}
