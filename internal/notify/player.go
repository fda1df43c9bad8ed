// Package notify plays short audio cues and synthesized speech through the
// default output device.
package notify

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
	"github.com/loqalabs/loqa-voice/internal/failure"
)

// Player renders audio files and raw PCM.
type Player interface {
	PlayFile(ctx context.Context, path string) error
	PlayPCM(ctx context.Context, pcm []byte, sampleRate, channels int) error
}

// SpeakerPlayer drives the process-wide beep speaker. The speaker is
// initialised on first use at that stream's rate; later streams are resampled.
type SpeakerPlayer struct {
	mu   sync.Mutex
	rate beep.SampleRate
}

func NewSpeakerPlayer() *SpeakerPlayer {
	return &SpeakerPlayer{}
}

// PlayFile decodes an mp3 or wav file and blocks until playback ends or ctx
// is cancelled.
func (p *SpeakerPlayer) PlayFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return failure.New(failure.KindOf(err), "open audio", err)
	}
	streamer, format, err := decode(f, path)
	if err != nil {
		f.Close()
		return err
	}
	defer streamer.Close()
	return p.play(ctx, streamer, format.SampleRate)
}

// PlayPCM plays little-endian signed 16-bit PCM.
func (p *SpeakerPlayer) PlayPCM(ctx context.Context, pcm []byte, sampleRate, channels int) error {
	if len(pcm) == 0 {
		return nil
	}
	return p.play(ctx, NewPCMStreamer(pcm, channels), beep.SampleRate(sampleRate))
}

func (p *SpeakerPlayer) play(ctx context.Context, s beep.Streamer, rate beep.SampleRate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rate == 0 {
		if err := speaker.Init(rate, rate.N(time.Second/10)); err != nil {
			return failure.New(failure.KindUnavailable, "init speaker", err)
		}
		p.rate = rate
	}
	if rate != p.rate {
		s = beep.Resample(4, rate, p.rate, s)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(s, beep.Callback(func() {
		close(done)
	})))
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

func decode(f *os.File, path string) (beep.StreamSeekCloser, beep.Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return mp3.Decode(f)
	case ".wav":
		return wav.Decode(f)
	default:
		return nil, beep.Format{}, failure.Errorf(failure.KindInvalidInput, "decode audio", "unsupported audio file %s", path)
	}
}

// PCMStreamer adapts interleaved 16-bit PCM to a beep.Streamer. Mono input
// is duplicated onto both output channels.
type PCMStreamer struct {
	pcm      []byte
	channels int
	pos      int
}

func NewPCMStreamer(pcm []byte, channels int) *PCMStreamer {
	if channels <= 0 {
		channels = 1
	}
	return &PCMStreamer{pcm: pcm, channels: channels}
}

func (s *PCMStreamer) Stream(samples [][2]float64) (int, bool) {
	frame := 2 * s.channels
	n := 0
	for n < len(samples) && s.pos+frame <= len(s.pcm) {
		left := sample(s.pcm[s.pos:])
		right := left
		if s.channels > 1 {
			right = sample(s.pcm[s.pos+2:])
		}
		samples[n] = [2]float64{left, right}
		s.pos += frame
		n++
	}
	return n, n > 0
}

func (s *PCMStreamer) Err() error { return nil }

func sample(b []byte) float64 {
	return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
}
