// Package audio abstracts microphone input behind a small backend interface
// and selects a device that actually delivers samples.
package audio

import (
	"errors"
	"math"
)

var (
	// ErrNoInputDevice means neither the default device nor any enumerated
	// input device produced samples.
	ErrNoInputDevice = errors.New("no working audio input device found")
	// ErrStreamClosed is returned by Read after the stream was closed on purpose.
	ErrStreamClosed = errors.New("audio stream closed")
)

// Device describes an input-capable audio device.
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

// StreamParams fixes the shape of every frame read from a stream.
type StreamParams struct {
	SampleRate int
	FrameSize  int
	Channels   int
}

// Stream yields fixed-size frames of signed 16-bit mono samples.
type Stream interface {
	// Read blocks until one frame is available. The returned slice is owned by
	// the caller.
	Read() ([]int16, error)
	Close() error
}

// Backend opens input streams on concrete devices.
type Backend interface {
	DefaultInputDevice() (Device, error)
	Devices() ([]Device, error)
	OpenInput(dev Device, p StreamParams) (Stream, error)
}

// Level returns the RMS of frame normalized to [0,1].
func Level(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
