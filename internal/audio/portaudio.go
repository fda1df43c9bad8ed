package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudio is the Backend backed by the system PortAudio library.
type PortAudio struct {
	mu      sync.Mutex
	devices map[int]*portaudio.DeviceInfo
}

// OpenPortAudio initializes the library. Close must be called to release it.
func OpenPortAudio() (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudio{devices: make(map[int]*portaudio.DeviceInfo)}, nil
}

func (p *PortAudio) Close() error {
	return portaudio.Terminate()
}

func (p *PortAudio) DefaultInputDevice() (Device, error) {
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return Device{}, err
	}
	p.remember(info)
	return toDevice(info), nil
}

func (p *PortAudio) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(infos))
	for _, info := range infos {
		p.remember(info)
		out = append(out, toDevice(info))
	}
	return out, nil
}

func (p *PortAudio) OpenInput(dev Device, params StreamParams) (Stream, error) {
	p.mu.Lock()
	info := p.devices[dev.Index]
	p.mu.Unlock()
	if info == nil {
		if _, err := p.Devices(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		info = p.devices[dev.Index]
		p.mu.Unlock()
		if info == nil {
			return nil, fmt.Errorf("device %d not found", dev.Index)
		}
	}

	sp := portaudio.LowLatencyParameters(info, nil)
	sp.Input.Channels = params.Channels
	sp.SampleRate = float64(params.SampleRate)
	sp.FramesPerBuffer = params.FrameSize

	buf := make([]int16, params.FrameSize*params.Channels)
	stream, err := portaudio.OpenStream(sp, buf)
	if err != nil {
		return nil, fmt.Errorf("open stream on %q: %w", info.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start stream on %q: %w", info.Name, err)
	}
	return &paStream{stream: stream, buf: buf}, nil
}

func (p *PortAudio) remember(info *portaudio.DeviceInfo) {
	if info == nil {
		return
	}
	p.mu.Lock()
	p.devices[info.Index] = info
	p.mu.Unlock()
}

func toDevice(info *portaudio.DeviceInfo) Device {
	return Device{
		Index:             info.Index,
		Name:              info.Name,
		MaxInputChannels:  info.MaxInputChannels,
		DefaultSampleRate: info.DefaultSampleRate,
	}
}

type paStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

func (s *paStream) Read() ([]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if err := s.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			// samples were dropped but the buffer is still a full frame
			return append([]int16(nil), s.buf...), nil
		}
		return nil, err
	}
	return append([]int16(nil), s.buf...), nil
}

func (s *paStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	return errors.Join(stopErr, closeErr)
}
