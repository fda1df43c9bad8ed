package audio

import (
	"fmt"
	"log/slog"
	"sort"
)

// Prober finds an input device that yields non-empty frames.
type Prober struct {
	backend Backend
	params  StreamParams
	log     *slog.Logger
}

func NewProber(backend Backend, params StreamParams, log *slog.Logger) *Prober {
	return &Prober{backend: backend, params: params, log: log.With(slog.String("component", "device-prober"))}
}

// SelectInputDevice tries the platform default first, then every device with
// at least one input channel in index order. A non-negative preferred index
// restricts probing to that device.
func (p *Prober) SelectInputDevice(preferred int) (Device, error) {
	if preferred >= 0 {
		devices, err := p.InputDevices()
		if err != nil {
			return Device{}, err
		}
		for _, dev := range devices {
			if dev.Index != preferred {
				continue
			}
			if err := p.probe(dev); err != nil {
				p.log.Warn("configured device failed probe", slog.Int("index", dev.Index), slog.String("error", err.Error()))
				return Device{}, fmt.Errorf("%w: device %d: %v", ErrNoInputDevice, preferred, err)
			}
			return dev, nil
		}
		return Device{}, fmt.Errorf("%w: device %d is not an input device", ErrNoInputDevice, preferred)
	}

	dev, err := p.backend.DefaultInputDevice()
	switch {
	case err != nil:
		p.log.Warn("no default input device", slog.String("error", err.Error()))
	default:
		perr := p.probe(dev)
		if perr == nil {
			p.log.Info("using default input device", slog.String("device", dev.Name), slog.Int("index", dev.Index))
			return dev, nil
		}
		p.log.Warn("default input device failed probe", slog.String("device", dev.Name), slog.String("error", perr.Error()))
	}

	devices, err := p.InputDevices()
	if err != nil {
		return Device{}, err
	}
	for _, dev := range devices {
		if err := p.probe(dev); err != nil {
			p.log.Debug("device failed probe", slog.String("device", dev.Name), slog.Int("index", dev.Index), slog.String("error", err.Error()))
			continue
		}
		p.log.Info("using input device", slog.String("device", dev.Name), slog.Int("index", dev.Index))
		return dev, nil
	}
	return Device{}, ErrNoInputDevice
}

// InputDevices lists devices with at least one input channel, ordered by index.
func (p *Prober) InputDevices() ([]Device, error) {
	all, err := p.backend.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	var inputs []Device
	for _, dev := range all {
		if dev.MaxInputChannels > 0 {
			inputs = append(inputs, dev)
		}
	}
	sort.SliceStable(inputs, func(i, j int) bool { return inputs[i].Index < inputs[j].Index })
	return inputs, nil
}

func (p *Prober) probe(dev Device) error {
	stream, err := p.backend.OpenInput(dev, p.params)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer stream.Close()
	frame, err := stream.Read()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if len(frame) == 0 {
		return fmt.Errorf("empty frame")
	}
	return nil
}
