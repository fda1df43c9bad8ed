package actions

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/worker"
)

const memoJob = "voice-memo"

// MemoRecorder records voice memos in the worker pool until told to stop or
// the maximum length is reached. Only one memo records at a time.
type MemoRecorder struct {
	cfg    config.ActionsConfig
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	active *memoRun
}

type memoRun struct {
	path string
	stop chan struct{}
	once sync.Once
}

func (r *memoRun) halt() { r.once.Do(func() { close(r.stop) }) }

func NewMemoRecorder(cfg config.ActionsConfig, deps Deps) *MemoRecorder {
	deps = deps.withDefaults()
	return &MemoRecorder{cfg: cfg, deps: deps, logger: deps.Logger.With(slog.String("component", "voice-memo"))}
}

// Recording reports whether a memo is in progress.
func (m *MemoRecorder) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

func (m *MemoRecorder) StartHandler() router.Handler {
	return router.HandlerFunc(m.start)
}

func (m *MemoRecorder) StopHandler() router.Handler {
	return router.HandlerFunc(m.stop)
}

func (m *MemoRecorder) start(ctx context.Context, c *router.Context) (router.Outcome, error) {
	if m.deps.Backend == nil {
		return router.Continue, failure.Errorf(failure.KindUnavailable, "voice memo", "no audio input configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		c.Speaker.Speak(ctx, "I'm already recording a voice memo.")
		return router.Continue, nil
	}

	run := &memoRun{
		path: filepath.Join(m.cfg.MemoDir, "memo_"+m.deps.Clock().Format("20060102_150405")+".wav"),
		stop: make(chan struct{}),
	}
	speaker := c.Speaker
	err := c.Workers.Submit(memoJob, func(ctx context.Context) error {
		defer m.finish(run)
		if err := m.record(ctx, run); err != nil {
			speaker.Speak(context.WithoutCancel(ctx), ApologyMemo)
			return err
		}
		speaker.Speak(context.WithoutCancel(ctx), "Voice memo saved.")
		return nil
	})
	if errors.Is(err, worker.ErrPoolFull) {
		c.Speaker.Speak(ctx, "I'm busy with other tasks right now.")
		return router.Continue, nil
	}
	if err != nil {
		return router.Continue, err
	}
	m.active = run
	c.Speaker.Speak(ctx, "Recording a voice memo. Say stop recording when you're done.")
	return router.Continue, nil
}

func (m *MemoRecorder) stop(ctx context.Context, c *router.Context) (router.Outcome, error) {
	m.mu.Lock()
	run := m.active
	m.mu.Unlock()
	if run == nil {
		c.Speaker.Speak(ctx, "I'm not recording anything.")
		return router.Continue, nil
	}
	run.halt()
	c.Speaker.Speak(ctx, "Stopping the recording.")
	return router.Continue, nil
}

func (m *MemoRecorder) finish(run *memoRun) {
	m.mu.Lock()
	if m.active == run {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *MemoRecorder) record(ctx context.Context, run *memoRun) error {
	stream, err := m.deps.Backend.OpenInput(m.deps.Device, m.deps.Params)
	if err != nil {
		return failure.New(failure.KindUnavailable, "open memo stream", err)
	}
	defer stream.Close()

	limit := time.Duration(m.cfg.MemoMaxSeconds) * time.Second
	if limit <= 0 {
		limit = 5 * time.Minute
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()

	var samples []int16
loop:
	for {
		select {
		case <-run.stop:
			break loop
		case <-ctx.Done():
			break loop
		case <-deadline.C:
			m.logger.Info("voice memo reached maximum length", slog.Duration("limit", limit))
			break loop
		default:
		}
		frame, err := stream.Read()
		if errors.Is(err, audio.ErrStreamClosed) {
			break
		}
		if err != nil {
			m.logger.Debug("memo frame read failed", slogError(err))
			continue
		}
		samples = append(samples, frame...)
	}

	if len(samples) == 0 {
		return failure.Errorf(failure.KindUnavailable, "voice memo", "no audio captured")
	}
	if err := audio.WriteWAV(run.path, samples, m.deps.Params.SampleRate); err != nil {
		return failure.New(failure.KindOf(err), "write voice memo", err)
	}
	m.logger.Info("voice memo saved", slog.String("path", run.path), slog.Int("samples", len(samples)))
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
