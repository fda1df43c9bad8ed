// Package orchestrator drives the listen, capture, transcribe and route cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/capture"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/wake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is the orchestrator's position in the cycle.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateDetected     State = "detected"
	StateCapturing    State = "capturing"
	StateTranscribing State = "transcribing"
	StateRouting      State = "routing"
	StateStopped      State = "stopped"
)

const actor = "orchestrator"

// Detector is the wake-phrase monitor.
type Detector interface {
	Open(ctx context.Context) error
	Poll(ctx context.Context) bool
	LastDetection() (wake.Event, bool)
	Close() error
}

// Recorder captures one follow-up utterance.
type Recorder interface {
	Record(ctx context.Context, d time.Duration) (*capture.Utterance, error)
	Close() error
}

// Dispatcher routes transcribed text.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string) router.Outcome
}

// Chime plays the optional acknowledgement sound.
type Chime interface {
	PlayFile(ctx context.Context, path string) error
}

// Workers is the background pool joined on shutdown.
type Workers interface {
	Close()
}

// Deps are the orchestrator's collaborators. Chime, Workers, Events and
// Journal may be nil.
type Deps struct {
	Detector    Detector
	Recorder    Recorder
	Transcriber stt.Transcriber
	Router      Dispatcher
	Speaker     router.Speaker
	Chime       Chime
	Workers     Workers
	Events      *events.Recorder
	Journal     *failure.Journal
}

type Orchestrator struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.RWMutex
	state State

	shutdownOnce sync.Once

	cycles metric.Int64Counter
}

func New(cfg config.Config, deps Deps, log *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Detector == nil:
		return nil, errors.New("orchestrator requires a wake detector")
	case deps.Recorder == nil:
		return nil, errors.New("orchestrator requires a capture recorder")
	case deps.Transcriber == nil:
		return nil, errors.New("orchestrator requires a transcriber")
	case deps.Router == nil:
		return nil, errors.New("orchestrator requires a router")
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: log.With(slog.String("component", "orchestrator")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-voice/orchestrator"),
		state:  StateIdle,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voice/orchestrator")
	if counter, err := meter.Int64Counter("loqa.pipeline.cycles", metric.WithDescription("Completed wake cycles by result")); err == nil {
		o.cycles = counter
	}
	return o, nil
}

// State reports the current cycle position.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Run loops until a stop phrase is routed or ctx is cancelled. Only a failure
// to open the wake monitor is returned; every per-cycle failure is logged and
// followed by the configured error pause. Resources are released before Run
// returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.shutdown()

	if err := o.deps.Detector.Open(ctx); err != nil {
		o.setState(ctx, "", StateStopped)
		return fmt.Errorf("open wake monitor: %w", err)
	}
	o.setState(ctx, "", StateListening)
	o.logger.Info("voice pipeline running", slog.String("phrase", o.cfg.Wake.Phrase))

	for {
		if ctx.Err() != nil {
			o.logger.Info("voice pipeline cancelled")
			break
		}
		outcome, err := o.iterate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			o.logger.Error("cycle failed", slogError(err))
			if o.deps.Journal != nil {
				o.deps.Journal.Record(ctx, err, actor, nil)
			}
			o.setState(ctx, "", StateListening)
			sleep(ctx, o.cfg.Orchestrator.ErrorPause())
			continue
		}
		if outcome == router.Stop {
			o.logger.Info("stop requested")
			break
		}
	}
	o.setState(ctx, "", StateStopped)
	return nil
}

// iterate runs one poll and, on detection, one full cycle.
func (o *Orchestrator) iterate(ctx context.Context) (out router.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = router.Continue
			err = failure.Errorf(failure.KindInternal, "pipeline cycle", "panic: %v", p)
		}
	}()

	if !o.deps.Detector.Poll(ctx) {
		sleep(ctx, o.cfg.Orchestrator.Idle())
		return router.Continue, nil
	}
	return o.cycle(ctx)
}

func (o *Orchestrator) cycle(ctx context.Context) (router.Outcome, error) {
	sessionID := uuid.NewString()
	ctx = router.WithSessionID(ctx, sessionID)
	ctx, span := o.tracer.Start(ctx, "voice.cycle", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	log := o.logger.With(slog.String("session_id", sessionID))

	o.setState(ctx, sessionID, StateDetected)
	det, _ := o.deps.Detector.LastDetection()
	if det.At.IsZero() {
		det.At = time.Now()
	}
	o.deps.Events.Emit(ctx, sessionID, actor, protocol.EventWakeDetected, protocol.Detection{
		SessionID: sessionID,
		Text:      det.Text,
		Timestamp: det.At,
	})
	o.acknowledge(ctx, log)

	o.setState(ctx, sessionID, StateCapturing)
	utt, err := o.deps.Recorder.Record(ctx, o.cfg.Capture.Duration())
	switch {
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, capture.ErrEmptyCapture), errors.Is(err, capture.ErrClosed):
		log.Warn("capture skipped", slogError(err))
		o.skip(ctx, sessionID, err.Error(), nil)
		return router.Continue, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		o.count(ctx, "error")
		return router.Continue, fmt.Errorf("capture: %w", err)
	}
	if utt.Silent && o.cfg.Capture.SkipSilent {
		log.Info("silent capture skipped", slog.Float64("max_level", utt.MaxLevel))
		o.skip(ctx, sessionID, "silent", utt)
		return router.Continue, nil
	}
	o.deps.Events.Emit(ctx, sessionID, actor, protocol.EventCaptureCompleted, report(sessionID, utt, ""))

	o.setState(ctx, sessionID, StateTranscribing)
	start := time.Now()
	text, err := o.deps.Transcriber.Transcribe(ctx, utt.Path)
	if errors.Is(err, stt.ErrUnsupportedFormat) {
		log.Warn("artifact rejected by transcriber", slogError(err))
		o.skip(ctx, sessionID, err.Error(), utt)
		return router.Continue, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		o.count(ctx, "error")
		return router.Continue, failure.New(failure.KindOf(err), "transcribe", err)
	}
	if text == "" {
		log.Info("no speech recognized")
		o.count(ctx, "empty")
		return router.Continue, nil
	}
	log.Info("transcribed", slog.String("text", text))
	o.deps.Events.Emit(ctx, sessionID, actor, protocol.EventTranscript, protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Timestamp:  time.Now(),
		DurationMS: time.Since(start).Milliseconds(),
	})

	o.setState(ctx, sessionID, StateRouting)
	outcome := o.deps.Router.Dispatch(ctx, text)
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	o.count(ctx, "routed")
	if outcome != router.Stop {
		o.setState(ctx, sessionID, StateListening)
	}
	return outcome, nil
}

func (o *Orchestrator) acknowledge(ctx context.Context, log *slog.Logger) {
	if path := o.cfg.Wake.ChimePath; path != "" && o.deps.Chime != nil {
		if err := o.deps.Chime.PlayFile(ctx, path); err != nil {
			log.Warn("chime failed", slog.String("path", path), slogError(err))
		}
	}
	if o.deps.Speaker != nil && o.cfg.Wake.Acknowledgement != "" {
		o.deps.Speaker.Speak(ctx, o.cfg.Wake.Acknowledgement)
	}
}

func (o *Orchestrator) skip(ctx context.Context, sessionID, reason string, utt *capture.Utterance) {
	o.count(ctx, "skipped")
	o.deps.Events.Emit(ctx, sessionID, actor, protocol.EventCaptureSkipped, report(sessionID, utt, reason))
	o.setState(ctx, sessionID, StateListening)
}

// shutdown joins the workers, then releases the monitor and capture session.
func (o *Orchestrator) shutdown() {
	o.shutdownOnce.Do(func() {
		if o.deps.Workers != nil {
			o.deps.Workers.Close()
		}
		if err := o.deps.Detector.Close(); err != nil {
			o.logger.Warn("wake monitor close failed", slogError(err))
		}
		if err := o.deps.Recorder.Close(); err != nil {
			o.logger.Warn("capture close failed", slogError(err))
		}
		o.logger.Info("voice pipeline stopped")
	})
}

func (o *Orchestrator) setState(ctx context.Context, sessionID string, s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev == s {
		return
	}
	o.logger.Debug("state changed", slog.String("from", string(prev)), slog.String("to", string(s)))
	o.deps.Events.Emit(ctx, sessionID, actor, protocol.EventPipelineState, protocol.PipelineState{
		SessionID: sessionID,
		State:     string(s),
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) count(ctx context.Context, result string) {
	if o.cycles == nil {
		return
	}
	o.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func report(sessionID string, utt *capture.Utterance, reason string) protocol.CaptureReport {
	r := protocol.CaptureReport{SessionID: sessionID, Reason: reason, Timestamp: time.Now()}
	if utt == nil {
		return r
	}
	r.Path = utt.Path
	r.Frames = utt.Frames
	r.Expected = utt.Expected
	r.MaxLevel = utt.MaxLevel
	r.SilenceRatio = utt.SilenceRatio
	r.Silent = utt.Silent
	r.DurationMS = utt.Elapsed.Milliseconds()
	return r
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
