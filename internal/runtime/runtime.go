// Package runtime wires the voice pipeline and its supporting services
// together and supervises them for the lifetime of the process.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-voice/internal/actions"
	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/cache"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/capture"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/notify"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/router"
	skillsvc "github.com/loqalabs/loqa-voice/internal/skills/service"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/wake"
	"github.com/loqalabs/loqa-voice/internal/worker"
)

// StreamName is the JetStream stream retaining pipeline events.
const StreamName = "LOQA_VOICE"

// Options replace collaborators that would otherwise be built from config.
// Zero values select the configured implementations.
type Options struct {
	Backend     audio.Backend
	Decoder     wake.Decoder
	Transcriber stt.Transcriber
	Generator   llm.Generator
	Speaker     tts.Speaker
	Player      notify.Player
	// Output receives utterances in tts log mode.
	Output io.Writer
}

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	opts       Options
	httpServer *http.Server
	listener   net.Listener
	ready      atomic.Bool

	journal  *failure.Journal
	orch     *orchestrator.Orchestrator
	busCli   *bus.Client
	nodes    *capability.Registry
	closers  []func()
	addrChan chan string
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Runtime {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		opts:     opts,
		addrChan: make(chan string, 1),
	}
}

// Addr returns the bound HTTP address once the server is listening.
func (r *Runtime) Addr() <-chan string { return r.addrChan }

// Start builds every component, runs the pipeline and blocks until ctx is
// cancelled or a stop phrase ends the pipeline. Initialization failures are
// returned; per-cycle failures never are.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTelemetry(sctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	defer r.release()

	if err := r.build(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.HTTP.Enabled {
		if err := r.listen(metricsHandler); err != nil {
			return err
		}
		g.Go(func() error {
			if err := r.httpServer.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer scancel()
			return r.httpServer.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		// A finished pipeline ends the process.
		defer cancel()
		return r.orch.Run(gctx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("trigger", r.cfg.Wake.Phrase))

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return err
}

// build constructs the pipeline bottom-up. Every resource acquired is pushed
// onto closers so release can unwind in reverse order.
func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg
	log := r.logger

	store, err := eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose(func() { _ = store.Close() })
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.PruneSchedule != "" {
		pruner, err := eventstore.NewPruner(store, cfg.EventStore.PruneSchedule, log)
		if err != nil {
			return err
		}
		pruner.Start()
		r.onClose(pruner.Stop)
	}

	var publisher events.Publisher
	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		embedded, err := natsserver.Start(busCfg, log)
		if err != nil {
			return err
		}
		if embedded != nil {
			r.onClose(embedded.Shutdown)
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, cfg.RuntimeName, log)
		if err != nil {
			return err
		}
		r.onClose(client.Close)
		if err := client.EnsureStream(StreamName, time.Duration(cfg.EventStore.RetentionDays)*24*time.Hour); err != nil {
			return err
		}
		r.busCli = client
		publisher = client
	}
	recorder := events.New(store, publisher, cfg.Bus.SubjectPrefix, log)
	r.journal = failure.NewJournal(failure.DefaultCapacity, log, recorder.FailureSink())

	player := r.opts.Player
	if player == nil {
		player = notify.NewSpeakerPlayer()
	}
	speaker := r.opts.Speaker
	if speaker == nil {
		speaker, err = tts.New(cfg.TTS, player, r.opts.Output, log)
		if err != nil {
			return err
		}
	}
	sink := tts.NewSink(speaker, cfg.TTS.Timeout(), log)

	gen := r.opts.Generator
	if gen == nil {
		gen, err = llm.New(cfg.LLM)
		if err != nil {
			return err
		}
	}
	responder := cache.New(gen, llm.OptionsFromConfig(cfg.LLM), cfg.Cache.Capacity, log)

	pool := worker.New(ctx, cfg.Workers.Max, journalWorkerFailures(ctx, r.journal), log)
	// The orchestrator joins the pool on exit; this covers init failures.
	r.onClose(pool.Close)

	rt := router.New(cfg, router.Deps{
		Speaker:   sink,
		Responder: responder,
		Workers:   pool,
		Journal:   r.journal,
	}, log)
	rt.OnDispatch(func(ctx context.Context, rec router.Record) {
		result := protocol.CommandResult{
			SessionID:  rec.SessionID,
			Text:       rec.Text,
			Key:        rec.Key,
			Match:      rec.Match,
			Outcome:    rec.Outcome.String(),
			DurationMS: rec.Duration.Milliseconds(),
			Timestamp:  time.Now(),
		}
		if rec.Err != nil {
			result.Error = rec.Err.Error()
		}
		recorder.Emit(ctx, rec.SessionID, "router", protocol.EventCommand, result)
	})

	backend := r.opts.Backend
	if backend == nil {
		pa, err := audio.OpenPortAudio()
		if err != nil {
			return err
		}
		r.onClose(func() { _ = pa.Close() })
		backend = pa
	}
	params := audio.StreamParams{SampleRate: cfg.Audio.SampleRate, FrameSize: cfg.Audio.FrameSize, Channels: cfg.Audio.Channels}
	device, err := audio.NewProber(backend, params, log).SelectInputDevice(cfg.Audio.DeviceIndex)
	if err != nil {
		return fmt.Errorf("select input device: %w", err)
	}

	skills, err := skillsvc.New(ctx, cfg.Skills, skillsvc.Deps{Bus: r.busCli, Store: store}, log)
	if err != nil {
		return fmt.Errorf("load skills: %w", err)
	}
	// Outbound action requests share the responder's proxy settings.
	httpClient, err := llm.NewHTTPClient(cfg.LLM.Proxy, 10*time.Second)
	if err != nil {
		return err
	}
	actionDeps := actions.Deps{
		Player:     player,
		Backend:    backend,
		Device:     device,
		Params:     params,
		HTTPClient: httpClient,
		Logger:     log,
	}
	if skills != nil {
		r.onClose(skills.Close)
		actionDeps.Skills = skills
	}
	if err := actions.Build(cfg, rt, actionDeps); err != nil {
		return fmt.Errorf("build command registry: %w", err)
	}
	skills.Register(rt)
	log.Info("command registry ready", slog.Any("keys", rt.Keys()))

	if r.busCli != nil {
		var skillNames []string
		for _, reg := range skills.Registrations() {
			skillNames = append(skillNames, reg.Skill)
		}
		nodes, err := capability.NewRegistry(ctx, cfg.Node, cfg.Wake.Phrase, capability.Commands(rt.Keys(), skillNames), r.busCli, log)
		if err != nil {
			return fmt.Errorf("start node registry: %w", err)
		}
		r.onClose(nodes.Close)
		r.nodes = nodes
	}

	decoder := r.opts.Decoder
	if decoder == nil {
		decoder, err = wake.NewDecoder(cfg.Wake, cfg.Audio.SampleRate, log)
		if err != nil {
			return err
		}
	}
	transcriber := r.opts.Transcriber
	if transcriber == nil {
		transcriber, err = stt.New(cfg.STT, cfg.Audio.SampleRate)
		if err != nil {
			return fmt.Errorf("init transcriber: %w", err)
		}
		if c, ok := transcriber.(io.Closer); ok {
			r.onClose(func() { _ = c.Close() })
		}
	}

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Detector:    wake.NewMonitor(backend, device, params, decoder, cfg.Wake.Phrase, cfg.Wake.Cooldown(), log),
		Recorder:    capture.NewSession(backend, device, params, cfg.Capture, log),
		Transcriber: transcriber,
		Router:      rt,
		Speaker:     sink,
		Chime:       player,
		Workers:     pool,
		Events:      recorder,
		Journal:     r.journal,
	}, log)
	if err != nil {
		return err
	}
	r.orch = orch
	return nil
}

func (r *Runtime) listen(metrics http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/errors", r.handleErrors)
	mux.HandleFunc("/nodes", r.handleNodes)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.addrChan <- ln.Addr().String()
	r.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// journalWorkerFailures records failed background jobs. Jobs speak their own
// apology, so the hook stays silent.
func journalWorkerFailures(ctx context.Context, journal *failure.Journal) worker.FailureFunc {
	return func(name string, err error) {
		journal.Record(ctx, err, name, nil)
	}
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) release() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.orch != nil && r.orch.State() != orchestrator.StateStopped
	if ready && r.busCli != nil && !r.busCli.Healthy() {
		ready = false
	}
	if ready && r.nodes != nil && !r.nodes.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type errorReport struct {
	Stats  failure.Stats   `json:"stats"`
	Recent []failure.Entry `json:"recent"`
}

func (r *Runtime) handleErrors(w http.ResponseWriter, _ *http.Request) {
	report := errorReport{}
	if r.journal != nil {
		report.Stats = r.journal.Stats()
		report.Recent = r.journal.Recent(20)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	nodes := []capability.NodeInfo{}
	if r.nodes != nil {
		var filter func(capability.NodeInfo) bool
		if name := req.URL.Query().Get("handles"); name != "" {
			filter = capability.Handles(name)
		}
		if found := r.nodes.Nodes(filter); found != nil {
			nodes = found
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}
