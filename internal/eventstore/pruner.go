package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner applies retention on a cron schedule.
type Pruner struct {
	cron  *cron.Cron
	store *Store
	log   *slog.Logger
}

// NewPruner schedules s.Prune. Schedules use the standard five-field cron
// syntax or descriptors such as "@hourly".
func NewPruner(s *Store, schedule string, log *slog.Logger) (*Pruner, error) {
	p := &Pruner{
		cron:  cron.New(),
		store: s,
		log:   log.With(slog.String("component", "eventstore-pruner")),
	}
	if _, err := p.cron.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("parse prune schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *Pruner) Start() {
	p.cron.Start()
}

// Stop waits for a running prune to finish.
func (p *Pruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *Pruner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	start := time.Now()
	if err := p.store.Prune(ctx); err != nil {
		p.log.Warn("scheduled prune failed", slog.String("error", err.Error()))
		return
	}
	p.log.Debug("scheduled prune complete", slog.Duration("elapsed", time.Since(start)))
}
