// Package worker runs long-lived peripheral jobs off the listening loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolFull is returned when every worker slot is busy.
	ErrPoolFull = errors.New("worker pool full")
	// ErrPoolClosed is returned after Close has been called.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Job is a unit of background work. It should return promptly once ctx is
// cancelled.
type Job func(ctx context.Context) error

// FailureFunc is told about jobs that returned an error or panicked.
type FailureFunc func(name string, err error)

// Pool bounds the number of concurrently running jobs.
type Pool struct {
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	slots     *semaphore.Weighted
	onFailure FailureFunc

	mu      sync.Mutex
	closed  bool
	running map[string]int
}

func New(parent context.Context, size int, onFailure FailureFunc, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Pool{
		log:       logger.With(slog.String("component", "worker-pool")),
		ctx:       ctx,
		cancel:    cancel,
		slots:     semaphore.NewWeighted(int64(size)),
		onFailure: onFailure,
		running:   make(map[string]int),
	}
}

// Submit starts job if a slot is free. It never blocks.
func (p *Pool) Submit(name string, job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if !p.slots.TryAcquire(1) {
		p.mu.Unlock()
		return ErrPoolFull
	}
	p.running[name]++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.slots.Release(1)
			p.mu.Lock()
			if p.running[name]--; p.running[name] <= 0 {
				delete(p.running, name)
			}
			p.mu.Unlock()
		}()
		p.run(name, job)
	}()
	return nil
}

func (p *Pool) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(name, fmt.Errorf("panic: %v", r))
		}
	}()
	p.log.Debug("job started", slog.String("job", name))
	if err := job(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.fail(name, err)
		return
	}
	p.log.Debug("job finished", slog.String("job", name))
}

func (p *Pool) fail(name string, err error) {
	p.log.Warn("job failed", slog.String("job", name), slog.String("error", err.Error()))
	if p.onFailure != nil {
		p.onFailure(name, err)
	}
}

// Running reports how many jobs with the given name are in flight.
func (p *Pool) Running(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[name]
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close rejects new jobs, cancels running ones and joins them.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
