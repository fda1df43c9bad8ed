// Package cache memoizes conversational replies in front of a language model
// and keeps at most one generation in flight.
package cache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultCapacity = 1000

	ApologyReply = "I apologize, but I encountered an error processing your request."
	EmptyReply   = "I didn't receive any input to respond to."
)

// ResponseCache maps exact input text to a generated reply. Entries are
// evicted oldest-inserted first once the capacity is exceeded.
type ResponseCache struct {
	gen      llm.Generator
	opts     llm.Request
	capacity int
	gate     *semaphore.Weighted
	logger   *slog.Logger
	lookups  metric.Int64Counter

	mu      sync.Mutex
	entries map[string]string
	order   []string
}

func New(gen llm.Generator, opts llm.Request, capacity int, log *slog.Logger) *ResponseCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &ResponseCache{
		gen:      gen,
		opts:     opts,
		capacity: capacity,
		gate:     semaphore.NewWeighted(1),
		logger:   log.With(slog.String("component", "response-cache")),
		entries:  make(map[string]string, capacity),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voice/cache")
	if counter, err := meter.Int64Counter("loqa.cache.lookups", metric.WithDescription("Response cache lookups by result")); err == nil {
		c.lookups = counter
	}
	return c
}

// GetOrGenerate returns the cached reply for text, generating it on a miss.
// Generation failures produce ApologyReply and are not cached.
func (c *ResponseCache) GetOrGenerate(ctx context.Context, text string) string {
	if text == "" {
		return EmptyReply
	}
	if reply, ok := c.lookup(text); ok {
		c.count(ctx, "hit")
		return reply
	}

	if err := c.gate.Acquire(ctx, 1); err != nil {
		c.logger.Warn("generation gate abandoned", slogError(err))
		return ApologyReply
	}
	defer c.gate.Release(1)

	// Another caller may have generated the same text while we waited.
	if reply, ok := c.lookup(text); ok {
		c.count(ctx, "hit")
		return reply
	}
	c.count(ctx, "miss")

	req := c.opts
	req.Prompt = text
	reply, err := llm.Collect(ctx, c.gen, req)
	if err != nil {
		c.logger.Warn("response generation failed", slogError(err))
		return ApologyReply
	}
	c.store(text, reply)
	return reply
}

func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResponseCache) Contains(text string) bool {
	_, ok := c.lookup(text)
	return ok
}

func (c *ResponseCache) lookup(text string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, ok := c.entries[text]
	return reply, ok
}

func (c *ResponseCache) store(text, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[text]; !ok {
		c.order = append(c.order, text)
	}
	c.entries[text] = reply
	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *ResponseCache) count(ctx context.Context, result string) {
	if c.lookups == nil {
		return
	}
	c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
