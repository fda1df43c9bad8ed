// Package events fans pipeline events out to the local event store and the
// message bus.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Store persists events per session.
type Store interface {
	Record(ctx context.Context, sessionID, source, eventType string, payload any) error
}

// Publisher broadcasts events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Recorder is best-effort: sink failures are logged and dropped.
type Recorder struct {
	store  Store
	pub    Publisher
	prefix string
	log    *slog.Logger
}

// New builds a recorder. Either sink may be nil.
func New(store Store, pub Publisher, prefix string, log *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		pub:    pub,
		prefix: prefix,
		log:    log.With(slog.String("component", "events")),
	}
}

func (r *Recorder) Emit(ctx context.Context, sessionID, actor, event string, payload any) {
	if r == nil {
		return
	}
	if r.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		err := r.store.Record(sctx, sessionID, actor, event, payload)
		cancel()
		if err != nil {
			r.log.Warn("failed to store event", slog.String("event", event), slogError(err))
		}
	}
	if r.pub != nil {
		if err := r.pub.PublishJSON(protocol.Subject(r.prefix, event), payload); err != nil {
			r.log.Warn("failed to publish event", slog.String("event", event), slogError(err))
		}
	}
}

// FailureSink forwards error journal entries as failure events.
func (r *Recorder) FailureSink() failure.Sink {
	return func(ctx context.Context, e failure.Entry) {
		sessionID, _ := e.Context["session_id"].(string)
		if sessionID == "" {
			sessionID = "failures"
		}
		r.Emit(ctx, sessionID, "failure-journal", protocol.EventFailure, protocol.Failure{
			Kind:      e.KindName,
			Message:   e.Message,
			Command:   e.Command,
			Context:   e.Context,
			Timestamp: e.Timestamp,
		})
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
