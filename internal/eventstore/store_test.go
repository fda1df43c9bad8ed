package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestEphemeralStoreDiscardsWrites(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if !es.Ephemeral() {
		t.Fatalf("expected ephemeral store")
	}
	if err := es.Record(context.Background(), "s", "stt", "stt.text.final", "hello"); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := es.Recent(context.Background(), 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v (%v)", events, err)
	}
}

func TestCycleEventsInOrder(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.BeginCycle(ctx, "cycle-1", "wake", PrivacyInternal); err != nil {
		t.Fatalf("begin cycle: %v", err)
	}
	for _, kind := range []string{"wake.detected", "stt.text.final", "command.result"} {
		if err := es.Append(ctx, Event{SessionID: "cycle-1", Source: "test", Type: kind, Payload: []byte("{}")}); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}
	events, err := es.Cycle(ctx, "cycle-1", 10)
	if err != nil {
		t.Fatalf("cycle events: %v", err)
	}
	if len(events) != 3 || events[0].Type != "wake.detected" || events[2].Type != "command.result" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatalf("expected timestamps to round-trip")
	}
}

func TestRecordAndRecent(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.Record(ctx, "cycle-1", "wake", "wake.detected", map[string]any{"text": "jarvis"}); err != nil {
		t.Fatalf("record detection: %v", err)
	}
	if err := es.Record(ctx, "cycle-1", "router", "command.result", map[string]any{"key": "open"}); err != nil {
		t.Fatalf("record command: %v", err)
	}
	if err := es.Record(ctx, "cycle-2", "wake", "wake.detected", map[string]any{"text": "hey jarvis"}); err != nil {
		t.Fatalf("record second detection: %v", err)
	}

	recent, err := es.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(recent) != 2 || recent[0].SessionID != "cycle-2" || recent[1].Type != "command.result" {
		t.Fatalf("unexpected recent events %+v", recent)
	}
	if string(recent[1].Payload) != `{"key":"open"}` {
		t.Fatalf("unexpected payload %s", recent[1].Payload)
	}
	if recent[1].Source != "router" || recent[1].Privacy != PrivacyInternal {
		t.Fatalf("unexpected metadata %+v", recent[1])
	}

	counts, err := es.CountByType(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["wake.detected"] != 2 || counts["command.result"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestPruneByAgeAndCount(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, "old-cycle", "wake", "wake.detected", nil); err != nil {
		t.Fatalf("record old: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(ctx, "new-cycle", "wake", "wake.detected", nil); err != nil {
		t.Fatalf("record new: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.Cycle(ctx, "old-cycle", 10)
	if err != nil {
		t.Fatalf("old cycle: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old cycle pruned")
	}
	current, err := es.Cycle(ctx, "new-cycle", 10)
	if err != nil || len(current) != 1 {
		t.Fatalf("expected new cycle kept, got %v (%v)", current, err)
	}
}

func TestPrunerSchedule(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if _, err := NewPruner(es, "every tuesday-ish", newLogger()); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	p, err := NewPruner(es, "@hourly", newLogger())
	if err != nil {
		t.Fatalf("new pruner: %v", err)
	}
	p.Start()
	p.run()
	p.Stop()
}
