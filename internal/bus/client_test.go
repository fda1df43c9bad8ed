package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T) (*natsserver.EmbeddedServer, config.BusConfig) {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	return srv, cfg
}

func TestPublishJSONUnderPrefix(t *testing.T) {
	_, cfg := startServer(t)
	client, err := Connect(context.Background(), cfg, "test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	subject := protocol.Subject(client.Prefix(), protocol.EventWakeDetected)
	if subject != "loqa.voice.wake.detected" {
		t.Fatalf("unexpected subject %q", subject)
	}
	sub, err := client.Conn().SubscribeSync(subject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON(subject, protocol.Detection{SessionID: "s1", Text: "hey jarvis"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got protocol.Detection
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "s1" || got.Text != "hey jarvis" {
		t.Fatalf("unexpected detection %+v", got)
	}
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	_, cfg := startServer(t)
	client, err := Connect(context.Background(), cfg, "test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	if err := client.EnsureStream("LOQA_VOICE", time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureStream("LOQA_VOICE", time.Hour); err != nil {
		t.Fatalf("ensure stream again: %v", err)
	}
	info, err := client.JetStream().StreamInfo("LOQA_VOICE")
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if len(info.Config.Subjects) != 1 || info.Config.Subjects[0] != "loqa.voice.>" {
		t.Fatalf("unexpected subjects %v", info.Config.Subjects)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Servers = nil
	if _, err := Connect(context.Background(), cfg, "", newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}
