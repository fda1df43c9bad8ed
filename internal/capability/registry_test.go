package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
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
	client, err := bus.Connect(context.Background(), cfg, "test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistryAnnouncesLocalNode(t *testing.T) {
	client := connect(t)
	cfg := config.NodeConfig{ID: "kitchen", HeartbeatIntervalMS: 50, HeartbeatTimeoutMS: 500}
	reg, err := NewRegistry(context.Background(), cfg, "hey jarvis", Commands([]string{"time"}, []string{"dice"}), client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if !reg.Healthy() {
		t.Fatalf("expected local node healthy after announce")
	}
	nodes := reg.Nodes(Handles("dice"))
	if len(nodes) != 1 || nodes[0].ID != "kitchen" || nodes[0].Trigger != "hey jarvis" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	client := connect(t)
	cfg := config.NodeConfig{ID: "kitchen", HeartbeatIntervalMS: 50, HeartbeatTimeoutMS: 500}
	reg, err := NewRegistry(context.Background(), cfg, "hey jarvis", Commands([]string{"time"}, nil), client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	payload, _ := json.Marshal(announceMessage{
		NodeID:       "office",
		Trigger:      "hey jarvis",
		Capabilities: []Capability{{Name: "weather", Kind: KindCommand}},
	})
	if err := client.Conn().Publish(client.Prefix()+".node.announce", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(reg.Nodes(Handles("weather"))) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("peer announcement never observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	all := reg.Nodes(nil)
	if len(all) != 2 || all[0].ID != "kitchen" || all[1].ID != "office" {
		t.Fatalf("unexpected nodes %+v", all)
	}
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	r := &Registry{timeout: time.Second, nodes: map[string]*NodeInfo{}}
	now := time.Now()
	r.updateNode("stale", "", nil, now.Add(-2*time.Second))
	r.updateNode("fresh", "", nil, now)
	r.evaluateHealth(now)

	known, healthy := r.snapshotCounts()
	if known != 2 || healthy != 1 {
		t.Fatalf("expected 2 known and 1 healthy, got %d/%d", known, healthy)
	}
}

func TestRegistryRequiresBus(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.NodeConfig{ID: "x"}, "", nil, nil, newLogger()); err == nil {
		t.Fatalf("expected error without bus client")
	}
}
