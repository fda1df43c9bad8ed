// Package natsserver runs an in-process NATS server so a single voice node
// can use the event bus without separate infrastructure.
package natsserver

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer is a loopback-only NATS server with JetStream enabled.
type EmbeddedServer struct {
	ns   *server.Server
	log  *slog.Logger
	once sync.Once
}

// Start launches the server when cfg.Embedded is set and returns nil, nil
// otherwise. Credentials configured for the bus client are required by the
// server too.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		ServerName: "loqa-voice",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", readyTimeout)
	}

	e := &EmbeddedServer{ns: ns, log: log.With(slog.String("component", "natsserver"))}
	e.log.Info("embedded nats server started", slog.String("url", ns.ClientURL()), slog.String("store_dir", cfg.StoreDir))
	return e, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for JetStream to flush. Safe to call
// more than once.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.once.Do(func() {
		e.log.Info("stopping embedded nats server")
		e.ns.Shutdown()
		e.ns.WaitForShutdown()
	})
}
