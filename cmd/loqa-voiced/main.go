package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/runtime"
)

var version = "0.1.0-dev"

const defaultConfigPath = "loqa-voice.yaml"

func main() {
	var (
		configPath  string
		envFile     string
		logLevel    string
		showVersion bool
	)

	pflag.StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	pflag.StringVarP(&envFile, "env", "e", ".env", "Env file path")
	pflag.StringVarP(&logLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")
	pflag.BoolVar(&showVersion, "version", false, "Print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
	}

	// The default config file is optional; an explicit one is not.
	if !pflag.CommandLine.Changed("config") {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}

	logger := runtime.NewLogger(cfg.Telemetry)
	slog.SetDefault(logger)
	logger.Info("starting loqa-voice", slog.String("version", version), slog.String("trigger", cfg.Wake.Phrase))

	rt := runtime.New(cfg, logger, runtime.Options{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
