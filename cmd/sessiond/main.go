package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vlaube/sessiond/internal/config"
	"github.com/vlaube/sessiond/internal/metric"
	"github.com/vlaube/sessiond/internal/server"
	"github.com/vlaube/sessiond/internal/session"
	"github.com/vlaube/sessiond/internal/workspace"
)

func main() {
	cfg := config.DefaultConfig()
	var configPath string
	flag.StringVar(&configPath, "config", "", "YAML config file")
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for sessiond")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite workspace path")
	flag.StringVar(&cfg.StreamDir, "streams", cfg.StreamDir, "directory for session stream files")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flag.Parse()

	if configPath != "" {
		fileCfg, err := config.Load(configPath)
		if err != nil {
			fatal(err)
		}
		// flags given on the command line win over the file
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["socket"] {
			cfg.SocketPath = fileCfg.SocketPath
		}
		if !set["db"] {
			cfg.DBPath = fileCfg.DBPath
		}
		if !set["streams"] {
			cfg.StreamDir = fileCfg.StreamDir
		}
		if !set["log-level"] {
			cfg.LogLevel = fileCfg.LogLevel
		}
		cfg.ShutdownTimeout = fileCfg.ShutdownTimeout
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		fatal(err)
	}
	if err := os.MkdirAll(cfg.StreamDir, 0o755); err != nil {
		fatal(err)
	}
	ws, err := workspace.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer ws.Close() //nolint:errcheck

	metrics := metric.New()
	registry := session.NewRegistry(cfg.StreamDir, ws, metrics, log)

	srv := server.New(cfg, registry, metrics, log)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "sessiond: %v\n", err)
	os.Exit(1)
}
