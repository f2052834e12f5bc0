package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Killea/AgentChatBus/internal/bootstrap"
	"github.com/Killea/AgentChatBus/internal/config"
	"github.com/Killea/AgentChatBus/internal/logging"
)

var version = config.BusVersion

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("fatal: load config", "error", err)
		os.Exit(1)
	}

	if lvl, err := logging.ParseLevel(cfg.LogLevel()); err == nil {
		logging.SetLevel(lvl)
	} else {
		slog.Warn("invalid log_level, using default", "log_level", cfg.LogLevel())
	}

	server, err := bootstrap.NewServer(cfg)
	if err != nil {
		slog.Error("fatal: start bus", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
