package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adamavenir/broker/internal/agent"
	"github.com/adamavenir/broker/internal/config"
	"github.com/adamavenir/broker/internal/logging"
	"github.com/adamavenir/broker/internal/message"
	"github.com/adamavenir/broker/internal/retention"
	"github.com/adamavenir/broker/internal/rpc"
	"github.com/adamavenir/broker/internal/store"
	"github.com/adamavenir/broker/internal/sweeper"
	"github.com/adamavenir/broker/internal/task"
	"github.com/adamavenir/broker/internal/wait"
	"github.com/adamavenir/broker/internal/waiting"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	logging.Setup()

	if lvl := os.Getenv("MESSAGE_LOG_LEVEL"); lvl != "" {
		parsed, err := logging.ParseLevel(lvl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid MESSAGE_LOG_LEVEL %q: %v\n", lvl, err)
			os.Exit(1)
		}
		logging.SetLevel(parsed)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create state dir %s: %v\n", cfg.StateDir, err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath(), store.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store at %s: %v\n", cfg.DBPath(), err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("store close failed", "error", err)
		}
	}()

	tasks := task.New(st)
	waitingSvc := waiting.New(st, tasks)
	deps := rpc.Deps{
		Messages: message.New(st, retention.Default()),
		Tasks:    tasks,
		Waiting:  waitingSvc,
		Wait:     wait.New(st, waitingSvc),
		Sweeper:  sweeper.New(st),
		Agents:   agent.New(st),
	}
	server := rpc.NewServer("broker", Version, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		slog.Info("shutting down")
		cancel()
	}()

	slog.Info("broker starting", "state_dir", cfg.StateDir, "version", Version)
	if err := server.Run(ctx, os.Stdin, os.Stdout); err != nil {
		slog.Error("broker exited with error", "error", err)
		os.Exit(1)
	}
}
