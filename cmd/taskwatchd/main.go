// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/taskwatch/lib/config"
	"github.com/bureau-foundation/taskwatch/lib/hub"
	"github.com/bureau-foundation/taskwatch/lib/index"
	"github.com/bureau-foundation/taskwatch/lib/monitor"
	"github.com/bureau-foundation/taskwatch/lib/process"
	"github.com/bureau-foundation/taskwatch/lib/query"
	"github.com/bureau-foundation/taskwatch/lib/service"
	"github.com/bureau-foundation/taskwatch/lib/store"
	"github.com/bureau-foundation/taskwatch/lib/version"
	"github.com/bureau-foundation/taskwatch/lib/watch"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		dataDir    string
		watchRoot  string
		logLevel   string
		forcePoll  bool
	)

	flagSet := pflag.NewFlagSet("taskwatchd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to taskwatch.yaml (default: $TASKWATCH_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	flagSet.StringVar(&dataDir, "data-dir", "", "task record directory (overrides config)")
	flagSet.StringVar(&watchRoot, "watch-root", "", "transcript tree to watch (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flagSet.BoolVar(&forcePoll, "force-poll", false, "use the polling detector even where inotify is available")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing so it works regardless of
	// other arguments.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("taskwatchd")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Precedence: flags beat environment beats config file.
	cfg.ApplyEnvironment()
	if flagSet.Changed("listen") {
		cfg.Server.Listen = listen
	}
	if flagSet.Changed("data-dir") {
		cfg.Paths.Root = dataDir
	}
	if flagSet.Changed("watch-root") {
		cfg.Watch.Root = watchRoot
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("force-poll") {
		cfg.Watch.ForcePoll = forcePoll
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := store.New(cfg.Paths.Root, logger)
	if err != nil {
		return err
	}

	var searchIndex *index.Index
	if cfg.Index.Enabled {
		searchIndex, err = index.Open(index.Config{
			Path:     cfg.IndexPath(),
			PoolSize: cfg.Index.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer searchIndex.Close()
	} else {
		logger.Info("step search index disabled")
	}

	events := hub.New(logger)

	detector := watch.New(watch.Config{
		Root:         cfg.Watch.Root,
		Logger:       logger,
		Suffix:       cfg.Watch.Suffix,
		PollInterval: cfg.Watch.PollInterval.Std(),
		QueueSize:    cfg.Watch.QueueSize,
		ForcePoll:    cfg.Watch.ForcePoll,
	})

	pool := monitor.New(monitor.Config{
		Records:           records,
		Events:            events,
		Detector:          detector,
		Index:             searchIndex,
		Logger:            logger,
		CorrelationWindow: cfg.Monitor.CorrelationWindow.Std(),
		PendingExpiry:     cfg.Monitor.PendingExpiry.Std(),
		IdleTimeout:       cfg.Monitor.IdleTimeout.Std(),
		SweepInterval:     cfg.Monitor.SweepInterval.Std(),
		ArchiveAge:        cfg.Monitor.ArchiveAge.Std(),
	})

	queries := query.New(query.Config{
		Records: records,
		Index:   searchIndex,
		Logger:  logger,
	})

	daemon := newDaemon(pool, queries, events, logger, daemonOptions{
		watchRoot:     cfg.Watch.Root,
		keepAlive:     cfg.Server.KeepAlive.Std(),
		searchEnabled: cfg.Index.Enabled,
	})

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address:         cfg.Server.Listen,
		Handler:         daemon.routes(),
		ShutdownTimeout: cfg.Server.ShutdownGrace.Std(),
		Logger:          logger,
	})

	// The pool restores persisted state before the listener opens, so
	// the first request already sees every known task.
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	select {
	case <-pool.Ready():
	case err := <-poolDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("monitor pool: %w", err)
		}
		return nil
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- httpServer.Serve(ctx) }()

	select {
	case <-httpServer.Ready():
	case err := <-serverDone:
		stop()
		<-poolDone
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	logger.Info("taskwatchd running",
		"addr", httpServer.Addr().String(),
		"watch_root", cfg.Watch.Root,
		"detector", detector.Mode(),
		"search", cfg.Index.Enabled,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-serverDone; err != nil {
		logger.Error("http server error", "error", err)
	}
	if err := <-poolDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("monitor pool error", "error", err)
	}
	return nil
}

// loadConfig resolves the configuration source: an explicit --config
// path, then TASKWATCH_CONFIG, then built-in defaults (which still
// need --watch-root or TASKWATCH_WATCH_ROOT to pass validation).
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	if os.Getenv("TASKWATCH_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	options := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Taskwatch daemon — watches agent transcripts and serves task state.

The daemon watches a transcript tree for agent session logs, matches
new transcripts against registered task starts, parses growth into
step records, and serves task state over HTTP with a live event
stream.

Configuration comes from the YAML file named by TASKWATCH_CONFIG or
--config. TASKWATCH_ROOT, TASKWATCH_WATCH_ROOT, TASKWATCH_LISTEN, and
TASKWATCH_LOG_LEVEL override the file; flags override both.

Usage:
  taskwatchd [flags]

Examples:
  # Run with a config file
  taskwatchd --config /etc/taskwatch/taskwatch.yaml

  # Run against a transcript tree with defaults for everything else
  taskwatchd --watch-root ~/agent/sessions

  # Force the polling detector (for network filesystems)
  taskwatchd --watch-root /mnt/agents --force-poll

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
