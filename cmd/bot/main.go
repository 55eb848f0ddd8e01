package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"notify_bot/internal/config"
	"notify_bot/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log, logCloser, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Dir:    cfg.Log.Dir,
	}, os.Stderr)
	if err != nil {
		slog.Error("create logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := newApp(cfg, log)
	loader, err := a.loader()
	if err != nil {
		log.Error("register modules", "error", err)
		os.Exit(1)
	}

	enabled := startOrder(cfg.Modules)
	log.Info("starting", "modules", enabled)
	if err := loader.Start(ctx, enabled); err != nil {
		log.Error("start modules", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := loader.Stop(stopCtx); err != nil {
		log.Error("stop modules", "error", err)
	}

	log.Info("stopped")
}

// startOrder puts youtube before facebook and the console last, so each
// module sees the ones it reports on or looks up.
func startOrder(mods []string) []string {
	rank := map[string]int{config.ModuleYoutube: 0, config.ModuleFacebook: 1, config.ModuleConsole: 2}
	out := slices.Clone(mods)
	slices.SortStableFunc(out, func(a, b string) int { return rank[a] - rank[b] })
	return out
}
