package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agenttime/agenttime/config"
	"github.com/agenttime/agenttime/internal/adapters/manifold"
	"github.com/agenttime/agenttime/internal/adapters/notify"
	"github.com/agenttime/agenttime/internal/adapters/storage"
	"github.com/agenttime/agenttime/internal/learning"
	"github.com/agenttime/agenttime/internal/observe"
	"github.com/agenttime/agenttime/internal/orchestrator"
	"github.com/agenttime/agenttime/internal/policy"
	"github.com/agenttime/agenttime/internal/risk"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one decision cycle per market and exit")
	kill := flag.Bool("kill", false, "engage the kill switch and exit")
	resume := flag.Bool("resume", false, "release the kill switch and exit")
	status := flag.Bool("status", false, "print risk state and unreconciled cycles, then exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print the full per-cycle table after each run")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	store, err := storage.Open(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	riskEngine := risk.New(store, risk.Limits{
		MaxBetSize:        cfg.Risk.MaxBetSize,
		MaxBetFraction:    cfg.Risk.MaxBetFraction,
		MinBetSize:        cfg.Risk.MinBetSize,
		MaxMarketExposure: cfg.Risk.MaxMarketExposure,
		MaxTotalExposure:  cfg.Risk.MaxTotalExposure,
		LiquidityFloor:    cfg.Risk.LiquidityFloor,
		MarketDrawdown:    cfg.Risk.MarketDrawdown,
		PortfolioDrawdown: cfg.Risk.PortfolioDrawdown,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gateway := manifold.NewGateway(manifold.NewClient(cfg.API.VenueBase, cfg.API.APIKey))

	switch {
	case *kill:
		runKillSwitch(ctx, riskEngine, true)
		return
	case *resume:
		runKillSwitch(ctx, riskEngine, false)
		return
	case *status:
		runStatus(ctx, store, riskEngine, gateway)
		return
	}

	params := policy.DefaultParams()
	params.MaxStake = cfg.Risk.MaxBetSize

	agent := &Agent{
		cfg:   cfg,
		store: store,
		orchestrator: orchestrator.New(
			observe.New(gateway, gateway),
			policy.New(params),
			riskEngine,
			gateway,
			store,
			orchestrator.Config{
				ExecTimeout:    cfg.ExecTimeout(),
				ExecAttempts:   cfg.Agent.ExecAttempts,
				PersistRetries: cfg.Agent.PersistRetries,
				CycleDeadline:  cfg.CycleDeadline(),
			},
		),
		markets:   gateway,
		reflector: learning.New(store),
		notifier:  notify.NewConsole(*table),
	}

	slog.Info("agent starting",
		"config", *configPath,
		"interval", cfg.RunInterval(),
		"once", *once,
		"markets", len(cfg.Agent.Markets),
	)

	if err := agent.Run(ctx, *once); err != nil {
		slog.Error("agent exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("agent stopped cleanly")
}

func runKillSwitch(ctx context.Context, engine *risk.Engine, engage bool) {
	if err := engine.SetKillSwitch(ctx, engage); err != nil {
		slog.Error("kill switch update failed", "err", err)
		os.Exit(1)
	}
	if engage {
		slog.Warn("kill switch ENGAGED: all trades will be rejected until -resume")
	} else {
		slog.Info("kill switch released: trading resumed")
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
