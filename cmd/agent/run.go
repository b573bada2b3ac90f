package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/agenttime/agenttime/config"
	"github.com/agenttime/agenttime/internal/adapters/storage"
	"github.com/agenttime/agenttime/internal/learning"
	"github.com/agenttime/agenttime/internal/orchestrator"
	"github.com/agenttime/agenttime/internal/ports"
	"github.com/agenttime/agenttime/internal/risk"
)

// Agent is the top-level run loop: one run per tick, one cycle per
// market inside a run.
type Agent struct {
	cfg          *config.Config
	store        ports.Storage
	orchestrator *orchestrator.Orchestrator
	markets      ports.MarketProvider
	reflector    *learning.Reflector
	notifier     ports.Notifier
}

// Run executes runs until the context is cancelled, or exactly one run
// when once is set.
func (a *Agent) Run(ctx context.Context, once bool) error {
	if err := a.runOnce(ctx); err != nil {
		if once {
			return err
		}
		slog.Error("run failed", "err", err)
	}
	if once {
		return nil
	}

	ticker := time.NewTicker(a.cfg.RunInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.runOnce(ctx); err != nil {
				slog.Error("run failed", "err", err)
			}
		}
	}
}

// runOnce performs one complete run: select markets, drive a cycle per
// market, reflect on the outcomes, report.
func (a *Agent) runOnce(ctx context.Context) error {
	runID := uuid.New().String()
	started := time.Now()

	marketIDs, err := a.selectMarkets(ctx)
	if err != nil {
		return fmt.Errorf("agent: select markets: %w", err)
	}
	if len(marketIDs) == 0 {
		slog.Warn("agent: no markets to run", "run", runID)
		return nil
	}

	slog.Info("agent: run starting", "run", runID, "markets", len(marketIDs))
	packets := a.orchestrator.RunMarkets(ctx, runID, marketIDs)

	if err := a.reflector.Reflect(ctx); err != nil {
		slog.Warn("agent: reflection failed", "run", runID, "err", err)
	}

	portfolio, err := a.store.LoadPortfolio(ctx)
	if err != nil {
		slog.Warn("agent: portfolio cache read failed", "err", err)
	}
	if err := a.notifier.NotifyRun(ctx, packets, portfolio); err != nil {
		slog.Warn("agent: notifier error", "err", err)
	}

	slog.Info("agent: run finished",
		"run", runID,
		"cycles", len(packets),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return nil
}

// selectMarkets returns the configured market ids, or discovers open
// markets from the venue when none are configured.
func (a *Agent) selectMarkets(ctx context.Context) ([]string, error) {
	if len(a.cfg.Agent.Markets) > 0 {
		ids := a.cfg.Agent.Markets
		if len(ids) > a.cfg.Agent.MaxMarkets {
			ids = ids[:a.cfg.Agent.MaxMarkets]
		}
		return ids, nil
	}

	markets, err := a.markets.ListOpenMarkets(ctx, a.cfg.Agent.MaxMarkets)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(markets))
	for _, m := range markets {
		ids = append(ids, m.ID)
	}
	slog.Info("agent: discovered markets", "count", len(ids))
	return ids, nil
}

// runStatus prints the current risk state, any cycles needing operator
// attention, and recent venue activity.
func runStatus(ctx context.Context, store *storage.SQLite, engine *risk.Engine, gateway ports.ExecutionGateway) {
	if err := engine.Load(ctx); err != nil {
		slog.Error("status: load risk state", "err", err)
		os.Exit(1)
	}
	state := engine.Snapshot()

	fmt.Printf("kill switch:   %v\n", state.KillSwitch)
	fmt.Printf("stop loss:     %v\n", state.StopLossActive)
	fmt.Printf("exposure:      $%.2f across %d markets\n", state.TotalExposure, len(state.Exposure))
	fmt.Printf("realized pnl:  $%.2f\n", state.RealizedPnL)
	fmt.Printf("state version: %d\n", state.Version)

	unreconciled, err := store.UnreconciledPackets(ctx)
	if err != nil {
		slog.Error("status: unreconciled packets", "err", err)
		os.Exit(1)
	}
	if len(unreconciled) == 0 {
		fmt.Println("unreconciled:  none")
	} else {
		fmt.Printf("unreconciled:  %d cycle(s) need attention\n", len(unreconciled))
		for _, p := range unreconciled {
			fmt.Printf("  %s state=%s exec=%s unaudited=%v: %s\n",
				p.CycleID, p.State, p.Execution.Status, p.Execution.ExecutedUnaudited, p.Execution.Error)
		}

		// Recent venue history helps resolve unknown outcomes by hand.
		since := time.Now().Add(-24 * time.Hour)
		txs, err := gateway.GetTransactions(ctx, since)
		if err != nil {
			slog.Warn("status: venue history unavailable", "err", err)
			return
		}
		fmt.Printf("venue activity since %s:\n", since.Format(time.RFC3339))
		for _, tx := range txs {
			fmt.Printf("  %s market=%s %s %.2f sh $%.2f at %s\n",
				tx.ID, tx.MarketID, tx.Outcome, tx.Shares, tx.Amount, tx.CreatedAt.Format(time.RFC3339))
		}
	}
}
