package risk

// engine.go: hard risk rules between the decision policy and the venue.
//
// Evaluate is a pure function of (action, observation, state snapshot):
// no hidden mutation during evaluation. State changes happen only in
// Commit, after a trade is confirmed executed, under an exclusive lock
// and a storage compare-and-commit on the state version.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agenttime/agenttime/internal/domain"
	"github.com/agenttime/agenttime/internal/ports"
)

// Limits are the configured hard rules. Validated at startup; the engine
// assumes they are internally consistent.
type Limits struct {
	MaxBetSize        float64
	MaxBetFraction    float64 // of available cash
	MinBetSize        float64 // clamp results below this round to zero
	MaxMarketExposure float64
	MaxTotalExposure  float64
	LiquidityFloor    float64
	MarketDrawdown    float64 // negative
	PortfolioDrawdown float64 // negative
}

// Engine is the single logical owner of the persisted RiskState. Readers
// get clones via Snapshot; all mutation goes through Commit or
// SetKillSwitch.
type Engine struct {
	store  ports.Storage
	limits Limits

	mu    sync.Mutex
	state domain.RiskState
}

// New creates an engine around the persisted state in store. Call Load
// before the first cycle.
func New(store ports.Storage, limits Limits) *Engine {
	return &Engine{store: store, limits: limits, state: domain.NewRiskState()}
}

// Load reads the authoritative state from storage. Called at startup and
// at the top of every cycle so operator toggles from other processes are
// picked up.
func (e *Engine) Load(ctx context.Context) error {
	state, err := e.store.LoadRiskState(ctx)
	if err != nil {
		return fmt.Errorf("risk.Load: %w", err)
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	return nil
}

// Snapshot returns a clone of the current state for lock-free evaluation.
func (e *Engine) Snapshot() domain.RiskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// KillSwitchEngaged re-reads the persisted state. The orchestrator calls
// this immediately before dispatching a trade, closing the race between
// approval and execution.
func (e *Engine) KillSwitchEngaged(ctx context.Context) (bool, error) {
	state, err := e.store.LoadRiskState(ctx)
	if err != nil {
		return false, fmt.Errorf("risk.KillSwitchEngaged: %w", err)
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	return state.KillSwitch, nil
}

// SetKillSwitch engages or releases the global kill switch and persists
// it. Authoritative over all cycles as soon as the write lands.
func (e *Engine) SetKillSwitch(ctx context.Context, engaged bool) error {
	if err := e.store.SetKillSwitch(ctx, engaged); err != nil {
		return fmt.Errorf("risk.SetKillSwitch: %w", err)
	}
	e.mu.Lock()
	e.state.KillSwitch = engaged
	e.state.Version++
	e.mu.Unlock()
	slog.Warn("risk: kill switch changed", "engaged", engaged)
	return nil
}

// Evaluate applies the hard rules in fixed priority order; the first
// failing rule wins. Pure: inputs are the candidate, the observation,
// and a state snapshot; nothing is mutated.
func (e *Engine) Evaluate(action domain.Action, obs domain.Observation, state domain.RiskState) domain.Verdict {
	// Rule 1: kill switch. Always first, cannot be bypassed. A NoOp under
	// kill switch is harmless and approves, but only after this check ran.
	if state.KillSwitch && !action.IsNoOp() {
		return domain.Reject(action.MarketID, domain.ReasonKillSwitch)
	}

	// NoOp approves trivially; rules 2-5 never run for it.
	if action.IsNoOp() {
		return domain.Approve(action)
	}

	if err := action.Validate(); err != nil {
		return domain.Reject(action.MarketID, err.Error())
	}

	// Rule 2: liquidity floor. Illiquid markets are unsafe to size or
	// exit, so both bets and sells are rejected.
	if obs.Liquidity < e.limits.LiquidityFloor {
		return domain.Reject(action.MarketID, domain.ReasonLiquidity)
	}

	// Sells reduce exposure: sizing, exposure, and stop-loss rules never
	// block a position-reducing trade.
	if action.Kind == domain.ActionSell {
		return domain.Approve(action)
	}

	// Rule 3: per-trade size cap. A clamp, not a veto.
	maxStake := e.limits.MaxBetSize
	if byCash := obs.Cash * e.limits.MaxBetFraction; byCash < maxStake {
		maxStake = byCash
	}
	size := action.Size
	reason := ""
	if size > maxStake {
		size = maxStake
		reason = domain.ReasonSizeCap
	}
	if size < e.limits.MinBetSize {
		return domain.Reject(action.MarketID, domain.ReasonSizeZero)
	}

	// Rule 4: exposure caps, applied to the possibly-clamped size.
	marketRoom := e.limits.MaxMarketExposure - state.MarketExposure(action.MarketID)
	totalRoom := e.limits.MaxTotalExposure - state.TotalExposure
	headroom := marketRoom
	if totalRoom < headroom {
		headroom = totalRoom
	}
	if headroom <= 0 {
		return domain.Reject(action.MarketID, domain.ReasonExposure)
	}
	if size > headroom {
		size = headroom
		reason = domain.ReasonExposure
		if size < e.limits.MinBetSize {
			return domain.Reject(action.MarketID, domain.ReasonExposure)
		}
	}

	// Rule 5: stop-loss. New bets are blocked once drawdown breaches the
	// threshold in this market or portfolio-wide.
	if state.StopLossActive ||
		state.MarketPnL[action.MarketID] <= e.limits.MarketDrawdown ||
		state.PortfolioPnL() <= e.limits.PortfolioDrawdown {
		return domain.Reject(action.MarketID, domain.ReasonStopLoss)
	}

	if reason != "" {
		return domain.Modify(action.WithSize(size), reason)
	}
	return domain.Approve(action)
}

// Commit applies a confirmed execution to the risk state and persists it
// together with the decision packet in a single transaction. Exclusive:
// two concurrent trades cannot jointly exceed the exposure caps because
// the second commit sees the first one's totals (or fails the version
// check and is retried by the caller against a fresh snapshot).
func (e *Engine) Commit(ctx context.Context, packet domain.DecisionPacket) (domain.RiskState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state
	next, realized := applyExecution(prev, packet, e.limits, time.Now().UTC())

	// The realized delta is only knowable here, against the pre-commit
	// cost basis. Stamped on the persisted packet so downstream readers
	// of the audit log (reflection, status) get it without recomputing.
	packet.Execution.RealizedPnL = realized

	if err := e.store.AppendPacketTx(ctx, packet, next, prev.Version); err != nil {
		return prev.Clone(), err
	}
	e.state = next
	return next.Clone(), nil
}

// applyExecution folds one confirmed fill into the state. Bets add cost
// basis to exposure; sells release exposure proportionally and realize
// PnL against that released basis. The second return is the realized
// delta, zero for anything but a sell.
func applyExecution(prev domain.RiskState, packet domain.DecisionPacket, limits Limits, now time.Time) (domain.RiskState, float64) {
	next := prev.Clone()
	next.Version = prev.Version + 1
	next.UpdatedAt = now

	fill := packet.Execution.Fill
	if fill == nil {
		return next, 0
	}
	marketID := packet.MarketID

	var realized float64
	switch packet.Final.Kind {
	case domain.ActionBet:
		next.Exposure[marketID] += fill.Amount
		next.TotalExposure += fill.Amount
	case domain.ActionSell:
		held := prev.Exposure[marketID]
		positionShares := packet.Observation.PositionShares
		released := held
		if positionShares > 0 && fill.Shares < positionShares {
			released = held * (fill.Shares / positionShares)
		}
		if released > held {
			released = held
		}
		next.Exposure[marketID] = held - released
		next.TotalExposure -= released
		if next.TotalExposure < 0 {
			next.TotalExposure = 0
		}
		realized = fill.Amount - released
		next.RealizedPnL += realized
		next.MarketPnL[marketID] += realized
	}

	if next.MarketPnL[marketID] <= limits.MarketDrawdown ||
		next.PortfolioPnL() <= limits.PortfolioDrawdown {
		next.StopLossActive = true
	}
	return next, realized
}
