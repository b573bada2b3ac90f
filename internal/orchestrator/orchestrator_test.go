package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttime/agenttime/internal/domain"
	"github.com/agenttime/agenttime/internal/observe"
	"github.com/agenttime/agenttime/internal/orchestrator"
	"github.com/agenttime/agenttime/internal/risk"
)

// memStore is an in-memory ports.Storage with failure hooks.
type memStore struct {
	mu          sync.Mutex
	cycles      map[string]domain.DecisionPacket
	state       domain.RiskState
	appendErr   func(p domain.DecisionPacket) error
	txErr       error
	txCalls     int
	appendCalls int
}

func newMemStore() *memStore {
	return &memStore{
		cycles: make(map[string]domain.DecisionPacket),
		state:  domain.NewRiskState(),
	}
}

func (s *memStore) CreateRun(context.Context, string, time.Time, int) error { return nil }

func (s *memStore) AppendPacket(_ context.Context, p domain.DecisionPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		if err := s.appendErr(p); err != nil {
			return err
		}
	}
	if prev, ok := s.cycles[p.CycleID]; ok &&
		(prev.State == domain.StateDone || prev.State == domain.StateFailed) {
		return domain.ErrPacketFinalized
	}
	s.cycles[p.CycleID] = p
	return nil
}

func (s *memStore) AppendPacketTx(_ context.Context, p domain.DecisionPacket, state domain.RiskState, prevVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCalls++
	if s.txErr != nil {
		return s.txErr
	}
	if prevVersion != s.state.Version {
		return domain.ErrStaleRiskState
	}
	s.cycles[p.CycleID] = p
	s.state = state.Clone()
	return nil
}

func (s *memStore) GetCycle(_ context.Context, cycleID string) (domain.DecisionPacket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cycles[cycleID]
	return p, ok, nil
}

func (s *memStore) RecentPackets(context.Context, int) ([]domain.DecisionPacket, error) {
	return nil, nil
}

func (s *memStore) UnreconciledPackets(context.Context) ([]domain.DecisionPacket, error) {
	return nil, nil
}

func (s *memStore) LoadRiskState(context.Context) (domain.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

func (s *memStore) SaveRiskState(_ context.Context, state domain.RiskState, prevVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prevVersion != s.state.Version {
		return domain.ErrStaleRiskState
	}
	s.state = state.Clone()
	return nil
}

func (s *memStore) SetKillSwitch(_ context.Context, engaged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.KillSwitch = engaged
	s.state.Version++
	return nil
}

func (s *memStore) SavePortfolio(context.Context, domain.Portfolio) error { return nil }
func (s *memStore) LoadPortfolio(context.Context) (domain.Portfolio, error) {
	return domain.Portfolio{}, nil
}

func (s *memStore) LoadStrategyState(context.Context) (domain.StrategyState, error) {
	return domain.StrategyState{}, nil
}
func (s *memStore) SaveStrategyState(context.Context, domain.StrategyState) error { return nil }
func (s *memStore) Close() error                                                  { return nil }

// fakeGateway implements ports.ExecutionGateway and ports.MarketProvider
// through function fields.
type fakeGateway struct {
	mu           sync.Mutex
	placeBetFn   func(action domain.Action) (domain.Fill, error)
	sellFn       func(action domain.Action) (domain.Fill, error)
	market       domain.Market
	betCalls     int
	sellCalls    int
	refreshCalls int
}

func (g *fakeGateway) PlaceBet(_ context.Context, action domain.Action) (domain.Fill, error) {
	g.mu.Lock()
	g.betCalls++
	g.mu.Unlock()
	return g.placeBetFn(action)
}

func (g *fakeGateway) SellPosition(_ context.Context, action domain.Action) (domain.Fill, error) {
	g.mu.Lock()
	g.sellCalls++
	g.mu.Unlock()
	return g.sellFn(action)
}

func (g *fakeGateway) GetPortfolio(context.Context) (domain.Portfolio, error) {
	g.mu.Lock()
	g.refreshCalls++
	g.mu.Unlock()
	return domain.Portfolio{Cash: 1000, RefreshedAt: time.Now().UTC()}, nil
}

func (g *fakeGateway) GetTransactions(context.Context, time.Time) ([]domain.Transaction, error) {
	return nil, nil
}

func (g *fakeGateway) GetMarket(context.Context, string) (domain.Market, error) {
	return g.market, nil
}

func (g *fakeGateway) ListOpenMarkets(context.Context, int) ([]domain.Market, error) {
	return []domain.Market{g.market}, nil
}

// fakePolicy returns a fixed decision.
type fakePolicy struct {
	action domain.Action
}

func (p *fakePolicy) Decide(_ context.Context, obs domain.Observation, _ domain.StrategyState) (domain.Decision, error) {
	action := p.action
	if action.MarketID == "" {
		action.MarketID = obs.MarketID
	}
	return domain.Decision{Action: action, Rationale: "test decision"}, nil
}

func testLimits() risk.Limits {
	return risk.Limits{
		MaxBetSize:        100,
		MaxBetFraction:    0.5,
		MinBetSize:        1,
		MaxMarketExposure: 250,
		MaxTotalExposure:  1000,
		LiquidityFloor:    100,
		MarketDrawdown:    -50,
		PortfolioDrawdown: -200,
	}
}

func goodFill(action domain.Action) (domain.Fill, error) {
	return domain.Fill{
		BetID:      "bet-1",
		MarketID:   action.MarketID,
		Outcome:    action.Outcome,
		Shares:     action.Size * 1.5,
		Amount:     action.Size,
		Price:      0.6,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

func setup(t *testing.T, gw *fakeGateway, action domain.Action) (*orchestrator.Orchestrator, *memStore) {
	t.Helper()
	if gw.market.ID == "" {
		gw.market = domain.Market{
			ID:          "mkt-1",
			Question:    "Will it rain tomorrow?",
			Probability: 0.6,
			Liquidity:   5000,
		}
	}
	store := newMemStore()
	engine := risk.New(store, testLimits())
	require.NoError(t, engine.Load(context.Background()))

	o := orchestrator.New(
		observe.New(gw, gw),
		&fakePolicy{action: action},
		engine,
		gw,
		store,
		orchestrator.Config{
			ExecTimeout:    time.Second,
			ExecAttempts:   2,
			PersistRetries: 2,
			CycleDeadline:  5 * time.Second,
		},
	)
	return o, store
}

func TestRunCycle_HappyPath(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	o, store := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, pkt.State)
	assert.Equal(t, domain.VerdictApprove, pkt.Verdict.Kind)
	assert.Equal(t, domain.ExecFilled, pkt.Execution.Status)
	assert.Equal(t, 1, gw.betCalls)
	assert.InDelta(t, 50, store.state.Exposure["mkt-1"], 0.001)

	// The audit record carries the full trail.
	saved, found, err := store.GetCycle(context.Background(), pkt.CycleID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "test decision", saved.Rationale)
	assert.NotZero(t, saved.Stages.PersistedAt)

	assert.GreaterOrEqual(t, gw.refreshCalls, 1)
}

func TestRunCycle_IdempotentReinvocation(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	o, _ := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))

	first, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)

	second, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)

	assert.Equal(t, 1, gw.betCalls, "re-invocation must not re-submit")
	assert.Equal(t, first.PacketID, second.PacketID)
}

func TestRunCycle_ExecutingMarkerBlocksResubmission(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	o, store := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))

	// Simulate a crash after the EXECUTING marker was written.
	marker := domain.NewPacket("run-1", "mkt-1")
	marker.State = domain.StateExecuting
	require.NoError(t, store.AppendPacket(context.Background(), marker))

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateExecuting, pkt.State)
	assert.Equal(t, 0, gw.betCalls)
}

func TestRunCycle_RejectExecutesNothing(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	gw.market = domain.Market{
		ID:          "mkt-1",
		Question:    "Thin market?",
		Probability: 0.6,
		Liquidity:   10, // below the floor
	}
	o, store := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, pkt.State)
	assert.Equal(t, domain.VerdictReject, pkt.Verdict.Kind)
	assert.Equal(t, domain.ReasonLiquidity, pkt.Verdict.Reason)
	assert.True(t, pkt.Final.IsNoOp())
	assert.Equal(t, domain.ExecNone, pkt.Execution.Status)
	assert.Equal(t, 0, gw.betCalls)
	assert.Zero(t, store.state.TotalExposure)
	assert.GreaterOrEqual(t, gw.refreshCalls, 1, "portfolio refresh runs even without a trade")
}

func TestRunCycle_ModifiedSizeReachesVenue(t *testing.T) {
	var executed domain.Action
	gw := &fakeGateway{placeBetFn: func(action domain.Action) (domain.Fill, error) {
		executed = action
		return goodFill(action)
	}}
	o, _ := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 500))

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)

	assert.Equal(t, domain.VerdictModify, pkt.Verdict.Kind)
	assert.InDelta(t, 100, executed.Size, 0.001, "the clamped size is what gets submitted")
	assert.InDelta(t, 500, pkt.Proposed.Size, 0.001, "the packet keeps the original proposal")
}

func TestRunCycle_TimeoutBudgetExhaustedIsUnknown(t *testing.T) {
	gw := &fakeGateway{placeBetFn: func(domain.Action) (domain.Fill, error) {
		return domain.Fill{}, domain.ErrVenueTimeout
	}}
	o, store := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.Error(t, err)

	assert.Equal(t, domain.StateFailed, pkt.State)
	assert.Equal(t, domain.ExecUnknown, pkt.Execution.Status)
	assert.True(t, pkt.Execution.NeedsReconciliation)
	assert.Equal(t, 2, gw.betCalls, "retry budget of 2 means exactly 2 submissions")
	assert.Zero(t, store.state.TotalExposure, "no risk commit against an unresolved trade")
	assert.Equal(t, 0, store.txCalls)
}

func TestRunCycle_VenueRejectionIsTerminal(t *testing.T) {
	gw := &fakeGateway{placeBetFn: func(domain.Action) (domain.Fill, error) {
		return domain.Fill{}, &domain.VenueError{StatusCode: 400, Message: "insufficient balance"}
	}}
	o, store := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, pkt.State)
	assert.Equal(t, domain.ExecRejected, pkt.Execution.Status)
	assert.False(t, pkt.Execution.NeedsReconciliation)
	assert.Equal(t, 1, gw.betCalls, "a definitive rejection is never retried")
	assert.Zero(t, store.state.TotalExposure)
}

func TestRunCycle_KillSwitchRecheckBeforeDispatch(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	o, store := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))

	// Engage the switch after the engine loaded its snapshot; the
	// pre-dispatch recheck must still catch it.
	require.NoError(t, store.SetKillSwitch(context.Background(), true))

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)

	assert.Equal(t, domain.VerdictReject, pkt.Verdict.Kind)
	assert.Equal(t, domain.ReasonKillSwitch, pkt.Verdict.Reason)
	assert.Equal(t, 0, gw.betCalls, "no venue call after the switch engaged")
	assert.Equal(t, domain.StateDone, pkt.State)
}

func TestRunCycle_ExecutedUnauditedFlag(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	o, store := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))
	store.txErr = errors.New("disk full")

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.Error(t, err)

	var perr *domain.PersistenceError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, domain.ExecFilled, pkt.Execution.Status)
	assert.True(t, pkt.Execution.ExecutedUnaudited)
	assert.Equal(t, domain.StateFailed, pkt.State)
	assert.Equal(t, 1, gw.betCalls, "execution is never repeated to recover persistence")
}

func TestRunCycle_StaleRiskStateRetriesCommit(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	o, store := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))

	// Another process bumps the persisted version after the engine loaded.
	store.mu.Lock()
	store.state.Version = 3
	store.mu.Unlock()

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StateDone, pkt.State)
	assert.InDelta(t, 50, store.state.Exposure["mkt-1"], 0.001)
	assert.Equal(t, int64(4), store.state.Version, "commit lands against the reloaded version")
}

func TestRunCycle_SellPathUsesSellEndpoint(t *testing.T) {
	gw := &fakeGateway{
		sellFn: func(action domain.Action) (domain.Fill, error) {
			return domain.Fill{
				BetID:      "sell-1",
				MarketID:   action.MarketID,
				Outcome:    action.Outcome,
				Shares:     30,
				Amount:     20,
				ExecutedAt: time.Now().UTC(),
			}, nil
		},
	}
	o, _ := setup(t, gw, domain.NewSell("", domain.OutcomeYes, 30))

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.NoError(t, err)

	assert.Equal(t, domain.ExecFilled, pkt.Execution.Status)
	assert.Equal(t, 1, gw.sellCalls)
	assert.Equal(t, 0, gw.betCalls)
}

func TestRunCycle_FinalizedRowStopsPersistRetriesImmediately(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	o, store := setup(t, gw, domain.NewNoOp(""))

	// A previous invocation already failed and finalized this cycle's row;
	// FAILED cycles re-run, but their audit row is immutable.
	dead := domain.NewPacket("run-1", "mkt-1")
	dead.State = domain.StateFailed
	require.NoError(t, store.AppendPacket(context.Background(), dead))
	store.mu.Lock()
	store.appendCalls = 0
	store.mu.Unlock()

	_, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPacketFinalized)
	assert.Equal(t, 2, store.appendCalls,
		"one persist attempt plus the final best-effort write, no backoff retries")
}

func TestRunCycle_FinalizedRowBlocksMarkerWithoutRetrying(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	o, store := setup(t, gw, domain.NewBet("", domain.OutcomeYes, 50))

	dead := domain.NewPacket("run-1", "mkt-1")
	dead.State = domain.StateFailed
	require.NoError(t, store.AppendPacket(context.Background(), dead))
	store.mu.Lock()
	store.appendCalls = 0
	store.mu.Unlock()

	pkt, err := o.RunCycle(context.Background(), "run-1", "mkt-1")
	require.Error(t, err)

	assert.Equal(t, 0, gw.betCalls, "no dispatch without a landed EXECUTING marker")
	assert.Equal(t, domain.StateFailed, pkt.State)
	assert.Equal(t, 2, store.appendCalls,
		"the marker write plus one failure-record attempt, both terminal")
}

func TestRunMarkets_OnePacketPerMarket(t *testing.T) {
	gw := &fakeGateway{placeBetFn: goodFill}
	o, _ := setup(t, gw, domain.NewNoOp(""))

	packets := o.RunMarkets(context.Background(), "run-1", []string{"mkt-1", "mkt-2", "mkt-3"})
	require.Len(t, packets, 3)
	for _, p := range packets {
		assert.Equal(t, domain.StateDone, p.State)
		assert.True(t, p.Final.IsNoOp())
	}
}
