package policy_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttime/agenttime/internal/domain"
	"github.com/agenttime/agenttime/internal/policy"
)

func obs(prob, cash float64) domain.Observation {
	return domain.Observation{
		MarketID:    "mkt-1",
		Question:    "Will X happen?",
		URL:         "https://manifold.markets/q/x",
		Probability: prob,
		Liquidity:   5000,
		Cash:        cash,
	}
}

func decide(t *testing.T, o domain.Observation, state domain.StrategyState) domain.Decision {
	t.Helper()
	d, err := policy.New(policy.DefaultParams()).Decide(context.Background(), o, state)
	require.NoError(t, err)
	return d
}

func TestDecide_NoEdgeHolds(t *testing.T) {
	// Near 0.5 the default calibration barely moves the probability, so
	// the edge stays under the entry threshold.
	d := decide(t, obs(0.50, 1000), domain.StrategyState{})
	assert.True(t, d.Action.IsNoOp())
	assert.Less(t, d.Edge, policy.DefaultParams().MinEdge)
	assert.NotEmpty(t, d.Rationale)
}

func TestDecide_ShrinksExtremesTowardNo(t *testing.T) {
	// Temperature < 1 pulls an extreme price toward 0.5: the calibrated
	// belief sits below the market, an edge on NO.
	cal, err := json.Marshal(map[string]any{"temperature": 0.6, "bias": 0.0})
	require.NoError(t, err)
	state := domain.StrategyState{Version: 1, Data: cal}

	d := decide(t, obs(0.95, 1000), state)
	require.Equal(t, domain.ActionBet, d.Action.Kind)
	assert.Equal(t, domain.OutcomeNo, d.Action.Outcome)
	assert.Less(t, d.Belief.Probability, 0.95)
}

func TestDecide_BiasCreatesYesEdge(t *testing.T) {
	cal, err := json.Marshal(map[string]any{"temperature": 1.0, "bias": 0.4})
	require.NoError(t, err)
	state := domain.StrategyState{Version: 1, Data: cal}

	d := decide(t, obs(0.50, 1000), state)
	require.Equal(t, domain.ActionBet, d.Action.Kind)
	assert.Equal(t, domain.OutcomeYes, d.Action.Outcome)
	assert.Greater(t, d.Belief.Probability, 0.5)
	assert.Greater(t, d.Action.Size, 0.0)
	assert.Equal(t, d.Action.Size, d.Sizing.RawStake, "the packet records the exact stake derivation")
	assert.InDelta(t, 1000, d.Sizing.Bankroll, 0.001)
}

func TestDecide_StakeNeverExceedsCeiling(t *testing.T) {
	cal, _ := json.Marshal(map[string]any{"temperature": 1.0, "bias": 1.5})
	state := domain.StrategyState{Version: 1, Data: cal}

	d := decide(t, obs(0.50, 1e6), state)
	require.Equal(t, domain.ActionBet, d.Action.Kind)
	assert.LessOrEqual(t, d.Action.Size, policy.DefaultParams().MaxStake)
}

func TestDecide_AdverseEdgeUnwindsPosition(t *testing.T) {
	cal, _ := json.Marshal(map[string]any{"temperature": 1.0, "bias": -0.6})
	state := domain.StrategyState{Version: 1, Data: cal}

	o := obs(0.50, 1000)
	o.PositionOutcome = domain.OutcomeYes
	o.PositionShares = 40

	d := decide(t, o, state)
	require.Equal(t, domain.ActionSell, d.Action.Kind)
	assert.Equal(t, domain.OutcomeYes, d.Action.Outcome)
	assert.Zero(t, d.Action.Shares, "the whole position is unwound")
	assert.Negative(t, d.Edge)
}

func TestDecide_CorruptStrategyStateErrors(t *testing.T) {
	state := domain.StrategyState{Version: 3, Data: []byte("{not json")}
	_, err := policy.New(policy.DefaultParams()).Decide(context.Background(), obs(0.5, 1000), state)
	assert.Error(t, err)
}

func TestDecide_Deterministic(t *testing.T) {
	cal, _ := json.Marshal(map[string]any{"temperature": 0.9, "bias": 0.3})
	state := domain.StrategyState{Version: 2, Data: cal}
	o := obs(0.55, 1000)

	first := decide(t, o, state)
	second := decide(t, o, state)
	assert.Equal(t, first, second)
}

func TestDecide_EvidenceCarriesMarketURL(t *testing.T) {
	d := decide(t, obs(0.5, 1000), domain.StrategyState{})
	require.NotEmpty(t, d.Evidence)
	assert.Equal(t, "https://manifold.markets/q/x", d.Evidence[0].URL)
}
