package observe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenttime/agenttime/internal/domain"
	"github.com/agenttime/agenttime/internal/observe"
)

type marketStub struct {
	market domain.Market
	err    error
}

func (s *marketStub) GetMarket(context.Context, string) (domain.Market, error) {
	return s.market, s.err
}

func (s *marketStub) ListOpenMarkets(context.Context, int) ([]domain.Market, error) {
	return nil, nil
}

type gatewayStub struct{}

func (gatewayStub) PlaceBet(context.Context, domain.Action) (domain.Fill, error) {
	return domain.Fill{}, nil
}

func (gatewayStub) SellPosition(context.Context, domain.Action) (domain.Fill, error) {
	return domain.Fill{}, nil
}

func (gatewayStub) GetPortfolio(context.Context) (domain.Portfolio, error) {
	return domain.Portfolio{}, nil
}

func (gatewayStub) GetTransactions(context.Context, time.Time) ([]domain.Transaction, error) {
	return nil, nil
}

func TestAssemble_BuildsObservation(t *testing.T) {
	markets := &marketStub{market: domain.Market{
		ID:          "mkt-1",
		Question:    "Will X happen?",
		Probability: 0.42,
		Liquidity:   3000,
	}}
	a := observe.New(markets, gatewayStub{})

	portfolio := domain.Portfolio{
		Cash: 500,
		Positions: map[string]domain.Position{
			"mkt-1": {MarketID: "mkt-1", Outcome: domain.OutcomeYes, Shares: 40},
		},
	}

	obs, err := a.Assemble(context.Background(), "mkt-1", portfolio)
	require.NoError(t, err)
	assert.InDelta(t, 0.42, obs.Probability, 0.001)
	assert.InDelta(t, 500, obs.Cash, 0.001)
	assert.Equal(t, domain.OutcomeYes, obs.PositionOutcome)
	assert.InDelta(t, 40, obs.PositionShares, 0.001)
	assert.True(t, obs.HasPosition())
	assert.False(t, obs.ObservedAt.IsZero())
}

func TestAssemble_FetchFailureIsDataError(t *testing.T) {
	markets := &marketStub{err: errors.New("connection refused")}
	a := observe.New(markets, gatewayStub{})

	_, err := a.Assemble(context.Background(), "mkt-1", domain.Portfolio{})
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, "mkt-1", dataErr.MarketID)
}

func TestAssemble_ResolvedMarketIsDataError(t *testing.T) {
	markets := &marketStub{market: domain.Market{ID: "mkt-1", Probability: 0.5, Resolved: true}}
	a := observe.New(markets, gatewayStub{})

	_, err := a.Assemble(context.Background(), "mkt-1", domain.Portfolio{})
	var dataErr *domain.DataError
	assert.ErrorAs(t, err, &dataErr)
}

func TestAssemble_OutOfRangeProbabilityIsDataError(t *testing.T) {
	markets := &marketStub{market: domain.Market{ID: "mkt-1", Probability: 1.2}}
	a := observe.New(markets, gatewayStub{})

	_, err := a.Assemble(context.Background(), "mkt-1", domain.Portfolio{})
	var dataErr *domain.DataError
	assert.ErrorAs(t, err, &dataErr)
}
