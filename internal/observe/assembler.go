package observe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agenttime/agenttime/internal/domain"
	"github.com/agenttime/agenttime/internal/ports"
)

// Assembler normalizes raw venue and account data into the typed
// Observation the decision policy consumes.
type Assembler struct {
	markets ports.MarketProvider
	gateway ports.ExecutionGateway
}

// New creates an assembler over the given venue surfaces.
func New(markets ports.MarketProvider, gateway ports.ExecutionGateway) *Assembler {
	return &Assembler{markets: markets, gateway: gateway}
}

// Assemble builds one immutable Observation for the market. Any failure
// is a *domain.DataError: the cycle must abort before risk checking,
// with no trade attempted.
func (a *Assembler) Assemble(ctx context.Context, marketID string, portfolio domain.Portfolio) (domain.Observation, error) {
	market, err := a.markets.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Observation{}, &domain.DataError{MarketID: marketID, Err: fmt.Errorf("fetch market: %w", err)}
	}
	if market.Resolved {
		return domain.Observation{}, &domain.DataError{MarketID: marketID, Err: fmt.Errorf("market is resolved")}
	}
	if market.Probability < 0 || market.Probability > 1 {
		return domain.Observation{}, &domain.DataError{MarketID: marketID, Err: fmt.Errorf("probability %v out of range", market.Probability)}
	}

	pos := portfolio.PositionFor(marketID)
	obs := domain.Observation{
		MarketID:        marketID,
		Question:        market.Question,
		URL:             market.URL,
		Probability:     market.Probability,
		Liquidity:       market.Liquidity,
		Volume24h:       market.Volume24h,
		CloseTime:       market.CloseTime,
		ObservedAt:      time.Now().UTC(),
		PositionOutcome: pos.Outcome,
		PositionShares:  pos.Shares,
		Cash:            portfolio.Cash,
	}

	slog.Debug("observe: assembled",
		"market", marketID,
		"prob", fmt.Sprintf("%.3f", obs.Probability),
		"liquidity", fmt.Sprintf("%.0f", obs.Liquidity),
		"position", obs.PositionShares,
	)
	return obs, nil
}
