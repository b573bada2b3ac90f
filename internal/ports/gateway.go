package ports

import (
	"context"
	"time"

	"github.com/agenttime/agenttime/internal/domain"
)

// ExecutionGateway submits approved actions to the venue and reads
// account state. Reads are idempotent and safely retryable; writes are
// retried only under the orchestrator's timeout policy, since a timeout
// leaves the outcome unknown.
type ExecutionGateway interface {
	// PlaceBet submits a bet. Returns *domain.VenueError on a definitive
	// rejection and domain.ErrVenueTimeout when the outcome is unknown.
	PlaceBet(ctx context.Context, action domain.Action) (domain.Fill, error)

	// SellPosition unwinds part or all of a held position. Error
	// semantics match PlaceBet.
	SellPosition(ctx context.Context, action domain.Action) (domain.Fill, error)

	// GetPortfolio returns the current cash and positions.
	GetPortfolio(ctx context.Context) (domain.Portfolio, error)

	// GetTransactions returns account events created after since,
	// oldest first. Used for reconciling UNKNOWN outcomes.
	GetTransactions(ctx context.Context, since time.Time) ([]domain.Transaction, error)
}

// MarketProvider fetches market state from the venue.
type MarketProvider interface {
	// GetMarket returns one market by id or slug.
	GetMarket(ctx context.Context, marketID string) (domain.Market, error)

	// ListOpenMarkets returns up to limit open, unresolved markets.
	ListOpenMarkets(ctx context.Context, limit int) ([]domain.Market, error)
}
