package ports

import (
	"context"

	"github.com/agenttime/agenttime/internal/domain"
)

// DecisionPolicy maps an observation to a candidate action plus the full
// reasoning needed for the audit trail. Implementations are swappable
// strategies; the core only depends on this contract. The strategy state
// is the opaque blob last written by the learning module.
type DecisionPolicy interface {
	Decide(ctx context.Context, obs domain.Observation, state domain.StrategyState) (domain.Decision, error)
}
