package ports

import (
	"context"

	"github.com/agenttime/agenttime/internal/domain"
)

// Notifier reports run results to an operator surface.
type Notifier interface {
	// NotifyRun reports the packets produced by one run.
	NotifyRun(ctx context.Context, packets []domain.DecisionPacket, portfolio domain.Portfolio) error
}
