package ports

import (
	"context"
	"time"

	"github.com/agenttime/agenttime/internal/domain"
)

// Storage is the append-only audit and state persistence contract.
// Decision packets are never overwritten after they are finalized;
// corrections are new packets referencing the corrected one. All reads
// return copies the caller owns.
type Storage interface {
	// Runs
	CreateRun(ctx context.Context, runID string, startedAt time.Time, markets int) error

	// Decision packets. AppendPacket upserts a provisional packet (the
	// EXECUTING marker) and finalizes it when packet.State is DONE or
	// FAILED; writing over a finalized packet returns
	// domain.ErrPacketFinalized. AppendPacketTx additionally commits the
	// given risk state in the same transaction, compare-and-committing
	// against prevVersion (domain.ErrStaleRiskState on mismatch).
	AppendPacket(ctx context.Context, p domain.DecisionPacket) error
	AppendPacketTx(ctx context.Context, p domain.DecisionPacket, state domain.RiskState, prevVersion int64) error

	// GetCycle returns the persisted packet for a cycle id, or found ==
	// false. The orchestrator's idempotency check.
	GetCycle(ctx context.Context, cycleID string) (domain.DecisionPacket, bool, error)

	// RecentPackets returns the newest finalized packets, newest first.
	RecentPackets(ctx context.Context, limit int) ([]domain.DecisionPacket, error)

	// UnreconciledPackets returns packets flagged for manual
	// reconciliation (unknown outcome or executed-unaudited).
	UnreconciledPackets(ctx context.Context) ([]domain.DecisionPacket, error)

	// Risk state
	LoadRiskState(ctx context.Context) (domain.RiskState, error)
	SaveRiskState(ctx context.Context, state domain.RiskState, prevVersion int64) error
	SetKillSwitch(ctx context.Context, engaged bool) error

	// Portfolio cache
	SavePortfolio(ctx context.Context, p domain.Portfolio) error
	LoadPortfolio(ctx context.Context) (domain.Portfolio, error)

	// Strategy state blob (learning module output)
	LoadStrategyState(ctx context.Context) (domain.StrategyState, error)
	SaveStrategyState(ctx context.Context, s domain.StrategyState) error

	Close() error
}
