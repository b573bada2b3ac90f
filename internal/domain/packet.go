package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CycleState is the orchestrator's per-cycle state machine position.
type CycleState string

const (
	StateFetching     CycleState = "FETCHING"
	StateDeciding     CycleState = "DECIDING"
	StateRiskChecking CycleState = "RISK_CHECKING"
	StateExecuting    CycleState = "EXECUTING"
	StatePersisting   CycleState = "PERSISTING"
	StateRefreshing   CycleState = "REFRESHING"
	StateDone         CycleState = "DONE"
	StateFailed       CycleState = "FAILED"
)

// ExecStatus is the three-way execution outcome. A timeout after retries
// is UNKNOWN, never collapsed to success or failure.
type ExecStatus string

const (
	ExecNone     ExecStatus = "NONE" // no trade attempted this cycle
	ExecFilled   ExecStatus = "FILLED"
	ExecRejected ExecStatus = "REJECTED" // rejected by the venue
	ExecUnknown  ExecStatus = "UNKNOWN"  // timed out, needs reconciliation
)

// Belief is the policy's probability estimate with its confidence.
type Belief struct {
	Probability float64
	Confidence  float64
}

// SizingInputs records how the stake was derived, for audit reproducibility.
type SizingInputs struct {
	Bankroll      float64
	KellyFraction float64
	RawStake      float64
	MaxStake      float64
}

// EvidenceRef is an opaque pointer to material the policy relied on.
type EvidenceRef struct {
	URL  string
	Note string
}

// Execution is the outcome block of a decision packet.
type Execution struct {
	Status              ExecStatus
	Fill                *Fill
	Error               string
	RealizedPnL         float64 // sell proceeds minus released cost basis, stamped at commit
	NeedsReconciliation bool    // outcome unknown, operator must resolve
	ExecutedUnaudited   bool    // trade confirmed but audit write failed
}

// StageTimes holds one timestamp per pipeline stage.
type StageTimes struct {
	ObservedAt    time.Time
	DecidedAt     time.Time
	RiskCheckedAt time.Time
	ExecutedAt    time.Time
	PersistedAt   time.Time
}

// DecisionPacket is the canonical audit unit: one decision's full
// reasoning trail from observation to outcome. It is built additively:
// each With* method returns a new copy with one stage's fields appended,
// never rewriting a prior stage: and becomes immutable once persisted.
type DecisionPacket struct {
	PacketID string
	RunID    string
	CycleID  string // runID:marketID, the idempotency key
	MarketID string

	Observation Observation

	Belief    Belief
	Edge      float64
	Proposed  Action
	Sizing    SizingInputs
	Rationale string
	Evidence  []EvidenceRef

	Verdict Verdict
	Final   Action // what was actually executed; may differ from Proposed

	Execution Execution
	Stages    StageTimes

	State CycleState

	// CorrectsPacketID links a correction packet to the packet it amends;
	// the audit log itself is append-only.
	CorrectsPacketID string
}

// CycleID derives the idempotency key for one run/market cycle.
func CycleID(runID, marketID string) string {
	return fmt.Sprintf("%s:%s", runID, marketID)
}

// NewPacket opens a packet at cycle start, before observation assembly.
func NewPacket(runID, marketID string) DecisionPacket {
	return DecisionPacket{
		PacketID: uuid.New().String(),
		RunID:    runID,
		CycleID:  CycleID(runID, marketID),
		MarketID: marketID,
		Final:    NewNoOp(marketID),
		State:    StateFetching,
		Execution: Execution{
			Status: ExecNone,
		},
	}
}

// WithObservation appends the assembled observation.
func (p DecisionPacket) WithObservation(obs Observation) DecisionPacket {
	p.Observation = obs
	p.Stages.ObservedAt = obs.ObservedAt
	p.State = StateDeciding
	return p
}

// WithDecision appends the policy's output.
func (p DecisionPacket) WithDecision(d Decision, at time.Time) DecisionPacket {
	p.Belief = d.Belief
	p.Edge = d.Edge
	p.Proposed = d.Action
	p.Sizing = d.Sizing
	p.Rationale = d.Rationale
	p.Evidence = append([]EvidenceRef(nil), d.Evidence...)
	p.Stages.DecidedAt = at
	p.State = StateRiskChecking
	return p
}

// WithVerdict appends the risk verdict and fixes the final action.
func (p DecisionPacket) WithVerdict(v Verdict, at time.Time) DecisionPacket {
	p.Verdict = v
	p.Final = v.Action
	p.Stages.RiskCheckedAt = at
	if v.Allowed() && !v.Action.IsNoOp() {
		p.State = StateExecuting
	} else {
		p.State = StatePersisting
	}
	return p
}

// WithExecution appends the execution outcome.
func (p DecisionPacket) WithExecution(exec Execution, at time.Time) DecisionPacket {
	p.Execution = exec
	p.Stages.ExecutedAt = at
	p.State = StatePersisting
	return p
}

// WithState returns a copy at the given state.
func (p DecisionPacket) WithState(s CycleState) DecisionPacket {
	p.State = s
	return p
}

// WithPersisted stamps the final stage time.
func (p DecisionPacket) WithPersisted(at time.Time) DecisionPacket {
	p.Stages.PersistedAt = at
	return p
}

// Traded reports whether this packet carries a confirmed execution.
func (p DecisionPacket) Traded() bool {
	return p.Execution.Status == ExecFilled && p.Execution.Fill != nil
}

// Decision is what a decision policy produces for one observation.
type Decision struct {
	Action    Action
	Rationale string
	Belief    Belief
	Edge      float64
	Sizing    SizingInputs
	Evidence  []EvidenceRef
}

// StrategyState is the opaque versioned blob the learning module writes
// and the decision policy consumes on the next cycle.
type StrategyState struct {
	Version   int
	Data      []byte
	UpdatedAt time.Time
}
