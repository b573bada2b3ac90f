package orchestrator

// orchestrator.go: drives one agent cycle end to end:
//
//   FETCHING → DECIDING → RISK_CHECKING → EXECUTING → PERSISTING → REFRESHING → DONE
//
// with FAILED reachable from any stage. Owns retry, idempotency, and
// failure policy. Cycles are keyed by runID:marketID; a cycle that
// already reached DONE or was marked EXECUTING is never re-submitted to
// the venue.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/agenttime/agenttime/internal/domain"
	"github.com/agenttime/agenttime/internal/observe"
	"github.com/agenttime/agenttime/internal/ports"
	"github.com/agenttime/agenttime/internal/risk"
)

// Config holds the failure-policy knobs for one cycle.
type Config struct {
	ExecTimeout    time.Duration // per venue submission attempt
	ExecAttempts   int           // submissions before outcome is declared unknown
	PersistRetries int           // audit write retries
	CycleDeadline  time.Duration // hard wall-clock ceiling per cycle
	Workers        int           // concurrent market cycles per run
}

// Orchestrator wires the pipeline components together.
type Orchestrator struct {
	assembler *observe.Assembler
	policy    ports.DecisionPolicy
	risk      *risk.Engine
	gateway   ports.ExecutionGateway
	store     ports.Storage
	cfg       Config

	mu        sync.Mutex
	portfolio domain.Portfolio
}

// New creates an orchestrator.
func New(
	assembler *observe.Assembler,
	policy ports.DecisionPolicy,
	riskEngine *risk.Engine,
	gateway ports.ExecutionGateway,
	store ports.Storage,
	cfg Config,
) *Orchestrator {
	if cfg.ExecAttempts <= 0 {
		cfg.ExecAttempts = 2
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 10 * time.Second
	}
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 5
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = 2 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Orchestrator{
		assembler: assembler,
		policy:    policy,
		risk:      riskEngine,
		gateway:   gateway,
		store:     store,
		cfg:       cfg,
	}
}

// RunMarkets runs one cycle per market, concurrently, and returns the
// finalized packets. Risk commits are serialized inside the risk engine,
// so parallel markets cannot jointly exceed the exposure caps.
func (o *Orchestrator) RunMarkets(ctx context.Context, runID string, marketIDs []string) []domain.DecisionPacket {
	if err := o.store.CreateRun(ctx, runID, time.Now().UTC(), len(marketIDs)); err != nil {
		slog.Error("orchestrator: create run", "run", runID, "err", err)
		return nil
	}
	if err := o.risk.Load(ctx); err != nil {
		slog.Error("orchestrator: load risk state", "run", runID, "err", err)
		return nil
	}
	o.refreshPortfolio(ctx)

	workCh := make(chan string, len(marketIDs))
	resultCh := make(chan domain.DecisionPacket, len(marketIDs))

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for marketID := range workCh {
				pkt, err := o.RunCycle(ctx, runID, marketID)
				if err != nil {
					slog.Warn("orchestrator: cycle failed",
						"run", runID, "market", marketID, "err", err)
				}
				resultCh <- pkt
			}
		}()
	}

	for _, id := range marketIDs {
		workCh <- id
	}
	close(workCh)

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	packets := make([]domain.DecisionPacket, 0, len(marketIDs))
	for pkt := range resultCh {
		packets = append(packets, pkt)
	}
	return packets
}

// RunCycle drives one full cycle for a single market. The returned
// packet is the audit record as persisted; err is non-nil when the cycle
// ended FAILED.
func (o *Orchestrator) RunCycle(ctx context.Context, runID, marketID string) (domain.DecisionPacket, error) {
	cycleID := domain.CycleID(runID, marketID)

	// Idempotency: a finished or in-flight cycle is never re-submitted.
	// This check precedes every venue call.
	existing, found, err := o.store.GetCycle(ctx, cycleID)
	if err != nil {
		return domain.DecisionPacket{}, fmt.Errorf("orchestrator.RunCycle: idempotency check: %w", err)
	}
	if found && (existing.State == domain.StateDone || existing.State == domain.StateExecuting) {
		slog.Info("orchestrator: cycle already ran, skipping",
			"cycle", cycleID, "state", existing.State)
		return existing, nil
	}

	// REFRESHING runs unconditionally, whatever path the cycle takes, to
	// catch out-of-band settlement and fills.
	defer o.refreshPortfolio(ctx)

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CycleDeadline)
	defer cancel()

	// First cycle in a process: the observation needs real account state.
	if o.portfolioSnapshot().RefreshedAt.IsZero() {
		o.refreshPortfolio(cctx)
	}

	pkt := domain.NewPacket(runID, marketID)

	// FETCHING
	obs, err := o.assembler.Assemble(cctx, marketID, o.portfolioSnapshot())
	if err != nil {
		return o.fail(ctx, pkt, err)
	}
	pkt = pkt.WithObservation(obs)

	// DECIDING
	strategy, err := o.store.LoadStrategyState(cctx)
	if err != nil {
		return o.fail(ctx, pkt, &domain.PersistenceError{Op: "load strategy state", Err: err})
	}
	decision, err := o.policy.Decide(cctx, obs, strategy)
	if err != nil {
		return o.fail(ctx, pkt, fmt.Errorf("policy: %w", err))
	}
	pkt = pkt.WithDecision(decision, time.Now().UTC())

	// RISK_CHECKING: always entered, even for NoOp, for audit completeness.
	verdict := o.risk.Evaluate(decision.Action, obs, o.risk.Snapshot())
	pkt = pkt.WithVerdict(verdict, time.Now().UTC())
	slog.Info("orchestrator: risk verdict",
		"cycle", cycleID,
		"proposed", decision.Action.String(),
		"verdict", verdict.Kind,
		"reason", verdict.Reason,
	)

	// EXECUTING: only for allowed non-NoOp actions.
	if pkt.State == domain.StateExecuting {
		// Mark the cycle EXECUTING before dispatch so a crashed process
		// cannot re-submit on re-invocation.
		if err := o.store.AppendPacket(cctx, pkt); err != nil {
			return o.fail(ctx, pkt, &domain.PersistenceError{Op: "mark executing", Err: err})
		}

		// The kill switch is re-checked immediately before submission,
		// not only at evaluation time, to close the race between
		// approval and dispatch.
		engaged, err := o.risk.KillSwitchEngaged(cctx)
		if err != nil {
			return o.fail(ctx, pkt, err)
		}
		if engaged {
			slog.Warn("orchestrator: kill switch engaged before dispatch, aborting trade",
				"cycle", cycleID)
			pkt = pkt.WithVerdict(domain.Reject(marketID, domain.ReasonKillSwitch), time.Now().UTC())
		} else {
			exec := o.execute(cctx, pkt.Final)
			pkt = pkt.WithExecution(exec, time.Now().UTC())

			if exec.Status == domain.ExecUnknown {
				// Timed out past the retry budget: the outcome is
				// genuinely unknown. Never resolved to success or
				// failure here; flagged for manual reconciliation.
				// Risk state is NOT committed against an unresolved trade.
				pkt = pkt.WithState(domain.StateFailed).WithPersisted(time.Now().UTC())
				if perr := o.appendWithRetry(ctx, pkt); perr != nil {
					slog.Error("orchestrator: failed to persist unknown-outcome packet",
						"cycle", cycleID, "err", perr)
				}
				return pkt, fmt.Errorf("orchestrator.RunCycle: %s: execution outcome unknown after %d attempts",
					cycleID, o.cfg.ExecAttempts)
			}
		}
	}

	// PERSISTING: packet plus, for a confirmed trade, the risk state
	// commit, as one logical unit.
	pkt, err = o.persist(ctx, pkt)
	if err != nil {
		return pkt, err
	}

	slog.Info("orchestrator: cycle done",
		"cycle", cycleID,
		"final", pkt.Final.String(),
		"outcome", pkt.Execution.Status,
	)
	return pkt, nil
}

// execute submits the action to the venue under the timeout policy. A
// timeout is not a rejection: the attempt is retried with exponential
// backoff up to the configured budget, inside the cycle's wall-clock
// ceiling; exhaustion yields an UNKNOWN outcome.
func (o *Orchestrator) execute(ctx context.Context, action domain.Action) domain.Execution {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.ExecAttempts; attempt++ {
		if attempt > 1 {
			wait := b.Duration()
			slog.Warn("orchestrator: venue timeout, retrying",
				"market", action.MarketID, "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return unknownOutcome(lastErr)
			}
		}

		actx, cancel := context.WithTimeout(ctx, o.cfg.ExecTimeout)
		fill, err := o.dispatch(actx, action)
		cancel()

		if err == nil {
			f := fill
			return domain.Execution{Status: domain.ExecFilled, Fill: &f}
		}

		var venueErr *domain.VenueError
		if errors.As(err, &venueErr) {
			// Definitive rejection: terminal for this cycle, no retry.
			return domain.Execution{Status: domain.ExecRejected, Error: venueErr.Error()}
		}

		// Timeouts and transport failures mid-write leave the outcome
		// ambiguous; retry, then give up as unknown.
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return unknownOutcome(lastErr)
}

func (o *Orchestrator) dispatch(ctx context.Context, action domain.Action) (domain.Fill, error) {
	switch action.Kind {
	case domain.ActionBet:
		return o.gateway.PlaceBet(ctx, action)
	case domain.ActionSell:
		return o.gateway.SellPosition(ctx, action)
	default:
		return domain.Fill{}, fmt.Errorf("orchestrator.dispatch: cannot execute %q", action.Kind)
	}
}

func unknownOutcome(lastErr error) domain.Execution {
	msg := "venue timeout, retries exhausted"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return domain.Execution{
		Status:              domain.ExecUnknown,
		Error:               msg,
		NeedsReconciliation: true,
	}
}

// persist finalizes the packet. For a confirmed trade the risk state is
// committed in the same transaction. Persistence is retried on its own:
// execution is never repeated to recover from an audit write failure.
func (o *Orchestrator) persist(ctx context.Context, pkt domain.DecisionPacket) (domain.DecisionPacket, error) {
	pkt = pkt.WithState(domain.StateDone).WithPersisted(time.Now().UTC())

	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var err error
	for attempt := 0; attempt <= o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return o.persistExhausted(ctx, pkt, ctx.Err())
			}
		}

		if pkt.Traded() {
			_, err = o.risk.Commit(ctx, pkt)
			if errors.Is(err, domain.ErrStaleRiskState) {
				// Another process moved the state; reload and retry the
				// commit against the fresh version.
				if lerr := o.risk.Load(ctx); lerr != nil {
					slog.Warn("orchestrator: reload after stale commit", "err", lerr)
				}
				continue
			}
		} else {
			err = o.store.AppendPacket(ctx, pkt)
		}
		if err == nil {
			return pkt, nil
		}
		if errors.Is(err, domain.ErrPacketFinalized) {
			// Permanent: the row is already immutable, retrying cannot help.
			break
		}
		slog.Warn("orchestrator: persistence failed, retrying",
			"cycle", pkt.CycleID, "attempt", attempt+1, "err", err)
	}
	return o.persistExhausted(ctx, pkt, err)
}

// persistExhausted handles the irreducible case: a confirmed execution
// whose audit record cannot be written. The packet is flagged
// executed-unaudited and surfaced for operator attention; it is never
// silently dropped and the trade is never re-executed.
func (o *Orchestrator) persistExhausted(ctx context.Context, pkt domain.DecisionPacket, err error) (domain.DecisionPacket, error) {
	pkt = pkt.WithState(domain.StateFailed)
	if pkt.Traded() {
		exec := pkt.Execution
		exec.ExecutedUnaudited = true
		pkt = pkt.WithExecution(exec, pkt.Stages.ExecutedAt).WithState(domain.StateFailed)
		slog.Error("orchestrator: EXECUTED-UNAUDITED: trade confirmed but audit write failed",
			"cycle", pkt.CycleID, "fill", pkt.Execution.Fill.BetID, "err", err)
	}
	// Last best-effort write; failure here still leaves the loud log above.
	if perr := o.store.AppendPacket(ctx, pkt); perr != nil {
		slog.Error("orchestrator: final audit write failed",
			"cycle", pkt.CycleID, "err", perr)
	}
	return pkt, &domain.PersistenceError{Op: "persist cycle " + pkt.CycleID, Err: err}
}

// fail records a cycle abort from any stage.
func (o *Orchestrator) fail(ctx context.Context, pkt domain.DecisionPacket, err error) (domain.DecisionPacket, error) {
	slog.Error("orchestrator: cycle failed",
		"cycle", pkt.CycleID, "stage", pkt.State, "err", err)
	pkt = pkt.WithState(domain.StateFailed).WithPersisted(time.Now().UTC())
	if perr := o.appendWithRetry(ctx, pkt); perr != nil {
		slog.Error("orchestrator: failure packet not persisted",
			"cycle", pkt.CycleID, "err", perr)
	}
	return pkt, err
}

func (o *Orchestrator) appendWithRetry(ctx context.Context, pkt domain.DecisionPacket) error {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var err error
	for attempt := 0; attempt <= o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = o.store.AppendPacket(ctx, pkt); err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrPacketFinalized) {
			return err
		}
	}
	return err
}

// refreshPortfolio pulls account state from the venue and caches it.
// Runs after every cycle regardless of outcome.
func (o *Orchestrator) refreshPortfolio(ctx context.Context) {
	p, err := o.gateway.GetPortfolio(ctx)
	if err != nil {
		slog.Warn("orchestrator: portfolio refresh failed", "err", err)
		return
	}
	o.mu.Lock()
	o.portfolio = p
	o.mu.Unlock()
	if err := o.store.SavePortfolio(ctx, p); err != nil {
		slog.Warn("orchestrator: portfolio cache write failed", "err", err)
	}
}

func (o *Orchestrator) portfolioSnapshot() domain.Portfolio {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.portfolio
}
