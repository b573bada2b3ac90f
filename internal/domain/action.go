package domain

import (
	"fmt"
	"math"
)

// Outcome is the side of a binary market an action targets.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ActionKind discriminates the Action variants.
type ActionKind string

const (
	ActionBet  ActionKind = "BET"
	ActionSell ActionKind = "SELL"
	ActionNoOp ActionKind = "NOOP"
)

// Action is the bounded trading decision proposed by a policy. It is a
// tagged variant: exactly one of the three kinds, immutable once proposed.
type Action struct {
	Kind     ActionKind
	MarketID string
	Outcome  Outcome // YES/NO for bets; the held side for sells
	Size     float64 // currency amount for bets
	Shares   float64 // shares to sell; 0 means the entire position
}

// NewBet proposes buying size (venue currency) of the given outcome.
func NewBet(marketID string, outcome Outcome, size float64) Action {
	return Action{Kind: ActionBet, MarketID: marketID, Outcome: outcome, Size: size}
}

// NewSell proposes selling shares of the held position. shares == 0 sells all.
func NewSell(marketID string, outcome Outcome, shares float64) Action {
	return Action{Kind: ActionSell, MarketID: marketID, Outcome: outcome, Shares: shares}
}

// NewNoOp proposes doing nothing this cycle.
func NewNoOp(marketID string) Action {
	return Action{Kind: ActionNoOp, MarketID: marketID}
}

// IsNoOp reports whether the action trades nothing.
func (a Action) IsNoOp() bool {
	return a.Kind == ActionNoOp || a.Kind == ""
}

// WithSize returns a copy of a bet with its size replaced. Used by the
// risk engine when clamping; the original action is never mutated.
func (a Action) WithSize(size float64) Action {
	a.Size = size
	return a
}

// Validate checks the structural invariants of an action: known kind,
// market set for trades, non-negative finite sizes.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionNoOp, "":
		return nil
	case ActionBet:
		if a.MarketID == "" {
			return fmt.Errorf("action: bet without market id")
		}
		if a.Outcome != OutcomeYes && a.Outcome != OutcomeNo {
			return fmt.Errorf("action: bet with invalid outcome %q", a.Outcome)
		}
		if !validAmount(a.Size) {
			return fmt.Errorf("action: bet size %v is not a non-negative finite number", a.Size)
		}
		return nil
	case ActionSell:
		if a.MarketID == "" {
			return fmt.Errorf("action: sell without market id")
		}
		if !validAmount(a.Shares) {
			return fmt.Errorf("action: sell shares %v is not a non-negative finite number", a.Shares)
		}
		return nil
	default:
		return fmt.Errorf("action: unknown kind %q", a.Kind)
	}
}

// String renders a compact human-readable label for logs and reports.
func (a Action) String() string {
	switch a.Kind {
	case ActionBet:
		return fmt.Sprintf("BET %s $%.2f", a.Outcome, a.Size)
	case ActionSell:
		if a.Shares == 0 {
			return fmt.Sprintf("SELL %s all", a.Outcome)
		}
		return fmt.Sprintf("SELL %s %.2f sh", a.Outcome, a.Shares)
	default:
		return "NOOP"
	}
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
