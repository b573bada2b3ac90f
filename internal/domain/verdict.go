package domain

// VerdictKind is the risk engine's three-way decision on a candidate action.
type VerdictKind string

const (
	VerdictApprove VerdictKind = "APPROVE"
	VerdictModify  VerdictKind = "MODIFY"
	VerdictReject  VerdictKind = "REJECT"
)

// Rejection / modification reasons, in rule priority order.
const (
	ReasonKillSwitch = "kill_switch"
	ReasonLiquidity  = "liquidity"
	ReasonSizeCap    = "size_cap"
	ReasonSizeZero   = "size_zero"
	ReasonExposure   = "exposure"
	ReasonStopLoss   = "stop_loss"
)

// Verdict is the risk engine's output for a candidate action. Action is
// the action to execute: the candidate for Approve, the adjusted action
// for Modify, and a NoOp for Reject.
type Verdict struct {
	Kind   VerdictKind
	Action Action
	Reason string
}

// Approve passes the candidate action through unchanged.
func Approve(action Action) Verdict {
	return Verdict{Kind: VerdictApprove, Action: action}
}

// Modify replaces the candidate with an adjusted action.
func Modify(adjusted Action, reason string) Verdict {
	return Verdict{Kind: VerdictModify, Action: adjusted, Reason: reason}
}

// Reject vetoes the candidate; the executed action becomes a NoOp.
func Reject(marketID, reason string) Verdict {
	return Verdict{Kind: VerdictReject, Action: NewNoOp(marketID), Reason: reason}
}

// Allowed reports whether the verdict permits executing v.Action.
func (v Verdict) Allowed() bool {
	return v.Kind == VerdictApprove || v.Kind == VerdictModify
}
