package policy

// edge.go: default decision policy: calibrated-edge with fractional
// Kelly sizing. The belief is the market probability passed through a
// calibration transform whose parameters come from the strategy state
// blob maintained by the learning module. The policy is deterministic:
// the same observation and strategy state always produce the same
// decision, which keeps audit records reproducible.

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/agenttime/agenttime/internal/domain"
)

// Params tune the edge policy.
type Params struct {
	MinEdge       float64 // below this the policy holds (NoOp)
	ExitEdge      float64 // adverse edge at which a held position is unwound
	KellyFraction float64 // fraction of full Kelly to stake
	MaxStake      float64 // policy-side stake ceiling (risk engine clamps again)
}

// DefaultParams are conservative starting values.
func DefaultParams() Params {
	return Params{
		MinEdge:       0.04,
		ExitEdge:      0.06,
		KellyFraction: 0.25,
		MaxStake:      100,
	}
}

// calibration is the versioned strategy-state payload. Temperature < 1
// shrinks extreme market probabilities toward 0.5 (markets tend to be
// overconfident near the tails); bias shifts the whole curve.
type calibration struct {
	Temperature float64 `json:"temperature"`
	Bias        float64 `json:"bias"`
	Samples     int     `json:"samples"`
}

func defaultCalibration() calibration {
	return calibration{Temperature: 0.92, Bias: 0}
}

// Edge implements ports.DecisionPolicy.
type Edge struct {
	params Params
}

// New creates the default edge policy.
func New(params Params) *Edge {
	if params.KellyFraction <= 0 || params.KellyFraction > 1 {
		params.KellyFraction = DefaultParams().KellyFraction
	}
	if params.MinEdge <= 0 {
		params.MinEdge = DefaultParams().MinEdge
	}
	if params.ExitEdge <= 0 {
		params.ExitEdge = DefaultParams().ExitEdge
	}
	if params.MaxStake <= 0 {
		params.MaxStake = DefaultParams().MaxStake
	}
	return &Edge{params: params}
}

// Decide maps one observation to a candidate action plus rationale.
func (e *Edge) Decide(_ context.Context, obs domain.Observation, state domain.StrategyState) (domain.Decision, error) {
	cal := defaultCalibration()
	if len(state.Data) > 0 {
		if err := json.Unmarshal(state.Data, &cal); err != nil {
			return domain.Decision{}, fmt.Errorf("policy.Decide: strategy state v%d: %w", state.Version, err)
		}
		if cal.Temperature <= 0 || cal.Temperature > 2 {
			cal.Temperature = defaultCalibration().Temperature
		}
	}

	belief := calibrate(obs.Probability, cal)
	conf := confidence(obs, belief)
	evidence := []domain.EvidenceRef{{URL: obs.URL, Note: "market snapshot"}}

	// Unwind first: a held position whose edge has gone adverse is sold
	// regardless of whether a fresh entry would clear MinEdge.
	if obs.HasPosition() {
		if adverse := heldEdge(obs, belief); adverse <= -e.params.ExitEdge {
			return domain.Decision{
				Action: domain.NewSell(obs.MarketID, obs.PositionOutcome, 0),
				Rationale: fmt.Sprintf(
					"edge on held %s position is %.3f (exit threshold %.3f); unwinding",
					obs.PositionOutcome, adverse, -e.params.ExitEdge),
				Belief:   domain.Belief{Probability: belief, Confidence: conf},
				Edge:     adverse,
				Evidence: evidence,
			}, nil
		}
	}

	outcome, edge := bestSide(obs.Probability, belief)
	if edge < e.params.MinEdge {
		return domain.Decision{
			Action: domain.NewNoOp(obs.MarketID),
			Rationale: fmt.Sprintf(
				"edge %.3f below entry threshold %.3f; holding",
				edge, e.params.MinEdge),
			Belief:   domain.Belief{Probability: belief, Confidence: conf},
			Edge:     edge,
			Evidence: evidence,
		}, nil
	}

	sizing := e.size(obs, outcome, belief, edge, conf)
	return domain.Decision{
		Action: domain.NewBet(obs.MarketID, outcome, sizing.RawStake),
		Rationale: fmt.Sprintf(
			"belief %.3f vs market %.3f gives %.3f edge on %s; %.0f%% Kelly stake of $%.2f on $%.2f cash",
			belief, obs.Probability, edge, outcome,
			e.params.KellyFraction*100, sizing.RawStake, obs.Cash),
		Belief:   domain.Belief{Probability: belief, Confidence: conf},
		Edge:     edge,
		Sizing:   sizing,
		Evidence: evidence,
	}, nil
}

// size computes the fractional-Kelly stake, recording its inputs on the
// packet for audit reproducibility.
func (e *Edge) size(obs domain.Observation, outcome domain.Outcome, belief, edge, conf float64) domain.SizingInputs {
	price := obs.Probability
	winProb := belief
	if outcome == domain.OutcomeNo {
		price = 1 - obs.Probability
		winProb = 1 - belief
	}

	// Full Kelly for a binary payout at the given price, then scaled by
	// the configured fraction and the belief confidence.
	var kelly float64
	if price > 0 && price < 1 {
		b := (1 - price) / price
		kelly = (winProb*b - (1 - winProb)) / b
	}
	if kelly < 0 {
		kelly = 0
	}

	stake := obs.Cash * kelly * e.params.KellyFraction * conf
	if stake > e.params.MaxStake {
		stake = e.params.MaxStake
	}
	stake = math.Floor(stake*100) / 100

	return domain.SizingInputs{
		Bankroll:      obs.Cash,
		KellyFraction: e.params.KellyFraction,
		RawStake:      stake,
		MaxStake:      e.params.MaxStake,
	}
}

// calibrate applies the temperature/bias transform in log-odds space.
func calibrate(prob float64, cal calibration) float64 {
	p := clampProb(prob)
	logit := math.Log(p / (1 - p))
	adjusted := logit*cal.Temperature + cal.Bias
	return clampProb(1 / (1 + math.Exp(-adjusted)))
}

// bestSide picks the side with positive expected edge against the price.
func bestSide(marketProb, belief float64) (domain.Outcome, float64) {
	yesEdge := belief - marketProb
	if yesEdge >= 0 {
		return domain.OutcomeYes, yesEdge
	}
	return domain.OutcomeNo, -yesEdge
}

// heldEdge is the edge on the currently held side; negative is adverse.
func heldEdge(obs domain.Observation, belief float64) float64 {
	if obs.PositionOutcome == domain.OutcomeNo {
		return obs.Probability - belief
	}
	return belief - obs.Probability
}

// confidence grows with liquidity and shrinks near coin-flip beliefs.
func confidence(obs domain.Observation, belief float64) float64 {
	liq := math.Min(obs.Liquidity/5000, 1)
	conviction := math.Abs(belief-0.5) * 2
	c := 0.3 + 0.5*liq + 0.2*conviction
	if c > 1 {
		c = 1
	}
	return c
}

func clampProb(p float64) float64 {
	const eps = 1e-6
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}
