package domain

import "time"

// Observation is the normalized snapshot of market + account state fed to
// the decision policy. Created once per cycle per market, never mutated.
type Observation struct {
	MarketID    string
	Question    string
	URL         string
	Probability float64 // market-implied YES probability, 0..1
	Liquidity   float64
	Volume24h   float64
	CloseTime   time.Time
	ObservedAt  time.Time

	// Account state at observation time.
	PositionOutcome Outcome // outcome held in this market, if any
	PositionShares  float64 // 0 when flat
	Cash            float64
}

// HasPosition reports whether the account holds shares in this market.
func (o Observation) HasPosition() bool {
	return o.PositionShares > 0
}
