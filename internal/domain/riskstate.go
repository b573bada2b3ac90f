package domain

import "time"

// RiskState is the process-wide, persisted risk accounting record. It is
// explicitly versioned: every mutation goes through risk.Engine.Commit,
// which bumps Version and persists with a compare-and-commit against the
// previously loaded version. Readers only ever receive clones.
type RiskState struct {
	Version        int64
	KillSwitch     bool
	Exposure       map[string]float64 // marketID → currency at risk (cost basis)
	MarketPnL      map[string]float64 // marketID → realized+unrealized PnL
	TotalExposure  float64
	RealizedPnL    float64
	UnrealizedPnL  float64
	StopLossActive bool
	UpdatedAt      time.Time
}

// NewRiskState returns an empty state at version 0.
func NewRiskState() RiskState {
	return RiskState{
		Exposure:  make(map[string]float64),
		MarketPnL: make(map[string]float64),
	}
}

// Clone returns a deep copy. The risk engine hands these out so that no
// reader can alias the engine's authoritative maps.
func (s RiskState) Clone() RiskState {
	c := s
	c.Exposure = make(map[string]float64, len(s.Exposure))
	for k, v := range s.Exposure {
		c.Exposure[k] = v
	}
	c.MarketPnL = make(map[string]float64, len(s.MarketPnL))
	for k, v := range s.MarketPnL {
		c.MarketPnL[k] = v
	}
	return c
}

// MarketExposure returns the currency at risk in one market.
func (s RiskState) MarketExposure(marketID string) float64 {
	return s.Exposure[marketID]
}

// PortfolioPnL is realized plus unrealized PnL across all markets.
func (s RiskState) PortfolioPnL() float64 {
	return s.RealizedPnL + s.UnrealizedPnL
}
