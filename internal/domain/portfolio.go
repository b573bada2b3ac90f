package domain

import "time"

// Position is the account's holding in a single market.
type Position struct {
	MarketID  string
	Question  string
	Outcome   Outcome
	Shares    float64
	AvgPrice  float64
	MarkPrice float64
}

// Value is the current mark value of the position.
func (p Position) Value() float64 {
	return p.Shares * p.MarkPrice
}

// UnrealizedPnL is the mark-to-market gain over cost basis.
func (p Position) UnrealizedPnL() float64 {
	return (p.MarkPrice - p.AvgPrice) * p.Shares
}

// Portfolio is the account snapshot pulled from the venue. Owned by the
// orchestrator and refreshed after every cycle, whether or not a trade
// occurred, to catch out-of-band settlement and fills.
type Portfolio struct {
	Cash        float64
	Positions   map[string]Position // marketID → position
	RefreshedAt time.Time
}

// PositionFor returns the held position for a market, zero value if flat.
func (p Portfolio) PositionFor(marketID string) Position {
	return p.Positions[marketID]
}

// TotalValue is cash plus the mark value of all positions.
func (p Portfolio) TotalValue() float64 {
	total := p.Cash
	for _, pos := range p.Positions {
		total += pos.Value()
	}
	return total
}

// Fill is the venue's confirmation of an executed trade.
type Fill struct {
	BetID      string
	MarketID   string
	Outcome    Outcome
	Shares     float64
	Amount     float64 // currency spent (bet) or received (sell)
	Price      float64 // average execution price / probability
	ExecutedAt time.Time
}

// Transaction is a historical account event returned by the venue.
type Transaction struct {
	ID        string
	MarketID  string
	Outcome   Outcome
	Shares    float64
	Amount    float64
	CreatedAt time.Time
}
