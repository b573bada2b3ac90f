package domain

import "time"

// Market is the venue-side view of a single prediction market.
type Market struct {
	ID          string
	Question    string
	URL         string
	Probability float64 // current YES probability, 0..1
	Liquidity   float64 // total liquidity pool, venue currency
	Volume24h   float64
	CloseTime   time.Time
	Resolved    bool
}

// HoursToClose returns the hours remaining until the market closes,
// or 0 if the close time is unknown or already past.
func (m Market) HoursToClose() float64 {
	if m.CloseTime.IsZero() {
		return 0
	}
	h := time.Until(m.CloseTime).Hours()
	if h < 0 {
		return 0
	}
	return h
}
