package manifold

import (
	"time"

	"github.com/agenttime/agenttime/internal/domain"
)

func toMarket(m apiMarket) domain.Market {
	return domain.Market{
		ID:          m.ID,
		Question:    m.Question,
		URL:         m.URL,
		Probability: m.Probability,
		Liquidity:   m.TotalLiquidity,
		Volume24h:   m.Volume24Hours,
		CloseTime:   msToTime(m.CloseTime),
		Resolved:    m.IsResolved,
	}
}

func toFill(b apiBet) domain.Fill {
	amount := b.Amount
	if amount < 0 {
		amount = -amount // sells report the stake reduction as negative
	}
	return domain.Fill{
		BetID:      b.ID,
		MarketID:   b.ContractID,
		Outcome:    domain.Outcome(b.Outcome),
		Shares:     b.Shares,
		Amount:     amount,
		Price:      b.ProbAfter,
		ExecutedAt: msToTime(b.CreatedAt),
	}
}

func toTransaction(b apiBet) domain.Transaction {
	return domain.Transaction{
		ID:        b.ID,
		MarketID:  b.ContractID,
		Outcome:   domain.Outcome(b.Outcome),
		Shares:    b.Shares,
		Amount:    b.Amount,
		CreatedAt: msToTime(b.CreatedAt),
	}
}

// aggregatePositions folds a bet history into net per-market positions.
// Manifold has no positions endpoint; holdings are reconstructed from
// fills. Sold and redeemed bets net out of the running totals.
func aggregatePositions(bets []apiBet) map[string]domain.Position {
	type tally struct {
		yesShares, yesCost float64
		noShares, noCost   float64
	}
	tallies := make(map[string]tally)

	for _, b := range bets {
		if b.IsRedeemed {
			continue
		}
		t := tallies[b.ContractID]
		switch domain.Outcome(b.Outcome) {
		case domain.OutcomeYes:
			t.yesShares += b.Shares
			t.yesCost += b.Amount
		case domain.OutcomeNo:
			t.noShares += b.Shares
			t.noCost += b.Amount
		}
		tallies[b.ContractID] = t
	}

	positions := make(map[string]domain.Position)
	for marketID, t := range tallies {
		const dust = 1e-6
		switch {
		case t.yesShares > dust && t.yesShares >= t.noShares:
			positions[marketID] = domain.Position{
				MarketID: marketID,
				Outcome:  domain.OutcomeYes,
				Shares:   t.yesShares,
				AvgPrice: safeDiv(t.yesCost, t.yesShares),
			}
		case t.noShares > dust:
			positions[marketID] = domain.Position{
				MarketID: marketID,
				Outcome:  domain.OutcomeNo,
				Shares:   t.noShares,
				AvgPrice: safeDiv(t.noCost, t.noShares),
			}
		}
	}
	return positions
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
