package manifold

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/agenttime/agenttime/internal/domain"
)

// Gateway implements ports.ExecutionGateway and ports.MarketProvider
// against the Manifold REST API.
type Gateway struct {
	client *Client

	mu     sync.Mutex
	userID string // cached after the first /me call
}

// NewGateway wraps a client in the venue gateway.
func NewGateway(client *Client) *Gateway {
	return &Gateway{client: client}
}

// GetMarket fetches one market by id.
func (g *Gateway) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	var m apiMarket
	if err := g.client.get(ctx, "/market/"+url.PathEscape(marketID), &m); err != nil {
		return domain.Market{}, fmt.Errorf("manifold.GetMarket: %w", err)
	}
	return toMarket(m), nil
}

// ListOpenMarkets returns up to limit open binary markets, most recently
// active first.
func (g *Gateway) ListOpenMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	fetch := limit * 4 // listing includes resolved and non-binary markets
	if fetch > 1000 {
		fetch = 1000
	}
	var raw []apiMarket
	path := fmt.Sprintf("/markets?limit=%d&sort=last-bet-time", fetch)
	if err := g.client.get(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("manifold.ListOpenMarkets: %w", err)
	}

	now := time.Now()
	markets := make([]domain.Market, 0, limit)
	for _, m := range raw {
		if m.IsResolved || m.OutcomeType != "BINARY" {
			continue
		}
		market := toMarket(m)
		if !market.CloseTime.IsZero() && market.CloseTime.Before(now) {
			continue
		}
		markets = append(markets, market)
		if len(markets) == limit {
			break
		}
	}
	return markets, nil
}

// PlaceBet submits a bet. A timeout surfaces as domain.ErrVenueTimeout;
// a definitive venue rejection as *domain.VenueError.
func (g *Gateway) PlaceBet(ctx context.Context, action domain.Action) (domain.Fill, error) {
	req := placeBetRequest{
		Amount:     action.Size,
		ContractID: action.MarketID,
		Outcome:    string(action.Outcome),
	}
	var bet apiBet
	if err := g.client.post(ctx, "/bet", req, &bet); err != nil {
		return domain.Fill{}, fmt.Errorf("manifold.PlaceBet: %w", err)
	}
	fill := toFill(bet)
	if fill.MarketID == "" {
		fill.MarketID = action.MarketID
	}
	slog.Info("manifold: bet placed",
		"market", action.MarketID,
		"outcome", action.Outcome,
		"amount", fmt.Sprintf("%.2f", action.Size),
		"shares", fmt.Sprintf("%.2f", fill.Shares),
	)
	return fill, nil
}

// SellPosition unwinds shares of a held position. Shares == 0 sells the
// whole position.
func (g *Gateway) SellPosition(ctx context.Context, action domain.Action) (domain.Fill, error) {
	req := sellSharesRequest{Outcome: string(action.Outcome)}
	if action.Shares > 0 {
		shares := action.Shares
		req.Shares = &shares
	}
	var resp sellSharesResponse
	path := "/market/" + url.PathEscape(action.MarketID) + "/sell"
	if err := g.client.post(ctx, path, req, &resp); err != nil {
		return domain.Fill{}, fmt.Errorf("manifold.SellPosition: %w", err)
	}
	fill := toFill(resp.Bet)
	if fill.MarketID == "" {
		fill.MarketID = action.MarketID
	}
	slog.Info("manifold: position sold",
		"market", action.MarketID,
		"outcome", action.Outcome,
		"proceeds", fmt.Sprintf("%.2f", fill.Amount),
	)
	return fill, nil
}

// GetPortfolio reconstructs cash and positions from /me and the bet
// history, then marks positions at current market probability.
func (g *Gateway) GetPortfolio(ctx context.Context) (domain.Portfolio, error) {
	user, err := g.me(ctx)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("manifold.GetPortfolio: %w", err)
	}

	bets, err := g.userBets(ctx, user.ID, time.Time{})
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("manifold.GetPortfolio: %w", err)
	}

	positions := aggregatePositions(bets)
	for marketID, pos := range positions {
		market, err := g.GetMarket(ctx, marketID)
		if err != nil {
			slog.Warn("manifold: mark price unavailable", "market", marketID, "err", err)
			continue
		}
		pos.Question = market.Question
		pos.MarkPrice = market.Probability
		if pos.Outcome == domain.OutcomeNo {
			pos.MarkPrice = 1 - market.Probability
		}
		if market.Resolved {
			delete(positions, marketID)
			continue
		}
		positions[marketID] = pos
	}

	return domain.Portfolio{
		Cash:        user.Balance,
		Positions:   positions,
		RefreshedAt: time.Now().UTC(),
	}, nil
}

// GetTransactions returns the account's bets created after since, oldest
// first.
func (g *Gateway) GetTransactions(ctx context.Context, since time.Time) ([]domain.Transaction, error) {
	user, err := g.me(ctx)
	if err != nil {
		return nil, fmt.Errorf("manifold.GetTransactions: %w", err)
	}
	bets, err := g.userBets(ctx, user.ID, since)
	if err != nil {
		return nil, fmt.Errorf("manifold.GetTransactions: %w", err)
	}
	txs := make([]domain.Transaction, 0, len(bets))
	for i := len(bets) - 1; i >= 0; i-- { // API returns newest first
		txs = append(txs, toTransaction(bets[i]))
	}
	return txs, nil
}

func (g *Gateway) me(ctx context.Context) (apiUser, error) {
	var user apiUser
	if err := g.client.get(ctx, "/me", &user); err != nil {
		return apiUser{}, err
	}
	g.mu.Lock()
	g.userID = user.ID
	g.mu.Unlock()
	return user, nil
}

func (g *Gateway) userBets(ctx context.Context, userID string, since time.Time) ([]apiBet, error) {
	path := "/bets?userId=" + url.QueryEscape(userID) + "&limit=1000"
	if !since.IsZero() {
		path += "&afterTime=" + strconv.FormatInt(since.UnixMilli(), 10)
	}
	var bets []apiBet
	if err := g.client.get(ctx, path, &bets); err != nil {
		return nil, err
	}
	return bets, nil
}
