package manifold

// Wire types for the Manifold REST API. Timestamps are epoch
// milliseconds; probabilities are 0..1.

type apiMarket struct {
	ID             string  `json:"id"`
	Question       string  `json:"question"`
	URL            string  `json:"url"`
	Probability    float64 `json:"probability"`
	TotalLiquidity float64 `json:"totalLiquidity"`
	Volume24Hours  float64 `json:"volume24Hours"`
	CloseTime      int64   `json:"closeTime"`
	IsResolved     bool    `json:"isResolved"`
	OutcomeType    string  `json:"outcomeType"`
}

type apiUser struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Balance  float64 `json:"balance"`
}

type apiBet struct {
	ID         string  `json:"id"`
	ContractID string  `json:"contractId"`
	Outcome    string  `json:"outcome"`
	Amount     float64 `json:"amount"`
	Shares     float64 `json:"shares"`
	ProbAfter  float64 `json:"probAfter"`
	CreatedAt  int64   `json:"createdTime"`
	IsSold     bool    `json:"isSold"`
	IsRedeemed bool    `json:"isRedemption"`
}

type placeBetRequest struct {
	Amount     float64 `json:"amount"`
	ContractID string  `json:"contractId"`
	Outcome    string  `json:"outcome"`
}

type sellSharesRequest struct {
	Outcome string   `json:"outcome"`
	Shares  *float64 `json:"shares,omitempty"` // nil sells the whole position
}

type sellSharesResponse struct {
	Status string `json:"status"`
	Bet    apiBet `json:"bet"`
}
