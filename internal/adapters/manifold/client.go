package manifold

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/agenttime/agenttime/internal/domain"
)

const (
	readsPerSecond  = 8
	writesPerSecond = 1
	maxGetRetries   = 3
	retryBaseDelay  = 250 * time.Millisecond
)

// Client is a thin HTTP client for the Manifold REST API. Reads are rate
// limited and retried; writes are rate limited but submitted exactly
// once per call, because a retried write could double-fill.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
}

// NewClient creates a client for the given API base, e.g.
// https://api.manifold.markets/v0.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		http:         &http.Client{Timeout: 30 * time.Second},
		readLimiter:  rate.NewLimiter(rate.Limit(readsPerSecond), readsPerSecond),
		writeLimiter: rate.NewLimiter(rate.Limit(writesPerSecond), 1),
	}
}

// get performs an idempotent GET with retries on transient failures and
// decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxGetRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return classifyErr(ctx.Err())
			case <-time.After(retryBaseDelay << (attempt - 1)):
			}
		}
		if err := c.readLimiter.Wait(ctx); err != nil {
			return classifyErr(err)
		}

		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		var venueErr *domain.VenueError
		if errors.As(err, &venueErr) && venueErr.StatusCode < 500 {
			return err // definitive, retrying will not change it
		}
		lastErr = err
	}
	return fmt.Errorf("manifold: GET %s: %w", path, lastErr)
}

// post performs a non-idempotent write. No retries here: the
// orchestrator owns the retry budget for unknown-outcome writes.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if err := c.writeLimiter.Wait(ctx); err != nil {
		return classifyErr(err)
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("manifold: encode body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("manifold: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyErr(err)
	}

	if resp.StatusCode >= 400 {
		msg := extractMessage(data)
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			return fmt.Errorf("manifold: %s %s: status %d: %w", method, path, resp.StatusCode, domain.ErrVenueTimeout)
		}
		return &domain.VenueError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("manifold: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

// classifyErr maps transport failures onto the domain taxonomy. Anything
// where the request may have reached the venue is a timeout, because the
// outcome is genuinely unknown.
func classifyErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrVenueTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrVenueTimeout
	}
	return err
}

func extractMessage(data []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return string(data)
}
