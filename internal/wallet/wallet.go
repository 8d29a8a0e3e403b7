// Package wallet is the client for the credit backend: balance reads and the
// single deduction write behind an unlock. Balances are never cached; every
// read hits the backend so purchase decisions never act on stale data.
package wallet

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reelgate/reelgate/internal/classify"
)

// TokenSource supplies the viewer's bearer token.
type TokenSource func() string

type Client struct {
	baseURL string
	token   TokenSource
	http    *http.Client
}

func New(baseURL string, token TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// Balance fetches the current credit balance. Always fresh, never cached.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/wallet/balance")
	if err != nil {
		return 0, classify.Classify(err, 0)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, classify.Classify(err, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, classifyResponse(resp)
	}

	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, classify.Classify(err, 0)
	}
	return body.Balance, nil
}

// UnlockResult reports the outcome of a successful deduction. When the
// backend omits the post-charge balance it sets RefetchBalance instead.
type UnlockResult struct {
	Balance        int64
	RefetchBalance bool
}

// A 200 from the unlock endpoint is the success signal; only the balance
// matters from the body.
type unlockResponse struct {
	Balance *int64 `json:"balance"`
}

type unlockErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Shortfall int64  `json:"shortfall"`
}

// Unlock issues the deduction request for one piece of content. Insufficient
// funds come back as an access_denied classification with RequiresCredits and
// the shortfall populated, from the structured payload when present and the
// message text otherwise.
func (c *Client) Unlock(ctx context.Context, identifier string) (*UnlockResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/watch/"+identifier+"/unlock")
	if err != nil {
		return nil, classify.Classify(err, 0)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify.Classify(err, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyUnlockFailure(resp)
	}

	var body unlockResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, classify.Classify(err, 0)
	}
	if body.Balance == nil {
		return &UnlockResult{RefetchBalance: true}, nil
	}
	return &UnlockResult{Balance: *body.Balance}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

func classifyResponse(resp *http.Response) *classify.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var parsed struct {
		Error string `json:"error"`
	}
	msg := string(raw)
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		msg = parsed.Error
	}
	return classify.Classify(msg, resp.StatusCode)
}

func classifyUnlockFailure(resp *http.Response) *classify.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var body unlockErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Code == "insufficient_credits" {
		ce := classify.Classify(body.Error, resp.StatusCode)
		ce.RequiresCredits = true
		if body.Shortfall > 0 {
			ce.CreditShortfall = body.Shortfall
		}
		return ce
	}

	msg := string(raw)
	if body.Error != "" {
		msg = body.Error
	}
	return classify.Classify(msg, resp.StatusCode)
}
