package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the connection settings for the arbitration API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminID     string // Sent as X-User-ID
	AdminSecret string // Sent as X-Admin-Secret
}

// ArbitrationClient is an HTTP client for the trade admin API.
type ArbitrationClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewArbitrationClient creates a new client.
func NewArbitrationClient(cfg Config) *ArbitrationClient {
	return &ArbitrationClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an admin HTTP request and returns the response body.
func (c *ArbitrationClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-User-ID", c.cfg.AdminID)
	req.Header.Set("X-User-Role", "admin")
	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListDisputes returns open disputes, oldest first.
func (c *ArbitrationClient) ListDisputes(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/admin/trades/disputes", nil, nil)
}

// GetTradeDetail returns the trade with its hold, timeline and audit trail.
func (c *ArbitrationClient) GetTradeDetail(ctx context.Context, tradeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/admin/trades/"+url.PathEscape(tradeID), nil, nil)
}

// Resolve settles a disputed trade with RELEASE or RETURN.
func (c *ArbitrationClient) Resolve(ctx context.Context, tradeID, outcome, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"outcome": outcome,
		"reason":  reason,
	}
	return c.doRequest(ctx, http.MethodPost, "/admin/trades/"+url.PathEscape(tradeID)+"/resolve", nil, body)
}

// Cancel force-cancels a trade and returns escrow to the seller.
func (c *ArbitrationClient) Cancel(ctx context.Context, tradeID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/admin/trades/"+url.PathEscape(tradeID)+"/cancel", nil, body)
}

// Assign records which admin owns a dispute.
func (c *ArbitrationClient) Assign(ctx context.Context, tradeID, assigneeID string) (json.RawMessage, error) {
	body := map[string]string{"assigneeId": assigneeID}
	return c.doRequest(ctx, http.MethodPost, "/admin/trades/"+url.PathEscape(tradeID)+"/assign", nil, body)
}

// UserBalances returns every balance a user holds.
func (c *ArbitrationClient) UserBalances(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/admin/users/"+url.PathEscape(userID)+"/balances", nil, nil)
}
