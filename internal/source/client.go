package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const userAgent = "socflow/1.0 (collection pipeline)"

// maxResponseBytes caps API response bodies. Platform listing endpoints
// stay well under this.
const maxResponseBytes = 8 << 20

// Client is a rate-limited JSON HTTP client shared by the platform
// adapters. Each adapter gets its own limiter so one slow platform does
// not starve the others.
type Client struct {
	// UserAgent overrides the default request identity when set.
	UserAgent string

	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(requestsPerSecond float64) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// GetJSON fetches url and decodes the body into out. Failures come back
// wrapped as transient or fatal depending on the status code.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Fatal(fmt.Errorf("build request for %s: %w", url, err))
	}
	agent := c.UserAgent
	if agent == "" {
		agent = userAgent
	}
	req.Header.Set("User-Agent", agent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Transient(fmt.Errorf("request %s: %w", url, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Transient(fmt.Errorf("read response from %s: %w", url, err))
	}

	if err := classifyStatus(resp.StatusCode, url); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return Fatal(fmt.Errorf("decode response from %s: %w", url, err))
	}
	return nil
}

func classifyStatus(status int, url string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return Transient(fmt.Errorf("%s: rate limited (429)", url))
	case status >= 500:
		return Transient(fmt.Errorf("%s: server error (%d)", url, status))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Fatal(fmt.Errorf("%s: access denied (%d)", url, status))
	case status == http.StatusNotFound:
		return Fatal(fmt.Errorf("%s: not found (404)", url))
	default:
		return Fatal(fmt.Errorf("%s: unexpected status %d", url, status))
	}
}
