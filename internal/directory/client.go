// Package directory talks to the source directory service: ranked candidate
// search for queries, with optional memory or Redis caching in front.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/askgrid/askd/model"
)

const defaultTimeout = 3 * time.Second

// Client is an HTTP client for the directory search API.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
}

// NewClient creates a directory client. The token is sent as a bearer
// credential when non-empty.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

// searchResponse is the directory's wire format.
type searchResponse struct {
	Data []model.ScoredSource `json:"data"`
}

// Search returns ranked candidate sources for the query text, best first.
func (c *Client) Search(ctx context.Context, text string, topK int) ([]model.ScoredSource, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("q", text)
	if topK > 0 {
		q.Set("top_k", strconv.Itoa(topK))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/sources/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, model.NewInternalError()
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return payload.Data, nil
}

// HealthCheck verifies the directory service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("directory health: status %d", resp.StatusCode)
	}
	return nil
}

// SplitByRelevance partitions results into those at or above the threshold
// and the rest, preserving order within each partition.
func SplitByRelevance(results []model.ScoredSource, threshold float64) (high, low []model.ScoredSource) {
	for _, r := range results {
		if r.RelevanceScore >= threshold {
			high = append(high, r)
		} else {
			low = append(low, r)
		}
	}
	return high, low
}
