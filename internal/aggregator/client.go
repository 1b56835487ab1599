// Package aggregator streams query execution from the remote aggregation
// service: one POST per submission, answered with an ordered SSE event
// stream.
package aggregator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/askgrid/askd/model"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 512 * 1024

	defaultConnectTimeout = 10 * time.Second
	eventChannelDepth     = 16
)

// Client is the HTTP SSE client for the aggregation service.
type Client struct {
	baseURL        string
	token          string
	connectTimeout time.Duration
	http           *http.Client
	logger         *zap.Logger
}

// NewClient creates an aggregation client. connectTimeout bounds connection
// establishment and response headers only; the stream itself is unbounded
// and ends with the server's terminal event.
func NewClient(baseURL, token string, connectTimeout time.Duration, logger *zap.Logger) *Client {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		token:          token,
		connectTimeout: connectTimeout,
		http: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: connectTimeout,
			},
		},
		logger: logger,
	}
}

// StreamQuery issues the query and returns a channel delivering the
// service's protocol events in order. The channel is closed when the stream
// ends or the context is cancelled. A non-nil error means the stream never
// started; it carries an ErrorEnvelope classifying the failure.
func (c *Client) StreamQuery(ctx context.Context, req model.QueryRequest) (<-chan model.StreamEvent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal query request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/queries/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, model.NewAggregatorTimeoutError()
		}
		return nil, model.NewAggregatorUnavailableError()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode)
	}

	events := make(chan model.StreamEvent, eventChannelDepth)
	go c.pump(ctx, resp.Body, events)
	return events, nil
}

// pump reads SSE frames from the response body and delivers parsed events
// until the stream or the context ends.
func (c *Client) pump(ctx context.Context, body io.ReadCloser, events chan<- model.StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev model.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Debug("skipping malformed stream frame", zap.Error(err))
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}

		if ev.Kind == model.EventDone || ev.Kind == model.EventError {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("aggregation stream read failed", zap.Error(err))
	}
}

// classifyStatus maps a pre-stream HTTP status to the error taxonomy.
func classifyStatus(status int) *model.ErrorEnvelope {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.NewAggregatorAuthError()
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return model.NewAggregatorTimeoutError()
	}
	return model.NewAggregatorUnavailableError()
}
