// Package syncclient calls the syncbridge trigger API. It is used by the CLI
// and by the drain worker.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type SyncRequest struct {
	ConnectionID string               `json:"connectionId"`
	EntityType   string               `json:"entityType"`
	EntityID     string               `json:"entityId"`
	Direction    syncbridge.Direction `json:"direction,omitempty"`
}

type LogPage struct {
	ConnectionID string                    `json:"connectionId"`
	Entries      []syncbridge.SyncLogEntry `json:"entries"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New returns a client for baseURL. token is sent as a bearer token when
// set, for deployments behind an authenticating proxy.
func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SyncEntity runs one synchronous sync. Outcomes the server reports with
// 202, 401 or 422 are returned as results, not errors.
func (c *Client) SyncEntity(ctx context.Context, req SyncRequest) (syncbridge.SyncResult, error) {
	var out syncbridge.SyncResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync", req, &out,
		http.StatusAccepted, http.StatusUnauthorized, http.StatusUnprocessableEntity)
	return out, err
}

// EnqueueBulk returns the per-entity result for 200, 207 and the
// all-failed 500 alike.
func (c *Client) EnqueueBulk(ctx context.Context, req syncbridge.BulkRequest) (syncbridge.BulkResult, error) {
	var out syncbridge.BulkResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/bulk", req, &out,
		http.StatusMultiStatus, http.StatusInternalServerError)
	return out, err
}

func (c *Client) Drain(ctx context.Context) (syncbridge.DrainResult, error) {
	var out syncbridge.DrainResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/queue/drain", nil, &out)
	return out, err
}

func (c *Client) ListLogs(ctx context.Context, connectionID string, limit int) (LogPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/v1/connections/%s/logs", url.PathEscape(connectionID))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out LogPage
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Disconnect(ctx context.Context, connectionID string) (syncbridge.Connection, error) {
	var out syncbridge.Connection
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/connections/%s/disconnect", url.PathEscape(connectionID)), map[string]any{}, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// doJSON retries transport failures, 429 and 5xx unless the status is in
// accept, in which case the body is decoded into out and nil is returned.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any, accept ...int) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if (resp.StatusCode >= 200 && resp.StatusCode <= 299) || accepted(resp.StatusCode, accept) {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func accepted(status int, accept []int) bool {
	for _, candidate := range accept {
		if candidate == status {
			return true
		}
	}
	return false
}

func correlationID() string {
	return "cli_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
