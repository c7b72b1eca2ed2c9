// Package remote talks to the system of record that owns every entity.
package remote

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

	"github.com/google/uuid"
)

// Result is what the system of record answers for an accepted write.
type Result struct {
	ID       string          `json:"id"`
	Revision string          `json:"revision"`
	Record   json.RawMessage `json:"record,omitempty"`
}

// Endpoint performs entity writes. Update sends the payload's "revision"
// field, when present, as the expected current revision.
type Endpoint interface {
	Create(ctx context.Context, entityType string, payload json.RawMessage) (Result, error)
	Update(ctx context.Context, entityType, id string, payload json.RawMessage) (Result, error)
	Delete(ctx context.Context, entityType, id string) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) Create(ctx context.Context, entityType string, payload json.RawMessage) (Result, error) {
	if err := checkEntityType(entityType); err != nil {
		return Result{}, err
	}
	var out Result
	err := c.doJSON(ctx, http.MethodPost, "/v1/entities/"+url.PathEscape(entityType), nil, payload, &out)
	return out, err
}

func (c *HTTPClient) Update(ctx context.Context, entityType, id string, payload json.RawMessage) (Result, error) {
	if err := checkEntityType(entityType); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(id) == "" {
		return Result{}, fmt.Errorf("%w: id is required for update", ErrInvalidInput)
	}
	var headers map[string]string
	if revision := payloadRevision(payload); revision != "" {
		headers = map[string]string{"If-Match": revision}
	}
	var out Result
	err := c.doJSON(ctx, http.MethodPut, entityPath(entityType, id), headers, payload, &out)
	return out, err
}

func (c *HTTPClient) Delete(ctx context.Context, entityType, id string) error {
	if err := checkEntityType(entityType); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required for delete", ErrInvalidInput)
	}
	return c.doJSON(ctx, http.MethodDelete, entityPath(entityType, id), nil, nil, nil)
}

// doJSON sends one request and retries transport failures, 429s and 5xx
// responses up to maxRetries times. Any other non-2xx answer is returned as
// a *ConflictError or *HTTPError.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body json.RawMessage, out any) error {
	for attempt := 1; ; attempt++ {
		status, respBody, retryAfter, err := c.send(ctx, method, requestPath, headers, body)
		retryable := err != nil && ctx.Err() == nil
		if err == nil {
			if status >= 200 && status < 300 {
				if out == nil || len(respBody) == 0 {
					return nil
				}
				return json.Unmarshal(respBody, out)
			}
			retryable = status == http.StatusTooManyRequests || status >= 500
			err = failureFromResponse(status, requestPath, respBody)
		}
		if !retryable || attempt > c.maxRetries {
			return err
		}
		if waitErr := waitWithContext(ctx, c.retryDelay(attempt, retryAfter)); waitErr != nil {
			return waitErr
		}
	}
}

// send performs a single round trip and returns the status, the full body
// and any Retry-After header.
func (c *HTTPClient) send(ctx context.Context, method, requestPath string, headers map[string]string, body json.RawMessage) (int, []byte, string, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
	if err != nil {
		return 0, nil, "", err
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", err
	}
	return resp.StatusCode, data, resp.Header.Get("Retry-After"), nil
}

func failureFromResponse(status int, requestPath string, body []byte) error {
	var detail struct {
		Code             string `json:"code"`
		Message          string `json:"message"`
		ExpectedRevision string `json:"expectedRevision"`
		CurrentRevision  string `json:"currentRevision"`
	}
	_ = json.Unmarshal(body, &detail)
	if status == http.StatusConflict {
		return &ConflictError{Path: requestPath, ExpectedRevision: detail.ExpectedRevision, CurrentRevision: detail.CurrentRevision}
	}
	return &HTTPError{StatusCode: status, Code: detail.Code, Message: detail.Message}
}

func checkEntityType(entityType string) error {
	if strings.TrimSpace(entityType) == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	return nil
}

func entityPath(entityType, id string) string {
	return "/v1/entities/" + url.PathEscape(entityType) + "/" + url.PathEscape(id)
}

func payloadRevision(payload json.RawMessage) string {
	var fields struct {
		Revision any `json:"revision"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	switch v := fields.Revision.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

func correlationID() string {
	return "relaydraft_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
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
	if ts, err := http.ParseTime(header); err == nil {
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
