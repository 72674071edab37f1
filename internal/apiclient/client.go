// Package apiclient is the HTTP client the memosync CLI uses to talk to a
// running server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/memosync/internal/memosync"
)

var ErrStaleWrite = errors.New("stale write")

// StaleWriteError is returned when the server rejected an edit because the
// memo changed more recently elsewhere.
type StaleWriteError struct {
	MemoID string
}

func (e *StaleWriteError) Error() string {
	if e.MemoID == "" {
		return "memo was edited more recently elsewhere"
	}
	return fmt.Sprintf("memo %s was edited more recently elsewhere", e.MemoID)
}

func (e *StaleWriteError) Is(target error) bool {
	return target == ErrStaleWrite
}

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type LinkCode struct {
	Code      string          `json:"code"`
	ExpiresAt memosync.Millis `json:"expiresAt"`
}

type SyncStatus struct {
	Stats               memosync.SyncStatsSnapshot `json:"stats"`
	WritebackQueueDepth int                        `json:"writebackQueueDepth"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
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

func (c *Client) CreateMemo(ctx context.Context, text string) (memosync.Record, error) {
	var out memosync.Record
	err := c.doJSON(ctx, http.MethodPost, "/v1/memos", map[string]string{"text": text}, &out)
	return out, err
}

func (c *Client) UpdateMemo(ctx context.Context, id, text string) (memosync.Record, error) {
	var out memosync.Record
	err := c.doJSON(ctx, http.MethodPut, memoPath(id), map[string]string{"text": text}, &out)
	var stale *StaleWriteError
	if errors.As(err, &stale) {
		stale.MemoID = id
	}
	return out, err
}

func (c *Client) DeleteMemo(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, memoPath(id), nil, nil)
}

func (c *Client) GetMemo(ctx context.Context, id string) (memosync.Record, error) {
	var out memosync.Record
	err := c.doJSON(ctx, http.MethodGet, memoPath(id), nil, &out)
	return out, err
}

func (c *Client) ListMemos(ctx context.Context) ([]memosync.Record, error) {
	var out struct {
		Memos []memosync.Record `json:"memos"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/memos", nil, &out); err != nil {
		return nil, err
	}
	return out.Memos, nil
}

func (c *Client) IssueLinkCode(ctx context.Context) (LinkCode, error) {
	var out LinkCode
	err := c.doJSON(ctx, http.MethodPost, "/v1/link-codes", nil, &out)
	return out, err
}

func (c *Client) SyncStatus(ctx context.Context) (SyncStatus, error) {
	var out SyncStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/sync", nil, &out)
	return out, err
}

func memoPath(id string) string {
	return "/v1/memos/" + url.PathEscape(strings.TrimSpace(id))
}

// doJSON retries transport failures, 429, and, for idempotent methods, 5xx
// responses.
func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	idempotent := method != http.MethodPost
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", "cli_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(idempotent && resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			return &StaleWriteError{}
		}
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: errPayload.CorrelationID,
		}
	}
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
