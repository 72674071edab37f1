package memosync

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
)

// notionTextLimit is the maximum length of one rich text object.
const notionTextLimit = 2000

type NotionAccessTokenProvider func(ctx context.Context) (string, error)

func StaticNotionToken(token string) NotionAccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type NotionMirrorOptions struct {
	BaseURL       string
	DatabaseID    string
	TokenProvider NotionAccessTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// NotionAPIError is a non-retryable or exhausted Notion API failure.
type NotionAPIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *NotionAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("notion request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("notion request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// NotionMirror keeps one page per record in a Notion database.
type NotionMirror struct {
	baseURL       string
	databaseID    string
	tokenProvider NotionAccessTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewNotionMirror(opts NotionMirrorOptions) *NotionMirror {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &NotionMirror{
		baseURL:       baseURL,
		databaseID:    strings.TrimSpace(opts.DatabaseID),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (m *NotionMirror) CreatePage(ctx context.Context, page MirrorPage) (string, error) {
	if m.databaseID == "" {
		return "", fmt.Errorf("%w: notion database id is required", ErrInvalidInput)
	}
	body := map[string]any{
		"parent":     map[string]any{"database_id": m.databaseID},
		"properties": pageProperties(page),
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := m.do(ctx, http.MethodPost, "/v1/pages", body, &created); err != nil {
		return "", &UpstreamError{Service: "notion", Err: err}
	}
	if created.ID == "" {
		return "", &UpstreamError{Service: "notion", Err: fmt.Errorf("create page returned no id")}
	}
	return created.ID, nil
}

func (m *NotionMirror) UpdatePage(ctx context.Context, ref string, page MirrorPage) error {
	body := map[string]any{
		"properties": map[string]any{
			PropertyText:    map[string]any{"title": richText(page.Text)},
			PropertySummary: map[string]any{"rich_text": richText(page.Summary)},
		},
	}
	if err := m.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(ref), body, nil); err != nil {
		return &UpstreamError{Service: "notion", Err: err}
	}
	return nil
}

func (m *NotionMirror) UpdateSummary(ctx context.Context, ref, summary string) error {
	body := map[string]any{
		"properties": map[string]any{
			PropertySummary: map[string]any{"rich_text": richText(summary)},
		},
	}
	if err := m.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(ref), body, nil); err != nil {
		return &UpstreamError{Service: "notion", Err: err}
	}
	return nil
}

// ArchivePage archives the page. A page that no longer exists counts as
// archived.
func (m *NotionMirror) ArchivePage(ctx context.Context, ref string) error {
	err := m.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(ref), map[string]any{"archived": true}, nil)
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*NotionAPIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return &UpstreamError{Service: "notion", Err: err}
}

func pageProperties(page MirrorPage) map[string]any {
	props := map[string]any{
		PropertyText:     map[string]any{"title": richText(page.Text)},
		PropertySummary:  map[string]any{"rich_text": richText(page.Summary)},
		PropertyOwner:    map[string]any{"rich_text": richText(page.OwnerID)},
		PropertyRecordID: map[string]any{"rich_text": richText(page.RecordID)},
	}
	if !page.SavedAt.IsZero() {
		props[PropertySavedAt] = map[string]any{"date": map[string]any{"start": page.SavedAt.String()}}
	}
	return props
}

// richText splits text into Notion rich text objects without truncating it,
// so a page echo carries exactly the stored text.
func richText(text string) []map[string]any {
	out := make([]map[string]any, 0, 1)
	runes := []rune(text)
	for start := 0; start < len(runes); start += notionTextLimit {
		end := start + notionTextLimit
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, map[string]any{
			"type": "text",
			"text": map[string]any{"content": string(runes[start:end])},
		})
	}
	return out
}

func (m *NotionMirror) do(ctx context.Context, method, path string, payload any, out any) error {
	if m == nil {
		return fmt.Errorf("notion mirror is nil")
	}
	if m.tokenProvider == nil {
		return fmt.Errorf("notion token provider is required")
	}
	token, err := m.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("notion token is empty")
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := m.baseURL + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Notion-Version", m.apiVersion)
		if m.userAgent != "" {
			req.Header.Set("User-Agent", m.userAgent)
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			if attempt < m.maxRetries {
				if waitErr := sleepContext(ctx, m.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < m.maxRetries {
			if waitErr := sleepContext(ctx, m.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		apiErr := &NotionAPIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			apiErr.Code = parsed.Code
			if strings.TrimSpace(parsed.Message) != "" {
				apiErr.Message = parsed.Message
			}
		}
		return apiErr
	}
}

func (m *NotionMirror) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > m.maxDelay {
			return m.maxDelay
		}
		return retryAfter
	}
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	if delay > m.maxDelay {
		return m.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
