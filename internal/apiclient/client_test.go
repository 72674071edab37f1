package apiclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/memosync/internal/httpapi"
	"github.com/agentworkforce/memosync/internal/memosync"
)

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"watermark_conflict","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/memos/rec_1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"rec_1","ownerId":"owner_1","text":"hello","summary":"hi","createdAt":"2026-03-01T09:00:01.000Z","lastEditedAt":"2026-03-01T09:00:02.000Z"}`))
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	rec, err := client.GetMemo(context.Background(), "rec_1")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if rec.ID != "rec_1" || rec.LastEditedAt != memosync.MillisFromTime(time.Date(2026, 3, 1, 9, 0, 2, 0, time.UTC)) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientDoesNotRetryCreateOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"internal_error","message":"boom","correlationId":"corr_1"}`))
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	_, err := client.CreateMemo(context.Background(), "hello")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError || httpErr.Code != "internal_error" || httpErr.CorrelationID != "corr_1" {
		t.Fatalf("unexpected http error: %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientRetriesRateLimitedCreate(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"rec_9","text":"hello"}`))
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	rec, err := client.CreateMemo(context.Background(), "hello")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rec.ID != "rec_9" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected recovered create after one retry, got %+v after %d calls", rec, atomic.LoadInt32(&calls))
	}
}

func TestClientSendsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "cli_") {
			t.Errorf("expected generated correlation id, got %q", r.Header.Get("X-Correlation-Id"))
		}
		if r.Method != http.MethodPut || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %q", r.Method, r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"text":"edited"}` {
			t.Errorf("unexpected body %s", body)
		}
		_, _ = w.Write([]byte(`{"id":"rec 1","text":"edited"}`))
	}))
	defer server.Close()

	client := New(server.URL+"/", " tok ", server.Client())
	if _, err := client.UpdateMemo(context.Background(), "rec 1", "edited"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}

func TestClientMapsConflictToStaleWrite(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"stale_write","message":"stale","currentWatermark":5}`))
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	_, err := client.UpdateMemo(context.Background(), "rec_1", "late edit")
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	var stale *StaleWriteError
	if !errors.As(err, &stale) || stale.MemoID != "rec_1" {
		t.Fatalf("expected stale write for rec_1, got %v", err)
	}
}

func TestClientStopsRetryingWhenContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.ListMemos(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected 0 for empty header, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage header, got %s", got)
	}
	client := New("", "", nil)
	if got := client.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected delay capped at 2s, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected retry-after capped at 2s, got %s", got)
	}
}

func TestClientAgainstServer(t *testing.T) {
	backend := memosync.NewMemoryBackend()
	var ticks atomic.Int64
	epoch := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	service, err := memosync.NewService(memosync.ServiceOptions{
		Records:    backend,
		Accounts:   backend,
		Summarizer: memosync.SummarizerFunc(func(_ context.Context, text string) (string, error) { return "sum:" + text, nil }),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock: func() time.Time {
			return epoch.Add(time.Duration(ticks.Add(1)) * time.Second)
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	auth := httpapi.NewJWTAuthenticator("client-test-secret", "")
	handler, err := httpapi.NewServer(service, httpapi.ServerConfig{
		Authenticator: auth,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	token, err := auth.Issue("owner_1", []string{httpapi.ScopeAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	client := New(server.URL, token, server.Client())
	ctx := context.Background()

	created, err := client.CreateMemo(ctx, "buy milk")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Summary != "sum:buy milk" || created.OwnerID != "owner_1" {
		t.Fatalf("unexpected created memo: %+v", created)
	}
	updated, err := client.UpdateMemo(ctx, created.ID, "buy oat milk")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.LastEditedAt <= created.LastEditedAt {
		t.Fatalf("expected watermark to advance, got %d then %d", created.LastEditedAt, updated.LastEditedAt)
	}
	memos, err := client.ListMemos(ctx)
	if err != nil || len(memos) != 1 {
		t.Fatalf("expected one memo, got %d (%v)", len(memos), err)
	}
	code, err := client.IssueLinkCode(ctx)
	if err != nil || code.Code == "" {
		t.Fatalf("expected link code, got %+v (%v)", code, err)
	}
	if _, err := client.SyncStatus(ctx); err != nil {
		t.Fatalf("sync status: %v", err)
	}
	if err := client.DeleteMemo(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = client.GetMemo(ctx, created.ID)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %v", err)
	}
}
