package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/memosync/internal/memosync"
)

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func notionUpdate(deliveryID, pageID, memoID, text string, editedAt time.Time) map[string]any {
	properties := map[string]any{
		"Original Text": map[string]any{
			"title": []map[string]string{{"plain_text": text}},
		},
	}
	if memoID != "" {
		properties["Memo ID"] = map[string]any{
			"rich_text": []map[string]string{{"plain_text": memoID}},
		}
	}
	return map[string]any{
		"id":               deliveryID,
		"type":             "page.properties_updated",
		"timestamp":        editedAt.Format(time.RFC3339Nano),
		"entity":           map[string]string{"id": pageID, "type": "page"},
		"last_edited_time": editedAt.Format(time.RFC3339Nano),
		"data":             map[string]any{"properties": properties},
	}
}

func notionDelete(deliveryID, eventType, pageID, memoID string) map[string]any {
	payload := map[string]any{
		"id":     deliveryID,
		"type":   eventType,
		"entity": map[string]string{"id": pageID, "type": "page"},
	}
	if memoID != "" {
		payload["data"] = map[string]any{"properties": map[string]any{
			"Memo ID": map[string]any{"rich_text": []map[string]string{{"plain_text": memoID}}},
		}}
	}
	return payload
}

func sendWebhook(t *testing.T, env *testEnv, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/webhooks/notion",
		headers: map[string]string{"X-Notion-Signature": signPayload(testWebhookSecret, body)},
		body:    body,
	})
}

func expectSyncResult(t *testing.T, resp *httptest.ResponseRecorder, status string, reason memosync.RejectReason) memosync.SyncResult {
	t.Helper()
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	result := decodeBody[memosync.SyncResult](t, resp)
	if result.Outcome != status || result.Reason != reason {
		t.Fatalf("expected %s/%s, got %+v", status, reason, result)
	}
	return result
}

func seedPairedMemo(t *testing.T, env *testEnv, text string) memosync.Record {
	t.Helper()
	rec, err := env.service.CreateMemo(context.Background(), "owner_1", text)
	if err != nil {
		t.Fatalf("create memo: %v", err)
	}
	if !rec.Paired() {
		t.Fatalf("expected seeded memo to be paired")
	}
	return rec
}

func TestNotionWebhookVerificationHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/notion",
		body:   []byte(`{"verification_token":"secret_abc"}`),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for handshake, got %d", resp.Code)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "verification_received" {
		t.Fatalf("unexpected handshake response: %+v", body)
	}
}

func TestNotionWebhookHandshakeLogsTokenFingerprint(t *testing.T) {
	const token = "secret_handshake_token"
	for _, level := range []slog.Level{slog.LevelInfo, slog.LevelDebug} {
		var logs bytes.Buffer
		env := newTestEnv(t, func(cfg *ServerConfig) {
			cfg.Logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: level}))
		})
		resp := doRawRequest(t, env.server, rawRequest{
			method: http.MethodPost,
			path:   "/v1/webhooks/notion",
			body:   []byte(`{"verification_token":"` + token + `"}`),
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200 for handshake, got %d", resp.Code)
		}
		if !strings.Contains(logs.String(), tokenFingerprint(token)) {
			t.Fatalf("%s: expected token fingerprint in logs, got %s", level, logs.String())
		}
		leaked := strings.Contains(logs.String(), token)
		if level == slog.LevelInfo && leaked {
			t.Fatalf("expected token to stay out of info logs, got %s", logs.String())
		}
		if level == slog.LevelDebug && !leaked {
			t.Fatalf("expected token in debug logs, got %s", logs.String())
		}
	}
}

func TestNotionWebhookRejectsFutureTimestamp(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := seedPairedMemo(t, env, "buy milk")

	future := testEpoch.Add(365 * 24 * time.Hour)
	expectSyncResult(t, sendWebhook(t, env, notionUpdate("evt_future", rec.ExternalRef, rec.ID, "pinned", future)), memosync.OutcomeRejected, memosync.RejectFutureTimestamp)

	got, _ := env.backend.Get(context.Background(), rec.ID)
	if got.Text != "buy milk" || got.LastEditedAt != rec.LastEditedAt {
		t.Fatalf("expected memo untouched by future-dated event, got %+v", got)
	}
	if env.service.Stats().FutureTimestamps != 1 {
		t.Fatalf("expected future timestamp to be counted, got %+v", env.service.Stats())
	}

	resp := doRequest(t, env.server, request{
		method:  http.MethodPut,
		path:    "/v1/memos/" + rec.ID,
		headers: bearer(env.token(t, "owner_1")),
		body:    map[string]string{"text": "buy oat milk"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected local edit to succeed after rejected event, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestNotionWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := seedPairedMemo(t, env, "buy milk")
	body, _ := json.Marshal(notionUpdate("evt_1", rec.ExternalRef, rec.ID, "tampered", testEpoch.Add(time.Hour)))

	cases := map[string]string{
		"missing":   "",
		"wrong":     signPayload("not-the-secret", body),
		"malformed": "sha256=zz",
		"no prefix": strings.TrimPrefix(signPayload(testWebhookSecret, body), "sha256="),
	}
	for name, signature := range cases {
		resp := doRawRequest(t, env.server, rawRequest{
			method:  http.MethodPost,
			path:    "/v1/webhooks/notion",
			headers: map[string]string{"X-Notion-Signature": signature},
			body:    body,
		})
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s signature: expected 401, got %d", name, resp.Code)
		}
	}
	got, _ := env.backend.Get(context.Background(), rec.ID)
	if got.Text != "buy milk" {
		t.Fatalf("expected memo untouched after rejected signatures, got %q", got.Text)
	}
}

func TestNotionWebhookRejectsWhenSecretUnset(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.WebhookSecret = StaticSecret("")
	})
	body := []byte(`{"id":"evt_1","type":"page.updated"}`)
	resp := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/webhooks/notion",
		headers: map[string]string{"X-Notion-Signature": signPayload("", body)},
		body:    body,
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without configured secret, got %d", resp.Code)
	}
}

func TestNotionWebhookBodyLimits(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) {
		cfg.MaxBodyBytes = 64
	})
	empty := doRawRequest(t, env.server, rawRequest{method: http.MethodPost, path: "/v1/webhooks/notion"})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", empty.Code)
	}
	large := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/notion",
		body:   []byte(`{"id":"evt_1","type":"page.updated","padding":"` + strings.Repeat("x", 128) + `"}`),
	})
	if large.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", large.Code)
	}
}

func TestNotionWebhookSchemaValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := seedPairedMemo(t, env, "buy milk")

	missingTime := notionUpdate("evt_1", rec.ExternalRef, rec.ID, "eggs", testEpoch.Add(time.Hour))
	delete(missingTime, "last_edited_time")

	badTime := notionUpdate("evt_2", rec.ExternalRef, rec.ID, "eggs", testEpoch.Add(time.Hour))
	badTime["last_edited_time"] = "yesterday"

	missingText := notionUpdate("evt_3", rec.ExternalRef, rec.ID, "eggs", testEpoch.Add(time.Hour))
	missingText["data"] = map[string]any{"properties": map[string]any{}}

	missingEntity := notionDelete("evt_4", "page.deleted", "", "")
	delete(missingEntity, "entity")

	for name, payload := range map[string]any{
		"missing last_edited_time": missingTime,
		"malformed timestamp":      badTime,
		"missing text property":    missingText,
		"delete without entity":    missingEntity,
		"not an object":            []string{"page.updated"},
	} {
		resp := sendWebhook(t, env, payload)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d (%s)", name, resp.Code, resp.Body.String())
		}
	}
	got, _ := env.backend.Get(context.Background(), rec.ID)
	if got.Text != "buy milk" {
		t.Fatalf("expected memo untouched after invalid payloads, got %q", got.Text)
	}
}

func TestNotionWebhookAppliesNewerEdit(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := seedPairedMemo(t, env, "buy milk")
	editedAt := testEpoch.Add(time.Hour).Add(123 * time.Millisecond)

	result := expectSyncResult(t, sendWebhook(t, env, notionUpdate("evt_1", rec.ExternalRef, rec.ID, "buy eggs", editedAt)), memosync.OutcomeApplied, "")
	if result.MemoID != rec.ID {
		t.Fatalf("expected memo id %s, got %s", rec.ID, result.MemoID)
	}
	got, _ := env.backend.Get(context.Background(), rec.ID)
	if got.Text != "buy eggs" || got.Summary != "sum:buy eggs" {
		t.Fatalf("expected external edit applied, got %+v", got)
	}
	if got.LastEditedAt != memosync.MillisFromTime(editedAt) {
		t.Fatalf("expected watermark from the external timestamp, got %s", got.LastEditedAt)
	}
}

func TestNotionWebhookDuplicateAndStaleDeliveries(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := seedPairedMemo(t, env, "buy milk")
	editedAt := testEpoch.Add(time.Hour)
	payload := notionUpdate("evt_1", rec.ExternalRef, rec.ID, "buy eggs", editedAt)

	expectSyncResult(t, sendWebhook(t, env, payload), memosync.OutcomeApplied, "")

	again := sendWebhook(t, env, payload)
	if body := decodeBody[map[string]string](t, again); body["status"] != "duplicate" {
		t.Fatalf("expected redelivery acknowledged as duplicate, got %+v", body)
	}

	// Same edit under a new delivery id is caught by the watermark.
	redelivered := notionUpdate("evt_2", rec.ExternalRef, rec.ID, "buy eggs", editedAt)
	expectSyncResult(t, sendWebhook(t, env, redelivered), memosync.OutcomeRejected, memosync.RejectStaleOrDuplicate)

	older := notionUpdate("evt_3", rec.ExternalRef, rec.ID, "buy bread", editedAt.Add(-time.Minute))
	expectSyncResult(t, sendWebhook(t, env, older), memosync.OutcomeRejected, memosync.RejectStaleOrDuplicate)

	got, _ := env.backend.Get(context.Background(), rec.ID)
	if got.Text != "buy eggs" {
		t.Fatalf("expected newest edit to stick, got %q", got.Text)
	}
}

func TestNotionWebhookEchoIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := seedPairedMemo(t, env, "buy milk")
	expectSyncResult(t, sendWebhook(t, env, notionUpdate("evt_echo", rec.ExternalRef, rec.ID, "buy milk", testEpoch.Add(time.Hour))), memosync.OutcomeRejected, memosync.RejectNoOp)
}

func TestNotionWebhookRejectsForeignPage(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := seedPairedMemo(t, env, "buy milk")
	expectSyncResult(t, sendWebhook(t, env, notionUpdate("evt_1", "page_other", rec.ID, "hijack", testEpoch.Add(time.Hour))), memosync.OutcomeRejected, memosync.RejectForeignReference)
}

func TestNotionWebhookDropsPageWithoutBackReference(t *testing.T) {
	env := newTestEnv(t, nil)
	expectSyncResult(t, sendWebhook(t, env, notionUpdate("evt_1", "page_manual", "", "made in notion", testEpoch.Add(time.Hour))), memosync.OutcomeDropped, memosync.RejectUnpaired)
	if env.service.Stats().Ignored != 1 {
		t.Fatalf("expected dropped page counted as ignored")
	}
}

func TestNotionWebhookIgnoresUnknownEventType(t *testing.T) {
	env := newTestEnv(t, nil)
	expectSyncResult(t, sendWebhook(t, env, map[string]any{"id": "evt_1", "type": "database.schema_updated"}), memosync.OutcomeIgnored, "")
	if env.service.Stats().Ignored != 1 {
		t.Fatalf("expected ignored counter to be incremented")
	}
}

func TestNotionWebhookDeleteRemovesPairedMemo(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := seedPairedMemo(t, env, "buy milk")
	other := seedPairedMemo(t, env, "call mom")

	expectSyncResult(t, sendWebhook(t, env, notionDelete("evt_foreign", "page.archived", other.ExternalRef, rec.ID)), memosync.OutcomeRejected, memosync.RejectForeignReference)
	expectSyncResult(t, sendWebhook(t, env, notionDelete("evt_del", "page.deleted", rec.ExternalRef, "")), memosync.OutcomeDeleted, "")

	if _, err := env.backend.Get(context.Background(), rec.ID); !errors.Is(err, memosync.ErrNotFound) {
		t.Fatalf("expected memo deleted, got %v", err)
	}
	if _, err := env.backend.Get(context.Background(), other.ID); err != nil {
		t.Fatalf("expected other memo kept, got %v", err)
	}

	// A late edit for the deleted memo must not recreate it.
	late := notionUpdate("evt_late", rec.ExternalRef, rec.ID, "zombie", testEpoch.Add(2*time.Hour))
	expectSyncResult(t, sendWebhook(t, env, late), memosync.OutcomeDropped, memosync.ReasonRecordNotFound)
	if _, err := env.backend.Get(context.Background(), rec.ID); !errors.Is(err, memosync.ErrNotFound) {
		t.Fatalf("expected memo to stay deleted, got %v", err)
	}
}

// contendedStore loses every conditional write.
type contendedStore struct {
	*memosync.MemoryBackend
}

func (s contendedStore) UpdateIfWatermark(context.Context, string, memosync.Millis, memosync.RecordUpdate) (memosync.Record, error) {
	return memosync.Record{}, memosync.ErrWatermarkMoved
}

func TestNotionWebhookUnsettledWatermarkIsRetryable(t *testing.T) {
	backend := memosync.NewMemoryBackend()
	env := newTestEnvWithOptions(t, testEnvOptions{records: contendedStore{backend}})
	ctx := context.Background()
	if err := backend.Insert(ctx, memosync.Record{ID: "r1", OwnerID: "owner_1", Text: "buy milk", CreatedAt: 1000, LastEditedAt: 1000}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := backend.AttachExternalRef(ctx, "r1", "page_1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	payload := notionUpdate("evt_1", "page_1", "r1", "buy eggs", testEpoch)

	for attempt := 1; attempt <= 2; attempt++ {
		resp := sendWebhook(t, env, payload)
		if resp.Code != http.StatusServiceUnavailable {
			t.Fatalf("attempt %d: expected 503, got %d (%s)", attempt, resp.Code, resp.Body.String())
		}
		if resp.Header().Get("Retry-After") == "" {
			t.Fatalf("attempt %d: expected Retry-After header", attempt)
		}
	}
}
