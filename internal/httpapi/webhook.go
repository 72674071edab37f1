package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/memosync/internal/memosync"
)

const (
	notionSignatureHeader = "X-Notion-Signature"
	notionSignaturePrefix = "sha256="

	propertyText    = "Original Text"
	propertyMemoRef = "Memo ID"
)

type eventKind int

const (
	eventIgnored eventKind = iota
	eventUpdated
	eventDeleted
)

var notionEventKinds = map[string]eventKind{
	"page.properties_updated": eventUpdated,
	"page.content_updated":    eventUpdated,
	"page.updated":            eventUpdated,
	"page.deleted":            eventDeleted,
	"page.archived":           eventDeleted,
	"page.trashed":            eventDeleted,
}

//go:embed schema/notion_webhook.json
var notionWebhookSchemaJSON []byte

// NotionWebhookPayload is a page event delivered by the Notion integration.
type NotionWebhookPayload struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	Timestamp      string       `json:"timestamp,omitempty"`
	Entity         notionEntity `json:"entity"`
	LastEditedTime string       `json:"last_edited_time,omitempty"`
	Data           notionData   `json:"data"`
}

type notionEntity struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

type notionData struct {
	Properties map[string]notionTextProperty `json:"properties,omitempty"`
}

type notionTextProperty struct {
	Title    []notionPlainText `json:"title,omitempty"`
	RichText []notionPlainText `json:"rich_text,omitempty"`
}

type notionPlainText struct {
	PlainText string `json:"plain_text"`
}

func (p notionTextProperty) plain() string {
	parts := p.Title
	if len(parts) == 0 {
		parts = p.RichText
	}
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.PlainText)
	}
	return b.String()
}

// Text is the page's memo body.
func (p NotionWebhookPayload) Text() string {
	return p.Data.Properties[propertyText].plain()
}

// BackReference is the record id the page was created for, if any.
func (p NotionWebhookPayload) BackReference() string {
	return strings.TrimSpace(p.Data.Properties[propertyMemoRef].plain())
}

type verificationHandshake struct {
	Type              string `json:"type"`
	VerificationToken string `json:"verification_token"`
}

func compileNotionWebhookSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(notionWebhookSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource("notion_webhook.json", doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	schema, err := compiler.Compile("notion_webhook.json")
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return schema, nil
}

func (s *Server) decodeNotionPayload(body []byte) (NotionWebhookPayload, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return NotionWebhookPayload{}, fmt.Errorf("%w: invalid json: %v", memosync.ErrInvalidInput, err)
	}
	if err := s.webhookSchema.Validate(inst); err != nil {
		return NotionWebhookPayload{}, fmt.Errorf("%w: %v", memosync.ErrInvalidInput, err)
	}
	var payload NotionWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return NotionWebhookPayload{}, fmt.Errorf("%w: %v", memosync.ErrInvalidInput, err)
	}
	return payload, nil
}

func (s *Server) handleNotionWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty request body", correlationID)
		return
	}
	logger := s.logger.With("correlation_id", correlationID)

	var handshake verificationHandshake
	if err := json.Unmarshal(body, &handshake); err == nil && handshake.VerificationToken != "" && handshake.Type == "" {
		// The operator copies this token into the integration settings as
		// the signing secret, so only its fingerprint is logged above debug.
		logger.Info("notion webhook verification token received; set log.level=debug to print it",
			"token_fingerprint", tokenFingerprint(handshake.VerificationToken))
		logger.Debug("notion webhook verification token", "verification_token", handshake.VerificationToken)
		writeJSON(w, http.StatusOK, map[string]string{"status": "verification_received"})
		return
	}

	if err := s.verifyNotionSignature(r.Header.Get(notionSignatureHeader), body); err != nil {
		logger.Warn("webhook signature rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook signature", correlationID)
		return
	}

	payload, err := s.decodeNotionPayload(body)
	if err != nil {
		logger.Info("webhook payload rejected", "error", err)
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
		return
	}
	logger = logger.With("delivery_id", payload.ID, "event_type", payload.Type, "external_ref", payload.Entity.ID)

	now := time.Now().UTC()
	if s.deliveries.seen(payload.ID, now) {
		logger.Debug("duplicate webhook delivery acknowledged")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WebhookTimeout)
	defer cancel()
	ctx = memosync.WithCorrelationID(ctx, correlationID)

	var result memosync.SyncResult
	switch notionEventKinds[payload.Type] {
	case eventUpdated:
		memoID := payload.BackReference()
		if memoID == "" {
			s.service.RecordIgnored()
			logger.Info("page without memo reference dropped")
			result = memosync.SyncResult{Outcome: memosync.OutcomeDropped, Reason: memosync.RejectUnpaired}
			break
		}
		text := payload.Text()
		if strings.TrimSpace(text) == "" {
			s.service.RecordIgnored()
			logger.Info("page with empty text dropped", "memo_id", memoID)
			result = memosync.SyncResult{Outcome: memosync.OutcomeDropped, Reason: reasonEmptyText, MemoID: memoID}
			break
		}
		editedAt, err := memosync.ParseMillis(payload.LastEditedTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
			return
		}
		result, err = s.service.ApplyExternalUpdate(ctx, memosync.ExternalChange{
			RecordID:     memoID,
			ExternalRef:  payload.Entity.ID,
			Text:         text,
			LastEditedAt: editedAt,
		})
		if err != nil {
			s.writeServiceError(w, err, correlationID)
			return
		}
	case eventDeleted:
		result, err = s.service.ApplyExternalDelete(ctx, payload.BackReference(), payload.Entity.ID)
		if err != nil {
			s.writeServiceError(w, err, correlationID)
			return
		}
	default:
		s.service.RecordIgnored()
		logger.Debug("webhook event type ignored")
		result = memosync.SyncResult{Outcome: memosync.OutcomeIgnored}
	}

	s.deliveries.remember(payload.ID, now)
	logger.Info("webhook processed", "status", result.Outcome, "reason", string(result.Reason), "memo_id", result.MemoID)
	writeJSON(w, http.StatusOK, result)
}

const reasonEmptyText memosync.RejectReason = "empty_text"

func tokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

func (s *Server) verifyNotionSignature(header string, body []byte) error {
	secret, err := s.cfg.WebhookSecret.Secret()
	if err != nil {
		return err
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, notionSignaturePrefix) {
		return fmt.Errorf("missing %s header", notionSignatureHeader)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, notionSignaturePrefix))
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// deliveryLog remembers successfully processed delivery ids for a window so
// redeliveries are acknowledged without reprocessing.
type deliveryLog struct {
	mu     sync.Mutex
	window time.Duration
	seenAt map[string]time.Time
}

func newDeliveryLog(window time.Duration) *deliveryLog {
	return &deliveryLog{window: window, seenAt: map[string]time.Time{}}
}

func (d *deliveryLog) seen(id string, now time.Time) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	expiresAt, ok := d.seenAt[id]
	return ok && now.Before(expiresAt)
}

func (d *deliveryLog) remember(id string, now time.Time) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, expiresAt := range d.seenAt {
		if !now.Before(expiresAt) {
			delete(d.seenAt, key)
		}
	}
	d.seenAt[id] = now.Add(d.window)
}
