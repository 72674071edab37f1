package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/memosync/internal/memosync"
)

const correlationHeader = "X-Correlation-Id"

// QueueDepthReporter exposes the writeback backlog on the sync status route.
type QueueDepthReporter interface {
	QueueDepth() int
}

type ServerConfig struct {
	Authenticator        Authenticator
	WebhookSecret        SecretSource
	SkillSecret          string
	Broker               *memosync.Broker
	Writebacks           QueueDepthReporter
	StreamOriginPatterns []string
	Logger               *slog.Logger
	RateLimitMax         int
	RateLimitWindow      time.Duration
	MaxBodyBytes         int64
	WebhookTimeout       time.Duration
	DeliveryWindow       time.Duration
}

type Server struct {
	service       *memosync.Service
	cfg           ServerConfig
	logger        *slog.Logger
	rateLimiter   *rateLimiter
	webhookSchema *jsonschema.Schema
	deliveries    *deliveryLog
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(service *memosync.Service, cfg ServerConfig) (*Server, error) {
	if service == nil {
		return nil, errors.New("service is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.WebhookSecret == nil {
		cfg.WebhookSecret = StaticSecret("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	if cfg.DeliveryWindow <= 0 {
		cfg.DeliveryWindow = 10 * time.Minute
	}
	schema, err := compileNotionWebhookSchema()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		service:       service,
		cfg:           cfg,
		logger:        cfg.Logger.With("component", "httpapi"),
		rateLimiter:   limiter,
		webhookSchema: schema,
		deliveries:    newDeliveryLog(cfg.DeliveryWindow),
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	// Unauthenticated ingress: each carries its own verification.
	if r.URL.Path == "/v1/webhooks/notion" && r.Method == http.MethodPost {
		s.handleNotionWebhook(w, r, correlationID)
		return
	}
	if r.URL.Path == "/v1/chat/kakao" && r.Method == http.MethodPost {
		s.handleKakaoSkill(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	var requiredScope string
	switch {
	case len(parts) == 2 && parts[1] == "memos" && r.Method == http.MethodGet:
		route = "list_memos"
	case len(parts) == 2 && parts[1] == "memos" && r.Method == http.MethodPost:
		route = "create_memo"
	case len(parts) == 3 && parts[1] == "memos" && parts[2] == "stream" && r.Method == http.MethodGet:
		route = "memo_stream"
	case len(parts) == 3 && parts[1] == "memos" && r.Method == http.MethodGet:
		route = "get_memo"
	case len(parts) == 3 && parts[1] == "memos" && r.Method == http.MethodPut:
		route = "update_memo"
	case len(parts) == 3 && parts[1] == "memos" && r.Method == http.MethodDelete:
		route = "delete_memo"
	case len(parts) == 2 && parts[1] == "link-codes" && r.Method == http.MethodPost:
		route = "issue_link_code"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "sync" && r.Method == http.MethodGet:
		route = "admin_sync"
		requiredScope = ScopeAdmin
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	principal, err := s.cfg.Authenticator.Authenticate(bearerToken(r, route == "memo_stream"))
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if requiredScope != "" && !principal.HasScope(requiredScope) {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+requiredScope, correlationID)
		return
	}
	if route != "memo_stream" && !s.allowRequest(w, principal.OwnerID, correlationID) {
		return
	}
	r = r.WithContext(memosync.WithCorrelationID(r.Context(), correlationID))

	switch route {
	case "list_memos":
		s.handleListMemos(w, r, principal, correlationID)
	case "create_memo":
		s.handleCreateMemo(w, r, principal, correlationID)
	case "memo_stream":
		s.handleMemoStream(w, r, principal, correlationID)
	case "get_memo":
		s.handleGetMemo(w, r, principal, parts[2], correlationID)
	case "update_memo":
		s.handleUpdateMemo(w, r, principal, parts[2], correlationID)
	case "delete_memo":
		s.handleDeleteMemo(w, r, principal, parts[2], correlationID)
	case "issue_link_code":
		s.handleIssueLinkCode(w, r, principal, correlationID)
	case "admin_sync":
		s.handleAdminSync(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// allowRequest applies the rate limit for key and writes the 429 response
// when it is exceeded.
func (s *Server) allowRequest(w http.ResponseWriter, key, correlationID string) bool {
	if s.rateLimiter == nil || s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

// writeServiceError maps service errors to HTTP responses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var stale *memosync.StaleWriteError
	switch {
	case errors.Is(err, memosync.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
	case errors.Is(err, memosync.ErrInvalidCredential):
		writeError(w, http.StatusForbidden, "invalid_credential", "bearer token rejected", correlationID)
	case errors.Is(err, memosync.ErrPermission):
		writeError(w, http.StatusForbidden, "forbidden", "memo belongs to another owner", correlationID)
	case errors.Is(err, memosync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "memo not found", correlationID)
	case errors.Is(err, memosync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
	case errors.As(err, &stale):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":             "stale_write",
			"message":          err.Error(),
			"correlationId":    correlationID,
			"currentWatermark": stale.Current,
		})
	case errors.Is(err, memosync.ErrStaleWrite):
		writeError(w, http.StatusConflict, "stale_write", err.Error(), correlationID)
	case errors.Is(err, memosync.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, "too_many_attempts", err.Error(), correlationID)
	case errors.Is(err, memosync.ErrWatermarkConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "watermark_conflict", "concurrent edits did not settle, retry later", correlationID)
	case errors.Is(err, memosync.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
