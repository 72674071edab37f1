package memosync

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// maxSyncAttempts bounds how often a conditional write is re-evaluated
	// after losing a watermark race.
	maxSyncAttempts    = 4
	defaultLinkCodeTTL = 5 * time.Minute
	linkCodeDigits     = 6
	linkCodeAttempts   = 5
	defaultMaxSkew     = 5 * time.Minute
)

const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
	OutcomeDeleted  = "deleted"
	OutcomeIgnored  = "ignored"
)

// ReasonRecordNotFound is reported when a notification names a record that
// no longer exists. Deleted records are never recreated.
const ReasonRecordNotFound RejectReason = "record_not_found"

// SyncResult is the acknowledged outcome of one external notification.
type SyncResult struct {
	Outcome string       `json:"status"`
	Reason  RejectReason `json:"reason,omitempty"`
	MemoID  string       `json:"memoId,omitempty"`
}

// WritebackScheduler accepts mirror writes to run after the response.
type WritebackScheduler interface {
	Enqueue(item WritebackQueueItem)
}

type ServiceOptions struct {
	Records         RecordStore
	Accounts        AccountStore
	Summarizer      Summarizer
	Mirror          Mirror
	Writebacks      WritebackScheduler
	Events          EventSink
	Logger          *slog.Logger
	Stats           *SyncStats
	Clock           func() time.Time
	NewID           func() string
	LinkCodeTTL     time.Duration
	FallbackSummary string
	// MaxClockSkew bounds how far an external timestamp may run ahead of
	// the local clock before the change is rejected.
	MaxClockSkew time.Duration
	// Failed link-code guesses allowed per chat user and across all chat
	// users within LinkAttemptWindow.
	LinkAttemptLimit       int
	LinkGlobalAttemptLimit int
	LinkAttemptWindow      time.Duration
}

// Service composes the record store, summarizer, mirror, and sync engine
// into the ingress and reconciliation operations.
type Service struct {
	records     RecordStore
	accounts    AccountStore
	summarizer  Summarizer
	mirror      Mirror
	writebacks  WritebackScheduler
	events      EventSink
	logger      *slog.Logger
	stats       *SyncStats
	clock       func() time.Time
	newID       func() string
	linkCodeTTL time.Duration
	fallback    string
	maxSkew     Millis
	linkGuard   *linkAttemptGuard
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Records == nil {
		return nil, fmt.Errorf("%w: record store is required", ErrInvalidInput)
	}
	s := &Service{
		records:     opts.Records,
		accounts:    opts.Accounts,
		summarizer:  opts.Summarizer,
		mirror:      opts.Mirror,
		writebacks:  opts.Writebacks,
		events:      opts.Events,
		logger:      opts.Logger,
		stats:       opts.Stats,
		clock:       opts.Clock,
		newID:       opts.NewID,
		linkCodeTTL: opts.LinkCodeTTL,
		fallback:    strings.TrimSpace(opts.FallbackSummary),
	}
	if s.mirror == nil {
		s.mirror = NoopMirror{}
	}
	if s.events == nil {
		s.events = discardEvents{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "memosync")
	if s.stats == nil {
		s.stats = &SyncStats{}
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.linkCodeTTL <= 0 {
		s.linkCodeTTL = defaultLinkCodeTTL
	}
	if s.fallback == "" {
		s.fallback = FallbackSummary
	}
	maxSkew := opts.MaxClockSkew
	if maxSkew <= 0 {
		maxSkew = defaultMaxSkew
	}
	s.maxSkew = Millis(maxSkew.Milliseconds())
	s.linkGuard = newLinkAttemptGuard(opts.LinkAttemptWindow, opts.LinkAttemptLimit, opts.LinkGlobalAttemptLimit)
	return s, nil
}

func (s *Service) Stats() SyncStatsSnapshot {
	return s.stats.Snapshot()
}

func (s *Service) now() Millis {
	return MillisFromTime(s.clock())
}

// CreateMemo stores a new record and pairs it with a mirror page. A mirror
// failure leaves the record stored but unpaired.
func (s *Service) CreateMemo(ctx context.Context, ownerID, text string) (Record, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Record{}, ErrUnauthenticated
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Record{}, fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	summary, ok := s.summarize(ctx, text)
	if !ok {
		summary = s.fallback
	}
	now := s.now()
	rec := Record{
		ID:           s.newID(),
		OwnerID:      ownerID,
		Text:         text,
		Summary:      summary,
		CreatedAt:    now,
		LastEditedAt: now,
	}
	if err := s.records.Insert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("insert memo: %w", err)
	}
	s.publish(EventMemoCreated, rec, OriginLocal)

	logger := s.logger.With("memo_id", rec.ID, "correlation_id", CorrelationIDFromContext(ctx))
	ref, err := s.mirror.CreatePage(ctx, mirrorPageFromRecord(rec))
	if err != nil {
		s.stats.MirrorCreateFailures.Add(1)
		logger.Warn("mirror create failed; memo stays unpaired", "error", err)
		return rec, nil
	}
	if ref == "" {
		return rec, nil
	}
	if err := s.records.AttachExternalRef(ctx, rec.ID, ref); err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrExternalRefSet):
			logger.Warn("memo changed before pairing; archiving orphan page", "external_ref", ref, "error", err)
			if archiveErr := s.mirror.ArchivePage(ctx, ref); archiveErr != nil {
				logger.Warn("archive orphan page failed", "external_ref", ref, "error", archiveErr)
			}
		default:
			s.stats.MirrorCreateFailures.Add(1)
			logger.Error("attach external reference failed; memo stays unpaired", "external_ref", ref, "error", err)
		}
		return rec, nil
	}
	rec.ExternalRef = ref
	return rec, nil
}

// UpdateMemo applies a local edit with the current time as its watermark.
// The edit loses with ErrStaleWrite when the stored watermark is already at
// or past that time. Mirror propagation runs after the response.
func (s *Service) UpdateMemo(ctx context.Context, id, ownerID, text string) (Record, error) {
	rec, err := s.ownedRecord(ctx, id, ownerID)
	if err != nil {
		return Record{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Record{}, fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	if rec.Text == text {
		return rec, nil
	}
	summary, ok := s.summarize(ctx, text)
	if !ok {
		summary = s.fallback
	}

	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		if rec.Text == text {
			return rec, nil
		}
		now := s.now()
		if now <= rec.LastEditedAt {
			return Record{}, &StaleWriteError{Attempted: now, Current: rec.LastEditedAt}
		}
		updated, err := s.records.UpdateIfWatermark(ctx, rec.ID, rec.LastEditedAt, RecordUpdate{
			Text:         text,
			Summary:      summary,
			LastEditedAt: now,
		})
		if errors.Is(err, ErrWatermarkMoved) {
			rec, err = s.ownedRecord(ctx, id, ownerID)
			if err != nil {
				return Record{}, err
			}
			continue
		}
		if err != nil {
			return Record{}, err
		}
		if updated.Paired() {
			s.scheduleWriteback(ctx, WritebackUpsert, updated)
		}
		s.publish(EventMemoUpdated, updated, OriginLocal)
		return updated, nil
	}
	s.stats.WatermarkConflicts.Add(1)
	return Record{}, ErrWatermarkConflict
}

// DeleteMemo removes the record and archives its mirror page.
func (s *Service) DeleteMemo(ctx context.Context, id, ownerID string) error {
	rec, err := s.ownedRecord(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if err := s.records.Delete(ctx, rec.ID); err != nil {
		return err
	}
	if rec.Paired() {
		s.scheduleWriteback(ctx, WritebackArchive, rec)
	}
	s.publish(EventMemoDeleted, rec, OriginLocal)
	return nil
}

func (s *Service) GetMemo(ctx context.Context, id, ownerID string) (Record, error) {
	return s.ownedRecord(ctx, id, ownerID)
}

func (s *Service) ListMemos(ctx context.Context, ownerID string) ([]Record, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}
	return s.records.ListByOwner(ctx, ownerID)
}

// ownedRecord reports ErrNotFound before ErrPermission.
func (s *Service) ownedRecord(ctx context.Context, id, ownerID string) (Record, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Record{}, ErrUnauthenticated
	}
	if strings.TrimSpace(id) == "" {
		return Record{}, ErrNotFound
	}
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.OwnerID != ownerID {
		return Record{}, ErrPermission
	}
	return rec, nil
}

// ApplyExternalUpdate reconciles an edit made in the mirror. The decision is
// re-evaluated against the stored watermark whenever the conditional write
// loses a race, so a lower timestamp never commits after a higher one.
func (s *Service) ApplyExternalUpdate(ctx context.Context, change ExternalChange) (SyncResult, error) {
	logger := s.logger.With(
		"memo_id", change.RecordID,
		"external_ref", change.ExternalRef,
		"external_ts", change.LastEditedAt.String(),
		"correlation_id", CorrelationIDFromContext(ctx),
	)
	if strings.TrimSpace(change.RecordID) == "" {
		s.stats.Ignored.Add(1)
		return SyncResult{Outcome: OutcomeDropped, Reason: RejectUnpaired}, nil
	}
	if limit := s.now() + s.maxSkew; change.LastEditedAt > limit {
		s.stats.FutureTimestamps.Add(1)
		logger.Warn("external update with future timestamp rejected", "limit", limit.String())
		return SyncResult{Outcome: OutcomeRejected, Reason: RejectFutureTimestamp, MemoID: change.RecordID}, nil
	}
	rec, err := s.records.Get(ctx, change.RecordID)
	if errors.Is(err, ErrNotFound) {
		s.stats.RecordNotFound.Add(1)
		logger.Info("external update for missing memo dropped")
		return SyncResult{Outcome: OutcomeDropped, Reason: ReasonRecordNotFound, MemoID: change.RecordID}, nil
	}
	if err != nil {
		return SyncResult{}, err
	}

	var (
		summary    string
		summaryOK  bool
		summarized bool
	)
	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		decision := Decide(rec, change)
		if !decision.Apply {
			s.stats.countRejection(decision.Reason)
			logger.Debug("external update rejected", "reason", string(decision.Reason), "watermark", rec.LastEditedAt.String())
			return SyncResult{Outcome: OutcomeRejected, Reason: decision.Reason, MemoID: rec.ID}, nil
		}
		if !summarized {
			summary, summaryOK = s.summarize(ctx, change.Text)
			summarized = true
		}
		nextSummary := rec.Summary
		if summaryOK {
			nextSummary = summary
		}
		updated, err := s.records.UpdateIfWatermark(ctx, rec.ID, rec.LastEditedAt, RecordUpdate{
			Text:         change.Text,
			Summary:      nextSummary,
			LastEditedAt: decision.NewLastEditedAt,
		})
		if errors.Is(err, ErrWatermarkMoved) {
			rec, err = s.records.Get(ctx, change.RecordID)
			if errors.Is(err, ErrNotFound) {
				s.stats.RecordNotFound.Add(1)
				return SyncResult{Outcome: OutcomeDropped, Reason: ReasonRecordNotFound, MemoID: change.RecordID}, nil
			}
			if err != nil {
				return SyncResult{}, err
			}
			continue
		}
		if errors.Is(err, ErrNotFound) {
			s.stats.RecordNotFound.Add(1)
			return SyncResult{Outcome: OutcomeDropped, Reason: ReasonRecordNotFound, MemoID: change.RecordID}, nil
		}
		if err != nil {
			return SyncResult{}, err
		}
		s.stats.Applied.Add(1)
		logger.Info("external update applied", "previous_watermark", rec.LastEditedAt.String())
		if updated.Summary != rec.Summary {
			s.scheduleWriteback(ctx, WritebackSummary, updated)
		}
		s.publish(EventMemoSynced, updated, OriginExternal)
		return SyncResult{Outcome: OutcomeApplied, MemoID: updated.ID}, nil
	}
	s.stats.WatermarkConflicts.Add(1)
	logger.Warn("external update could not settle watermark", "attempts", maxSyncAttempts)
	return SyncResult{}, ErrWatermarkConflict
}

// ApplyExternalDelete removes the record paired with a deleted or archived
// mirror page. The deletion is not propagated back to the mirror.
func (s *Service) ApplyExternalDelete(ctx context.Context, recordID, externalRef string) (SyncResult, error) {
	recordID = strings.TrimSpace(recordID)
	externalRef = strings.TrimSpace(externalRef)
	var (
		rec Record
		err error
	)
	switch {
	case recordID != "":
		rec, err = s.records.Get(ctx, recordID)
	case externalRef != "":
		rec, err = s.records.GetByExternalRef(ctx, externalRef)
	default:
		s.stats.Ignored.Add(1)
		return SyncResult{Outcome: OutcomeDropped, Reason: RejectUnpaired}, nil
	}
	if errors.Is(err, ErrNotFound) {
		s.stats.RecordNotFound.Add(1)
		return SyncResult{Outcome: OutcomeDropped, Reason: ReasonRecordNotFound, MemoID: recordID}, nil
	}
	if err != nil {
		return SyncResult{}, err
	}
	if !rec.Paired() {
		s.stats.Unpaired.Add(1)
		return SyncResult{Outcome: OutcomeRejected, Reason: RejectUnpaired, MemoID: rec.ID}, nil
	}
	if externalRef != "" && externalRef != rec.ExternalRef {
		s.stats.ForeignReference.Add(1)
		return SyncResult{Outcome: OutcomeRejected, Reason: RejectForeignReference, MemoID: rec.ID}, nil
	}
	if err := s.records.Delete(ctx, rec.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.stats.RecordNotFound.Add(1)
			return SyncResult{Outcome: OutcomeDropped, Reason: ReasonRecordNotFound, MemoID: rec.ID}, nil
		}
		return SyncResult{}, err
	}
	s.stats.ExternalDeletes.Add(1)
	s.logger.Info("memo deleted from mirror", "memo_id", rec.ID, "external_ref", rec.ExternalRef, "correlation_id", CorrelationIDFromContext(ctx))
	s.publish(EventMemoSyncDeleted, rec, OriginExternal)
	return SyncResult{Outcome: OutcomeDeleted, MemoID: rec.ID}, nil
}

// RecordIgnored counts a notification acknowledged without processing.
func (s *Service) RecordIgnored() {
	s.stats.Ignored.Add(1)
}

// IssueLinkCode creates a one-time code the owner types into the chat client
// to link it. Expired codes are purged first.
func (s *Service) IssueLinkCode(ctx context.Context, ownerID string) (LinkCode, error) {
	if s.accounts == nil {
		return LinkCode{}, ErrNotImplemented
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return LinkCode{}, ErrUnauthenticated
	}
	now := s.now()
	if removed, err := s.accounts.DeleteExpiredLinkCodes(ctx, now); err != nil {
		s.logger.Warn("purge expired link codes failed", "error", err)
	} else if removed > 0 {
		s.logger.Debug("purged expired link codes", "count", removed)
	}
	expiresAt := now + Millis(s.linkCodeTTL.Milliseconds())
	for attempt := 0; attempt < linkCodeAttempts; attempt++ {
		code, err := randomDigits(linkCodeDigits)
		if err != nil {
			return LinkCode{}, err
		}
		entry := LinkCode{Code: code, OwnerID: ownerID, ExpiresAt: expiresAt}
		err = s.accounts.PutLinkCode(ctx, entry)
		if errors.Is(err, ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return LinkCode{}, err
		}
		return entry, nil
	}
	return LinkCode{}, fmt.Errorf("%w: could not allocate a unique link code", ErrInvalidState)
}

// LinkChatAccount consumes code and maps chatUserID to the code's owner.
func (s *Service) LinkChatAccount(ctx context.Context, chatUserID, code string) (ChatLink, error) {
	if s.accounts == nil {
		return ChatLink{}, ErrNotImplemented
	}
	chatUserID = strings.TrimSpace(chatUserID)
	code = strings.TrimSpace(code)
	if chatUserID == "" || code == "" {
		return ChatLink{}, fmt.Errorf("%w: chat user and code are required", ErrInvalidInput)
	}
	now := s.now()
	if !s.linkGuard.allow(chatUserID, now) {
		s.stats.LinkAttemptsBlocked.Add(1)
		s.logger.Warn("link attempt blocked after repeated failures", "chat_user_id", chatUserID)
		return ChatLink{}, ErrTooManyAttempts
	}
	entry, err := s.accounts.TakeLinkCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		s.linkGuard.miss(chatUserID, now)
		return ChatLink{}, err
	}
	if err != nil {
		return ChatLink{}, err
	}
	if entry.ExpiresAt <= now {
		return ChatLink{}, ErrLinkCodeExpired
	}
	link := ChatLink{ChatUserID: chatUserID, OwnerID: entry.OwnerID, LinkedAt: now}
	if err := s.accounts.PutChatLink(ctx, link); err != nil {
		return ChatLink{}, err
	}
	s.linkGuard.clear(chatUserID)
	s.logger.Info("chat account linked", "owner_id", entry.OwnerID)
	return link, nil
}

// CaptureChatMemo creates a memo for the owner linked to chatUserID.
func (s *Service) CaptureChatMemo(ctx context.Context, chatUserID, text string) (Record, error) {
	if s.accounts == nil {
		return Record{}, ErrNotImplemented
	}
	link, err := s.accounts.GetChatLink(ctx, strings.TrimSpace(chatUserID))
	if errors.Is(err, ErrNotFound) {
		return Record{}, ErrNotLinked
	}
	if err != nil {
		return Record{}, err
	}
	return s.CreateMemo(ctx, link.OwnerID, text)
}

// summarize reports false when no summary could be produced.
func (s *Service) summarize(ctx context.Context, text string) (string, bool) {
	if s.summarizer == nil {
		return "", false
	}
	summary, err := s.summarizer.Summarize(ctx, text)
	if err != nil {
		s.stats.SummaryFailures.Add(1)
		s.logger.Warn("summarize failed", "error", err, "correlation_id", CorrelationIDFromContext(ctx))
		return "", false
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", false
	}
	return summary, true
}

func (s *Service) scheduleWriteback(ctx context.Context, action WritebackAction, rec Record) {
	if s.writebacks == nil {
		return
	}
	s.writebacks.Enqueue(WritebackQueueItem{
		OpID:          s.newID(),
		Action:        action,
		RecordID:      rec.ID,
		ExternalRef:   rec.ExternalRef,
		CorrelationID: CorrelationIDFromContext(ctx),
	})
}

func (s *Service) publish(eventType string, rec Record, origin string) {
	s.events.Publish(Event{
		Type:         eventType,
		MemoID:       rec.ID,
		OwnerID:      rec.OwnerID,
		Origin:       origin,
		LastEditedAt: rec.LastEditedAt,
		At:           s.now(),
	})
}

func randomDigits(n int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < n; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, value.Int64()), nil
}

type correlationIDKey struct{}

// WithCorrelationID attaches the request correlation id used in logs and
// writeback items.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(correlationIDKey{}).(string)
	return value
}
