package memosync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type WritebackAction string

const (
	// WritebackUpsert pushes the record's current text and summary.
	WritebackUpsert WritebackAction = "upsert"
	// WritebackSummary pushes only the summary, after an external edit.
	WritebackSummary WritebackAction = "summary"
	// WritebackArchive archives the mirror page of a deleted record.
	WritebackArchive WritebackAction = "archive"
)

type WritebackQueueItem struct {
	OpID          string          `json:"opId"`
	Action        WritebackAction `json:"action"`
	RecordID      string          `json:"recordId"`
	ExternalRef   string          `json:"externalRef,omitempty"`
	Attempt       int             `json:"attempt"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

type WritebackQueue interface {
	TryEnqueue(item WritebackQueueItem) bool
	Enqueue(ctx context.Context, item WritebackQueueItem) bool
	Dequeue(ctx context.Context) (WritebackQueueItem, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryWritebackQueue struct {
	ch chan WritebackQueueItem
}

func NewInMemoryWritebackQueue(capacity int) WritebackQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryWritebackQueue{ch: make(chan WritebackQueueItem, capacity)}
}

func (q *inMemoryWritebackQueue) TryEnqueue(item WritebackQueueItem) bool {
	if q == nil || item.OpID == "" {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *inMemoryWritebackQueue) Enqueue(ctx context.Context, item WritebackQueueItem) bool {
	if q == nil || item.OpID == "" {
		return false
	}
	select {
	case q.ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryWritebackQueue) Dequeue(ctx context.Context) (WritebackQueueItem, bool) {
	if q == nil {
		return WritebackQueueItem{}, false
	}
	select {
	case item := <-q.ch:
		return item, true
	case <-ctx.Done():
		return WritebackQueueItem{}, false
	}
}

func (q *inMemoryWritebackQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryWritebackQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryWritebackQueue) Close() error {
	return nil
}

type MirrorWriterOptions struct {
	Queue       WritebackQueue
	Mirror      Mirror
	Records     RecordStore
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *slog.Logger
	Stats       *SyncStats
}

// MirrorWriter drains the writeback queue and applies each item to the
// mirror. Failed items are re-enqueued after RetryDelay until MaxAttempts is
// reached, then dead-lettered.
type MirrorWriter struct {
	queue       WritebackQueue
	mirror      Mirror
	records     RecordStore
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
	stats       *SyncStats

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	queueMu sync.Mutex
	queued  map[string]struct{}
}

func NewMirrorWriter(opts MirrorWriterOptions) *MirrorWriter {
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryWritebackQueue(0)
	}
	mirror := opts.Mirror
	if mirror == nil {
		mirror = NoopMirror{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := opts.Stats
	if stats == nil {
		stats = &SyncStats{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MirrorWriter{
		queue:       queue,
		mirror:      mirror,
		records:     opts.Records,
		workers:     workers,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger.With("component", "mirror_writer"),
		stats:       stats,
		ctx:         ctx,
		cancel:      cancel,
		queued:      map[string]struct{}{},
	}
}

// Start launches the worker goroutines. It is safe to call once.
func (w *MirrorWriter) Start() {
	w.once.Do(func() {
		for i := 0; i < w.workers; i++ {
			w.wg.Add(1)
			go w.worker()
		}
	})
}

// Close stops the workers and closes the queue.
func (w *MirrorWriter) Close() error {
	w.cancel()
	w.wg.Wait()
	return w.queue.Close()
}

func (w *MirrorWriter) QueueDepth() int {
	return w.queue.Depth()
}

// Enqueue schedules item without blocking the caller. Items with an OpID
// already waiting in the queue are dropped.
func (w *MirrorWriter) Enqueue(item WritebackQueueItem) {
	if item.OpID == "" {
		return
	}
	select {
	case <-w.ctx.Done():
		return
	default:
	}
	w.queueMu.Lock()
	if _, exists := w.queued[item.OpID]; exists {
		w.queueMu.Unlock()
		return
	}
	w.queued[item.OpID] = struct{}{}
	w.queueMu.Unlock()
	if w.queue.TryEnqueue(item) {
		return
	}
	go func() {
		if !w.queue.Enqueue(w.ctx, item) {
			w.forget(item.OpID)
			w.logger.Warn("writeback dropped", "op_id", item.OpID, "memo_id", item.RecordID, "action", string(item.Action))
		}
	}()
}

func (w *MirrorWriter) forget(opID string) {
	w.queueMu.Lock()
	delete(w.queued, opID)
	w.queueMu.Unlock()
}

func (w *MirrorWriter) worker() {
	defer w.wg.Done()
	for {
		item, ok := w.queue.Dequeue(w.ctx)
		if !ok {
			return
		}
		w.forget(item.OpID)
		w.process(item)
	}
}

func (w *MirrorWriter) process(item WritebackQueueItem) {
	logger := w.logger.With(
		"op_id", item.OpID,
		"memo_id", item.RecordID,
		"action", string(item.Action),
		"correlation_id", item.CorrelationID,
	)
	err := w.apply(w.ctx, item)
	if err == nil {
		w.stats.WritebackSucceeded.Add(1)
		return
	}
	if errors.Is(err, context.Canceled) && w.ctx.Err() != nil {
		return
	}

	attempt := item.Attempt + 1
	if attempt >= w.maxAttempts {
		w.stats.WritebackDeadLettered.Add(1)
		logger.Error("writeback dead-lettered", "attempts", attempt, "error", err)
		return
	}
	w.stats.WritebackRetried.Add(1)
	logger.Warn("writeback failed, retrying", "attempt", attempt, "retry_in", w.retryDelay.String(), "error", err)
	retry := item
	retry.Attempt = attempt
	time.AfterFunc(w.retryDelay, func() {
		w.Enqueue(retry)
	})
}

func (w *MirrorWriter) apply(ctx context.Context, item WritebackQueueItem) error {
	switch item.Action {
	case WritebackArchive:
		if item.ExternalRef == "" {
			return nil
		}
		return w.mirror.ArchivePage(ctx, item.ExternalRef)
	case WritebackUpsert, WritebackSummary:
		if w.records == nil {
			return ErrInvalidState
		}
		// The record is read at processing time so retries never push
		// content older than what is stored.
		rec, err := w.records.Get(ctx, item.RecordID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !rec.Paired() {
			return nil
		}
		if item.Action == WritebackSummary {
			return w.mirror.UpdateSummary(ctx, rec.ExternalRef, rec.Summary)
		}
		return w.mirror.UpdatePage(ctx, rec.ExternalRef, mirrorPageFromRecord(rec))
	default:
		return ErrInvalidInput
	}
}
