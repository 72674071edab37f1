package memosync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresWritebackQueueTableName = "memosync_writeback_queue"
	postgresQueueKey                = "default"
	postgresQueuePollInterval       = 50 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// NewPostgresBackend wraps an open Postgres handle. Migrations are the
// caller's responsibility.
func NewPostgresBackend(db *sql.DB) *SQLBackend {
	return newSQLBackend(db, postgresDialect)
}

// OpenPostgresBackend connects to dsn and applies pending migrations.
func OpenPostgresBackend(ctx context.Context, dsn string) (*SQLBackend, error) {
	db, err := openPostgres(ctx, sql.Open, dsn)
	if err != nil {
		return nil, err
	}
	if err := MigratePostgres(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresBackend(db), nil
}

func openPostgres(ctx context.Context, open sqlOpenFunc, dsn string) (*sql.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// PostgresWritebackQueue stores pending mirror writebacks in a table so that
// several processes can drain one queue. Rows are claimed with
// FOR UPDATE SKIP LOCKED.
type PostgresWritebackQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc
	ownsDB       bool

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresWritebackQueue(dsn string, capacity int) (*PostgresWritebackQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresWritebackQueue{
		dsn:          dsn,
		tableName:    postgresWritebackQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
		ownsDB:       true,
	}, nil
}

// NewPostgresWritebackQueueFromDB shares an already migrated handle.
func NewPostgresWritebackQueueFromDB(db *sql.DB, capacity int) *PostgresWritebackQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &PostgresWritebackQueue{
		tableName:    postgresWritebackQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		db:           db,
	}
	q.initOnce.Do(func() {})
	return q
}

func (q *PostgresWritebackQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := openPostgres(context.Background(), q.openDB, q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		if err := MigratePostgres(db); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresWritebackQueue) TryEnqueue(item WritebackQueueItem) bool {
	if q == nil || strings.TrimSpace(item.OpID) == "" {
		return false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false
	}
	return q.tryEnqueuePayload(string(payload))
}

func (q *PostgresWritebackQueue) Enqueue(ctx context.Context, item WritebackQueueItem) bool {
	if q == nil || strings.TrimSpace(item.OpID) == "" {
		return false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false
	}
	for {
		if q.tryEnqueuePayload(string(payload)) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresWritebackQueue) Dequeue(ctx context.Context) (WritebackQueueItem, bool) {
	if q == nil {
		return WritebackQueueItem{}, false
	}
	for {
		payload, ok := q.tryDequeuePayload(ctx)
		if ok {
			var item WritebackQueueItem
			if err := json.Unmarshal([]byte(payload), &item); err != nil || strings.TrimSpace(item.OpID) == "" {
				continue
			}
			return item, true
		}
		select {
		case <-ctx.Done():
			return WritebackQueueItem{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresWritebackQueue) Depth() int {
	if q == nil {
		return 0
	}
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresWritebackQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresWritebackQueue) Close() error {
	if q == nil || q.db == nil || !q.ownsDB {
		return nil
	}
	return q.db.Close()
}

func (q *PostgresWritebackQueue) tryEnqueuePayload(payload string) bool {
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, payload); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresWritebackQueue) tryDequeuePayload(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
