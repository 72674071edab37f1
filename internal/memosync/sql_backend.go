package memosync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const sqlOperationTimeout = 5 * time.Second

const memoColumns = "id, owner_id, body, summary, external_ref, created_at, last_edited_at"

// sqlDialect adapts the Postgres-style queries below to a driver.
type sqlDialect struct {
	name   string
	rebind func(query string) string
}

var postgresDialect = sqlDialect{
	name:   "postgres",
	rebind: func(query string) string { return query },
}

// SQLite accepts ?NNN for explicitly numbered parameters.
var sqliteDialect = sqlDialect{
	name:   "sqlite3",
	rebind: func(query string) string { return strings.ReplaceAll(query, "$", "?") },
}

// SQLBackend implements Backend over database/sql for Postgres and SQLite.
type SQLBackend struct {
	db      *sql.DB
	dialect sqlDialect
	timeout time.Duration
}

func newSQLBackend(db *sql.DB, dialect sqlDialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect, timeout: sqlOperationTimeout}
}

// DB exposes the underlying handle, e.g. for running migrations.
func (b *SQLBackend) DB() *sql.DB {
	return b.db
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

func (b *SQLBackend) q(query string) string {
	return b.dialect.rebind(query)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var externalRef sql.NullString
	var createdAt, lastEditedAt int64
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Text, &rec.Summary, &externalRef, &createdAt, &lastEditedAt); err != nil {
		return Record{}, err
	}
	rec.ExternalRef = externalRef.String
	rec.CreatedAt = Millis(createdAt)
	rec.LastEditedAt = Millis(lastEditedAt)
	return rec, nil
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func (b *SQLBackend) Insert(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return ErrInvalidInput
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.db.ExecContext(ctx, b.q(`
		INSERT INTO memos (`+memoColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`),
		rec.ID, rec.OwnerID, rec.Text, rec.Summary, nullableString(rec.ExternalRef), int64(rec.CreatedAt), int64(rec.LastEditedAt),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (b *SQLBackend) Get(ctx context.Context, id string) (Record, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+memoColumns+` FROM memos WHERE id = $1`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (b *SQLBackend) GetByExternalRef(ctx context.Context, ref string) (Record, error) {
	if strings.TrimSpace(ref) == "" {
		return Record{}, ErrNotFound
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+memoColumns+` FROM memos WHERE external_ref = $1`), ref)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (b *SQLBackend) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	rows, err := b.db.QueryContext(ctx, b.q(`
		SELECT `+memoColumns+`
		FROM memos
		WHERE owner_id = $1
		ORDER BY last_edited_at DESC, id ASC`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *SQLBackend) UpdateIfWatermark(ctx context.Context, id string, observed Millis, update RecordUpdate) (Record, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	row := b.db.QueryRowContext(ctx, b.q(`
		UPDATE memos
		SET body = $2, summary = $3, last_edited_at = $4
		WHERE id = $1 AND last_edited_at <= $5
		RETURNING `+memoColumns),
		id, update.Text, update.Summary, int64(update.LastEditedAt), int64(observed),
	)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}
	exists, err := b.exists(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !exists {
		return Record{}, ErrNotFound
	}
	return Record{}, ErrWatermarkMoved
}

func (b *SQLBackend) AttachExternalRef(ctx context.Context, id, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return ErrInvalidInput
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.db.ExecContext(ctx, b.q(`
		UPDATE memos SET external_ref = $2
		WHERE id = $1 AND external_ref IS NULL`), id, ref)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	exists, err := b.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrExternalRefSet
}

func (b *SQLBackend) Delete(ctx context.Context, id string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.db.ExecContext(ctx, b.q(`DELETE FROM memos WHERE id = $1`), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLBackend) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx, b.q(`SELECT 1 FROM memos WHERE id = $1`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *SQLBackend) PutLinkCode(ctx context.Context, code LinkCode) error {
	if strings.TrimSpace(code.Code) == "" || strings.TrimSpace(code.OwnerID) == "" {
		return ErrInvalidInput
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.db.ExecContext(ctx, b.q(`
		INSERT INTO link_codes (code, owner_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING`), code.Code, code.OwnerID, int64(code.ExpiresAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (b *SQLBackend) TakeLinkCode(ctx context.Context, code string) (LinkCode, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var out LinkCode
	var expiresAt int64
	err := b.db.QueryRowContext(ctx, b.q(`
		DELETE FROM link_codes WHERE code = $1
		RETURNING code, owner_id, expires_at`), code).Scan(&out.Code, &out.OwnerID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LinkCode{}, ErrNotFound
	}
	if err != nil {
		return LinkCode{}, err
	}
	out.ExpiresAt = Millis(expiresAt)
	return out, nil
}

func (b *SQLBackend) DeleteExpiredLinkCodes(ctx context.Context, now Millis) (int, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.db.ExecContext(ctx, b.q(`DELETE FROM link_codes WHERE expires_at <= $1`), int64(now))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (b *SQLBackend) PutChatLink(ctx context.Context, link ChatLink) error {
	if strings.TrimSpace(link.ChatUserID) == "" || strings.TrimSpace(link.OwnerID) == "" {
		return ErrInvalidInput
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.db.ExecContext(ctx, b.q(`
		INSERT INTO chat_links (chat_user_id, owner_id, linked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_user_id)
		DO UPDATE SET owner_id = excluded.owner_id, linked_at = excluded.linked_at`),
		link.ChatUserID, link.OwnerID, int64(link.LinkedAt))
	return err
}

func (b *SQLBackend) GetChatLink(ctx context.Context, chatUserID string) (ChatLink, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var link ChatLink
	var linkedAt int64
	err := b.db.QueryRowContext(ctx, b.q(`
		SELECT chat_user_id, owner_id, linked_at FROM chat_links WHERE chat_user_id = $1`), chatUserID).
		Scan(&link.ChatUserID, &link.OwnerID, &linkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatLink{}, ErrNotFound
	}
	if err != nil {
		return ChatLink{}, err
	}
	link.LinkedAt = Millis(linkedAt)
	return link, nil
}
