package memosync

import "context"

// Record is the authoritative copy of a memo.
type Record struct {
	ID           string `json:"id"`
	OwnerID      string `json:"ownerId"`
	Text         string `json:"text"`
	Summary      string `json:"summary"`
	ExternalRef  string `json:"externalRef,omitempty"`
	CreatedAt    Millis `json:"createdAt"`
	LastEditedAt Millis `json:"lastEditedAt"`
}

// Paired reports whether the record has a mirror page attached.
func (r Record) Paired() bool {
	return r.ExternalRef != ""
}

type RecordUpdate struct {
	Text         string
	Summary      string
	LastEditedAt Millis
}

// RecordStore persists records. UpdateIfWatermark is the only way to change
// text, summary, or the watermark: it succeeds only while the stored
// watermark is still <= observed, returning ErrWatermarkMoved otherwise and
// ErrNotFound when the record is gone.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	GetByExternalRef(ctx context.Context, ref string) (Record, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Record, error)
	UpdateIfWatermark(ctx context.Context, id string, observed Millis, update RecordUpdate) (Record, error)
	AttachExternalRef(ctx context.Context, id, ref string) error
	Delete(ctx context.Context, id string) error
}

// LinkCode is a one-time code that binds a chat user to an owner.
type LinkCode struct {
	Code      string `json:"code"`
	OwnerID   string `json:"ownerId"`
	ExpiresAt Millis `json:"expiresAt"`
}

type ChatLink struct {
	ChatUserID string `json:"chatUserId"`
	OwnerID    string `json:"ownerId"`
	LinkedAt   Millis `json:"linkedAt"`
}

// AccountStore holds link codes and chat-user mappings. TakeLinkCode removes
// the code atomically whether or not it has expired.
type AccountStore interface {
	PutLinkCode(ctx context.Context, code LinkCode) error
	TakeLinkCode(ctx context.Context, code string) (LinkCode, error)
	DeleteExpiredLinkCodes(ctx context.Context, now Millis) (int, error)
	PutChatLink(ctx context.Context, link ChatLink) error
	GetChatLink(ctx context.Context, chatUserID string) (ChatLink, error)
}

// Backend bundles both stores behind one handle.
type Backend interface {
	RecordStore
	AccountStore
	Close() error
}
