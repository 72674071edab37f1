package memosync

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend keeps records and account data in process memory. All
// conditional writes are evaluated under a single mutex.
type MemoryBackend struct {
	mu        sync.Mutex
	records   map[string]Record
	byRef     map[string]string
	linkCodes map[string]LinkCode
	chatLinks map[string]ChatLink
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:   map[string]Record{},
		byRef:     map[string]string{},
		linkCodes: map[string]LinkCode{},
		chatLinks: map[string]ChatLink{},
	}
}

func (b *MemoryBackend) Insert(_ context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.records[rec.ID]; exists {
		return ErrAlreadyExists
	}
	b.records[rec.ID] = rec
	if rec.ExternalRef != "" {
		b.byRef[rec.ExternalRef] = rec.ID
	}
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (b *MemoryBackend) GetByExternalRef(_ context.Context, ref string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byRef[ref]
	if !ok || ref == "" {
		return Record{}, ErrNotFound
	}
	rec, ok := b.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (b *MemoryBackend) ListByOwner(_ context.Context, ownerID string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range b.records {
		if rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastEditedAt == out[j].LastEditedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].LastEditedAt > out[j].LastEditedAt
	})
	return out, nil
}

func (b *MemoryBackend) UpdateIfWatermark(_ context.Context, id string, observed Millis, update RecordUpdate) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.LastEditedAt > observed {
		return Record{}, ErrWatermarkMoved
	}
	rec.Text = update.Text
	rec.Summary = update.Summary
	rec.LastEditedAt = update.LastEditedAt
	b.records[id] = rec
	return rec, nil
}

func (b *MemoryBackend) AttachExternalRef(_ context.Context, id, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.ExternalRef != "" {
		return ErrExternalRefSet
	}
	rec.ExternalRef = ref
	b.records[id] = rec
	b.byRef[ref] = id
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	delete(b.records, id)
	if rec.ExternalRef != "" {
		delete(b.byRef, rec.ExternalRef)
	}
	return nil
}

func (b *MemoryBackend) PutLinkCode(_ context.Context, code LinkCode) error {
	if strings.TrimSpace(code.Code) == "" || strings.TrimSpace(code.OwnerID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.linkCodes[code.Code]; exists {
		return ErrAlreadyExists
	}
	b.linkCodes[code.Code] = code
	return nil
}

func (b *MemoryBackend) TakeLinkCode(_ context.Context, code string) (LinkCode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, ok := b.linkCodes[code]
	if !ok {
		return LinkCode{}, ErrNotFound
	}
	delete(b.linkCodes, code)
	return found, nil
}

func (b *MemoryBackend) DeleteExpiredLinkCodes(_ context.Context, now Millis) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for code, entry := range b.linkCodes {
		if entry.ExpiresAt <= now {
			delete(b.linkCodes, code)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) PutChatLink(_ context.Context, link ChatLink) error {
	if strings.TrimSpace(link.ChatUserID) == "" || strings.TrimSpace(link.OwnerID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chatLinks[link.ChatUserID] = link
	return nil
}

func (b *MemoryBackend) GetChatLink(_ context.Context, chatUserID string) (ChatLink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	link, ok := b.chatLinks[chatUserID]
	if !ok {
		return ChatLink{}, ErrNotFound
	}
	return link, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
