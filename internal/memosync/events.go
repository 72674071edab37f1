package memosync

import (
	"sync"
	"time"
)

const (
	EventMemoCreated     = "memo.created"
	EventMemoUpdated     = "memo.updated"
	EventMemoDeleted     = "memo.deleted"
	EventMemoSynced      = "memo.synced"
	EventMemoSyncDeleted = "memo.sync_deleted"
)

const (
	OriginLocal    = "local"
	OriginExternal = "external"
)

// Event describes a change to one record, fanned out to live subscribers.
type Event struct {
	Type         string `json:"type"`
	MemoID       string `json:"memoId"`
	OwnerID      string `json:"ownerId"`
	Origin       string `json:"origin"`
	LastEditedAt Millis `json:"lastEditedAt,omitempty"`
	At           Millis `json:"at"`
}

type EventSink interface {
	Publish(event Event)
}

type discardEvents struct{}

func (discardEvents) Publish(Event) {}

// Broker delivers events to subscribers of the event's owner. Publish never
// blocks; a subscriber whose buffer is full misses the event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broker{subs: map[string]map[chan Event]struct{}{}, buffer: buffer}
}

// Subscribe returns a channel of events for ownerID and a cancel function
// that must be called to release it.
func (b *Broker) Subscribe(ownerID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	if b.subs[ownerID] == nil {
		b.subs[ownerID] = map[chan Event]struct{}{}
	}
	b.subs[ownerID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[ownerID], ch)
			if len(b.subs[ownerID]) == 0 {
				delete(b.subs, ownerID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) Publish(event Event) {
	if event.At == 0 {
		event.At = MillisFromTime(time.Now())
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[event.OwnerID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broker) Subscribers(ownerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[ownerID])
}
