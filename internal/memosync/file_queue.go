package memosync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileWritebackQueue keeps pending mirror writes in a JSON file so they
// survive a restart of a single-node deployment.
type fileWritebackQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []WritebackQueueItem
}

type fileWritebackQueueState struct {
	Items []WritebackQueueItem `json:"items"`
}

func NewFileWritebackQueue(path string, capacity int) (WritebackQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileWritebackQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 20 * time.Millisecond,
		items:        []WritebackQueueItem{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileWritebackQueue) TryEnqueue(item WritebackQueueItem) bool {
	if strings.TrimSpace(item.OpID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileWritebackQueue) Enqueue(ctx context.Context, item WritebackQueueItem) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		if !q.wait(ctx) {
			return false
		}
	}
}

func (q *fileWritebackQueue) Dequeue(ctx context.Context) (WritebackQueueItem, bool) {
	for {
		if item, ok := q.pop(); ok {
			return item, true
		}
		if !q.wait(ctx) {
			return WritebackQueueItem{}, false
		}
	}
}

// pop removes the head item. The removal is persisted before the item is
// handed out; on a write failure the item stays queued.
func (q *fileWritebackQueue) pop() (WritebackQueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return WritebackQueueItem{}, false
	}
	head := q.items[0]
	rest := q.items[1:]
	previous := q.items
	q.items = rest
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return WritebackQueueItem{}, false
	}
	return head, true
}

func (q *fileWritebackQueue) wait(ctx context.Context) bool {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (q *fileWritebackQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileWritebackQueue) Capacity() int {
	return q.capacity
}

func (q *fileWritebackQueue) Close() error {
	return nil
}

func (q *fileWritebackQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var state fileWritebackQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	// Keep the newest items when the file holds more than the capacity.
	if len(state.Items) > q.capacity {
		q.items = append([]WritebackQueueItem(nil), state.Items[len(state.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]WritebackQueueItem(nil), state.Items...)
	return nil
}

func (q *fileWritebackQueue) saveLocked() error {
	data, err := json.Marshal(fileWritebackQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
