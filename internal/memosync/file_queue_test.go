package memosync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileWritebackQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writeback-queue.json")
	queue, err := NewFileWritebackQueue(path, 4)
	if err != nil {
		t.Fatalf("new file writeback queue failed: %v", err)
	}
	if !queue.TryEnqueue(WritebackQueueItem{OpID: "op_1", Action: WritebackUpsert, RecordID: "r1", ExternalRef: "page_1"}) {
		t.Fatalf("expected first writeback enqueue to succeed")
	}
	if !queue.TryEnqueue(WritebackQueueItem{OpID: "op_2", Action: WritebackArchive, RecordID: "r2", ExternalRef: "page_2", Attempt: 1}) {
		t.Fatalf("expected second writeback enqueue to succeed")
	}

	reopened, err := NewFileWritebackQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file writeback queue failed: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("expected depth 2 after reopen, got %d", reopened.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.OpID != "op_1" || first.Action != WritebackUpsert {
		t.Fatalf("expected first dequeued writeback op_1, got %+v (ok=%v)", first, ok)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.OpID != "op_2" || second.Attempt != 1 {
		t.Fatalf("expected second dequeued writeback op_2, got %+v (ok=%v)", second, ok)
	}

	again, err := NewFileWritebackQueue(path, 4)
	if err != nil {
		t.Fatalf("third open failed: %v", err)
	}
	if again.Depth() != 0 {
		t.Fatalf("expected dequeues to be persisted, got depth %d", again.Depth())
	}
}

func TestFileWritebackQueueCapacityAndTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity-queue.json")
	queue, err := NewFileWritebackQueue(path, 1)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if !queue.TryEnqueue(WritebackQueueItem{OpID: "op_cap_1"}) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(WritebackQueueItem{OpID: "op_cap_2"}) {
		t.Fatalf("expected second enqueue to fail at capacity")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if queue.Enqueue(ctx, WritebackQueueItem{OpID: "op_cap_3"}) {
		t.Fatalf("expected blocking enqueue to give up when the context ends")
	}
	if _, ok := queue.Dequeue(context.Background()); !ok {
		t.Fatalf("expected dequeue to return the queued item")
	}
	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected dequeue on empty queue to time out")
	}
}

func TestFileWritebackQueueTrimsOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oversized.json")
	data := `{"items":[{"opId":"a","action":"upsert","recordId":"r1","attempt":0},{"opId":"b","action":"upsert","recordId":"r2","attempt":0},{"opId":"c","action":"upsert","recordId":"r3","attempt":0}]}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write fixture failed: %v", err)
	}
	queue, err := NewFileWritebackQueue(path, 2)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	item, ok := queue.Dequeue(context.Background())
	if !ok || item.OpID != "b" {
		t.Fatalf("expected oldest overflow item dropped, got %+v", item)
	}
}

func TestFileWritebackQueueRequiresPath(t *testing.T) {
	if _, err := NewFileWritebackQueue("  ", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
