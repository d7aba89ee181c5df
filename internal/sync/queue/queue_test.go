// Package queue provides unit tests for the durable sync queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kimhsiao/capturesync/internal/db"
	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/models"
)

const (
	entityA = models.UUID("0b6c1f8e-3f4a-4c2d-9a51-7f0e2d9c4b11")
	entityB = models.UUID("5d0c7a4e-91b2-4f7e-8c3d-2a6b9e1f0c22")
)

func openClientDB(t *testing.T, dir string) *db.DB {
	t.Helper()
	database, err := db.Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(context.Background(), database, db.SchemaClient); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return database
}

func newTestQueue(t *testing.T, opts Options) *SyncQueue {
	t.Helper()
	return NewSyncQueue(openClientDB(t, t.TempDir()), opts)
}

func payload(title string) json.RawMessage {
	return json.RawMessage(`{"title":"` + title + `"}`)
}

// TestSyncQueueEnqueue tests enqueuing operations.
func TestSyncQueueEnqueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxRetries: 3})

	id, err := q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationCreate, payload("first"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == 0 {
		t.Fatal("Expected queue id to be set")
	}

	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Operation != models.OperationCreate {
		t.Errorf("Expected create operation, got %s", item.Operation)
	}
	if item.RetryCount != 0 {
		t.Errorf("Expected RetryCount 0, got %d", item.RetryCount)
	}
	if item.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries 3, got %d", item.MaxRetries)
	}
	if string(item.Payload) != `{"title":"first"}` {
		t.Errorf("Unexpected payload %s", item.Payload)
	}

	select {
	case <-q.Notify():
	default:
		t.Error("Expected a notification after enqueue")
	}
}

// TestSyncQueueEnqueueInvalid tests argument validation.
func TestSyncQueueEnqueueInvalid(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if _, err := q.Enqueue(ctx, models.EntityCaptures, entityA, models.Operation("upsert"), nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected invalid operation error, got %v", err)
	}
	if _, err := q.Enqueue(ctx, models.EntityCaptures, "", models.OperationCreate, nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected missing id error, got %v", err)
	}
	if _, err := q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationCreate, json.RawMessage("{")); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected invalid payload error, got %v", err)
	}
}

// TestSyncQueueFull tests queue capacity limit.
func TestSyncQueueFull(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxSize: 2})

	q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationCreate, nil)
	q.Enqueue(ctx, models.EntityCaptures, entityB, models.OperationCreate, nil)

	if _, err := q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationDelete, nil); err == nil {
		t.Error("Expected error when queue is full")
	}
}

// TestSyncQueueFIFO tests that pending operations come back in enqueue order.
func TestSyncQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	var ids []models.QueueID
	for _, step := range []struct {
		entity models.UUID
		op     models.Operation
	}{
		{entityA, models.OperationCreate},
		{entityB, models.OperationCreate},
		{entityA, models.OperationUpdate},
		{entityB, models.OperationDelete},
	} {
		id, err := q.Enqueue(ctx, models.EntityCaptures, step.entity, step.op, nil)
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
	}

	pending, err := q.GetPendingOperations(ctx, 3)
	if err != nil {
		t.Fatalf("GetPendingOperations failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(pending))
	}
	for i, item := range pending {
		if item.ID != ids[i] {
			t.Errorf("Position %d: expected id %d, got %d", i, ids[i], item.ID)
		}
	}

	all, _ := q.GetPendingOperations(ctx, 0)
	if len(all) != 4 {
		t.Errorf("Expected 4 items without limit, got %d", len(all))
	}
}

// TestSyncQueueMarkAsSynced tests removal on acknowledgment.
func TestSyncQueueMarkAsSynced(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	id, _ := q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationCreate, nil)
	if err := q.MarkAsSynced(ctx, id); err != nil {
		t.Fatalf("MarkAsSynced failed: %v", err)
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
	// Acknowledging twice is harmless.
	if err := q.MarkAsSynced(ctx, id); err != nil {
		t.Errorf("Second MarkAsSynced failed: %v", err)
	}
}

// TestSyncQueueMarkAsFailed tests retry accounting and exhaustion.
func TestSyncQueueMarkAsFailed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxRetries: 2})

	id, _ := q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationCreate, nil)

	exhausted, err := q.MarkAsFailed(ctx, id, errors.New("network down"))
	if err != nil {
		t.Fatalf("MarkAsFailed failed: %v", err)
	}
	if exhausted {
		t.Error("Expected budget to remain after first failure")
	}

	item, _ := q.Get(ctx, id)
	if item.RetryCount != 1 || item.LastError != "network down" {
		t.Errorf("Unexpected item state: retry=%d error=%q", item.RetryCount, item.LastError)
	}

	exhausted, _ = q.MarkAsFailed(ctx, id, errors.New("still down"))
	if !exhausted {
		t.Error("Expected budget to be exhausted after second failure")
	}

	pending, _ := q.GetPendingOperations(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("Exhausted items must not be pending, got %d", len(pending))
	}

	if _, err := q.MarkAsFailed(ctx, 9999, errors.New("x")); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found for missing item, got %v", err)
	}
}

// TestSyncQueueRemoveFailedOperation tests dead-lettering.
func TestSyncQueueRemoveFailedOperation(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	q := newTestQueue(t, Options{MaxRetries: 1, Now: func() time.Time { return now }})

	id, _ := q.Enqueue(ctx, models.EntityTags, entityA, models.OperationUpdate, json.RawMessage(`{"name":"work"}`))
	q.MarkAsFailed(ctx, id, errors.New("rejected"))

	dl, err := q.RemoveFailedOperation(ctx, id)
	if err != nil {
		t.Fatalf("RemoveFailedOperation failed: %v", err)
	}
	if dl.QueueID != id || dl.EntityType != models.EntityTags || dl.LastError != "rejected" {
		t.Errorf("Unexpected dead letter: %+v", dl)
	}
	if dl.DeadAt != now.UnixMilli() {
		t.Errorf("Expected DeadAt %d, got %d", now.UnixMilli(), dl.DeadAt)
	}

	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
	letters, err := q.ListDeadLetters(ctx)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(letters) != 1 || string(letters[0].Payload) != `{"name":"work"}` {
		t.Errorf("Unexpected dead letters: %+v", letters)
	}
}

// TestSyncQueueRequeue tests moving a dead letter back to the queue tail.
func TestSyncQueueRequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxRetries: 1})

	first, _ := q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationCreate, payload("a"))
	q.Enqueue(ctx, models.EntityCaptures, entityB, models.OperationCreate, payload("b"))
	q.MarkAsFailed(ctx, first, errors.New("boom"))
	if _, err := q.RemoveFailedOperation(ctx, first); err != nil {
		t.Fatalf("RemoveFailedOperation failed: %v", err)
	}

	newID, err := q.Requeue(ctx, first)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if newID <= first {
		t.Errorf("Requeued item must go to the tail, got id %d", newID)
	}

	pending, _ := q.GetPendingOperations(ctx, 0)
	if len(pending) != 2 || pending[1].EntityID != entityA || pending[1].RetryCount != 0 {
		t.Errorf("Unexpected queue after requeue: %+v", pending)
	}
	if letters, _ := q.ListDeadLetters(ctx); len(letters) != 0 {
		t.Errorf("Expected no dead letters, got %d", len(letters))
	}
	if _, err := q.Requeue(ctx, first); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not found on second requeue, got %v", err)
	}
}

// TestSyncQueueSweepExhausted tests cleanup of items left exhausted.
func TestSyncQueueSweepExhausted(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxRetries: 1})

	id, _ := q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationCreate, nil)
	q.Enqueue(ctx, models.EntityCaptures, entityB, models.OperationCreate, nil)
	q.MarkAsFailed(ctx, id, errors.New("boom"))

	swept, err := q.SweepExhausted(ctx)
	if err != nil {
		t.Fatalf("SweepExhausted failed: %v", err)
	}
	if len(swept) != 1 || swept[0].QueueID != id {
		t.Errorf("Unexpected sweep result: %+v", swept)
	}
	if n, _ := q.Size(ctx); n != 1 {
		t.Errorf("Expected one item left, got %d", n)
	}
}

// TestSyncQueueStats tests queue statistics.
func TestSyncQueueStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxRetries: 2})

	a, _ := q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationCreate, nil)
	b, _ := q.Enqueue(ctx, models.EntityCaptures, entityB, models.OperationCreate, nil)
	q.Enqueue(ctx, models.EntityTags, entityA, models.OperationCreate, nil)

	q.MarkAsFailed(ctx, a, errors.New("x"))
	q.MarkAsFailed(ctx, b, errors.New("x"))
	q.MarkAsFailed(ctx, b, errors.New("x"))

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	want := Stats{Total: 3, Pending: 1, Failed: 1, Exhausted: 1}
	if stats != want {
		t.Errorf("GetStats = %+v, want %+v", stats, want)
	}

	n, err := q.RetryAll(ctx)
	if err != nil {
		t.Fatalf("RetryAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 items reset, got %d", n)
	}
	stats, _ = q.GetStats(ctx)
	if stats.Pending != 3 {
		t.Errorf("Expected all items pending after RetryAll, got %+v", stats)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Expected empty queue after Clear, got %d", n)
	}
}

// TestSyncQueuePersistence tests that items survive closing the database.
func TestSyncQueuePersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	database, err := db.Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Migrate(ctx, database, db.SchemaClient); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	q := NewSyncQueue(database, Options{})
	first, _ := q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationCreate, payload("kept"))
	q.Enqueue(ctx, models.EntityCaptures, entityA, models.OperationUpdate, payload("kept too"))
	database.Close()

	reopened := openClientDB(t, dir)
	q = NewSyncQueue(reopened, Options{})

	pending, err := q.GetPendingOperations(ctx, 0)
	if err != nil {
		t.Fatalf("GetPendingOperations failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first {
		t.Fatalf("Expected both items in order after reopen, got %+v", pending)
	}

	// Ids keep increasing after a restart.
	next, _ := q.Enqueue(ctx, models.EntityCaptures, entityB, models.OperationCreate, nil)
	if next <= pending[1].ID {
		t.Errorf("Expected id after %d, got %d", pending[1].ID, next)
	}
}
