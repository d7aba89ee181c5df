// Package sync provides the device side of record synchronization: it drains
// the durable queue to the sync server and applies the server's changes.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/logging"
	"github.com/kimhsiao/capturesync/internal/models"
)

// DefaultBatchSize is the number of queue items sent per push.
const DefaultBatchSize = 100

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime    time.Time     `yaml:"start_time"`
	EndTime      time.Time     `yaml:"end_time"`
	Duration     time.Duration `yaml:"duration"`
	Batches      int           `yaml:"batches"`
	Uploaded     int           `yaml:"uploaded"`
	Downloaded   int           `yaml:"downloaded"`
	Skipped      int           `yaml:"skipped"`
	Conflicts    int           `yaml:"conflicts"`
	Rejected     int           `yaml:"rejected"`
	DeadLettered int           `yaml:"dead_lettered"`
	Error        string        `yaml:"error,omitempty"`
}

// Options configures a SyncEngine.
type Options struct {
	// BatchSize bounds the queue items per push. Defaults to DefaultBatchSize.
	BatchSize int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// SyncEngine drives sync runs for one device. It is the only writer of the
// device checkpoint.
type SyncEngine struct {
	store     LocalStore
	queue     OperationQueue
	remote    Remote
	batchSize int
	now       func() time.Time

	mu       sync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error

	events eventHub
}

var _ SyncEngineInterface = (*SyncEngine)(nil)

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(store LocalStore, queue OperationQueue, remote Remote, opts Options) *SyncEngine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncEngine{
		store:     store,
		queue:     queue,
		remote:    remote,
		batchSize: opts.BatchSize,
		now:       opts.Now,
		status:    SyncStatusIdle,
	}
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the timestamp of the last successful sync.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// PendingChanges returns the queue size observed after the last run.
func (e *SyncEngine) PendingChanges() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

func (e *SyncEngine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == SyncStatusSyncing {
		return false
	}
	e.status = SyncStatusSyncing
	e.lastErr = nil
	return true
}

// Sync pushes queued changes in FIFO batches until the queue is drained or
// a batch has rejections, applying each response to the local store. With
// an empty queue it pulls instead.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.begin() {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}

	result := &SyncResult{StartTime: e.now()}
	e.emitEvent(SyncEvent{Type: SyncEventStarted, Message: "sync started"})

	err := e.run(ctx, result)
	e.finish(ctx, result, err)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (e *SyncEngine) run(ctx context.Context, result *SyncResult) error {
	swept, err := e.queue.SweepExhausted(ctx)
	if err != nil {
		return err
	}
	for _, dl := range swept {
		e.reportDeadLetter(ctx, dl, errors.New(dl.LastError), result)
	}

	for {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncTimeout, "sync cancelled", err)
		}

		checkpoint, err := e.store.GetCheckpoint(ctx)
		if err != nil {
			return err
		}
		items, err := e.queue.GetPendingOperations(ctx, e.batchSize)
		if err != nil {
			return err
		}

		if len(items) == 0 {
			if result.Batches > 0 {
				// Each push response already carried the server's changes.
				return nil
			}
			return e.pull(ctx, checkpoint, result)
		}

		stop, err := e.pushBatch(ctx, checkpoint, items, result)
		if err != nil {
			return err
		}
		result.Batches++
		if stop || len(items) < e.batchSize {
			return nil
		}
	}
}

func (e *SyncEngine) pull(ctx context.Context, checkpoint int64, result *SyncResult) error {
	resp, err := e.remote.Pull(ctx, &models.PullRequest{LastPulledAt: checkpoint})
	if err != nil {
		return remoteError("pull", err)
	}
	applied, err := e.store.CompleteSync(ctx, nil, resp)
	if err != nil {
		return err
	}
	result.Downloaded += applied.Applied
	result.Skipped += applied.Skipped
	return nil
}

// pushBatch sends one batch. It reports stop=true when some records were
// rejected; they stay at the head of the queue until their retry budget is
// spent, and the next trigger picks them up again.
func (e *SyncEngine) pushBatch(ctx context.Context, checkpoint int64, items []*models.SyncQueueItem, result *SyncResult) (bool, error) {
	b := e.buildBatch(ctx, items, checkpoint, result)

	resp, err := e.remote.Push(ctx, b.req)
	if err != nil {
		err = remoteError("push", err)
		// An unreachable or failing server leaves the queue as it was. Only
		// a request the server refuses outright costs the batch a retry.
		if !apperrors.IsRetryable(err) {
			for _, item := range b.sent {
				e.failItem(ctx, item, err, result)
			}
		}
		return false, err
	}

	rejected := make(map[entityKey]string, len(resp.Rejected))
	for _, r := range resp.Rejected {
		rejected[entityKey{r.Entity, r.RecordID}] = r.Reason
	}

	var (
		acked    []models.QueueID
		failed   []*models.SyncQueueItem
		accepted = make(map[entityKey]struct{})
	)
	for _, item := range b.sent {
		key := keyOf(item)
		if _, bad := rejected[key]; bad {
			failed = append(failed, item)
			continue
		}
		acked = append(acked, item.ID)
		accepted[key] = struct{}{}
	}

	applied, err := e.store.CompleteSync(ctx, acked, resp)
	if err != nil {
		return false, err
	}

	result.Uploaded += len(accepted)
	result.Downloaded += applied.Applied
	result.Skipped += applied.Skipped
	result.Rejected += len(resp.Rejected)
	result.Conflicts += len(resp.Conflicts)

	for i := range resp.Conflicts {
		c := resp.Conflicts[i]
		logging.Info("Server resolved a conflict", map[string]interface{}{
			"entity":    c.Entity,
			"record_id": c.RecordID,
			"strategy":  c.ResolutionStrategy,
		})
		e.emitEvent(SyncEvent{
			Type:     SyncEventConflict,
			Message:  fmt.Sprintf("%s %s resolved by %s", c.Entity, c.RecordID, c.ResolutionStrategy),
			Conflict: &c,
		})
	}
	for _, item := range failed {
		reason := rejected[keyOf(item)]
		e.failItem(ctx, item, apperrors.New(apperrors.ErrValidation, reason), result)
	}

	return len(failed) > 0, nil
}

// failItem charges one retry to item and dead-letters it once the budget
// is spent.
func (e *SyncEngine) failItem(ctx context.Context, item *models.SyncQueueItem, cause error, result *SyncResult) {
	ctx = context.WithoutCancel(ctx)
	exhausted, err := e.queue.MarkAsFailed(ctx, item.ID, cause)
	if err != nil {
		logging.Error("Failed to record sync failure", err, map[string]interface{}{"queue_id": item.ID})
		return
	}
	if exhausted {
		e.deadLetter(ctx, item, cause, result)
	}
}

func (e *SyncEngine) deadLetter(ctx context.Context, item *models.SyncQueueItem, cause error, result *SyncResult) {
	dl, err := e.queue.RemoveFailedOperation(ctx, item.ID)
	if err != nil {
		logging.Error("Failed to dead-letter queue item", err, map[string]interface{}{"queue_id": item.ID})
		return
	}
	e.reportDeadLetter(ctx, dl, cause, result)
}

// reportDeadLetter flags the record locally and publishes the loss.
func (e *SyncEngine) reportDeadLetter(ctx context.Context, dl *models.DeadLetter, cause error, result *SyncResult) {
	if err := e.store.MarkSyncFailed(ctx, dl.EntityType, dl.EntityID); err != nil {
		logging.Error("Failed to flag record as unsynced", err, map[string]interface{}{
			"entity":    dl.EntityType,
			"entity_id": dl.EntityID,
		})
	}
	result.DeadLettered++
	e.recordError(string(dl.EntityID), string(dl.Operation), cause)
	e.emitEvent(SyncEvent{
		Type:       SyncEventDeadLetter,
		Message:    fmt.Sprintf("%s %s dropped after %d attempts", dl.EntityType, dl.EntityID, dl.RetryCount),
		DeadLetter: dl,
		Err:        cause,
	})
}

func (e *SyncEngine) finish(ctx context.Context, result *SyncResult, err error) {
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	pending, sizeErr := e.queue.Size(context.WithoutCancel(ctx))
	if sizeErr != nil {
		logging.Warn("Failed to read queue size", map[string]interface{}{"error": sizeErr.Error()})
	}

	e.mu.Lock()
	if sizeErr == nil {
		e.pending = pending
	}
	if err != nil {
		e.status = SyncStatusFailed
		e.lastErr = err
		result.Error = err.Error()
	} else {
		e.status = SyncStatusIdle
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	fields := map[string]interface{}{
		"batches":       result.Batches,
		"uploaded":      result.Uploaded,
		"downloaded":    result.Downloaded,
		"conflicts":     result.Conflicts,
		"rejected":      result.Rejected,
		"dead_lettered": result.DeadLettered,
		"duration_ms":   result.Duration.Milliseconds(),
	}
	if err != nil {
		e.recordError("", "sync", err)
		logging.ErrorWithCode("Sync failed", string(apperrors.CodeOf(err)), err, fields)
		e.emitEvent(SyncEvent{Type: SyncEventFailed, Message: err.Error(), Result: result, Err: err})
		return
	}
	logging.Info("Sync completed", fields)
	e.emitEvent(SyncEvent{Type: SyncEventCompleted, Message: "sync completed", Result: result})
}

// remoteError keeps coded errors from the remote and wraps the rest.
func remoteError(op string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, op+" failed", err)
}

type entityKey struct {
	Type models.EntityType
	ID   models.UUID
}

func keyOf(item *models.SyncQueueItem) entityKey {
	return entityKey{item.EntityType, item.EntityID}
}

// batch is one push request and the queue items it covers.
type batch struct {
	req  *models.PushRequest
	sent []*models.SyncQueueItem
}

// buildBatch collapses queue items into one push request. Several items for
// the same entity collapse to the latest one, so a delete after a create or
// update sends a delete. Items with an unreadable payload are dead-lettered.
func (e *SyncEngine) buildBatch(ctx context.Context, items []*models.SyncQueueItem, checkpoint int64, result *SyncResult) *batch {
	type latest struct {
		op     models.Operation
		record *models.Record
	}

	b := &batch{req: &models.PushRequest{LastPulledAt: checkpoint, Changes: models.Changes{}}}
	state := make(map[entityKey]latest)
	var order []entityKey

	for _, item := range items {
		var rec models.Record
		if err := json.Unmarshal(item.Payload, &rec); err != nil {
			cause := apperrors.Wrap(apperrors.ErrValidation, "unreadable queue payload", err)
			logging.Warn("Dropping unreadable queue item", map[string]interface{}{
				"queue_id": item.ID,
				"error":    err.Error(),
			})
			e.deadLetter(ctx, item, cause, result)
			continue
		}
		rec.ID = item.EntityID
		rec.UserID = ""

		key := keyOf(item)
		if _, seen := state[key]; !seen {
			order = append(order, key)
		}
		state[key] = latest{op: item.Operation, record: &rec}
		b.sent = append(b.sent, item)
	}

	for _, key := range order {
		l := state[key]
		changes := b.req.Changes[key.Type]
		if l.op == models.OperationDelete {
			changes.Deleted = append(changes.Deleted, key.ID)
		} else {
			changes.Updated = append(changes.Updated, l.record)
		}
		b.req.Changes[key.Type] = changes
	}
	return b
}
