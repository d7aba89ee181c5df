// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/capturesync/internal/errors"
	syncpkg "github.com/kimhsiao/capturesync/internal/sync"
	"github.com/kimhsiao/capturesync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine counts Sync calls. A non-nil gate blocks each run until it
// receives a value or is closed.
type fakeEngine struct {
	calls int32
	gate  chan struct{}
	err   error
}

func (e *fakeEngine) Sync(ctx context.Context) (*syncpkg.SyncResult, error) {
	atomic.AddInt32(&e.calls, 1)
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return &syncpkg.SyncResult{Error: e.err.Error()}, e.err
	}
	return &syncpkg.SyncResult{Uploaded: 1}, nil
}

func (e *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler) {}

func (e *fakeEngine) Subscribe() (<-chan syncpkg.SyncEvent, func()) {
	ch := make(chan syncpkg.SyncEvent)
	return ch, func() {}
}

func (e *fakeEngine) Status() syncpkg.SyncStatus { return syncpkg.SyncStatusIdle }
func (e *fakeEngine) LastSync() *time.Time       { return nil }
func (e *fakeEngine) PendingChanges() int        { return 0 }
func (e *fakeEngine) LastError() error           { return nil }

func (e *fakeEngine) count() int {
	return int(atomic.LoadInt32(&e.calls))
}

// fakeQueue exposes a notify channel the test can fire.
type fakeQueue struct {
	notify chan struct{}
	stats  queue.Stats
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{notify: make(chan struct{}, 1)}
}

func (q *fakeQueue) Notify() <-chan struct{} { return q.notify }

func (q *fakeQueue) GetStats(context.Context) (queue.Stats, error) { return q.stats, nil }

func (q *fakeQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// createTestScheduler creates a scheduler with fast intervals.
func createTestScheduler(t *testing.T) (*fakeEngine, *fakeQueue, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{}
	q := newFakeQueue()

	config := &SchedulerConfig{
		SyncInterval: time.Hour,
		FlushDelay:   10 * time.Millisecond,
	}

	scheduler := NewScheduler(engine, q, config)
	t.Cleanup(scheduler.Stop)
	return engine, q, scheduler
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// =====================================================
// Config Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != 15*time.Minute {
		t.Errorf("SyncInterval = %v, want 15m", config.SyncInterval)
	}
	if config.FlushDelay != 2*time.Second {
		t.Errorf("FlushDelay = %v, want 2s", config.FlushDelay)
	}
	if config.SyncTimeout != 5*time.Minute {
		t.Errorf("SyncTimeout = %v, want 5m", config.SyncTimeout)
	}
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	scheduler := NewScheduler(&fakeEngine{}, newFakeQueue(), nil)

	if scheduler.syncInterval != 15*time.Minute {
		t.Errorf("syncInterval = %v, want 15m (default)", scheduler.syncInterval)
	}
	if !scheduler.isOnline {
		t.Error("isOnline should be true by default")
	}
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestScheduler_StartStop verifies lifecycle and idempotency.
func TestScheduler_StartStop(t *testing.T) {
	_, _, scheduler := createTestScheduler(t)

	scheduler.Stop() // without Start
	if scheduler.IsRunning() {
		t.Error("Stop() without Start should keep scheduler not running")
	}

	scheduler.Start(context.Background())
	scheduler.Start(context.Background())
	if !scheduler.IsRunning() {
		t.Error("Start() should set isRunning to true")
	}

	scheduler.Stop()
	scheduler.Stop()
	if scheduler.IsRunning() {
		t.Error("Stop() should set isRunning to false")
	}
}

// TestScheduler_contextCancellation verifies loops exit with the context.
func TestScheduler_contextCancellation(t *testing.T) {
	_, _, scheduler := createTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked after context cancellation")
	}
}

// =====================================================
// Trigger Tests
// =====================================================

// TestScheduler_periodicSync verifies the ticker triggers syncs.
func TestScheduler_periodicSync(t *testing.T) {
	engine := &fakeEngine{}
	scheduler := NewScheduler(engine, newFakeQueue(), &SchedulerConfig{SyncInterval: 20 * time.Millisecond})
	defer scheduler.Stop()

	scheduler.Start(context.Background())
	waitFor(t, func() bool { return engine.count() >= 2 }, "periodic sync did not run")
}

// TestScheduler_periodicSyncLoop_offline verifies no sync runs offline.
func TestScheduler_periodicSyncLoop_offline(t *testing.T) {
	engine := &fakeEngine{}
	scheduler := NewScheduler(engine, newFakeQueue(), &SchedulerConfig{SyncInterval: 10 * time.Millisecond})
	defer scheduler.Stop()

	scheduler.SetOnlineStatus(false)
	scheduler.Start(context.Background())
	time.Sleep(60 * time.Millisecond)

	if n := engine.count(); n != 0 {
		t.Errorf("Sync called %d times while offline", n)
	}
}

// TestScheduler_flushOnEnqueue verifies a local change triggers a flush
// after the delay, coalescing bursts.
func TestScheduler_flushOnEnqueue(t *testing.T) {
	engine, q, scheduler := createTestScheduler(t)
	scheduler.Start(context.Background())

	q.signal()
	q.signal()
	waitFor(t, func() bool { return engine.count() == 1 }, "enqueue did not trigger a flush")

	time.Sleep(50 * time.Millisecond)
	if n := engine.count(); n != 1 {
		t.Errorf("Sync called %d times, want 1 for one burst", n)
	}
}

// TestScheduler_reconnectFlushes verifies that regaining connectivity
// flushes changes made while offline.
func TestScheduler_reconnectFlushes(t *testing.T) {
	engine, q, scheduler := createTestScheduler(t)
	scheduler.SetOnlineStatus(false)
	scheduler.Start(context.Background())

	q.signal()
	time.Sleep(50 * time.Millisecond)
	if n := engine.count(); n != 0 {
		t.Fatalf("Sync called %d times while offline", n)
	}

	scheduler.SetOnlineStatus(true)
	waitFor(t, func() bool { return engine.count() == 1 }, "reconnect did not trigger a sync")
}

// TestScheduler_TriggerSync_concurrent verifies only one run at a time.
func TestScheduler_TriggerSync_concurrent(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)
	engine.gate = make(chan struct{})

	if !scheduler.TriggerSync(context.Background()) {
		t.Fatal("first TriggerSync should start a sync")
	}
	waitFor(t, func() bool { return engine.count() == 1 }, "sync did not start")

	var started int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if scheduler.TriggerSync(context.Background()) {
				atomic.AddInt32(&started, 1)
			}
		}()
	}
	wg.Wait()
	if started != 0 {
		t.Errorf("%d overlapping syncs started", started)
	}

	if err := scheduler.SyncNow(context.Background()); !errors.Is(err, errors.ErrSyncInProgress) {
		t.Errorf("SyncNow err = %v, want SYNC_IN_PROGRESS", err)
	}

	close(engine.gate)
	waitFor(t, func() bool { return !scheduler.GetStatus(context.Background()).SyncInProgress }, "sync did not finish")
}

// TestScheduler_SyncNow verifies a manual sync waits and records success.
func TestScheduler_SyncNow(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)

	if err := scheduler.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if engine.count() != 1 {
		t.Errorf("Sync called %d times, want 1", engine.count())
	}
	if scheduler.GetStatus(context.Background()).LastSyncTime == nil {
		t.Error("LastSyncTime should be set after a successful sync")
	}
}

// TestScheduler_SyncNow_failure verifies errors are returned and the
// last sync time is not updated.
func TestScheduler_SyncNow_failure(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)
	engine.err = errors.New(errors.ErrSyncUnavailable, "no route")

	err := scheduler.SyncNow(context.Background())
	if !errors.Is(err, errors.ErrSyncUnavailable) {
		t.Fatalf("err = %v, want SYNC_UNAVAILABLE", err)
	}
	if scheduler.GetStatus(context.Background()).LastSyncTime != nil {
		t.Error("LastSyncTime should stay nil after failure")
	}
}

// TestScheduler_SyncNow_offline verifies manual sync is refused offline.
func TestScheduler_SyncNow_offline(t *testing.T) {
	engine, _, scheduler := createTestScheduler(t)
	scheduler.SetOnlineStatus(false)

	if err := scheduler.SyncNow(context.Background()); !errors.Is(err, errors.ErrSyncUnavailable) {
		t.Errorf("err = %v, want SYNC_UNAVAILABLE", err)
	}
	if scheduler.TriggerSync(context.Background()) {
		t.Error("TriggerSync should refuse while offline")
	}
	if engine.count() != 0 {
		t.Error("engine should not be called")
	}
}

// =====================================================
// GetStatus Tests
// =====================================================

// TestScheduler_GetStatus verifies the status snapshot.
func TestScheduler_GetStatus(t *testing.T) {
	_, q, scheduler := createTestScheduler(t)
	q.stats = queue.Stats{Total: 3, Pending: 2, Failed: 1}

	status := scheduler.GetStatus(context.Background())

	if status.IsRunning {
		t.Error("IsRunning should be false before Start")
	}
	if !status.IsOnline {
		t.Error("IsOnline should be true by default")
	}
	if status.PendingItems != 2 {
		t.Errorf("PendingItems = %d, want 2", status.PendingItems)
	}
	if status.QueueStats.Failed != 1 {
		t.Errorf("QueueStats.Failed = %d, want 1", status.QueueStats.Failed)
	}
	if status.EngineStatus != string(syncpkg.SyncStatusIdle) {
		t.Errorf("EngineStatus = %q, want idle", status.EngineStatus)
	}
	if status.LastSyncTime != nil {
		t.Error("LastSyncTime should be nil before any sync")
	}
}
