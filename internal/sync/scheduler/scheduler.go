// Package scheduler decides when the device syncs: periodically while
// online, shortly after local changes, when connectivity returns and on
// demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/logging"
	syncpkg "github.com/kimhsiao/capturesync/internal/sync"
	"github.com/kimhsiao/capturesync/internal/sync/queue"
)

// QueueWatcher is the part of the sync queue the scheduler observes.
type QueueWatcher interface {
	Notify() <-chan struct{}
	GetStats(ctx context.Context) (queue.Stats, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.SyncEngineInterface
	queue        QueueWatcher
	syncInterval time.Duration
	flushDelay   time.Duration
	syncTimeout  time.Duration

	// runCtx is the context passed to Start; connectivity triggers use it.
	runCtx context.Context

	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync when online (default: 15 minutes)
	FlushDelay   time.Duration // Wait after a local change before flushing (default: 2 seconds)
	SyncTimeout  time.Duration // Upper bound of one sync run (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 15 * time.Minute,
		FlushDelay:   2 * time.Second,
		SyncTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, q QueueWatcher, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.FlushDelay < 0 {
		config.FlushDelay = 0
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}

	return &Scheduler{
		engine:       engine,
		queue:        q,
		syncInterval: config.SyncInterval,
		flushDelay:   config.FlushDelay,
		syncTimeout:  config.SyncTimeout,
		runCtx:       context.Background(),
		stopCh:       make(chan struct{}),
		isOnline:     true, // Assume online initially
	}
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.runCtx = ctx
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.queueWatchLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
		"flush_delay_ms":   s.flushDelay.Milliseconds(),
	})
}

// Stop stops the background sync scheduler and waits for its loops and
// any sync it started to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler. Going from
// offline to online flushes the queue immediately.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	ctx := s.runCtx
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline && running {
		s.TriggerSync(ctx)
	}
}

// periodicSyncLoop runs periodic sync when online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if !s.TriggerSync(ctx) {
				logging.Debug("Sync already in progress, skipping", nil)
			}
		}
	}
}

// queueWatchLoop flushes the queue shortly after local changes. Changes
// arriving during the delay are sent in the same run.
func (s *Scheduler) queueWatchLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.queue == nil {
		return
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.queue.Notify():
			if timer == nil {
				timer = time.NewTimer(s.flushDelay)
				timerCh = timer.C
			}
		case <-timerCh:
			timer, timerCh = nil, nil
			if !s.IsOnline() {
				// The reconnect trigger will flush.
				continue
			}
			if !s.TriggerSync(ctx) {
				// A run is active; it may have missed the newest changes.
				timer = time.NewTimer(s.flushDelay)
				timerCh = timer.C
			}
		}
	}
}

// claim marks a sync as in progress. It fails when one already is.
func (s *Scheduler) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress {
		return false
	}
	s.syncInProgress = true
	return true
}

func (s *Scheduler) release(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncInProgress = false
	if success {
		s.lastSyncTime = time.Now()
	}
}

// runSync executes a claimed sync operation.
func (s *Scheduler) runSync(ctx context.Context, trigger string) error {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.release(err == nil)

	if err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"trigger": trigger})
		return err
	}

	logging.Info("Background sync completed",
		map[string]interface{}{
			"trigger":    trigger,
			"uploaded":   result.Uploaded,
			"downloaded": result.Downloaded,
			"conflicts":  result.Conflicts,
		})
	return nil
}

// TriggerSync starts a sync in the background.
// Returns true if sync was started, false if sync is already in progress
// or the scheduler is offline.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.IsOnline() || !s.claim() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.runSync(ctx, "trigger")
	}()
	return true
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool        `yaml:"is_running"`
	IsOnline       bool        `yaml:"is_online"`
	LastSyncTime   *time.Time  `yaml:"last_sync_time,omitempty"`
	SyncInProgress bool        `yaml:"sync_in_progress"`
	EngineStatus   string      `yaml:"engine_status"`
	PendingItems   int         `yaml:"pending_items"`
	QueueStats     queue.Stats `yaml:"queue_stats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	s.mu.RUnlock()

	status.EngineStatus = string(s.engine.Status())
	if s.queue != nil {
		stats, err := s.queue.GetStats(ctx)
		if err != nil {
			logging.Warn("Failed to read queue stats", map[string]interface{}{"error": err.Error()})
		} else {
			status.QueueStats = stats
			status.PendingItems = stats.Pending
		}
	}
	return status
}

// SyncNow runs a sync and waits for completion. It fails with
// SYNC_IN_PROGRESS when another run is active and SYNC_UNAVAILABLE while
// offline.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	if !s.IsOnline() {
		return errors.New(errors.ErrSyncUnavailable, "device is offline")
	}
	if !s.claim() {
		return errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	return s.runSync(ctx, "manual")
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
