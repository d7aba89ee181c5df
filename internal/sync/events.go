package sync

import (
	"sync"
	"time"

	"github.com/kimhsiao/capturesync/internal/models"
)

// maxErrorHistory caps the number of retained error entries.
const maxErrorHistory = 100

// subscriberBuffer is the channel size of each Subscribe call.
const subscriberBuffer = 32

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted    SyncEventType = "started"
	SyncEventCompleted  SyncEventType = "completed"
	SyncEventFailed     SyncEventType = "failed"
	SyncEventConflict   SyncEventType = "conflict"
	SyncEventDeadLetter SyncEventType = "dead_letter"
)

// SyncEvent is published during and after a sync run.
type SyncEvent struct {
	Type       SyncEventType
	Message    string
	Timestamp  time.Time
	Result     *SyncResult
	Conflict   *models.Conflict
	DeadLetter *models.DeadLetter
	Err        error
}

// SyncEventHandler receives sync events.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncErrorEntry records one failed queue item or run.
type SyncErrorEntry struct {
	ItemID    string
	Operation string
	Error     string
	Timestamp time.Time
}

// eventHub fans events out to the handler and to subscribers. Sends never
// block; a slow subscriber misses events.
type eventHub struct {
	mu      sync.RWMutex
	handler SyncEventHandler
	subs    map[int]chan SyncEvent
	nextID  int

	errMu   sync.RWMutex
	history []SyncErrorEntry
}

// SetEventHandler sets the event handler for sync notifications. The
// handler is invoked on its own goroutine.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.events.mu.Lock()
	defer e.events.mu.Unlock()
	e.events.handler = handler
}

// Subscribe returns a channel that receives every subsequent event until
// the returned cancel function is called.
func (e *SyncEngine) Subscribe() (<-chan SyncEvent, func()) {
	h := &e.events
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		h.subs = make(map[int]chan SyncEvent)
	}
	id := h.nextID
	h.nextID++
	ch := make(chan SyncEvent, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (e *SyncEngine) emitEvent(event SyncEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h := &e.events
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.handler != nil {
		go h.handler.OnSyncEvent(event)
	}
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (e *SyncEngine) recordError(itemID, operation string, err error) {
	h := &e.events
	h.errMu.Lock()
	defer h.errMu.Unlock()

	h.history = append(h.history, SyncErrorEntry{
		ItemID:    itemID,
		Operation: operation,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
	if len(h.history) > maxErrorHistory {
		h.history = h.history[len(h.history)-maxErrorHistory:]
	}
}

// GetErrorHistory returns a copy of the recent sync errors, oldest first.
func (e *SyncEngine) GetErrorHistory() []SyncErrorEntry {
	h := &e.events
	h.errMu.RLock()
	defer h.errMu.RUnlock()

	out := make([]SyncErrorEntry, len(h.history))
	copy(out, h.history)
	return out
}

// ClearErrorHistory drops the recorded errors.
func (e *SyncEngine) ClearErrorHistory() {
	h := &e.events
	h.errMu.Lock()
	defer h.errMu.Unlock()
	h.history = nil
}
