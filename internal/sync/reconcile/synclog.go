package reconcile

import (
	"context"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/logging"
	"github.com/kimhsiao/capturesync/internal/models"
)

// run tracks one pull or push call for the sync log.
type run struct {
	userID    string
	syncType  models.SyncType
	startedAt int64
	accepted  int
	conflicts int
}

func (s *Service) startRun(userID string, syncType models.SyncType) *run {
	return &run{userID: userID, syncType: syncType, startedAt: s.clock.Wall()}
}

// finishRun appends exactly one sync log row for the call. A failure to
// write the row is logged and otherwise ignored.
func (s *Service) finishRun(ctx context.Context, r *run, resp *models.SyncResponse, err error) {
	completed := s.clock.Wall()
	entry := &models.SyncLog{
		UserID:         r.userID,
		SyncType:       r.syncType,
		StartedAt:      r.startedAt,
		CompletedAt:    completed,
		DurationMs:     completed - r.startedAt,
		Status:         models.SyncLogSuccess,
		ConflictsCount: r.conflicts,
	}
	switch {
	case err != nil:
		entry.Status = models.SyncLogError
		entry.ErrorMessage = err.Error()
		entry.RecordsSynced = 0
	case r.syncType == models.SyncTypePush:
		entry.RecordsSynced = r.accepted
	case resp != nil:
		entry.RecordsSynced = resp.Changes.Count()
	}

	fields := map[string]interface{}{
		"user_id":        r.userID,
		"sync_type":      r.syncType,
		"duration_ms":    entry.DurationMs,
		"records_synced": entry.RecordsSynced,
		"conflicts":      entry.ConflictsCount,
	}
	if err != nil {
		logging.ErrorWithCode("Sync run failed", string(apperrors.CodeOf(err)), err, fields)
	} else {
		logging.Info("Sync run completed", fields)
	}

	if s.logs == nil {
		return
	}
	// The caller's context may already be cancelled; the log row is still wanted.
	if err := s.logs.AppendSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		logging.Error("Failed to write sync log", err, map[string]interface{}{
			"user_id":   r.userID,
			"sync_type": r.syncType,
		})
	}
}
