package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/capturesync/internal/db"
	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/models"
	"github.com/kimhsiao/capturesync/internal/sync/conflict"
	"github.com/kimhsiao/capturesync/internal/uuid"
)

const (
	alice = "alice"
	bob   = "bob"

	noteID = models.UUID("0b6c1f8e-3f4a-4c2d-9a51-7f0e2d9c4b11")
)

// fakeWall is a settable millisecond wall clock.
type fakeWall struct{ ms int64 }

func newWall(ms int64) *fakeWall { return &fakeWall{ms: ms} }

func (w *fakeWall) set(ms int64)   { atomic.StoreInt64(&w.ms, ms) }
func (w *fakeWall) now() time.Time { return time.UnixMilli(atomic.LoadInt64(&w.ms)) }
func (w *fakeWall) clock() *Clock  { return NewClock(w.now) }

type fixture struct {
	repo    *db.Repository
	service *Service
	wall    *fakeWall
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(context.Background(), database, db.SchemaServer))

	repo := db.NewRepository(database)
	wall := newWall(1)
	if opts.Clock == nil {
		opts.Clock = wall.clock()
	}
	return &fixture{
		repo:    repo,
		service: NewService(repo, repo, opts),
		wall:    wall,
	}
}

func capture(id models.UUID, title string, lmt int64) *models.Record {
	return &models.Record{
		ID:             id,
		Fields:         map[string]interface{}{"title": title},
		LastModifiedAt: lmt,
		Status:         models.StatusActive,
	}
}

func pushCaptures(lastPulledAt int64, updated []*models.Record, deleted ...models.UUID) *models.PushRequest {
	return &models.PushRequest{
		LastPulledAt: lastPulledAt,
		Changes: models.Changes{
			models.EntityCaptures: {Updated: updated, Deleted: deleted},
		},
	}
}

func (f *fixture) serverCopy(t *testing.T, userID string, id models.UUID) *models.Record {
	t.Helper()
	schema, err := f.service.Registry().Lookup(models.EntityCaptures)
	require.NoError(t, err)
	rec, err := f.repo.GetRecord(context.Background(), schema, userID, id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) syncLogs(t *testing.T, userID string) []*models.SyncLog {
	t.Helper()
	logs, err := f.repo.ListSyncLogs(context.Background(), userID, 100)
	require.NoError(t, err)
	return logs
}

func TestProcessPull_emptyStore(t *testing.T) {
	f := newFixture(t, Options{})
	f.wall.set(500)

	resp, err := f.service.ProcessPull(context.Background(), alice, &models.PullRequest{})
	require.NoError(t, err)

	assert.EqualValues(t, 500, resp.Timestamp)
	assert.Len(t, resp.Changes, 3, "every registered type is present")
	for _, ec := range resp.Changes {
		assert.NotNil(t, ec.Updated)
		assert.NotNil(t, ec.Deleted)
		assert.Zero(t, ec.Len())
	}
}

func TestProcessPull_entityFilter(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := f.service.ProcessPull(context.Background(), alice, &models.PullRequest{
		Entities: []models.EntityType{models.EntityTags},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 1)
	assert.Contains(t, resp.Changes, models.EntityTags)

	_, err = f.service.ProcessPull(context.Background(), alice, &models.PullRequest{
		Entities: []models.EntityType{"songs"},
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownEntity))
}

func TestProcessPull_rejectsBadInput(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.service.ProcessPull(context.Background(), "", &models.PullRequest{})
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))

	_, err = f.service.ProcessPull(context.Background(), alice, &models.PullRequest{LastPulledAt: -1})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestProcessPush_insertAndPull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.wall.set(100)

	resp, err := f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(noteID, "groceries", 90)}))
	require.NoError(t, err)
	assert.Empty(t, resp.Conflicts)
	assert.Empty(t, resp.Rejected)

	updated := resp.Changes[models.EntityCaptures].Updated
	require.Len(t, updated, 1)
	assert.Equal(t, noteID, updated[0].ID)
	assert.Equal(t, "groceries", updated[0].Fields["title"])
	assert.EqualValues(t, 100, updated[0].LastModifiedAt, "server stamps last_modified_at")
	assert.Empty(t, updated[0].UserID, "ownership stays off the wire")
	assert.GreaterOrEqual(t, resp.Timestamp, updated[0].LastModifiedAt)

	stored := f.serverCopy(t, alice, noteID)
	require.NotNil(t, stored)
	assert.Equal(t, alice, stored.UserID)
}

func TestProcessPush_idempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.wall.set(100)

	req := pushCaptures(0, []*models.Record{capture(noteID, "groceries", 90)})
	_, err := f.service.ProcessPush(ctx, alice, req)
	require.NoError(t, err)
	first := f.serverCopy(t, alice, noteID)

	// The client never saw the response and retries the same push.
	f.wall.set(300)
	resp, err := f.service.ProcessPush(ctx, alice, req)
	require.NoError(t, err)
	assert.Empty(t, resp.Conflicts, "replay must not report a conflict")

	again := f.serverCopy(t, alice, noteID)
	assert.Equal(t, first.LastModifiedAt, again.LastModifiedAt, "replay must not re-apply")

	conflicts, err := f.repo.ListConflictLogs(ctx, alice, 10)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

// seedConflict builds the canonical scenario: alice creates the record at
// t=50 and pulls at t=100 from a phone; a tablet on the same account edits
// it at t=150.
func seedConflict(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	f.wall.set(50)
	_, err := f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(noteID, "v1", 40)}))
	require.NoError(t, err)

	f.wall.set(100)
	pulled, err := f.service.ProcessPull(ctx, alice, &models.PullRequest{})
	require.NoError(t, err)
	require.EqualValues(t, 100, pulled.Timestamp)

	f.wall.set(150)
	_, err = f.service.ProcessPush(ctx, alice, pushCaptures(100, []*models.Record{capture(noteID, "edited on tablet", 140)}))
	require.NoError(t, err)
	require.EqualValues(t, 150, f.serverCopy(t, alice, noteID).LastModifiedAt)
}

func TestProcessPush_conflictServerWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	seedConflict(t, f)

	// The phone edited at t=120 without having seen the t=150 edit.
	f.wall.set(200)
	resp, err := f.service.ProcessPush(ctx, alice, pushCaptures(100, []*models.Record{capture(noteID, "edited on phone", 120)}))
	require.NoError(t, err)

	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, models.Conflict{
		Entity:             models.EntityCaptures,
		RecordID:           noteID,
		ResolutionStrategy: string(conflict.ResolutionStrategyLastWriteWins),
	}, resp.Conflicts[0])

	stored := f.serverCopy(t, alice, noteID)
	assert.Equal(t, "edited on tablet", stored.Fields["title"])
	assert.EqualValues(t, 150, stored.LastModifiedAt, "server copy is left untouched")

	updated := resp.Changes[models.EntityCaptures].Updated
	require.Len(t, updated, 1)
	assert.Equal(t, "edited on tablet", updated[0].Fields["title"], "client receives the winning copy")

	logs, err := f.repo.ListConflictLogs(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.EqualValues(t, 150, logs[0].ServerTimestamp)
	assert.EqualValues(t, 120, logs[0].ClientTimestamp)
	assert.Equal(t, "server", logs[0].Winner)

	assert.Equal(t, 1, f.syncLogs(t, alice)[0].ConflictsCount)
}

func TestProcessPush_conflictClientWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	seedConflict(t, f)

	f.wall.set(200)
	resp, err := f.service.ProcessPush(ctx, alice, pushCaptures(100, []*models.Record{capture(noteID, "edited on phone", 180)}))
	require.NoError(t, err)
	require.Len(t, resp.Conflicts, 1)

	stored := f.serverCopy(t, alice, noteID)
	assert.Equal(t, "edited on phone", stored.Fields["title"])
	assert.EqualValues(t, 200, stored.LastModifiedAt)
}

func TestProcessPush_perEntityStrategy(t *testing.T) {
	ctx := context.Background()
	resolver := conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins)
	require.NoError(t, resolver.RegisterNamed(models.EntityCaptures, conflict.ResolutionStrategyServerWins))
	f := newFixture(t, Options{Resolver: resolver})
	seedConflict(t, f)

	f.wall.set(200)
	resp, err := f.service.ProcessPush(ctx, alice, pushCaptures(100, []*models.Record{capture(noteID, "edited on phone", 999)}))
	require.NoError(t, err)
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, "server_wins", resp.Conflicts[0].ResolutionStrategy)
	assert.Equal(t, "edited on tablet", f.serverCopy(t, alice, noteID).Fields["title"])
}

func TestProcessPush_noConflictAfterPull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	seedConflict(t, f)

	// The phone pulls the tablet's edit first, then edits.
	f.wall.set(160)
	pulled, err := f.service.ProcessPull(ctx, alice, &models.PullRequest{LastPulledAt: 100})
	require.NoError(t, err)

	f.wall.set(200)
	resp, err := f.service.ProcessPush(ctx, alice, pushCaptures(pulled.Timestamp, []*models.Record{capture(noteID, "edited on phone", 170)}))
	require.NoError(t, err)
	assert.Empty(t, resp.Conflicts)
	assert.Equal(t, "edited on phone", f.serverCopy(t, alice, noteID).Fields["title"])
}

func TestProcessPush_softDeletePropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	f.wall.set(100)
	_, err := f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(noteID, "to be deleted", 90)}))
	require.NoError(t, err)

	f.wall.set(110)
	tablet, err := f.service.ProcessPull(ctx, alice, &models.PullRequest{})
	require.NoError(t, err)
	require.Len(t, tablet.Changes[models.EntityCaptures].Updated, 1)

	f.wall.set(200)
	_, err = f.service.ProcessPush(ctx, alice, pushCaptures(110, nil, noteID))
	require.NoError(t, err)

	stored := f.serverCopy(t, alice, noteID)
	require.NotNil(t, stored, "rows are never removed")
	assert.True(t, stored.IsDeleted())

	f.wall.set(300)
	resp, err := f.service.ProcessPull(ctx, alice, &models.PullRequest{LastPulledAt: tablet.Timestamp})
	require.NoError(t, err)
	assert.Equal(t, []models.UUID{noteID}, resp.Changes[models.EntityCaptures].Deleted)
	assert.Empty(t, resp.Changes[models.EntityCaptures].Updated)

	// Deleting again, or deleting an unknown id, changes nothing.
	lmt := stored.LastModifiedAt
	_, err = f.service.ProcessPush(ctx, alice, pushCaptures(300, nil, noteID, models.UUID(uuid.New())))
	require.NoError(t, err)
	assert.Equal(t, lmt, f.serverCopy(t, alice, noteID).LastModifiedAt)
}

// failingStore fails the nth insert inside a transaction.
type failingStore struct {
	db.RecordStore
	failOn int
}

type failingTx struct {
	db.RecordTx
	inserts *int
	failOn  int
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx db.RecordTx) error) error {
	inserts := 0
	return s.RecordStore.InTx(ctx, func(tx db.RecordTx) error {
		return fn(&failingTx{RecordTx: tx, inserts: &inserts, failOn: s.failOn})
	})
}

func (t *failingTx) InsertRecord(ctx context.Context, schema *models.EntitySchema, rec *models.Record) error {
	*t.inserts++
	if *t.inserts == t.failOn {
		return apperrors.New(apperrors.ErrDatabase, "disk I/O error")
	}
	return t.RecordTx.InsertRecord(ctx, schema, rec)
}

func TestProcessPush_atomicBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	service := NewService(&failingStore{RecordStore: f.repo, failOn: 3}, f.repo, Options{Clock: f.wall.clock()})

	var records []*models.Record
	for i := 0; i < 5; i++ {
		records = append(records, capture(models.UUID(uuid.New()), fmt.Sprintf("note %d", i), 10))
	}

	_, err := service.ProcessPush(ctx, alice, pushCaptures(0, records))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))
	assert.True(t, apperrors.IsRetryable(err))

	for _, rec := range records {
		assert.Nil(t, f.serverCopy(t, alice, rec.ID), "record %s must not be persisted", rec.ID)
	}

	logs := f.syncLogs(t, alice)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncLogError, logs[0].Status)
	assert.Contains(t, logs[0].ErrorMessage, "disk I/O error")
}

func TestProcessPush_userIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(noteID, "alice's note", 1)}))
	require.NoError(t, err)

	// Bob pushes the same id: it becomes his own record, alice's is untouched.
	_, err = f.service.ProcessPush(ctx, bob, pushCaptures(0, []*models.Record{capture(noteID, "bob's note", 1)}, noteID))
	require.NoError(t, err)

	assert.Equal(t, "alice's note", f.serverCopy(t, alice, noteID).Fields["title"])
	assert.False(t, f.serverCopy(t, alice, noteID).IsDeleted())

	resp, err := f.service.ProcessPull(ctx, bob, &models.PullRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Changes[models.EntityCaptures].Updated)
	assert.Equal(t, []models.UUID{noteID}, resp.Changes[models.EntityCaptures].Deleted)

	resp, err = f.service.ProcessPull(ctx, "carol", &models.PullRequest{})
	require.NoError(t, err)
	assert.Zero(t, resp.Changes.Count())
}

func TestProcessPush_rejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	valid := capture(models.UUID(uuid.New()), "ok", 1)
	missingTitle := &models.Record{ID: models.UUID(uuid.New()), Fields: map[string]interface{}{"summary": "x"}, Status: models.StatusActive}
	badID := capture("not-a-uuid", "bad id", 1)

	req := pushCaptures(0, []*models.Record{valid, missingTitle, badID})
	req.Changes["songs"] = models.EntityChanges{Deleted: []models.UUID{noteID}}

	resp, err := f.service.ProcessPush(ctx, alice, req)
	require.NoError(t, err)
	require.Len(t, resp.Rejected, 3)

	reasons := map[models.UUID]string{}
	for _, r := range resp.Rejected {
		reasons[r.RecordID] = r.Reason
	}
	assert.Contains(t, reasons[missingTitle.ID], "title")
	assert.Contains(t, reasons["not-a-uuid"], "invalid record id")
	assert.Contains(t, reasons[noteID], "songs")

	assert.NotNil(t, f.serverCopy(t, alice, valid.ID), "valid records still apply")
	assert.Equal(t, 1, f.syncLogs(t, alice)[0].RecordsSynced)
}

func TestProcessPush_normalizesIds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	upper := models.UUID(strings.ToUpper(string(noteID)))

	_, err := f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(upper, "typed", 1)}))
	require.NoError(t, err)
	assert.Equal(t, "typed", f.serverCopy(t, alice, noteID).Fields["title"])

	resp, err := f.service.ProcessPush(ctx, alice, pushCaptures(0, nil, upper, "nope"))
	require.NoError(t, err)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, models.UUID("nope"), resp.Rejected[0].RecordID)
	assert.Contains(t, resp.Rejected[0].Reason, "invalid record id")
	assert.True(t, f.serverCopy(t, alice, noteID).IsDeleted())
}

func TestProcessPush_rejectsUndecodableEntries(t *testing.T) {
	f := newFixture(t, Options{})

	req := pushCaptures(0, []*models.Record{capture(noteID, "ok", 1)})
	ec := req.Changes[models.EntityCaptures]
	ec.Invalid = []models.InvalidRecord{{ID: "broken", Reason: "record last_modified_at must be a number"}}
	req.Changes[models.EntityCaptures] = ec
	req.Changes["songs"] = models.EntityChanges{Invalid: []models.InvalidRecord{{Reason: "bad"}}}

	resp, err := f.service.ProcessPush(context.Background(), alice, req)
	require.NoError(t, err)
	require.Len(t, resp.Rejected, 2)
	reasons := map[models.UUID]string{}
	for _, r := range resp.Rejected {
		reasons[r.RecordID] = r.Reason
	}
	assert.Contains(t, reasons["broken"], "malformed record")
	assert.Contains(t, reasons[""], "songs")
	assert.NotNil(t, f.serverCopy(t, alice, noteID))
}

func TestSeedClock_survivesWallClockGoingBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.wall.set(50_000)
	resp, err := f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(noteID, "before restart", 0)}))
	require.NoError(t, err)
	stamped := f.serverCopy(t, alice, noteID).LastModifiedAt
	require.GreaterOrEqual(t, resp.Timestamp, stamped)

	// A fresh service over the same store with a wall clock behind it.
	wall := newWall(1_000)
	restarted := NewService(f.repo, f.repo, Options{Clock: wall.clock()})
	require.NoError(t, restarted.SeedClock(ctx))

	pull, err := restarted.ProcessPull(ctx, alice, &models.PullRequest{LastPulledAt: 0})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pull.Timestamp, stamped)

	_, err = restarted.ProcessPush(ctx, bob, pushCaptures(0, []*models.Record{capture(models.UUID(uuid.New()), "after restart", 0)}))
	require.NoError(t, err)
	changes, err := restarted.ProcessPull(ctx, bob, &models.PullRequest{LastPulledAt: stamped})
	require.NoError(t, err)
	assert.Len(t, changes.Changes[models.EntityCaptures].Updated, 1, "new write sorts after the old stamp")
}

func TestProcessPush_batchTooLarge(t *testing.T) {
	f := newFixture(t, Options{MaxPushRecords: 2})

	var records []*models.Record
	for i := 0; i < 3; i++ {
		records = append(records, capture(models.UUID(uuid.New()), "n", 1))
	}
	_, err := f.service.ProcessPush(context.Background(), alice, pushCaptures(0, records))
	assert.True(t, apperrors.Is(err, apperrors.ErrBatchTooLarge))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestProcessPush_duplicateIdsLastWins(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := f.service.ProcessPush(context.Background(), alice, pushCaptures(0, []*models.Record{
		capture(noteID, "first", 1),
		capture(noteID, "second", 2),
	}))
	require.NoError(t, err)
	assert.Empty(t, resp.Conflicts)
	assert.Equal(t, "second", f.serverCopy(t, alice, noteID).Fields["title"])
}

func TestProcessPush_concurrentEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Clock: NewClock(nil)})

	created, err := f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(noteID, "v1", 1)}))
	require.NoError(t, err)
	checkpoint := created.Timestamp

	var (
		wg        sync.WaitGroup
		conflicts int64
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(device int) {
			defer wg.Done()
			resp, err := f.service.ProcessPush(ctx, alice, pushCaptures(checkpoint, []*models.Record{
				capture(noteID, fmt.Sprintf("device %d", device), checkpoint+1),
			}))
			if assert.NoError(t, err) {
				atomic.AddInt64(&conflicts, int64(len(resp.Conflicts)))
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, conflicts, "the second writer must observe the first commit")
}

func TestProcessPush_notifiesAfterCommit(t *testing.T) {
	ctx := context.Background()
	var (
		gotUser string
		written int
	)
	f := newFixture(t, Options{OnPushCommitted: func(_ context.Context, userID string, n int) {
		gotUser, written = userID, n
	}})

	_, err := f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(noteID, "x", 1)}))
	require.NoError(t, err)
	assert.Equal(t, alice, gotUser)
	assert.Equal(t, 1, written)

	// A replay writes nothing and notifies nobody.
	gotUser, written = "", 0
	_, err = f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(noteID, "x", 1)}))
	require.NoError(t, err)
	assert.Empty(t, gotUser)
}

func TestSyncLog_oneRowPerCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.service.ProcessPull(ctx, alice, &models.PullRequest{})
	require.NoError(t, err)
	_, err = f.service.ProcessPush(ctx, alice, pushCaptures(0, []*models.Record{capture(noteID, "x", 1)}))
	require.NoError(t, err)
	_, err = f.service.ProcessPull(ctx, alice, &models.PullRequest{LastPulledAt: -5})
	require.Error(t, err)

	logs := f.syncLogs(t, alice)
	require.Len(t, logs, 3, "the push's own pull is not logged separately")
	assert.Equal(t, models.SyncTypePull, logs[0].SyncType)
	assert.Equal(t, models.SyncLogError, logs[0].Status)
	assert.Equal(t, models.SyncTypePush, logs[1].SyncType)
	assert.Equal(t, models.SyncLogSuccess, logs[1].Status)
	assert.Equal(t, 1, logs[1].RecordsSynced)
	assert.Equal(t, models.SyncTypePull, logs[2].SyncType)
}

type brokenLogs struct{}

func (brokenLogs) AppendSyncLog(context.Context, *models.SyncLog) error {
	return errors.New("sync_logs is locked")
}

func (brokenLogs) ListSyncLogs(context.Context, string, int) ([]*models.SyncLog, error) {
	return nil, nil
}

func TestSyncLog_failureDoesNotAbortSync(t *testing.T) {
	f := newFixture(t, Options{})
	service := NewService(f.repo, brokenLogs{}, Options{})

	resp, err := service.ProcessPush(context.Background(), alice, pushCaptures(0, []*models.Record{capture(noteID, "x", 1)}))
	require.NoError(t, err)
	assert.Len(t, resp.Changes[models.EntityCaptures].Updated, 1)
}
