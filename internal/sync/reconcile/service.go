// Package reconcile implements the server side of the sync protocol:
// pulling changes since a checkpoint and applying a client's pushed
// changes in one transaction with conflict detection.
package reconcile

import (
	"context"
	"sort"

	"github.com/kimhsiao/capturesync/internal/db"
	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/logging"
	"github.com/kimhsiao/capturesync/internal/models"
	"github.com/kimhsiao/capturesync/internal/sync/conflict"
	"github.com/kimhsiao/capturesync/internal/uuid"
)

// DefaultMaxPushRecords bounds a single push request.
const DefaultMaxPushRecords = 500

// Options configures a Service. Zero values select defaults.
type Options struct {
	Registry       *models.Registry
	Resolver       *conflict.Resolver
	Clock          *Clock
	MaxPushRecords int
	// OnPushCommitted runs after a push transaction that wrote records
	// has committed. ctx is the push request's context.
	OnPushCommitted func(ctx context.Context, userID string, written int)
}

// Service reconciles client state with the server store.
type Service struct {
	store    db.RecordStore
	logs     db.SyncLogRepository
	registry *models.Registry
	resolver *conflict.Resolver
	clock    *Clock
	maxPush  int
	onCommit func(ctx context.Context, userID string, written int)
}

// NewService creates a Service.
func NewService(store db.RecordStore, logs db.SyncLogRepository, opts Options) *Service {
	if opts.Registry == nil {
		opts.Registry = models.DefaultRegistry()
	}
	if opts.Resolver == nil {
		opts.Resolver = conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins)
	}
	if opts.Clock == nil {
		opts.Clock = NewClock(nil)
	}
	if opts.MaxPushRecords <= 0 {
		opts.MaxPushRecords = DefaultMaxPushRecords
	}
	return &Service{
		store:    store,
		logs:     logs,
		registry: opts.Registry,
		resolver: opts.Resolver,
		clock:    opts.Clock,
		maxPush:  opts.MaxPushRecords,
		onCommit: opts.OnPushCommitted,
	}
}

// SeedClock raises the clock to the newest stamp already stored, so stamps
// issued after a restart stay above everything clients may have pulled.
func (s *Service) SeedClock(ctx context.Context) error {
	for _, schema := range s.registry.Schemas() {
		ts, err := s.store.MaxLastModified(ctx, schema)
		if err != nil {
			return err
		}
		s.clock.Observe(ts)
	}
	return nil
}

// Registry returns the entity types the service accepts.
func (s *Service) Registry() *models.Registry {
	return s.registry
}

// ProcessPull returns every change of the user's records since
// req.LastPulledAt, split into updated records and deleted ids.
func (s *Service) ProcessPull(ctx context.Context, userID string, req *models.PullRequest) (resp *models.SyncResponse, err error) {
	run := s.startRun(userID, models.SyncTypePull)
	defer func() { s.finishRun(ctx, run, resp, err) }()

	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if req == nil {
		req = &models.PullRequest{}
	}
	if req.LastPulledAt < 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "lastPulledAt must not be negative")
	}
	schemas, err := s.schemasFor(req.Entities)
	if err != nil {
		return nil, err
	}
	return s.pull(ctx, userID, req.LastPulledAt, schemas)
}

// pull reads changes inside a transaction so that, on SQLite, no push can
// commit between taking the timestamp and reading the rows.
func (s *Service) pull(ctx context.Context, userID string, since int64, schemas []*models.EntitySchema) (*models.SyncResponse, error) {
	resp := &models.SyncResponse{Changes: make(models.Changes, len(schemas))}
	err := s.store.InTx(ctx, func(tx db.RecordTx) error {
		resp.Timestamp = s.clock.Now()
		for _, schema := range schemas {
			records, err := tx.ChangedSince(ctx, schema, userID, since)
			if err != nil {
				return err
			}
			changes := models.EntityChanges{
				Updated: []*models.Record{},
				Deleted: []models.UUID{},
			}
			for _, rec := range records {
				if rec.IsDeleted() {
					changes.Deleted = append(changes.Deleted, rec.ID)
					continue
				}
				// Ownership is implied by the request; keep it off the wire.
				rec.UserID = ""
				changes.Updated = append(changes.Updated, rec)
			}
			resp.Changes[schema.Type] = changes
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "pull changes", err)
	}
	return resp, nil
}

// pushBatch is a validated push: records grouped by schema, duplicates
// collapsed to their last occurrence.
type pushBatch struct {
	schemas []*models.EntitySchema
	updated map[models.EntityType][]*models.Record
	deleted map[models.EntityType][]models.UUID
	size    int
}

// ProcessPush applies the client's changes in one transaction, then
// returns the server changes since req.LastPulledAt together with the
// detected conflicts and the records rejected by validation.
func (s *Service) ProcessPush(ctx context.Context, userID string, req *models.PushRequest) (resp *models.SyncResponse, err error) {
	run := s.startRun(userID, models.SyncTypePush)
	defer func() { s.finishRun(ctx, run, resp, err) }()

	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "push request is empty")
	}
	if req.LastPulledAt < 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "lastPulledAt must not be negative")
	}
	if n := req.Changes.Count(); n > s.maxPush {
		return nil, apperrors.Newf(apperrors.ErrBatchTooLarge, "push carries %d records, limit is %d", n, s.maxPush)
	}

	batch, rejected := s.validatePush(req.Changes)
	run.accepted = batch.size

	var (
		conflicts []models.Conflict
		written   int
	)
	if batch.size > 0 {
		err := s.store.InTx(ctx, func(tx db.RecordTx) error {
			// Reset in case the transaction function is retried.
			conflicts, written = nil, 0
			for _, schema := range batch.schemas {
				for _, rec := range batch.updated[schema.Type] {
					c, w, err := s.applyUpdate(ctx, tx, schema, userID, req.LastPulledAt, rec)
					if err != nil {
						return err
					}
					if c != nil {
						conflicts = append(conflicts, *c)
					}
					written += w
				}
				for _, id := range batch.deleted[schema.Type] {
					w, err := s.applyDelete(ctx, tx, schema, userID, id)
					if err != nil {
						return err
					}
					written += w
				}
			}
			return nil
		})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "apply push", err)
		}
	}
	run.conflicts = len(conflicts)

	if written > 0 && s.onCommit != nil {
		s.onCommit(ctx, userID, written)
	}

	resp, err = s.pull(ctx, userID, req.LastPulledAt, s.registry.Schemas())
	if err != nil {
		return nil, err
	}
	resp.Conflicts = conflicts
	resp.Rejected = rejected
	return resp, nil
}

// validatePush isolates records that can never be applied. It runs before
// the transaction so that one malformed record does not block the batch.
func (s *Service) validatePush(changes models.Changes) (*pushBatch, []models.RejectedRecord) {
	batch := &pushBatch{
		updated: make(map[models.EntityType][]*models.Record),
		deleted: make(map[models.EntityType][]models.UUID),
	}
	var rejected []models.RejectedRecord

	types := make([]models.EntityType, 0, len(changes))
	for t := range changes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		ec := changes[t]
		schema, err := s.registry.Lookup(t)
		if err != nil {
			for _, rec := range ec.Updated {
				rejected = append(rejected, reject(t, recordID(rec), err))
			}
			for _, id := range ec.Deleted {
				rejected = append(rejected, reject(t, id, err))
			}
			for _, inv := range ec.Invalid {
				rejected = append(rejected, reject(t, inv.ID, err))
			}
			continue
		}

		for _, inv := range ec.Invalid {
			rejected = append(rejected, reject(t, inv.ID,
				apperrors.New(apperrors.ErrValidation, "malformed record: "+inv.Reason)))
		}

		// Last occurrence of an id wins.
		index := make(map[models.UUID]int)
		var updated []*models.Record
		for _, rec := range ec.Updated {
			if rec != nil {
				rec = rec.Clone()
				id, err := uuid.Normalize(string(rec.ID))
				if err != nil {
					rejected = append(rejected, reject(t, rec.ID, apperrors.Wrap(apperrors.ErrValidation, "invalid record id", err)))
					continue
				}
				rec.ID = models.UUID(id)
				if rec.Status == "" {
					rec.Status = models.StatusActive
				}
			}
			if err := schema.Validate(rec); err != nil {
				rejected = append(rejected, reject(t, recordID(rec), err))
				continue
			}
			if i, dup := index[rec.ID]; dup {
				updated[i] = rec
				continue
			}
			index[rec.ID] = len(updated)
			updated = append(updated, rec)
		}

		seen := make(map[models.UUID]bool)
		var deleted []models.UUID
		for _, raw := range ec.Deleted {
			norm, err := uuid.Normalize(string(raw))
			if err != nil {
				rejected = append(rejected, reject(t, raw, apperrors.Wrap(apperrors.ErrValidation, "invalid record id", err)))
				continue
			}
			id := models.UUID(norm)
			if seen[id] {
				continue
			}
			seen[id] = true
			deleted = append(deleted, id)
		}

		if len(updated)+len(deleted) == 0 {
			continue
		}
		batch.schemas = append(batch.schemas, schema)
		batch.updated[t] = updated
		batch.deleted[t] = deleted
		batch.size += len(updated) + len(deleted)
	}

	for _, r := range rejected {
		logging.Warn("Rejected pushed record", map[string]interface{}{
			"entity":    r.Entity,
			"record_id": r.RecordID,
			"reason":    r.Reason,
		})
	}
	return batch, rejected
}

// applyUpdate writes one pushed record and reports a conflict if the
// server copy changed after the client's checkpoint.
func (s *Service) applyUpdate(ctx context.Context, tx db.RecordTx, schema *models.EntitySchema, userID string, lastPulledAt int64, rec *models.Record) (*models.Conflict, int, error) {
	rec.UserID = userID

	existing, err := tx.GetRecord(ctx, schema, userID, rec.ID)
	if err != nil {
		return nil, 0, err
	}

	if existing == nil {
		rec.LastModifiedAt = s.clock.Next(0)
		if rec.CreatedAt <= 0 || rec.CreatedAt > rec.LastModifiedAt {
			rec.CreatedAt = rec.LastModifiedAt
		}
		return nil, 1, tx.InsertRecord(ctx, schema, rec)
	}

	// Replaying an already applied change is a no-op.
	if models.SameContent(existing, rec) {
		return nil, 0, nil
	}

	if !conflict.HasConflict(existing, lastPulledAt) {
		rec.CreatedAt = existing.CreatedAt
		rec.LastModifiedAt = s.clock.Next(existing.LastModifiedAt)
		return nil, 1, tx.UpdateRecord(ctx, schema, rec)
	}

	result, err := s.resolver.Resolve(existing, rec, schema.Type)
	if err != nil {
		return nil, 0, err
	}
	result.ConflictLog.DetectedAt = s.clock.Wall()
	if err := tx.CreateConflictLog(ctx, result.ConflictLog); err != nil {
		return nil, 0, err
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"user_id":          userID,
		"entity":           schema.Type,
		"record_id":        rec.ID,
		"server_timestamp": existing.LastModifiedAt,
		"client_timestamp": rec.LastModifiedAt,
		"last_pulled_at":   lastPulledAt,
		"strategy":         result.Strategy,
		"winner":           result.Winner,
	})

	c := &models.Conflict{
		Entity:             schema.Type,
		RecordID:           rec.ID,
		ResolutionStrategy: string(result.Strategy),
	}
	if result.Winner == conflict.WinnerServer || models.SameContent(existing, result.Record) {
		return c, 0, nil
	}
	kept := result.Record
	kept.LastModifiedAt = s.clock.Next(existing.LastModifiedAt)
	return c, 1, tx.UpdateRecord(ctx, schema, kept)
}

// applyDelete flips a record to deleted. Unknown or already deleted ids
// are no-ops.
func (s *Service) applyDelete(ctx context.Context, tx db.RecordTx, schema *models.EntitySchema, userID string, id models.UUID) (int, error) {
	existing, err := tx.GetRecord(ctx, schema, userID, id)
	if err != nil {
		return 0, err
	}
	if existing == nil || existing.IsDeleted() {
		return 0, nil
	}
	existing.Status = models.StatusDeleted
	existing.LastModifiedAt = s.clock.Next(existing.LastModifiedAt)
	return 1, tx.UpdateRecord(ctx, schema, existing)
}

func (s *Service) schemasFor(types []models.EntityType) ([]*models.EntitySchema, error) {
	if len(types) == 0 {
		return s.registry.Schemas(), nil
	}
	seen := make(map[models.EntityType]bool, len(types))
	out := make([]*models.EntitySchema, 0, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		schema, err := s.registry.Lookup(t)
		if err != nil {
			return nil, err
		}
		out = append(out, schema)
	}
	return out, nil
}

func checkUser(userID string) error {
	if userID == "" {
		return apperrors.New(apperrors.ErrPermission, "missing user identity")
	}
	return nil
}

func recordID(rec *models.Record) models.UUID {
	if rec == nil {
		return ""
	}
	return rec.ID
}

func reject(t models.EntityType, id models.UUID, err error) models.RejectedRecord {
	return models.RejectedRecord{Entity: t, RecordID: id, Reason: apperrors.Message(err)}
}
