// Package conflict provides conflict detection and resolution for
// multi-device synchronization.
package conflict

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kimhsiao/capturesync/internal/models"
)

// ResolutionStrategy names how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyServerWins    ResolutionStrategy = "server_wins"
	ResolutionStrategyClientWins    ResolutionStrategy = "client_wins"
)

// Winner identifies which side of a conflict was kept.
type Winner string

const (
	WinnerServer Winner = "server"
	WinnerClient Winner = "client"
)

// Strategy picks the surviving side of a conflict. Implementations must be
// deterministic and free of side effects.
type Strategy interface {
	Name() ResolutionStrategy
	Choose(server, client *models.Record) Winner
}

type lastWriteWins struct{}

func (lastWriteWins) Name() ResolutionStrategy { return ResolutionStrategyLastWriteWins }

// Choose keeps the newer record; ties go to the server copy.
func (lastWriteWins) Choose(server, client *models.Record) Winner {
	if client.LastModifiedAt > server.LastModifiedAt {
		return WinnerClient
	}
	return WinnerServer
}

type serverWins struct{}

func (serverWins) Name() ResolutionStrategy          { return ResolutionStrategyServerWins }
func (serverWins) Choose(_, _ *models.Record) Winner { return WinnerServer }

type clientWins struct{}

func (clientWins) Name() ResolutionStrategy          { return ResolutionStrategyClientWins }
func (clientWins) Choose(_, _ *models.Record) Winner { return WinnerClient }

var builtin = map[ResolutionStrategy]Strategy{
	ResolutionStrategyLastWriteWins: lastWriteWins{},
	ResolutionStrategyServerWins:    serverWins{},
	ResolutionStrategyClientWins:    clientWins{},
}

// StrategyByName returns a shipped strategy.
func StrategyByName(name ResolutionStrategy) (Strategy, error) {
	s, ok := builtin[name]
	if !ok {
		return nil, &ConflictError{Message: fmt.Sprintf("unknown resolution strategy %q", name)}
	}
	return s, nil
}

// StrategyNames lists the shipped strategies.
func StrategyNames() []ResolutionStrategy {
	names := make([]ResolutionStrategy, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Resolver resolves conflicts with a default strategy and optional
// per-entity-type overrides.
type Resolver struct {
	mu       sync.RWMutex
	fallback Strategy
	byType   map[models.EntityType]Strategy
}

// NewResolver creates a Resolver whose default is the named strategy.
// Unknown names fall back to last-write-wins.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	s, err := StrategyByName(strategy)
	if err != nil {
		s = lastWriteWins{}
	}
	return &Resolver{
		fallback: s,
		byType:   make(map[models.EntityType]Strategy),
	}
}

// Register sets the strategy used for one entity type.
func (r *Resolver) Register(entityType models.EntityType, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[entityType] = s
}

// RegisterNamed is Register with a shipped strategy name, as found in
// configuration.
func (r *Resolver) RegisterNamed(entityType models.EntityType, name ResolutionStrategy) error {
	s, err := StrategyByName(name)
	if err != nil {
		return err
	}
	r.Register(entityType, s)
	return nil
}

// StrategyFor returns the strategy applied to entityType.
func (r *Resolver) StrategyFor(entityType models.EntityType) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byType[entityType]; ok {
		return s
	}
	return r.fallback
}

// HasConflict reports whether the server copy changed after the client's
// last pull, i.e. the client edited a version it had not seen.
func HasConflict(server *models.Record, lastPulledAt int64) bool {
	if server == nil {
		return false
	}
	return server.LastModifiedAt > lastPulledAt
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	// Record is the surviving version. It is a copy owned by the caller.
	Record   *models.Record
	Winner   Winner
	Strategy ResolutionStrategy
	// ConflictLog is the awareness entry; DetectedAt is left to the caller.
	ConflictLog *models.ConflictLog
}

// Resolve picks the surviving version of a record edited on both sides.
// The result keeps the server's ownership and creation time.
func (r *Resolver) Resolve(server, client *models.Record, entityType models.EntityType) (*ResolveResult, error) {
	if server == nil || client == nil {
		return nil, ErrInvalidConflict
	}
	if server.ID != client.ID {
		return nil, ErrItemIDMismatch
	}

	s := r.StrategyFor(entityType)
	winner := s.Choose(server, client)

	var kept *models.Record
	switch winner {
	case WinnerServer:
		kept = server.Clone()
	case WinnerClient:
		kept = client.Clone()
		kept.UserID = server.UserID
		kept.CreatedAt = server.CreatedAt
	default:
		return nil, ErrConflictUnresolved
	}

	return &ResolveResult{
		Record:   kept,
		Winner:   winner,
		Strategy: s.Name(),
		ConflictLog: &models.ConflictLog{
			UserID:          server.UserID,
			EntityType:      entityType,
			RecordID:        server.ID,
			ServerTimestamp: server.LastModifiedAt,
			ClientTimestamp: client.LastModifiedAt,
			Resolution:      string(s.Name()),
			Winner:          string(winner),
		},
	}, nil
}

// Errors
var (
	ErrInvalidConflict    = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrItemIDMismatch     = &ConflictError{Message: "record ID mismatch"}
	ErrConflictUnresolved = &ConflictError{Message: "conflict could not be resolved"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
