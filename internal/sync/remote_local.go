package sync

import (
	"context"

	"github.com/kimhsiao/capturesync/internal/models"
	"github.com/kimhsiao/capturesync/internal/sync/reconcile"
)

// LocalRemote calls a reconcile.Service in-process as one user. It backs
// the embedded mode of the capture CLI and end-to-end tests.
type LocalRemote struct {
	service *reconcile.Service
	userID  string
}

// NewLocalRemote binds service to userID.
func NewLocalRemote(service *reconcile.Service, userID string) *LocalRemote {
	return &LocalRemote{service: service, userID: userID}
}

// Pull implements Remote.
func (r *LocalRemote) Pull(ctx context.Context, req *models.PullRequest) (*models.SyncResponse, error) {
	return r.service.ProcessPull(ctx, r.userID, req)
}

// Push implements Remote.
func (r *LocalRemote) Push(ctx context.Context, req *models.PushRequest) (*models.SyncResponse, error) {
	return r.service.ProcessPush(ctx, r.userID, req)
}
