package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/logging"
	"github.com/kimhsiao/capturesync/internal/models"
	"github.com/kimhsiao/capturesync/internal/sync/reconcile"
)

// maxBodyBytes bounds a pull or push request body.
const maxBodyBytes = 8 << 20

// DefaultLogLimit is the page size of the log endpoints.
const DefaultLogLimit = 50

// LogReader reads the audit tables for the log endpoints.
type LogReader interface {
	ListSyncLogs(ctx context.Context, userID string, limit int) ([]*models.SyncLog, error)
	ListConflictLogs(ctx context.Context, userID string, limit int) ([]*models.ConflictLog, error)
}

// Pinger reports database health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler serves the sync endpoints.
type Handler struct {
	service *reconcile.Service
	logs    LogReader
	db      Pinger
}

// NewHandler creates a Handler. logs and db may be nil.
func NewHandler(service *reconcile.Service, logs LogReader, db Pinger) *Handler {
	return &Handler{service: service, logs: logs, db: db}
}

// Pull handles POST /api/v1/sync/pull.
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	var req models.PullRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	resp, err := h.service.ProcessPull(r.Context(), UserIDFrom(r.Context()), &req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, resp, http.StatusOK)
}

// Push handles POST /api/v1/sync/push.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	var req models.PushRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	resp, err := h.service.ProcessPush(r.Context(), UserIDFrom(r.Context()), &req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, resp, http.StatusOK)
}

// SyncLogs handles GET /api/v1/sync/logs.
func (h *Handler) SyncLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if h.logs == nil {
		respond(w, r, []*models.SyncLog{}, http.StatusOK)
		return
	}
	logs, err := h.logs.ListSyncLogs(r.Context(), UserIDFrom(r.Context()), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.SyncLog{}
	}
	respond(w, r, logs, http.StatusOK)
}

// ConflictLogs handles GET /api/v1/sync/conflicts.
func (h *Handler) ConflictLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if h.logs == nil {
		respond(w, r, []*models.ConflictLog{}, http.StatusOK)
		return
	}
	logs, err := h.logs.ListConflictLogs(r.Context(), UserIDFrom(r.Context()), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	respond(w, r, logs, http.StatusOK)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			logging.Error("Health check failed", err, nil)
			respond(w, r, map[string]string{"status": "unavailable"}, http.StatusServiceUnavailable)
			return
		}
	}
	respond(w, r, map[string]string{"status": "ok", "service": "capturesync"}, http.StatusOK)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperrors.Newf(apperrors.ErrBatchTooLarge, "request body exceeds %d bytes", maxBodyBytes)
		case errors.Is(err, io.EOF):
			return apperrors.New(apperrors.ErrInvalid, "request body is empty")
		default:
			return apperrors.Wrap(apperrors.ErrInvalid, "malformed request body", err)
		}
	}
	return nil
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultLogLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "invalid limit %q", raw)
	}
	return n, nil
}

func respond(w http.ResponseWriter, _ *http.Request, data interface{}, status int) {
	res, err := json.Marshal(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(res)
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := StatusFor(code)
	body := models.ErrorResponse{Code: string(code), Message: apperrors.Message(err)}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"user":   UserIDFrom(r.Context()),
		})
		if code == apperrors.ErrInternal {
			body.Message = "internal error"
		}
	}
	respond(w, r, body, status)
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid, apperrors.ErrUnknownEntity:
		return http.StatusBadRequest
	case apperrors.ErrBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperrors.ErrPermission:
		return http.StatusUnauthorized
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrDatabase, apperrors.ErrSyncFailed, apperrors.ErrSyncUnavailable, apperrors.ErrSyncTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
