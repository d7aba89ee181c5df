package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/logging"
	"github.com/kimhsiao/capturesync/internal/models"
)

// API paths served by internal/api.
const (
	PullPath = "/api/v1/sync/pull"
	PushPath = "/api/v1/sync/push"
)

// Identity headers. An upstream auth layer sets X-User-ID in production.
const (
	HeaderUserID   = "X-User-ID"
	HeaderDeviceID = "X-Device-ID"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// HTTPRemoteConfig configures an HTTPRemote.
type HTTPRemoteConfig struct {
	BaseURL  string
	UserID   string
	DeviceID string
	// Token is sent as a bearer token when set.
	Token string

	Timeout time.Duration
	// MaxRetries bounds retries of transient failures per call.
	MaxRetries uint64
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPRemote talks to a sync server over HTTP. Transient failures are
// retried with exponential backoff; replaying a push is safe because the
// server ignores records whose content is unchanged.
type HTTPRemote struct {
	base       *url.URL
	userID     string
	deviceID   string
	token      string
	client     *http.Client
	maxRetries uint64
	retryBase  time.Duration
}

var _ Remote = (*HTTPRemote)(nil)

// NewHTTPRemote validates cfg and returns a remote.
func NewHTTPRemote(cfg HTTPRemoteConfig) (*HTTPRemote, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid server url %q", cfg.BaseURL)
	}
	if cfg.UserID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "user id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPRemote{
		base:       base,
		userID:     cfg.UserID,
		deviceID:   cfg.DeviceID,
		token:      cfg.Token,
		client:     client,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
	}, nil
}

// Pull implements Remote.
func (r *HTTPRemote) Pull(ctx context.Context, req *models.PullRequest) (*models.SyncResponse, error) {
	return r.call(ctx, PullPath, req)
}

// Push implements Remote.
func (r *HTTPRemote) Push(ctx context.Context, req *models.PushRequest) (*models.SyncResponse, error) {
	return r.call(ctx, PushPath, req)
}

func (r *HTTPRemote) call(ctx context.Context, path string, payload interface{}) (*models.SyncResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode request", err)
	}

	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.retryBase))
	var out *models.SyncResponse
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp, err := r.send(ctx, path, body)
		if err != nil {
			if apperrors.IsRetryable(err) && ctx.Err() == nil {
				logging.Debug("Retrying sync request", map[string]interface{}{
					"path":    path,
					"attempt": attempt,
					"error":   err.Error(),
				})
				return retry.RetryableError(err)
			}
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *HTTPRemote) send(ctx context.Context, path string, body []byte) (*models.SyncResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base.String()+path, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderUserID, r.userID)
	if r.deviceID != "" {
		req.Header.Set(HeaderDeviceID, r.deviceID)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out models.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "decode sync response", err)
	}
	return &out, nil
}

func transportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "sync server timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrSyncUnavailable, "sync server unreachable", err)
}

// statusError maps a non-200 response to a coded error, preferring the
// code the server sent.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body models.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Code != "" {
		return apperrors.New(apperrors.ErrorCode(body.Code), body.Message)
	}

	msg := fmt.Sprintf("sync server returned %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrPermission, msg)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return apperrors.New(apperrors.ErrBatchTooLarge, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperrors.New(apperrors.ErrSyncUnavailable, msg)
	default:
		return apperrors.New(apperrors.ErrValidation, msg)
	}
}
