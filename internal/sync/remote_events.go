package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
	"github.com/kimhsiao/capturesync/internal/logging"
)

// EventsPath is the server's change-notification socket.
const EventsPath = "/api/v1/sync/events"

const (
	eventChangesAvailable = "changes.available"
	maxWatchBackoff       = 30 * time.Second
)

type changeEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Count int `json:"count"`
	} `json:"data"`
}

// WatchChanges holds the server's event socket open and calls onChange
// whenever another device of the same user commits changes. Dropped
// connections are re-dialed with capped exponential backoff. It returns
// when ctx is cancelled.
func (r *HTTPRemote) WatchChanges(ctx context.Context, onChange func(count int)) error {
	u := *r.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += EventsPath

	header := http.Header{}
	header.Set(HeaderUserID, r.userID)
	if r.deviceID != "" {
		header.Set(HeaderDeviceID, r.deviceID)
	}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}

	backoff := retry.WithCappedDuration(maxWatchBackoff, retry.NewExponential(r.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.watchOnce(ctx, u.String(), header, onChange)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apperrors.Is(err, apperrors.ErrPermission) {
			return err
		}
		logging.Debug("Change feed disconnected", map[string]interface{}{"error": err.Error()})
		return retry.RetryableError(err)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *HTTPRemote) watchOnce(ctx context.Context, url string, header http.Header, onChange func(int)) error {
	dialer := websocket.Dialer{HandshakeTimeout: r.client.Timeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return statusError(resp)
		}
		return transportError(err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrSyncUnavailable, "change feed closed", err)
		}
		var env changeEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type != eventChangesAvailable {
			continue
		}
		onChange(env.Data.Count)
	}
}
