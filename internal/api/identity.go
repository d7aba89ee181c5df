// Package api exposes the reconciliation service over HTTP and notifies a
// user's other connected devices when their data changes.
package api

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/capturesync/internal/errors"
)

// Identity headers set by the upstream auth layer.
const (
	HeaderUserID   = "X-User-ID"
	HeaderDeviceID = "X-Device-ID"
)

type contextKey int

const (
	userIDKey contextKey = iota
	deviceIDKey
)

// WithIdentity returns ctx carrying the caller's user and device.
func WithIdentity(ctx context.Context, userID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// UserIDFrom returns the authenticated user, or "".
func UserIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// DeviceIDFrom returns the calling device, or "" when the client did not
// identify one.
func DeviceIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(deviceIDKey).(string)
	return v
}

// RequireUser copies the identity headers into the request context and
// answers 401 when no user is present.
func RequireUser(next http.Handler) http.Handler {
	return RequireUserHeader(HeaderUserID)(next)
}

// RequireUserHeader is RequireUser reading the user from userHeader.
func RequireUserHeader(userHeader string) func(http.Handler) http.Handler {
	if userHeader == "" {
		userHeader = HeaderUserID
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(userHeader))
			if userID == "" {
				respondError(w, r, apperrors.New(apperrors.ErrPermission, "missing user identity"))
				return
			}
			deviceID := strings.TrimSpace(r.Header.Get(HeaderDeviceID))
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID, deviceID)))
		})
	}
}
