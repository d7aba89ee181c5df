package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/capturesync/internal/logging"
)

// Server routes the sync API.
type Server struct {
	Router  *chi.Mux
	Handler *Handler
	Hub     *Hub

	opts ServerOptions
}

// ServerOptions tunes routing. Zero values select defaults.
type ServerOptions struct {
	// RequestTimeout bounds every non-websocket request.
	RequestTimeout time.Duration
	// UserHeader names the header carrying the authenticated user.
	UserHeader string
}

// NewServer builds the router. hub may be nil to disable the events
// endpoint.
func NewServer(handler *Handler, hub *Hub, opts ServerOptions) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.UserHeader == "" {
		opts.UserHeader = HeaderUserID
	}
	s := &Server{
		Router:  chi.NewRouter(),
		Handler: handler,
		Hub:     hub,
		opts:    opts,
	}
	s.InitRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// InitRoutes registers every endpoint.
func (s *Server) InitRoutes() {
	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(requestLogger)
	s.Router.Use(middleware.Recoverer)

	s.Router.Get("/health", s.Handler.Health)

	s.Router.Route("/api/v1/sync", func(r chi.Router) {
		r.Use(RequireUserHeader(s.opts.UserHeader))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
			r.Post("/pull", s.Handler.Pull)
			r.Post("/push", s.Handler.Push)
			r.Get("/logs", s.Handler.SyncLogs)
			r.Get("/conflicts", s.Handler.ConflictLogs)
		})

		if s.Hub != nil {
			r.Get("/events", s.Hub.ServeWS)
		}
	})
}

// NewHTTPServer wraps handler in an http.Server. WriteTimeout is left
// unset so websocket connections outlive it; RequestTimeout bounds the
// other routes.
func NewHTTPServer(addr string, handler http.Handler, readTimeout time.Duration) *http.Server {
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		IdleTimeout:       120 * time.Second,
	}
}

// requestLogger logs one line per request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
