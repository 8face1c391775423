package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/filemirror-go/internal/config"
	"github.com/tonimelisma/filemirror-go/internal/protocol"
)

// Server wires the sync engines behind the HTTP surface. Construct with
// New and mount Routes on an http.Server.
type Server struct {
	auth     *AuthGate
	sessions *SessionStore
	diff     *DiffEngine
	merge    *MergeEngine
	deletes  *DeleteEngine
	gcAge    time.Duration
	logger   *slog.Logger
}

// New builds a Server from a validated server configuration. It proves at
// startup that the temp and inbound roots share a filesystem, because
// publish correctness depends on same-filesystem rename.
func New(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := VerifySameVolume(cfg.TempRoot, cfg.InboundRoot); err != nil {
		return nil, err
	}

	lww := cfg.DeleteStrategy == config.DeleteLWW
	sessions := NewSessionStore(cfg.TempRoot, logger)

	return &Server{
		auth:     NewAuthGate(cfg.DatasetKeys, cfg.ClientKeys),
		sessions: sessions,
		diff:     NewDiffEngine(cfg.InboundRoot, lww, sessions, logger),
		merge:    NewMergeEngine(cfg.InboundRoot, cfg.TempRoot, cfg.MaxParallelUploads, sessions, logger),
		deletes:  NewDeleteEngine(cfg.InboundRoot, lww, logger),
		gcAge:    cfg.SessionMaxAgeDuration(),
		logger:   logger,
	}, nil
}

// Routes returns the chi handler for all /api/sync endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route(protocol.BasePath, func(r chi.Router) {
		r.Post("/manifest", s.handleManifest)
		r.Put("/files/{pathToken}/uploads/{uploadID}/chunks/{index}", s.handleChunk)
		r.Post("/files/{pathToken}/uploads/{uploadID}/complete", s.handleComplete)
		r.Post("/delete", s.handleDelete)
	})

	return r
}

// Sessions exposes the session store for garbage collection wiring.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// SessionMaxAge is the configured staleness horizon for session GC.
func (s *Server) SessionMaxAge() time.Duration {
	return s.gcAge
}

// logRequests is a minimal slog access logger carrying the chi request id.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// statusText returns a short human message for an error response body.
func statusText(err error) string {
	return fmt.Sprintf("%v", err)
}
