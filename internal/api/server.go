// Package api provides the HTTP management server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sandfile/sandfile/internal/cache"
	"github.com/sandfile/sandfile/internal/collab"
	"github.com/sandfile/sandfile/internal/errs"
	"github.com/sandfile/sandfile/internal/logging"
	"github.com/sandfile/sandfile/internal/manager"
	"github.com/sandfile/sandfile/internal/watcher"
)

// Server is the HTTP server. Authentication is out of scope; the caller's
// identity is taken from the X-User-ID header for audit purposes.
type Server struct {
	mgr   *manager.Manager
	pool  *watcher.Pool
	coord *collab.Coordinator
	cache *cache.Engine
	log   *zap.Logger
}

// NewServer creates a new server.
func NewServer(mgr *manager.Manager, pool *watcher.Pool, coord *collab.Coordinator, eng *cache.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{mgr: mgr, pool: pool, coord: coord, cache: eng, log: log.Named("api")}
}

// Handler returns the HTTP handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Files
	mux.HandleFunc("GET /api/v1/files/{path...}", s.handleRead)
	mux.HandleFunc("PUT /api/v1/files/{path...}", s.handleWrite)
	mux.HandleFunc("DELETE /api/v1/files/{path...}", s.handleDelete)
	mux.HandleFunc("GET /api/v1/list", s.handleList)
	mux.HandleFunc("GET /api/v1/list/{path...}", s.handleList)
	mux.HandleFunc("POST /api/v1/dirs/{path...}", s.handleMkdir)
	mux.HandleFunc("POST /api/v1/move", s.handleMove)
	mux.HandleFunc("POST /api/v1/copy", s.handleCopy)

	// Trash
	mux.HandleFunc("GET /api/v1/trash", s.handleListTrash)
	mux.HandleFunc("POST /api/v1/trash/restore", s.handleRestore)
	mux.HandleFunc("DELETE /api/v1/trash", s.handleEmptyTrash)

	// Watchers
	mux.HandleFunc("POST /api/v1/watchers/{project}", s.handleWatcherStart)
	mux.HandleFunc("DELETE /api/v1/watchers/{project}", s.handleWatcherStop)
	mux.HandleFunc("GET /api/v1/watchers/{project}", s.handleWatcherInfo)
	mux.HandleFunc("GET /api/v1/watchers", s.handleWatcherList)
	mux.HandleFunc("GET /api/v1/watcher-stats", s.handleWatcherStats)

	// Events (SSE)
	mux.HandleFunc("GET /api/v1/events/{project}", s.handleEvents)

	// Cache
	mux.HandleFunc("GET /api/v1/cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /api/v1/cache/clear", s.handleCacheClear)
	mux.HandleFunc("POST /api/v1/cache/invalidate", s.handleCacheInvalidate)

	// Locks and presence
	mux.HandleFunc("POST /api/v1/locks", s.handleLockAcquire)
	mux.HandleFunc("DELETE /api/v1/locks/{id}", s.handleLockRelease)
	mux.HandleFunc("GET /api/v1/locks", s.handleLockList)
	mux.HandleFunc("POST /api/v1/presence", s.handlePresence)
	mux.HandleFunc("GET /api/v1/presence", s.handlePresenceList)

	return logging.Middleware(s.log, mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"project": s.mgr.Project(),
	})
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encode failed", zap.Error(err))
	}
}

// sendError maps taxonomy errors onto HTTP status codes.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, errs.ErrFileNotFound),
		errors.Is(err, errs.ErrDirectoryNotFound),
		errors.Is(err, errs.ErrNotLocked):
		code = http.StatusNotFound
	case errors.Is(err, errs.ErrFileAlreadyExists),
		errors.Is(err, errs.ErrAlreadyLocked):
		code = http.StatusConflict
	case errors.Is(err, errs.ErrPathTraversal),
		errors.Is(err, errs.ErrSymlinkEscape),
		errors.Is(err, errs.ErrSymlinkLoop),
		errors.Is(err, errs.ErrInvalidExtension),
		errors.Is(err, errs.ErrDangerousContent),
		errors.Is(err, errs.ErrMalwareDetected):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrFileTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, errs.ErrPermissionDenied):
		code = http.StatusForbidden
	case errors.Is(err, errs.ErrQueueTimeout):
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
