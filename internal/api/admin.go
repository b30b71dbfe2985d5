package api

import (
	"net/http"
	"time"

	"github.com/sandfile/sandfile/internal/collab"
)

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		project = s.mgr.Project()
	}
	n := s.cache.Clear(project)
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project string `json:"project,omitempty"`
		Pattern string `json:"pattern"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Project == "" {
		req.Project = s.mgr.Project()
	}
	n, err := s.cache.InvalidatePattern(req.Project, req.Pattern)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type lockRequest struct {
	Path string `json:"path"`
	Type string `json:"type,omitempty"` // exclusive (default) or shared
	TTL  string `json:"ttl,omitempty"`  // duration string
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	typ := collab.LockExclusive
	if req.Type == string(collab.LockShared) {
		typ = collab.LockShared
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad ttl"})
			return
		}
		ttl = d
	}

	l, err := s.coord.Acquire(s.mgr.Project(), req.Path, userID(r), typ, ttl)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Release(s.mgr.Project(), r.PathValue("id"), userID(r)); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLockList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	locks := s.coord.Locks(s.mgr.Project(), path)
	s.writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path  string `json:"path"`
		Leave bool   `json:"leave,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Leave {
		s.coord.Leave(s.mgr.Project(), req.Path, userID(r))
	} else {
		s.coord.Announce(s.mgr.Project(), req.Path, userID(r))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresenceList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	users := s.coord.Present(s.mgr.Project(), path)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"path":  path,
		"users": users,
		"count": len(users),
	})
}
