package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sandfile/sandfile/internal/watcher"
)

type watcherStartRequest struct {
	Root     string `json:"root"`
	Priority string `json:"priority,omitempty"` // normal (default) or high
}

func (s *Server) handleWatcherStart(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	var req watcherStartRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Root == "" {
		req.Root = s.mgr.Root()
	}
	prio := watcher.PriorityNormal
	if req.Priority == "high" {
		prio = watcher.PriorityHigh
	}

	status, err := s.pool.StartWait(r.Context(), project, watcher.StartOptions{
		Root:     req.Root,
		Priority: prio,
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleWatcherStop(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Stop(r.Context(), r.PathValue("project")); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatcherInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.pool.Info(r.Context(), r.PathValue("project"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	if info == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no watcher"})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleWatcherList(w http.ResponseWriter, r *http.Request) {
	list, err := s.pool.List(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"watchers": list})
}

func (s *Server) handleWatcherStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pool.Stats(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleEvents streams a project's change batches over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	project := r.PathValue("project")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	bc := s.pool.Events()
	ch := bc.Subscribe(project)
	defer bc.Unsubscribe(project, ch)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case batch, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(batch)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: batch\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
