package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sandfile/sandfile/internal/manager"
)

// maxRequestBody bounds uploads read into memory. The manager enforces the
// configured file size limit on top of this.
const maxRequestBody = 512 * 1024 * 1024

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	fc, err := s.mgr.Read(r.Context(), manager.ReadRequest{
		Path:   r.PathValue("path"),
		UserID: userID(r),
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	// Report the body's plaintext length, not the on-disk size, which
	// differs for encrypted files.
	w.Header().Set("X-File-Size", strconv.Itoa(len(fc.Data)))
	if fc.Info.Encrypted {
		w.Header().Set("X-Encrypted", "true")
	}
	w.Write(fc.Data)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.sendError(w, err)
		return
	}
	r.Body.Close()

	q := r.URL.Query()
	info, err := s.mgr.Write(r.Context(), manager.WriteRequest{
		Path:      r.PathValue("path"),
		Data:      data,
		UserID:    userID(r),
		Overwrite: q.Get("overwrite") == "true",
		Encrypt:   q.Get("encrypt") == "true",
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := s.mgr.Delete(r.Context(), manager.DeleteRequest{
		Path:      r.PathValue("path"),
		UserID:    userID(r),
		Permanent: q.Get("permanent") == "true",
		Recursive: q.Get("recursive") == "true",
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	dir := r.PathValue("path")
	if dir == "" {
		dir = "."
	}
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	l, err := s.mgr.List(r.Context(), manager.ListRequest{
		Dir:    dir,
		UserID: userID(r),
		Options: manager.ListOptions{
			SortBy:     q.Get("sort"),
			Descending: q.Get("desc") == "true",
			DirsFirst:  q.Get("dirs_first") == "true",
			Filter:     q.Get("filter"),
			Offset:     offset,
			Limit:      limit,
		},
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	info, err := s.mgr.CreateDirectory(r.Context(), manager.MkdirRequest{
		Path:   r.PathValue("path"),
		UserID: userID(r),
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

type transferRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	info, err := s.mgr.Move(r.Context(), manager.MoveRequest{
		Source:      req.Source,
		Destination: req.Destination,
		UserID:      userID(r),
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	info, err := s.mgr.Copy(r.Context(), manager.CopyRequest{
		Source:      req.Source,
		Destination: req.Destination,
		UserID:      userID(r),
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	entries, err := s.mgr.ListTrash(r.Context(), userID(r))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	info, err := s.mgr.Restore(r.Context(), manager.RestoreRequest{
		TrashName: req.Name,
		UserID:    userID(r),
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad older_than"})
			return
		}
		olderThan = d
	}
	n, err := s.mgr.EmptyTrash(r.Context(), userID(r), olderThan)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
