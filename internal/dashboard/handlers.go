package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldbook/fieldbook/internal/backup"
	"github.com/fieldbook/fieldbook/internal/coordinator"
	"github.com/fieldbook/fieldbook/internal/lock"
	"github.com/fieldbook/fieldbook/internal/store"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LockResponse is the reply to /lock/enter.
type LockResponse struct {
	Granted   bool       `json:"granted"`
	Outcome   string     `json:"outcome"`
	Message   string     `json:"message"`
	Holder    string     `json:"holder,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Reclaimed bool       `json:"reclaimed,omitempty"`
	Token     int64      `json:"token,omitempty"`
}

// SnapshotResponse is the reply to /backup.
type SnapshotResponse struct {
	Name        string    `json:"name"`
	Time        time.Time `json:"time"`
	Size        int       `json:"size"`
	SharedPath  string    `json:"shared_path"`
	LocalPath   string    `json:"local_path"`
	SharedError string    `json:"shared_error,omitempty"`
	LocalError  string    `json:"local_error,omitempty"`
}

// BackupsResponse is the reply to /backups.
type BackupsResponse struct {
	Last   backup.Times   `json:"last"`
	Shared []backup.Entry `json:"shared"`
	Local  []backup.Entry `json:"local"`
}

// SyncResponse is the reply to /sync/all.
type SyncResponse struct {
	Scopes   int               `json:"scopes"`
	Inserted int               `json:"inserted"`
	Deleted  int               `json:"deleted"`
	Pruned   int               `json:"pruned"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.config.Logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// unavailable maps errors caused by serving a snapshot to 503.
func unavailable(err error) bool {
	return errors.Is(err, coordinator.ErrOffline) || errors.Is(err, store.ErrReadOnly)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status(r.Context()))
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	d, err := s.backend.EnterEdit(r.Context(), sessionID(r))
	if err != nil {
		if unavailable(err) {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := LockResponse{
		Granted:   d.Granted(),
		Outcome:   string(d.Outcome),
		Message:   d.Message(),
		Reclaimed: d.Reclaimed,
	}
	if d.Info != nil {
		resp.Holder = d.Info.Holder
		resp.Token = d.Info.Token
		if !d.Info.AcquiredAt.IsZero() {
			t := d.Info.AcquiredAt
			resp.Since = &t
		}
	}

	status := http.StatusOK
	if !d.Granted() {
		status = http.StatusLocked
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	released, err := s.backend.ExitEdit(r.Context(), sessionID(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	err := s.backend.Unlock(r.Context(), sessionID(r))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, lock.ErrNotOwner):
		s.writeError(w, http.StatusForbidden, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.ManualBackup(r.Context())
	if snap == nil {
		switch {
		case unavailable(err):
			s.writeError(w, http.StatusServiceUnavailable, err)
		case err != nil:
			s.writeError(w, http.StatusInternalServerError, err)
		default:
			s.writeError(w, http.StatusInternalServerError, errors.New("no snapshot created"))
		}
		return
	}

	resp := SnapshotResponse{
		Name:       snap.Name,
		Time:       snap.Time,
		Size:       snap.Size,
		SharedPath: snap.SharedPath,
		LocalPath:  snap.LocalPath,
	}
	if snap.SharedErr != nil {
		resp.SharedError = snap.SharedErr.Error()
	}
	if snap.LocalErr != nil {
		resp.LocalError = snap.LocalErr.Error()
	}
	status := http.StatusCreated
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleBackups(w http.ResponseWriter, _ *http.Request) {
	resp := BackupsResponse{Last: s.backend.LastBackups()}
	// A missing destination lists as empty.
	resp.Shared, _ = s.backend.ListBackups(backup.Shared)
	resp.Local, _ = s.backend.ListBackups(backup.Local)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid customer id"))
		return
	}
	att, err := s.backend.Attachments(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrCustomerNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, att)
	}
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.backend.SyncAll(r.Context())
	if err != nil {
		if unavailable(err) {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := SyncResponse{Scopes: len(summary.Reports)}
	for _, rep := range summary.Reports {
		resp.Inserted += len(rep.Inserted)
		resp.Deleted += len(rep.Deleted)
		resp.Pruned += len(rep.Pruned)
	}
	if len(summary.Failed) > 0 {
		resp.Failed = make(map[string]string, len(summary.Failed))
		for scope, ferr := range summary.Failed {
			resp.Failed[scope] = ferr.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.RebuildIndex(r.Context())
	if err != nil {
		if unavailable(err) {
			s.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"files": n})
}

func (s *Server) handleNewFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.backend.NewFilesToday(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(files), "files": files})
}
