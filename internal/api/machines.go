package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/machine-telemetry/internal/machine"
)

// handleListMachines returns the connection snapshot of every device.
func (s *Server) handleListMachines(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.scheduler.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"machines": snapshots,
		"count":    len(snapshots),
	})
}

// handleGetMachine returns the connection snapshot of one device.
func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	for _, snap := range s.scheduler.Snapshot() {
		if snap.MachineCode == code {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeProblem(w, r, http.StatusNotFound, "machine not found")
}

// handleListStatus returns the persisted status of every machine.
func (s *Server) handleListStatus(w http.ResponseWriter, r *http.Request) {
	records, err := s.status.GetStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to list machine status", "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "failed to list machine status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"machines": records,
		"count":    len(records),
	})
}

// handleGetStatus returns the persisted status of one machine.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	rec, err := s.status.GetStatusByCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, machine.ErrNotFound) {
			writeProblem(w, r, http.StatusNotFound, "machine not found")
			return
		}
		s.logger.Error("failed to get machine status", "machine_code", code, "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "failed to get machine status")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleGetHistory returns recent changes for one machine, newest first.
// Query: limit (default 50, max 200).
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeProblem(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.status.GetHistory(r.Context(), code, limit)
	if err != nil {
		s.logger.Error("failed to get machine history", "machine_code", code, "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "failed to get machine history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"machine_code": code,
		"history":      entries,
		"count":        len(entries),
	})
}
