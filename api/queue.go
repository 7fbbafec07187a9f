package api

import (
	"net/http"
	"time"
)

type statusUpdate struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.pipeline.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request) {
	var in statusUpdate
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	h.pipeline.SetEnabled(*in.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.pipeline.Enabled()})
}

func (h *Handler) getQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.pipeline.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type flushResponse struct {
	Skipped  bool     `json:"skipped"`
	Success  bool     `json:"success"`
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

func (h *Handler) flushQueue(w http.ResponseWriter, r *http.Request) {
	res, err := h.pipeline.ForceSubmission(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, flushResponse{Skipped: true})
		return
	}
	writeJSON(w, http.StatusOK, flushResponse{
		Success:  res.Success,
		Accepted: res.Accepted,
		Rejected: res.Rejected,
		Errors:   res.Errors,
	})
}

type removedResponse struct {
	Removed int64 `json:"removed"`
}

func (h *Handler) clearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.pipeline.ClearQueue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}

func (h *Handler) cleanupQueue(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("older_than")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "older_than is required")
		return
	}
	maxAge, err := time.ParseDuration(raw)
	if err != nil || maxAge <= 0 {
		writeError(w, http.StatusBadRequest, "older_than must be a positive duration such as 72h")
		return
	}

	n, err := h.pipeline.Cleanup(r.Context(), maxAge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}
