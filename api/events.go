package api

import (
	"errors"
	"net/http"

	"github.com/xraph/beacon/event"
)

type recordResponse struct {
	ID string `json:"id"`
}

func (h *Handler) recordEvent(w http.ResponseWriter, r *http.Request) {
	var evt event.Event
	if err := decodeJSON(w, r, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	evtID, err := h.pipeline.Record(r.Context(), &evt)
	if err != nil {
		if errors.Is(err, event.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, recordResponse{ID: evtID.String()})
}
