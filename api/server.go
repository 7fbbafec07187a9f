package api

import "net/http"

func (h *Handler) pingServer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"reachable": h.pipeline.Ping(r.Context())})
}

func (h *Handler) getServerInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.pipeline.ServerInfo(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}
