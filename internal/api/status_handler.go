package api

import (
	"net/http"

	"github.com/spotnest/spotnest/internal/metrics"
)

type StatusHandler struct {
	records Records
}

func NewStatusHandler(records Records) *StatusHandler {
	return &StatusHandler{records: records}
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *StatusHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, metrics.GetMetrics().Snapshot())
}

func (h *StatusHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		respondError(w, http.StatusNotImplemented, "no record store configured")
		return
	}
	snaps, err := h.records.ListSnapshots(r.Context(), limitParam(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

func (h *StatusHandler) Hibernations(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		respondError(w, http.StatusNotImplemented, "no record store configured")
		return
	}
	events, err := h.records.ListHibernationEvents(r.Context(), limitParam(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (h *StatusHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		respondError(w, http.StatusNotImplemented, "no record store configured")
		return
	}
	attempts, err := h.records.RecentAttempts(r.Context(), limitParam(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"count":    len(attempts),
	})
}
