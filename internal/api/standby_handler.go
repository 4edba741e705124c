package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/spotnest/spotnest/internal/hibernate"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/standby"
)

type StandbyHandler struct {
	standby   StandbyService
	hibernate HibernateService
	endpoints EndpointLookup
}

func NewStandbyHandler(s StandbyService, h HibernateService, e EndpointLookup) *StandbyHandler {
	return &StandbyHandler{standby: s, hibernate: h, endpoints: e}
}

// associationView flattens the association for API consumers and adds the
// derived staleness figure.
type associationView struct {
	*models.StandbyAssociation
	DataAgeSeconds *float64 `json:"data_age_seconds,omitempty"`
}

func viewOf(a *models.StandbyAssociation) associationView {
	v := associationView{StandbyAssociation: a}
	if age, ok := a.DataAge(time.Now()); ok {
		secs := age.Seconds()
		v.DataAgeSeconds = &secs
	}
	return v
}

func (h *StandbyHandler) List(w http.ResponseWriter, r *http.Request) {
	assocs := h.standby.List()
	views := make([]associationView, 0, len(assocs))
	for _, a := range assocs {
		views = append(views, viewOf(a))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"associations": views,
		"count":        len(views),
	})
}

func (h *StandbyHandler) Get(w http.ResponseWriter, r *http.Request) {
	logicalID := mux.Vars(r)["logicalId"]

	a, err := h.standby.Get(logicalID)
	if err != nil {
		if errors.Is(err, standby.ErrUnknownAssociation) {
			respondError(w, http.StatusNotFound, "association not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, viewOf(a))
}

func (h *StandbyHandler) TriggerFailover(w http.ResponseWriter, r *http.Request) {
	logicalID := mux.Vars(r)["logicalId"]

	err := h.standby.TriggerFailover(r.Context(), logicalID)
	switch {
	case errors.Is(err, standby.ErrUnknownAssociation):
		respondError(w, http.StatusNotFound, "association not found")
	case errors.Is(err, standby.ErrNotDegraded):
		respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{
			"logical_id": logicalID,
			"message":    "failover started",
		})
	}
}

func (h *StandbyHandler) Teardown(w http.ResponseWriter, r *http.Request) {
	logicalID := mux.Vars(r)["logicalId"]

	if err := h.standby.Teardown(r.Context(), logicalID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"logical_id": logicalID,
		"message":    "association torn down",
	})
}

func (h *StandbyHandler) Wake(w http.ResponseWriter, r *http.Request) {
	logicalID := mux.Vars(r)["logicalId"]

	instance, err := h.hibernate.Wake(r.Context(), logicalID)
	if err != nil {
		if errors.Is(err, hibernate.ErrNotHibernated) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"logical_id":  logicalID,
		"instance_id": instance.ID,
		"endpoint":    instance.Endpoint,
	})
}

func (h *StandbyHandler) LookupEndpoint(w http.ResponseWriter, r *http.Request) {
	logicalID := mux.Vars(r)["logicalId"]

	ep, err := h.endpoints.Lookup(r.Context(), logicalID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ep == nil {
		if event, ok := h.hibernate.Hibernated(logicalID); ok {
			respondJSON(w, http.StatusConflict, map[string]interface{}{
				"logical_id":  logicalID,
				"hibernated":  true,
				"snapshot_id": event.SnapshotID,
			})
			return
		}
		respondError(w, http.StatusNotFound, "no endpoint published")
		return
	}
	respondJSON(w, http.StatusOK, ep)
}
