// Package api is the control-plane HTTP surface: operator status and control
// endpoints plus the authenticated agent heartbeat intake.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/spotnest/spotnest/internal/middleware"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/standby"
)

// StandbyService is the slice of the standby manager the API drives.
type StandbyService interface {
	Get(logicalID string) (*models.StandbyAssociation, error)
	List() []*models.StandbyAssociation
	TriggerFailover(ctx context.Context, logicalID string) error
	Teardown(ctx context.Context, logicalID string) error
}

// HibernateService is the slice of the hibernation controller the API drives.
type HibernateService interface {
	ReportHeartbeat(hb models.Heartbeat)
	Wake(ctx context.Context, logicalID string) (*models.GpuInstance, error)
	Hibernated(logicalID string) (*models.HibernationEvent, bool)
}

// Launcher provisions a fresh GPU and enables standby for it, returning the
// new association and the minted agent token. Nil disables the create
// endpoint.
type Launcher interface {
	Launch(ctx context.Context, filter providers.OfferFilter, spec providers.LaunchSpec, workspace string) (*models.StandbyAssociation, string, error)
}

// EndpointLookup resolves a logical id to its published endpoint.
type EndpointLookup interface {
	Lookup(ctx context.Context, logicalID string) (*standby.PublishedEndpoint, error)
}

// Records is the read side of the durable store. Nil disables the record
// endpoints.
type Records interface {
	ListSnapshots(ctx context.Context, limit int) ([]*models.Snapshot, error)
	ListHibernationEvents(ctx context.Context, limit int) ([]*models.HibernationEvent, error)
	RecentAttempts(ctx context.Context, limit int) ([]*models.ProvisionAttempt, error)
}

// Liveness refreshes the agent liveness marker on every heartbeat. Nil skips
// the marker.
type Liveness interface {
	MarkAlive(ctx context.Context, instanceID string, ttl time.Duration) error
}

type Deps struct {
	Standby   StandbyService
	Hibernate HibernateService
	Endpoints EndpointLookup
	Records   Records
	Liveness  Liveness
	Launcher  Launcher
	JWTSecret string
}

func NewRouter(deps Deps) *mux.Router {
	standbyH := NewStandbyHandler(deps.Standby, deps.Hibernate, deps.Endpoints)
	launchH := NewLaunchHandler(deps.Launcher)
	agentH := NewAgentHandler(deps.Hibernate, deps.Liveness)
	statusH := NewStatusHandler(deps.Records)
	agentAuth := middleware.NewAgentAuth(deps.JWTSecret)

	r := mux.NewRouter()
	r.Use(middleware.Recovery, middleware.RequestID, middleware.Logger, middleware.CORS)

	r.HandleFunc("/health", statusH.Health).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/associations", standbyH.List).Methods("GET")
	v1.HandleFunc("/associations", launchH.Create).Methods("POST")
	v1.HandleFunc("/associations/{logicalId}", standbyH.Get).Methods("GET")
	v1.HandleFunc("/associations/{logicalId}", standbyH.Teardown).Methods("DELETE")
	v1.HandleFunc("/associations/{logicalId}/failover", standbyH.TriggerFailover).Methods("POST")
	v1.HandleFunc("/instances/{logicalId}/wake", standbyH.Wake).Methods("POST")
	v1.HandleFunc("/endpoints/{logicalId}", standbyH.LookupEndpoint).Methods("GET")

	v1.HandleFunc("/snapshots", statusH.Snapshots).Methods("GET")
	v1.HandleFunc("/hibernations", statusH.Hibernations).Methods("GET")
	v1.HandleFunc("/attempts", statusH.Attempts).Methods("GET")
	v1.HandleFunc("/metrics", statusH.Metrics).Methods("GET")

	agent := v1.PathPrefix("/agent").Subrouter()
	agent.Use(agentAuth.RequireAgent)
	agent.HandleFunc("/heartbeat", agentH.Heartbeat).Methods("POST")
	agent.HandleFunc("/stream", agentH.Stream).Methods("GET")

	return r
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		writeJSON(w, data)
	}
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}
