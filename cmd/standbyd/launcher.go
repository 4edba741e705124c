package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spotnest/spotnest/internal/auth"
	"github.com/spotnest/spotnest/internal/hibernate"
	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/provision"
	"github.com/spotnest/spotnest/internal/sshx"
	"github.com/spotnest/spotnest/internal/standby"
)

// agentEnvPath is where the in-VM agent looks for its credentials.
const agentEnvPath = "/etc/spotnest/agent.env"

// launcher glues the race engine, the standby manager, and the hibernation
// watcher into the single provisioning call the API exposes. It also fronts
// the manager so a teardown stops hibernation tracking.
type launcher struct {
	*standby.Manager
	racer      *provision.Racer
	hib        *hibernate.Controller
	runner     sshx.Runner
	pub        standby.Publisher
	controlURL string
	jwtSecret  string
	tokenTTL   time.Duration
}

// installAgentCreds mints a per-instance token and stages the agent env
// file. A failed upload is non-fatal: the workspace still syncs, only idle
// detection is blind.
func (l *launcher) installAgentCreds(ctx context.Context, instance *models.GpuInstance) (string, error) {
	token, err := auth.MintAgentToken(instance.ID, instance.LogicalID, l.jwtSecret, l.tokenTTL)
	if err != nil {
		return "", fmt.Errorf("mint agent token: %w", err)
	}
	env := fmt.Sprintf("SPOTNEST_CONTROL_URL=%s\nSPOTNEST_AGENT_TOKEN=%s\n", l.controlURL, token)
	if err := l.runner.Upload(ctx, instance.Endpoint, agentEnvPath, []byte(env), "0600"); err != nil {
		logging.Warn("Agent credential install failed, no heartbeats from this instance", map[string]interface{}{
			"instance_id": instance.ID,
			"error":       err.Error(),
		})
	}
	return token, nil
}

// outfitWoken reissues agent credentials for a replacement GPU and points
// the published endpoint back at it. Wired as the hibernation controller's
// OnWake hook.
func (l *launcher) outfitWoken(ctx context.Context, instance *models.GpuInstance) error {
	if _, err := l.installAgentCreds(ctx, instance); err != nil {
		return err
	}
	return l.pub.Publish(ctx, instance.LogicalID, instance.Endpoint, standby.RoleGPU)
}

func (l *launcher) Launch(ctx context.Context, filter providers.OfferFilter, spec providers.LaunchSpec, workspace string) (*models.StandbyAssociation, string, error) {
	instance, err := l.racer.Acquire(ctx, filter, spec, workspace)
	if err != nil {
		return nil, "", err
	}
	instance.LogicalID = uuid.New().String()

	token, err := l.installAgentCreds(ctx, instance)
	if err != nil {
		return nil, "", err
	}

	assoc, err := l.Manager.Enable(ctx, instance, filter, spec)
	if err != nil {
		return nil, "", err
	}
	l.hib.Track(instance, filter, spec, "")
	return assoc, token, nil
}

func (l *launcher) Teardown(ctx context.Context, logicalID string) error {
	l.hib.Untrack(logicalID)
	return l.Manager.Teardown(ctx, logicalID)
}
