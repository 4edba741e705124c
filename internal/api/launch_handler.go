package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/provision"
)

type launchRequest struct {
	GPUModel       string            `json:"gpu_model"`
	MinVRAMGB      int64             `json:"min_vram_gb"`
	MaxPricePerHr  float64           `json:"max_price_per_hour"`
	MinReliability float64           `json:"min_reliability"`
	PreferredZones []string          `json:"preferred_zones"`
	Image          string            `json:"image"`
	DiskGB         int               `json:"disk_gb"`
	Env            map[string]string `json:"env"`
	Label          string            `json:"label"`
	Workspace      string            `json:"workspace"`
}

type LaunchHandler struct {
	launcher Launcher
}

func NewLaunchHandler(l Launcher) *LaunchHandler {
	return &LaunchHandler{launcher: l}
}

// Create races a GPU off the spot market and arms standby for the winner.
// The agent token in the response is also installed on the instance; it is
// returned so operators can re-issue a lost one.
func (h *LaunchHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.launcher == nil {
		respondError(w, http.StatusNotImplemented, "provisioning not configured")
		return
	}

	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	workspace := req.Workspace
	if workspace == "" {
		workspace = "/workspace"
	}

	filter := providers.OfferFilter{
		GPUModel:       req.GPUModel,
		MinVRAMBytes:   req.MinVRAMGB << 30,
		MaxPricePerHr:  req.MaxPricePerHr,
		MinReliability: req.MinReliability,
		PreferredZones: req.PreferredZones,
	}
	spec := providers.LaunchSpec{
		Image:  req.Image,
		DiskGB: req.DiskGB,
		Env:    req.Env,
		Label:  req.Label,
	}

	assoc, token, err := h.launcher.Launch(r.Context(), filter, spec, workspace)
	if err != nil {
		if errors.Is(err, provision.ErrAcquireExhausted) {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"association": viewOf(assoc),
		"agent_token": token,
	})
}
