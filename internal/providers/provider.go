package providers

import (
	"context"
	"strings"

	"github.com/spotnest/spotnest/internal/models"
)

// OfferFilter narrows the spot marketplace search. Zero values mean "any".
type OfferFilter struct {
	GPUModel       string
	MinVRAMBytes   int64
	MaxPricePerHr  float64
	MinReliability float64
	PreferredZones []string
}

// Matches applies the filter client-side; marketplaces differ in which
// predicates they evaluate server-side.
func (f OfferFilter) Matches(o models.Offer) bool {
	if f.GPUModel != "" && !strings.EqualFold(o.GPUModel, f.GPUModel) {
		return false
	}
	if f.MinVRAMBytes > 0 && o.VRAMBytes < f.MinVRAMBytes {
		return false
	}
	if f.MaxPricePerHr > 0 && o.PricePerHr > f.MaxPricePerHr {
		return false
	}
	if f.MinReliability > 0 && o.Reliability < f.MinReliability {
		return false
	}
	return true
}

// LaunchSpec is everything needed to boot a GPU instance from an offer.
type LaunchSpec struct {
	Image     string
	DiskGB    int
	SSHPubKey string
	Env       map[string]string
	Label     string
}

// InstanceStatus is the provider's view of one instance.
type InstanceStatus struct {
	Status   string // "loading", "running", "stopped", "exited"
	SSHHost  string
	SSHPort  int
	PublicIP string
}

// Running reports whether the provider considers the instance up.
func (s *InstanceStatus) Running() bool { return s.Status == "running" }

// SSHReady reports whether SSH coordinates have been assigned.
func (s *InstanceStatus) SSHReady() bool { return s.SSHHost != "" && s.SSHPort > 0 }

// GpuProvider abstracts the spot GPU marketplace.
// DestroyInstance is idempotent: "not found" is success.
type GpuProvider interface {
	SearchOffers(ctx context.Context, filter OfferFilter) ([]models.Offer, error)
	CreateInstance(ctx context.Context, offerID string, spec LaunchSpec) (string, error)
	GetInstance(ctx context.Context, instanceID string) (*InstanceStatus, error)
	DestroyInstance(ctx context.Context, instanceID string) error
}

// MirrorSpec describes the low-cost standby VM.
type MirrorSpec struct {
	Zone        string
	MachineType string
	UseSpot     bool
	DiskGB      int
	SSHPubKey   string
	Label       string
}

// CpuProvider abstracts the cloud hosting CPU mirrors.
// DestroyMirror is idempotent: "not found" is success.
type CpuProvider interface {
	CreateMirror(ctx context.Context, spec MirrorSpec) (string, error)
	GetMirror(ctx context.Context, mirrorID string) (*InstanceStatus, error)
	DestroyMirror(ctx context.Context, mirrorID string) error
}

// IpGeo resolves a public IP to coordinates. Failures are non-fatal; the
// region resolver falls through to its continent layer.
type IpGeo interface {
	Lookup(ctx context.Context, ip string) (lat, lon float64, err error)
}
