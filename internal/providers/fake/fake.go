// Package fake holds in-memory provider implementations used by tests across
// the provisioner, standby manager, and hibernation controller.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
)

type instanceRecord struct {
	status    providers.InstanceStatus
	createdAt time.Time
}

// GpuProvider is a scriptable in-memory marketplace. Tests control which
// offers exist, how long each machine takes to reach SSH, and which machines
// never boot at all.
type GpuProvider struct {
	mu        sync.Mutex
	offers    []models.Offer
	instances map[string]*instanceRecord
	nextID    int

	// BootDelay maps machine id to time-to-ssh; machines absent from the
	// map come up immediately. A negative delay means the machine never
	// becomes reachable.
	BootDelay map[string]time.Duration

	// CreateErr maps offer id to a launch failure.
	CreateErr map[string]error

	Destroyed []string
	created   map[string]string // instance id -> machine id
}

func NewGpuProvider(offers ...models.Offer) *GpuProvider {
	return &GpuProvider{
		offers:    offers,
		instances: make(map[string]*instanceRecord),
		BootDelay: make(map[string]time.Duration),
		CreateErr: make(map[string]error),
		created:   make(map[string]string),
	}
}

func (p *GpuProvider) SetOffers(offers []models.Offer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = offers
}

func (p *GpuProvider) SearchOffers(ctx context.Context, filter providers.OfferFilter) ([]models.Offer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Offer
	for _, o := range p.offers {
		if filter.Matches(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *GpuProvider) CreateInstance(ctx context.Context, offerID string, spec providers.LaunchSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.CreateErr[offerID]; err != nil {
		return "", err
	}

	var machineID string
	for _, o := range p.offers {
		if o.ID == offerID {
			machineID = o.MachineID
			break
		}
	}

	p.nextID++
	id := fmt.Sprintf("inst-%d", p.nextID)
	p.instances[id] = &instanceRecord{
		status:    providers.InstanceStatus{Status: "loading"},
		createdAt: time.Now(),
	}
	p.created[id] = machineID
	return id, nil
}

func (p *GpuProvider) GetInstance(ctx context.Context, instanceID string) (*providers.InstanceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}

	delay := p.BootDelay[p.created[instanceID]]
	if delay < 0 {
		return &providers.InstanceStatus{Status: "loading"}, nil
	}
	if time.Since(rec.createdAt) >= delay {
		rec.status = providers.InstanceStatus{
			Status:  "running",
			SSHHost: "203.0.113." + instanceID[len("inst-"):],
			SSHPort: 22,
		}
	}
	st := rec.status
	return &st, nil
}

func (p *GpuProvider) DestroyInstance(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.instances, instanceID)
	p.Destroyed = append(p.Destroyed, instanceID)
	return nil
}

// MachineID reports which machine backed a created instance.
func (p *GpuProvider) MachineID(instanceID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created[instanceID]
}

// CpuProvider is an in-memory zoned VM service.
type CpuProvider struct {
	mu        sync.Mutex
	mirrors   map[string]*providers.InstanceStatus
	zones     map[string]string
	nextID    int
	CreateErr error
	Destroyed []string
}

func NewCpuProvider() *CpuProvider {
	return &CpuProvider{
		mirrors: make(map[string]*providers.InstanceStatus),
		zones:   make(map[string]string),
	}
}

func (p *CpuProvider) CreateMirror(ctx context.Context, spec providers.MirrorSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return "", p.CreateErr
	}
	p.nextID++
	id := fmt.Sprintf("mirror-%d", p.nextID)
	p.mirrors[id] = &providers.InstanceStatus{
		Status:  "running",
		SSHHost: fmt.Sprintf("198.51.100.%d", p.nextID),
		SSHPort: 22,
	}
	p.zones[id] = spec.Zone
	return id, nil
}

func (p *CpuProvider) GetMirror(ctx context.Context, mirrorID string) (*providers.InstanceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.mirrors[mirrorID]
	if !ok {
		return nil, fmt.Errorf("mirror %s not found", mirrorID)
	}
	cp := *st
	return &cp, nil
}

func (p *CpuProvider) DestroyMirror(ctx context.Context, mirrorID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mirrors, mirrorID)
	p.Destroyed = append(p.Destroyed, mirrorID)
	return nil
}

// Zone reports which zone a mirror was created in.
func (p *CpuProvider) Zone(mirrorID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zones[mirrorID]
}

// IpGeo serves lookups from a fixed table.
type IpGeo struct {
	Coords map[string][2]float64
	Err    error
	Calls  int
}

func (g *IpGeo) Lookup(ctx context.Context, ip string) (float64, float64, error) {
	g.Calls++
	if g.Err != nil {
		return 0, 0, g.Err
	}
	c, ok := g.Coords[ip]
	if !ok {
		return 0, 0, fmt.Errorf("no coordinates for %s", ip)
	}
	return c[0], c[1], nil
}
