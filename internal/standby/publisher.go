package standby

import (
	"context"
	"sync"

	"github.com/spotnest/spotnest/internal/models"
)

// Endpoint roles as seen by the API layer.
const (
	RoleGPU    = "gpu"
	RoleMirror = "mirror"
)

// PublishedEndpoint is what the external REST layer reads to route a user to
// their workspace.
type PublishedEndpoint struct {
	LogicalID string          `json:"logical_id"`
	Endpoint  models.Endpoint `json:"endpoint"`
	Role      string          `json:"role"`
}

// Publisher flips the user-visible endpoint for a logical instance. The flip
// must be atomic: a reader sees the old record or the new one, never a mix.
type Publisher interface {
	Publish(ctx context.Context, logicalID string, ep models.Endpoint, role string) error
	Lookup(ctx context.Context, logicalID string) (*PublishedEndpoint, error)
	Unpublish(ctx context.Context, logicalID string) error
}

// MemoryPublisher backs tests and single-node runs without redis.
type MemoryPublisher struct {
	mu      sync.RWMutex
	entries map[string]PublishedEndpoint
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{entries: make(map[string]PublishedEndpoint)}
}

func (p *MemoryPublisher) Publish(ctx context.Context, logicalID string, ep models.Endpoint, role string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[logicalID] = PublishedEndpoint{LogicalID: logicalID, Endpoint: ep, Role: role}
	return nil
}

func (p *MemoryPublisher) Lookup(ctx context.Context, logicalID string) (*PublishedEndpoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[logicalID]
	if !ok {
		return nil, nil
	}
	cp := entry
	return &cp, nil
}

func (p *MemoryPublisher) Unpublish(ctx context.Context, logicalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, logicalID)
	return nil
}
