// Package hibernate watches agent utilization heartbeats and turns sustained
// idle GPUs into snapshots: capture the workspace, destroy the instance, and
// resurrect it on demand.
package hibernate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spotnest/spotnest/internal/config"
	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/metrics"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
)

var (
	ErrNotHibernated   = errors.New("instance is not hibernated")
	ErrUnknownInstance = errors.New("instance is not tracked")
)

// Acquirer races a replacement GPU for wake. Satisfied by provision.Racer.
type Acquirer interface {
	Acquire(ctx context.Context, filter providers.OfferFilter, launch providers.LaunchSpec, workspace string) (*models.GpuInstance, error)
}

// Snapshotter is the slice of the snapshot engine hibernation drives.
type Snapshotter interface {
	CreateAuto(ctx context.Context, src models.Endpoint, sourceID, workspace, parentID string) (*models.Snapshot, error)
	Restore(ctx context.Context, snapshotID string, target models.Endpoint, workspace string) error
}

// Store persists hibernation events and snapshot records. Best effort; the
// in-memory registry is authoritative while the process lives.
type Store interface {
	SaveHibernationEvent(ctx context.Context, e *models.HibernationEvent) error
	SaveSnapshot(ctx context.Context, s *models.Snapshot) error
}

type tracked struct {
	instance  *models.GpuInstance
	filter    providers.OfferFilter
	launch    providers.LaunchSpec
	chainHead string

	lastBeat   models.Heartbeat
	lastBeatAt time.Time // arrival time; agent clocks are not trusted
	idleSince  time.Time // zero while busy or unknown
}

type hibernated struct {
	event     *models.HibernationEvent
	filter    providers.OfferFilter
	launch    providers.LaunchSpec
	workspace string
	cleanupAt time.Time
	released  bool
}

// Controller drives the idle -> snapshot+destroy -> wake cycle. Instances are
// registered with Track when provisioned and fed heartbeats by the API layer.
type Controller struct {
	engine Snapshotter
	racer  Acquirer
	gpu    providers.GpuProvider
	store  Store
	cfg    config.HibernateConfig

	// EvalInterval is the idle evaluation cadence.
	EvalInterval time.Duration
	// ReleaseMirror, when set, tears down the standby mirror once an
	// instance has been hibernated for the cleanup window.
	ReleaseMirror func(ctx context.Context, logicalID string) error
	// OnWake, when set, finishes outfitting a freshly woken instance
	// before it is handed back: agent credentials, endpoint publication.
	// An error aborts the wake; the instance stays hibernated.
	OnWake func(ctx context.Context, instance *models.GpuInstance) error

	mu       sync.Mutex
	tracking map[string]*tracked    // keyed by logical id
	byInst   map[string]string      // instance id -> logical id
	sleeping map[string]*hibernated // keyed by logical id
}

func NewController(engine Snapshotter, racer Acquirer, gpu providers.GpuProvider, store Store, cfg config.HibernateConfig) *Controller {
	return &Controller{
		engine:       engine,
		racer:        racer,
		gpu:          gpu,
		store:        store,
		cfg:          cfg,
		EvalInterval: 15 * time.Second,
		tracking:     make(map[string]*tracked),
		byInst:       make(map[string]string),
		sleeping:     make(map[string]*hibernated),
	}
}

// Track registers a live GPU for idle watching. chainHead seeds the snapshot
// chain the hibernation capture extends.
func (c *Controller) Track(instance *models.GpuInstance, filter providers.OfferFilter, launch providers.LaunchSpec, chainHead string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracking[instance.LogicalID] = &tracked{
		instance:  instance,
		filter:    filter,
		launch:    launch,
		chainHead: chainHead,
	}
	c.byInst[instance.ID] = instance.LogicalID
}

// Untrack stops watching an instance without hibernating it.
func (c *Controller) Untrack(logicalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.tracking[logicalID]; ok {
		delete(c.byInst, tr.instance.ID)
		delete(c.tracking, logicalID)
	}
}

// UpdateChainHead moves the parent the next hibernation capture builds on,
// called whenever a newer snapshot of the workspace lands.
func (c *Controller) UpdateChainHead(logicalID, snapshotID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.tracking[logicalID]; ok {
		tr.chainHead = snapshotID
	}
}

// ReportHeartbeat is the intake for agent reports. Unknown instances are
// dropped; the agent may outlive its registration during teardown.
func (c *Controller) ReportHeartbeat(hb models.Heartbeat) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logicalID, ok := c.byInst[hb.InstanceID]
	if !ok {
		return
	}
	tr := c.tracking[logicalID]

	now := time.Now()
	tr.lastBeat = hb
	tr.lastBeatAt = now
	if hb.GPUUtilPct < c.cfg.IdleThreshold {
		if tr.idleSince.IsZero() {
			tr.idleSince = now
		}
	} else {
		tr.idleSince = time.Time{}
	}
	metrics.GetMetrics().IncrementCounter("heartbeat_received")
}

// Run evaluates idle windows and sweeps cleanup deadlines until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.evaluate(ctx)
		c.sweep(ctx)
	}
}

func (c *Controller) evaluate(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var due []*tracked
	for _, tr := range c.tracking {
		// No heartbeat, or a stale one, means unknown, and unknown is
		// never idle.
		if tr.lastBeatAt.IsZero() || now.Sub(tr.lastBeatAt) > c.cfg.StaleAfter {
			tr.idleSince = time.Time{}
			continue
		}
		if !tr.idleSince.IsZero() && now.Sub(tr.idleSince) >= c.cfg.IdleWindow {
			due = append(due, tr)
		}
	}
	c.mu.Unlock()

	for _, tr := range due {
		if err := c.hibernate(ctx, tr); err != nil {
			logging.Error("Hibernation failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// hibernate captures the workspace and destroys the GPU. The snapshot lands
// before the destroy; a failed destroy leaves a zombie instance but never a
// lost workspace.
func (c *Controller) hibernate(ctx context.Context, tr *tracked) error {
	c.mu.Lock()
	inst := tr.instance
	chainHead := tr.chainHead
	c.mu.Unlock()
	start := time.Now()

	snap, err := c.engine.CreateAuto(ctx, inst.Endpoint, inst.ID, inst.WorkspacePath, chainHead)
	if err != nil {
		return fmt.Errorf("hibernation snapshot for %s: %w", inst.LogicalID, err)
	}
	c.persistSnapshot(snap)

	if err := c.gpu.DestroyInstance(ctx, inst.ID); err != nil {
		logging.Warn("Failed to destroy idle instance, continuing", map[string]interface{}{
			"instance_id": inst.ID,
			"error":       err.Error(),
		})
	}

	c.mu.Lock()
	idleFor := time.Duration(0)
	if !tr.idleSince.IsZero() {
		idleFor = time.Since(tr.idleSince)
	}
	event := &models.HibernationEvent{
		ID:          uuid.New().String(),
		LogicalID:   inst.LogicalID,
		InstanceID:  inst.ID,
		SnapshotID:  snap.ID,
		IdleSeconds: int(idleFor.Seconds()),
		CreatedAt:   time.Now(),
	}
	c.sleeping[inst.LogicalID] = &hibernated{
		event:     event,
		filter:    tr.filter,
		launch:    tr.launch,
		workspace: inst.WorkspacePath,
		cleanupAt: time.Now().Add(c.cfg.CleanupWindow),
	}
	delete(c.byInst, inst.ID)
	delete(c.tracking, inst.LogicalID)
	c.mu.Unlock()

	c.persistEvent(event)
	metrics.GetMetrics().IncrementCounter("hibernation_triggered")
	metrics.GetMetrics().ObserveDuration("hibernation_capture", time.Since(start))
	logging.Info("Instance hibernated", map[string]interface{}{
		"logical_id":  inst.LogicalID,
		"instance_id": inst.ID,
		"snapshot_id": snap.ID,
		"idle_for":    idleFor.String(),
	})
	return nil
}

// sweep releases standby mirrors for instances hibernated past the cleanup
// window, after which only the snapshot remains.
func (c *Controller) sweep(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var due []string
	for logicalID, h := range c.sleeping {
		if !h.released && now.After(h.cleanupAt) {
			due = append(due, logicalID)
		}
	}
	c.mu.Unlock()

	for _, logicalID := range due {
		if c.ReleaseMirror != nil {
			if err := c.ReleaseMirror(ctx, logicalID); err != nil {
				logging.Error("Failed to release mirror for hibernated instance", map[string]interface{}{
					"logical_id": logicalID,
					"error":      err.Error(),
				})
				continue
			}
		}
		c.mu.Lock()
		if h, ok := c.sleeping[logicalID]; ok {
			h.released = true
		}
		c.mu.Unlock()
		metrics.GetMetrics().IncrementCounter("hibernation_mirror_released")
		logging.Info("Hibernation cleanup released mirror", map[string]interface{}{
			"logical_id": logicalID,
		})
	}
}

// Wake resurrects a hibernated instance: race a fresh GPU, restore the
// hibernation snapshot onto it, re-outfit it, and hand it back with the
// logical identity preserved. Provider-level IDs change. The woken instance
// goes straight back under idle watching, with the hibernation snapshot as
// the chain head so the next capture stays incremental.
func (c *Controller) Wake(ctx context.Context, logicalID string) (*models.GpuInstance, error) {
	c.mu.Lock()
	h, ok := c.sleeping[logicalID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotHibernated, logicalID)
	}

	instance, err := c.racer.Acquire(ctx, h.filter, h.launch, h.workspace)
	if err != nil {
		return nil, fmt.Errorf("wake %s: %w", logicalID, err)
	}

	if err := c.engine.Restore(ctx, h.event.SnapshotID, instance.Endpoint, h.workspace); err != nil {
		return nil, fmt.Errorf("wake %s: restore %s: %w", logicalID, h.event.SnapshotID, err)
	}

	instance.LogicalID = logicalID

	if c.OnWake != nil {
		if err := c.OnWake(ctx, instance); err != nil {
			// Still hibernated; don't leak the replacement.
			if derr := c.gpu.DestroyInstance(ctx, instance.ID); derr != nil {
				logging.Warn("Failed to destroy half-woken instance", map[string]interface{}{
					"instance_id": instance.ID,
					"error":       derr.Error(),
				})
			}
			return nil, fmt.Errorf("wake %s: %w", logicalID, err)
		}
	}

	c.mu.Lock()
	h.event.WokeAt = time.Now()
	event := *h.event
	delete(c.sleeping, logicalID)
	c.tracking[logicalID] = &tracked{
		instance:  instance,
		filter:    h.filter,
		launch:    h.launch,
		chainHead: event.SnapshotID,
	}
	c.byInst[instance.ID] = logicalID
	c.mu.Unlock()

	c.persistEvent(&event)
	metrics.GetMetrics().IncrementCounter("hibernation_woken")
	logging.Info("Instance woken", map[string]interface{}{
		"logical_id":  logicalID,
		"instance_id": instance.ID,
		"snapshot_id": event.SnapshotID,
	})
	return instance, nil
}

// Hibernated reports whether a logical instance is currently asleep and, if
// so, the event that put it there.
func (c *Controller) Hibernated(logicalID string) (*models.HibernationEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.sleeping[logicalID]
	if !ok {
		return nil, false
	}
	cp := *h.event
	return &cp, true
}

// LastHeartbeat returns the most recent report for a tracked instance.
func (c *Controller) LastHeartbeat(logicalID string) (models.Heartbeat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.tracking[logicalID]
	if !ok {
		return models.Heartbeat{}, ErrUnknownInstance
	}
	return tr.lastBeat, nil
}

func (c *Controller) persistSnapshot(s *models.Snapshot) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.SaveSnapshot(ctx, s); err != nil {
		logging.Warn("Failed to persist snapshot record", map[string]interface{}{
			"snapshot_id": s.ID,
			"error":       err.Error(),
		})
	}
}

func (c *Controller) persistEvent(e *models.HibernationEvent) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.SaveHibernationEvent(ctx, e); err != nil {
		logging.Warn("Failed to persist hibernation event", map[string]interface{}{
			"event_id": e.ID,
			"error":    err.Error(),
		})
	}
}
