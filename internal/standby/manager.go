// Package standby owns the lifecycle binding of one GPU instance to one CPU
// mirror: provisioning the mirror, driving continuous sync, watching GPU
// health, flipping the published endpoint on failure, and recovering onto a
// fresh GPU.
package standby

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spotnest/spotnest/internal/config"
	"github.com/spotnest/spotnest/internal/health"
	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/metrics"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/sshx"
)

// Acquirer races spot offers into a usable GPU. Satisfied by
// provision.Racer.
type Acquirer interface {
	Acquire(ctx context.Context, filter providers.OfferFilter, launch providers.LaunchSpec, workspace string) (*models.GpuInstance, error)
}

// Syncer replicates source workspace to sink. Satisfied by syncsvc.Service.
type Syncer interface {
	SyncOnce(ctx context.Context, associationID string, source, sink models.Endpoint, workspace string) error
}

// Snapshotter is the slice of the snapshot engine the manager drives.
type Snapshotter interface {
	CreateAuto(ctx context.Context, src models.Endpoint, sourceID, workspace, parentID string) (*models.Snapshot, error)
	Restore(ctx context.Context, snapshotID string, target models.Endpoint, workspace string) error
	Validate(ctx context.Context, snapshotID string, target models.Endpoint, workspace string) error
}

// ZoneResolver maps GPU geolocation to a CPU zone. Satisfied by
// region.Resolver.
type ZoneResolver interface {
	Resolve(ctx context.Context, geolocation, publicIP string) string
}

// Store persists association and snapshot state. All writes are best-effort
// from the manager's perspective; the in-memory registry is authoritative
// while the process lives.
type Store interface {
	SaveAssociation(ctx context.Context, a *models.StandbyAssociation) error
	SaveSnapshot(ctx context.Context, s *models.Snapshot) error
}

type association struct {
	mu sync.Mutex // serializes state transitions
	a  *models.StandbyAssociation

	filter providers.OfferFilter
	launch providers.LaunchSpec

	cancelWorkers context.CancelFunc
	workers       sync.WaitGroup
}

type Manager struct {
	resolver ZoneResolver
	cpu      providers.CpuProvider
	gpu      providers.GpuProvider
	racer    Acquirer
	syncer   Syncer
	engine   Snapshotter
	runner   sshx.Runner
	pub      Publisher
	store    Store
	cfg      config.StandbyConfig
	sshUser  string
	sshKey   string // authorized public key installed on mirrors

	// MirrorBootTimeout bounds the wait for a fresh mirror's SSH port.
	MirrorBootTimeout time.Duration
	// MirrorPollInterval is the status poll cadence while waiting.
	MirrorPollInterval time.Duration
	// HealthCheck overrides the built-in probe; tests use it.
	HealthCheck func(ctx context.Context, instance *models.GpuInstance) error
	// OnChainHead, when set, is told whenever an association's snapshot
	// chain advances. The daemon points it at the hibernation watcher so
	// idle captures extend the live chain instead of starting over.
	OnChainHead func(logicalID, snapshotID string)

	mu     sync.RWMutex
	assocs map[string]*association // keyed by logical id

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewManager(resolver ZoneResolver, cpu providers.CpuProvider, gpu providers.GpuProvider, racer Acquirer, syncer Syncer, engine Snapshotter, runner sshx.Runner, pub Publisher, store Store, cfg config.StandbyConfig, sshUser, sshAuthorizedKey string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		resolver:           resolver,
		cpu:                cpu,
		gpu:                gpu,
		racer:              racer,
		syncer:             syncer,
		engine:             engine,
		runner:             runner,
		pub:                pub,
		store:              store,
		cfg:                cfg,
		sshUser:            sshUser,
		sshKey:             sshAuthorizedKey,
		MirrorBootTimeout:  3 * time.Minute,
		MirrorPollInterval: 3 * time.Second,
		assocs:             make(map[string]*association),
		rootCtx:            ctx,
		rootCancel:         cancel,
	}
}

// Enable creates a standby association for a provisioned GPU: resolves the
// CPU zone, brings up a mirror there, publishes the GPU endpoint, and arms
// sync and health workers. The association moves DISABLED -> PROVISIONING ->
// SYNCING, or lands in ERROR when the mirror never comes up.
func (m *Manager) Enable(ctx context.Context, gpu *models.GpuInstance, filter providers.OfferFilter, launch providers.LaunchSpec) (*models.StandbyAssociation, error) {
	zone := m.cfg.CPUZoneOverride
	if zone == "" {
		zone = m.resolver.Resolve(ctx, gpu.Geolocation, gpu.PublicIP)
	}

	m.mu.Lock()
	if _, exists := m.assocs[gpu.LogicalID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("association for %s already exists", gpu.LogicalID)
	}

	now := time.Now()
	as := &association{
		a: &models.StandbyAssociation{
			ID:        uuid.New().String(),
			LogicalID: gpu.LogicalID,
			State:     models.StateProvisioning,
			GPU:       gpu,
			CPUZone:   zone,
			CreatedAt: now,
			UpdatedAt: now,
		},
		filter: filter,
		launch: launch,
	}
	m.assocs[gpu.LogicalID] = as
	m.mu.Unlock()

	logging.Info("Standby enable", map[string]interface{}{
		"association_id": as.a.ID,
		"logical_id":     gpu.LogicalID,
		"geolocation":    gpu.Geolocation,
		"cpu_zone":       zone,
	})

	// The mirror boot and endpoint publish run without the association
	// lock so status reads see PROVISIONING instead of blocking behind
	// them.
	mirror, err := m.provisionMirror(ctx, zone, gpu.WorkspacePath)
	if err != nil {
		as.mu.Lock()
		m.setState(as, models.StateError)
		as.mu.Unlock()
		return nil, fmt.Errorf("enable %s: %w", gpu.LogicalID, err)
	}

	if m.lookup(gpu.LogicalID) != as {
		// Torn down while the mirror booted; don't leak it.
		destroyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if derr := m.cpu.DestroyMirror(destroyCtx, mirror.ID); derr != nil {
			logging.Warn("Failed to destroy orphaned mirror", map[string]interface{}{
				"mirror_id": mirror.ID, "error": derr.Error(),
			})
		}
		return nil, fmt.Errorf("association %s removed during enable", gpu.LogicalID)
	}

	if err := m.pub.Publish(ctx, gpu.LogicalID, gpu.Endpoint, RoleGPU); err != nil {
		as.mu.Lock()
		m.setState(as, models.StateError)
		as.mu.Unlock()
		return nil, fmt.Errorf("publish gpu endpoint for %s: %w", gpu.LogicalID, err)
	}

	as.mu.Lock()
	as.a.Mirror = mirror
	m.armWorkers(as)
	m.setState(as, models.StateSyncing)
	cp := *as.a
	as.mu.Unlock()
	metrics.GetMetrics().IncrementCounter("standby_enabled")

	return &cp, nil
}

// provisionMirror creates a mirror VM and waits for its SSH port, retrying
// creation with backoff up to the retry ceiling.
func (m *Manager) provisionMirror(ctx context.Context, zone, workspace string) (*models.CpuMirror, error) {
	spec := providers.MirrorSpec{
		Zone:        zone,
		MachineType: m.cfg.CPUMachineType,
		UseSpot:     m.cfg.CPUUseSpot,
		DiskGB:      m.cfg.CPUDiskGB,
		SSHPubKey:   m.sshKey,
		Label:       "spotnest-mirror",
	}

	tries := m.cfg.MaxRecoveryTries
	if tries <= 0 {
		tries = 3
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		id, err := m.cpu.CreateMirror(ctx, spec)
		if err != nil {
			lastErr = err
			continue
		}

		ep, err := m.waitMirrorSSH(ctx, id)
		if err != nil {
			lastErr = err
			// A half-booted mirror is garbage; destroy is idempotent.
			destroyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if derr := m.cpu.DestroyMirror(destroyCtx, id); derr != nil {
				logging.Warn("Failed to destroy unusable mirror", map[string]interface{}{
					"mirror_id": id, "error": derr.Error(),
				})
			}
			cancel()
			continue
		}

		return &models.CpuMirror{
			ID:            id,
			Zone:          zone,
			MachineType:   spec.MachineType,
			Spot:          spec.UseSpot,
			Endpoint:      *ep,
			WorkspacePath: workspace,
			CreatedAt:     time.Now(),
		}, nil
	}
	return nil, fmt.Errorf("%w: zone %s: %v", ErrMirrorProvisioning, zone, lastErr)
}

func (m *Manager) waitMirrorSSH(ctx context.Context, mirrorID string) (*models.Endpoint, error) {
	deadline := time.Now().Add(m.MirrorBootTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.MirrorPollInterval):
		}

		status, err := m.cpu.GetMirror(ctx, mirrorID)
		if err != nil {
			continue
		}
		if !status.Running() || !status.SSHReady() {
			continue
		}
		ep := models.Endpoint{Host: status.SSHHost, Port: status.SSHPort, User: m.sshUser}
		if m.runner.ProbeTCP(ep, 2*time.Second) {
			return &ep, nil
		}
	}
	return nil, fmt.Errorf("mirror %s not SSH-reachable within %s", mirrorID, m.MirrorBootTimeout)
}

// armWorkers starts the per-association sync and health loops. Caller holds
// the association lock.
func (m *Manager) armWorkers(as *association) {
	ctx, cancel := context.WithCancel(m.rootCtx)
	as.cancelWorkers = cancel

	logicalID := as.a.LogicalID

	as.workers.Add(1)
	go func() {
		defer as.workers.Done()
		m.syncLoop(ctx, logicalID)
	}()

	as.workers.Add(1)
	go func() {
		defer as.workers.Done()
		check := m.healthCheckFor(as.a.GPU)
		monitor := health.NewMonitor(check, m.cfg.HealthInterval, m.cfg.FailureThreshold, nil)
		if monitor.Run(ctx) {
			m.handleGPUDown(logicalID)
		}
	}()
}

func (m *Manager) healthCheckFor(instance *models.GpuInstance) func(ctx context.Context) error {
	if m.HealthCheck != nil {
		return func(ctx context.Context) error { return m.HealthCheck(ctx, instance) }
	}
	probe := health.NewProbe(m.gpu, m.runner)
	return func(ctx context.Context) error { return probe.Check(ctx, instance) }
}

// syncLoop runs one replication cycle per interval. Cycles never overlap:
// the loop is single-threaded and each cycle completes (or times out inside
// the syncer) before the next tick is considered.
func (m *Manager) syncLoop(ctx context.Context, logicalID string) {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		as := m.lookup(logicalID)
		if as == nil {
			return
		}

		as.mu.Lock()
		if as.a.State != models.StateSyncing {
			as.mu.Unlock()
			continue
		}
		source := as.a.GPU.Endpoint
		sink := as.a.Mirror.Endpoint
		workspace := as.a.GPU.WorkspacePath
		assocID := as.a.ID
		as.mu.Unlock()

		if err := m.syncer.SyncOnce(ctx, assocID, source, sink, workspace); err != nil {
			if ctx.Err() == nil {
				logging.Warn("Sync cycle failed", map[string]interface{}{
					"association_id": assocID,
					"error":          err.Error(),
				})
			}
			continue
		}

		as.mu.Lock()
		as.a.LastSyncAt = time.Now()
		as.a.SyncCount++
		as.a.UpdatedAt = time.Now()
		cp := *as.a
		as.mu.Unlock()
		m.persist(&cp)
	}
}

// handleGPUDown is the GPU_DOWN event sink. Events arriving while the
// association is not SYNCING are dropped; the transition lock makes the
// failover atomic for observers.
func (m *Manager) handleGPUDown(logicalID string) {
	as := m.lookup(logicalID)
	if as == nil {
		return
	}

	as.mu.Lock()
	if as.a.State != models.StateSyncing {
		logging.Info("GPU_DOWN ignored outside SYNCING", map[string]interface{}{
			"logical_id": logicalID,
			"state":      string(as.a.State),
		})
		as.mu.Unlock()
		return
	}

	if !m.cfg.AutoFailover {
		if as.cancelWorkers != nil {
			as.cancelWorkers()
			as.cancelWorkers = nil
		}
		m.setState(as, models.StateDegraded)
		as.mu.Unlock()
		logging.Warn("GPU down, auto failover disabled", map[string]interface{}{
			"logical_id": logicalID,
		})
		return
	}

	assocID := as.a.ID
	mirror := *as.a.Mirror
	parentID := as.a.ActiveChainHead
	m.beginFailoverLocked(as)
	autoRecover := m.cfg.AutoRecovery
	as.mu.Unlock()

	m.completeFailover(as, logicalID, assocID, mirror, parentID)
	if autoRecover {
		go m.recover(logicalID)
	}
}

// beginFailoverLocked stops the dead GPU's workers and commits the flip to
// FAILOVER_ACTIVE. Caller holds the association lock: the state change is
// the part observers must never see half-done. The snapshot and endpoint
// work runs afterwards in completeFailover, off the lock.
func (m *Manager) beginFailoverLocked(as *association) {
	if as.cancelWorkers != nil {
		as.cancelWorkers()
		as.cancelWorkers = nil
	}
	as.a.FailoverAt = time.Now()
	m.setState(as, models.StateFailoverActive)
	metrics.GetMetrics().IncrementCounter("standby_failover")
}

// completeFailover captures the terminal snapshot and flips the published
// endpoint. Both are network calls measured in minutes on a fat workspace,
// so the association lock is taken only to commit their results; Get and
// List keep answering throughout.
func (m *Manager) completeFailover(as *association, logicalID, assocID string, mirror models.CpuMirror, parentID string) {
	logging.Error("GPU down, failing over to mirror", map[string]interface{}{
		"association_id": assocID,
		"logical_id":     logicalID,
		"mirror_id":      mirror.ID,
	})

	ctx, cancel := context.WithTimeout(m.rootCtx, 10*time.Minute)
	defer cancel()

	// The mirror is now the source of truth; capture it before anything
	// else touches it. With zero completed sync cycles the workspace is
	// empty but still the user's best endpoint; DataAge surfaces that.
	snap, err := m.engine.CreateAuto(ctx, mirror.Endpoint, mirror.ID, mirror.WorkspacePath, parentID)
	if err != nil {
		logging.Error("Terminal snapshot failed, continuing failover", map[string]interface{}{
			"association_id": assocID,
			"error":          err.Error(),
		})
	} else {
		m.persistSnapshot(snap)
		as.mu.Lock()
		as.a.ActiveChainHead = snap.ID
		as.a.UpdatedAt = time.Now()
		cp := *as.a
		as.mu.Unlock()
		m.persist(&cp)
		if m.OnChainHead != nil {
			m.OnChainHead(logicalID, snap.ID)
		}
	}

	if err := m.pub.Publish(ctx, logicalID, mirror.Endpoint, RoleMirror); err != nil {
		logging.Error("Endpoint flip failed", map[string]interface{}{
			"association_id": assocID,
			"error":          err.Error(),
		})
	}

	// While the mirror is the serving endpoint it is itself a spot VM and
	// can be preempted; watch it until a recovered GPU takes over.
	go m.watchMirror(logicalID)
}

// watchMirror guards the serving mirror during FAILOVER_ACTIVE and
// RECOVERING. A dead mirror is replaced in the same zone, re-seeded from the
// terminal snapshot, and re-published.
func (m *Manager) watchMirror(logicalID string) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
		}

		as := m.lookup(logicalID)
		if as == nil {
			return
		}

		as.mu.Lock()
		state := as.a.State
		mirror := as.a.Mirror
		zone := as.a.CPUZone
		workspace := as.a.Mirror.WorkspacePath
		snapshotID := as.a.ActiveChainHead
		as.mu.Unlock()

		if state != models.StateFailoverActive && state != models.StateRecovering {
			return
		}

		status, err := m.cpu.GetMirror(m.rootCtx, mirror.ID)
		if err == nil && status.Running() {
			failures = 0
			continue
		}
		failures++
		if failures < m.cfg.FailureThreshold {
			continue
		}

		logging.Error("Serving mirror lost, provisioning replacement", map[string]interface{}{
			"logical_id": logicalID,
			"mirror_id":  mirror.ID,
			"zone":       zone,
		})
		metrics.GetMetrics().IncrementCounter("standby_mirror_preempted")

		ctx, cancel := context.WithTimeout(m.rootCtx, 15*time.Minute)
		replacement, err := m.provisionMirror(ctx, zone, workspace)
		if err != nil {
			cancel()
			logging.Error("Mirror replacement failed", map[string]interface{}{
				"logical_id": logicalID,
				"error":      err.Error(),
			})
			continue
		}
		if snapshotID != "" {
			if err := m.engine.Restore(ctx, snapshotID, replacement.Endpoint, workspace); err != nil {
				logging.Error("Mirror re-seed failed", map[string]interface{}{
					"logical_id":  logicalID,
					"snapshot_id": snapshotID,
					"error":       err.Error(),
				})
			}
		}
		cancel()

		as.mu.Lock()
		as.a.Mirror = replacement
		stillServing := as.a.State == models.StateFailoverActive
		as.a.UpdatedAt = time.Now()
		cp := *as.a
		as.mu.Unlock()
		m.persist(&cp)

		if stillServing {
			if err := m.pub.Publish(m.rootCtx, logicalID, replacement.Endpoint, RoleMirror); err != nil {
				logging.Error("Failed to publish replacement mirror endpoint", map[string]interface{}{
					"logical_id": logicalID,
					"error":      err.Error(),
				})
			}
		}
		failures = 0
	}
}

// recover drives FAILOVER_ACTIVE -> RECOVERING -> SYNCING: acquire a new
// GPU near the mirror, seed it from the terminal snapshot, validate, and
// re-arm. Validation failure destroys the new GPU and tries again up to the
// ceiling; exhaustion lands in DEGRADED.
func (m *Manager) recover(logicalID string) {
	as := m.lookup(logicalID)
	if as == nil {
		return
	}

	as.mu.Lock()
	if as.a.State != models.StateFailoverActive {
		as.mu.Unlock()
		return
	}
	m.setState(as, models.StateRecovering)
	filter := as.filter
	filter.PreferredZones = []string{as.a.CPUZone}
	launch := as.launch
	workspace := as.a.GPU.WorkspacePath
	snapshotID := as.a.ActiveChainHead
	as.mu.Unlock()

	tries := m.cfg.MaxRecoveryTries
	if tries <= 0 {
		tries = 3
	}

	for attempt := 1; attempt <= tries; attempt++ {
		if m.rootCtx.Err() != nil {
			return
		}

		instance, err := m.tryRecoverOnce(filter, launch, workspace, snapshotID, logicalID)
		if err != nil {
			logging.Warn("Recovery attempt failed", map[string]interface{}{
				"logical_id": logicalID,
				"attempt":    attempt,
				"error":      err.Error(),
			})
			continue
		}

		as.mu.Lock()
		instance.LogicalID = logicalID
		as.a.GPU = instance
		as.a.ConsecFailures = 0
		m.armWorkers(as)
		m.setState(as, models.StateSyncing)
		as.mu.Unlock()

		if err := m.pub.Publish(m.rootCtx, logicalID, instance.Endpoint, RoleGPU); err != nil {
			logging.Error("Failed to publish recovered endpoint", map[string]interface{}{
				"logical_id": logicalID,
				"error":      err.Error(),
			})
		}
		metrics.GetMetrics().IncrementCounter("standby_recovered")
		logging.Info("Recovery complete", map[string]interface{}{
			"logical_id":  logicalID,
			"instance_id": instance.ID,
			"attempts":    attempt,
		})
		return
	}

	as.mu.Lock()
	m.setState(as, models.StateDegraded)
	as.mu.Unlock()
	metrics.GetMetrics().IncrementCounter("standby_recovery_exhausted")
	logging.Error("Recovery exhausted, association degraded", map[string]interface{}{
		"logical_id":  logicalID,
		"snapshot_id": snapshotID,
	})
}

func (m *Manager) tryRecoverOnce(filter providers.OfferFilter, launch providers.LaunchSpec, workspace, snapshotID, logicalID string) (*models.GpuInstance, error) {
	ctx, cancel := context.WithTimeout(m.rootCtx, 15*time.Minute)
	defer cancel()

	instance, err := m.racer.Acquire(ctx, filter, launch, workspace)
	if err != nil {
		return nil, fmt.Errorf("acquire replacement gpu: %w", err)
	}

	if snapshotID != "" {
		if err := m.engine.Restore(ctx, snapshotID, instance.Endpoint, workspace); err != nil {
			m.destroyGpu(instance.ID)
			return nil, fmt.Errorf("restore %s: %w", snapshotID, err)
		}
		if err := m.engine.Validate(ctx, snapshotID, instance.Endpoint, workspace); err != nil {
			m.destroyGpu(instance.ID)
			return nil, fmt.Errorf("validate %s: %w", snapshotID, err)
		}
	}
	return instance, nil
}

func (m *Manager) destroyGpu(instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.gpu.DestroyInstance(ctx, instanceID); err != nil {
		logging.Error("Failed to destroy rejected gpu", map[string]interface{}{
			"instance_id": instanceID,
			"error":       err.Error(),
		})
	}
}

// TriggerFailover is the operator path out of DEGRADED.
func (m *Manager) TriggerFailover(ctx context.Context, logicalID string) error {
	as := m.lookup(logicalID)
	if as == nil {
		return ErrUnknownAssociation
	}

	as.mu.Lock()
	if as.a.State != models.StateDegraded {
		as.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotDegraded, as.a.State)
	}
	assocID := as.a.ID
	mirror := *as.a.Mirror
	parentID := as.a.ActiveChainHead
	m.beginFailoverLocked(as)
	autoRecover := m.cfg.AutoRecovery
	as.mu.Unlock()

	go func() {
		m.completeFailover(as, logicalID, assocID, mirror, parentID)
		if autoRecover {
			m.recover(logicalID)
		}
	}()
	return nil
}

// Teardown stops workers, destroys the mirror, and clears the association.
// Safe to call repeatedly; destroy is idempotent.
func (m *Manager) Teardown(ctx context.Context, logicalID string) error {
	m.mu.Lock()
	as, ok := m.assocs[logicalID]
	if ok {
		delete(m.assocs, logicalID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	as.mu.Lock()
	if as.cancelWorkers != nil {
		as.cancelWorkers()
	}
	as.mu.Unlock()
	as.workers.Wait()

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.a.Mirror != nil {
		if err := m.cpu.DestroyMirror(ctx, as.a.Mirror.ID); err != nil {
			logging.Error("Failed to destroy mirror during teardown", map[string]interface{}{
				"mirror_id": as.a.Mirror.ID,
				"error":     err.Error(),
			})
		}
	}
	if err := m.pub.Unpublish(ctx, logicalID); err != nil {
		logging.Warn("Failed to unpublish endpoint", map[string]interface{}{
			"logical_id": logicalID,
			"error":      err.Error(),
		})
	}

	m.setState(as, models.StateDisabled)
	logging.Info("Standby teardown complete", map[string]interface{}{
		"association_id": as.a.ID,
		"logical_id":     logicalID,
	})
	return nil
}

// Close cancels every worker; used at daemon shutdown.
func (m *Manager) Close() {
	m.rootCancel()
	m.mu.RLock()
	assocs := make([]*association, 0, len(m.assocs))
	for _, as := range m.assocs {
		assocs = append(assocs, as)
	}
	m.mu.RUnlock()
	for _, as := range assocs {
		as.workers.Wait()
	}
}

// Get returns a copy of the association for a logical id.
func (m *Manager) Get(logicalID string) (*models.StandbyAssociation, error) {
	as := m.lookup(logicalID)
	if as == nil {
		return nil, ErrUnknownAssociation
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	cp := *as.a
	return &cp, nil
}

// List returns copies of all associations.
func (m *Manager) List() []*models.StandbyAssociation {
	m.mu.RLock()
	assocs := make([]*association, 0, len(m.assocs))
	for _, as := range m.assocs {
		assocs = append(assocs, as)
	}
	m.mu.RUnlock()

	out := make([]*models.StandbyAssociation, 0, len(assocs))
	for _, as := range assocs {
		as.mu.Lock()
		cp := *as.a
		as.mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

func (m *Manager) lookup(logicalID string) *association {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assocs[logicalID]
}

// setState mutates state under the caller-held association lock and persists
// a copy outside the transition.
func (m *Manager) setState(as *association, state models.AssociationState) {
	prev := as.a.State
	as.a.State = state
	as.a.UpdatedAt = time.Now()
	logging.Info("Association state change", map[string]interface{}{
		"association_id": as.a.ID,
		"logical_id":     as.a.LogicalID,
		"from":           string(prev),
		"to":             string(state),
	})
	cp := *as.a
	go m.persist(&cp)
}

func (m *Manager) persist(a *models.StandbyAssociation) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SaveAssociation(ctx, a); err != nil {
		logging.Warn("Failed to persist association", map[string]interface{}{
			"association_id": a.ID,
			"error":          err.Error(),
		})
	}
}

func (m *Manager) persistSnapshot(s *models.Snapshot) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.SaveSnapshot(ctx, s); err != nil {
		logging.Warn("Failed to persist snapshot record", map[string]interface{}{
			"snapshot_id": s.ID,
			"error":       err.Error(),
		})
	}
}
