package standby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotnest/spotnest/internal/config"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/providers/fake"
	"github.com/spotnest/spotnest/internal/sshx"
)

type fakeAcquirer struct {
	mu     sync.Mutex
	nextID int
	err    error
	delay  time.Duration
}

func (f *fakeAcquirer) Acquire(ctx context.Context, filter providers.OfferFilter, launch providers.LaunchSpec, workspace string) (*models.GpuInstance, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	return &models.GpuInstance{
		ID: fmt.Sprintf("gpu-%d", f.nextID),
		Endpoint: models.Endpoint{
			Host: fmt.Sprintf("203.0.113.%d", 100+f.nextID),
			Port: 22,
			User: "root",
		},
		Geolocation:   "Quebec, CA",
		WorkspacePath: workspace,
	}, nil
}

type fakeSyncer struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeSyncer) SyncOnce(ctx context.Context, associationID string, source, sink models.Endpoint, workspace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.count++
	return nil
}

func (f *fakeSyncer) cycles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type snapCall struct {
	source    models.Endpoint
	workspace string
	parentID  string
}

type fakeSnapshotter struct {
	mu           sync.Mutex
	nextID       int
	creates      []snapCall
	restores     []string
	validateErrs []error // popped per Validate call; nil entries succeed
	restoreErr   error
	createDelay  time.Duration
}

func (f *fakeSnapshotter) CreateAuto(ctx context.Context, src models.Endpoint, sourceID, workspace, parentID string) (*models.Snapshot, error) {
	if f.createDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.createDelay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.creates = append(f.creates, snapCall{source: src, workspace: workspace, parentID: parentID})
	return &models.Snapshot{ID: fmt.Sprintf("snap-%d", f.nextID), ParentID: parentID}, nil
}

func (f *fakeSnapshotter) Restore(ctx context.Context, snapshotID string, target models.Endpoint, workspace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restores = append(f.restores, snapshotID)
	return nil
}

func (f *fakeSnapshotter) Validate(ctx context.Context, snapshotID string, target models.Endpoint, workspace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.validateErrs) == 0 {
		return nil
	}
	err := f.validateErrs[0]
	f.validateErrs = f.validateErrs[1:]
	return err
}

type staticResolver struct{ zone string }

func (s staticResolver) Resolve(ctx context.Context, geolocation, publicIP string) string {
	return s.zone
}

type harness struct {
	m       *Manager
	cpu     *fake.CpuProvider
	gpu     *fake.GpuProvider
	racer   *fakeAcquirer
	syncer  *fakeSyncer
	snaps   *fakeSnapshotter
	pub     *MemoryPublisher
	healthy atomic.Bool
}

func newHarness(t *testing.T, cfg config.StandbyConfig) *harness {
	t.Helper()
	h := &harness{
		cpu:    fake.NewCpuProvider(),
		gpu:    fake.NewGpuProvider(),
		racer:  &fakeAcquirer{},
		syncer: &fakeSyncer{},
		snaps:  &fakeSnapshotter{},
		pub:    NewMemoryPublisher(),
	}
	h.healthy.Store(true)

	h.m = NewManager(staticResolver{zone: "northamerica-northeast1-a"}, h.cpu, h.gpu,
		h.racer, h.syncer, h.snaps, sshx.NewFakeRunner(), h.pub, nil, cfg,
		"root", "ssh-ed25519 AAAA test")
	h.m.MirrorBootTimeout = time.Second
	h.m.MirrorPollInterval = 2 * time.Millisecond
	h.m.HealthCheck = func(ctx context.Context, instance *models.GpuInstance) error {
		if h.healthy.Load() {
			return nil
		}
		return errors.New("probe failed")
	}
	t.Cleanup(h.m.Close)
	return h
}

func fastConfig() config.StandbyConfig {
	return config.StandbyConfig{
		SyncInterval:     10 * time.Millisecond,
		HealthInterval:   10 * time.Millisecond,
		FailureThreshold: 2,
		AutoFailover:     true,
		AutoRecovery:     true,
		CPUMachineType:   "e2-standard-2",
		CPUUseSpot:       true,
		CPUDiskGB:        100,
		MaxRecoveryTries: 3,
	}
}

func testGpu() *models.GpuInstance {
	return &models.GpuInstance{
		ID:            "gpu-0",
		LogicalID:     "logical-1",
		Endpoint:      models.Endpoint{Host: "203.0.113.10", Port: 22, User: "root"},
		Geolocation:   "Quebec, CA",
		WorkspacePath: "/workspace",
	}
}

func (h *harness) state(t *testing.T) models.AssociationState {
	t.Helper()
	a, err := h.m.Get("logical-1")
	require.NoError(t, err)
	return a.State
}

func (h *harness) waitState(t *testing.T, want models.AssociationState) {
	t.Helper()
	require.Eventually(t, func() bool {
		a, err := h.m.Get("logical-1")
		return err == nil && a.State == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for state %s", want)
}

func TestEnableProvisionsMirrorInResolvedZone(t *testing.T) {
	h := newHarness(t, fastConfig())

	a, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{GPUModel: "RTX 4090"}, providers.LaunchSpec{})
	require.NoError(t, err)

	assert.Equal(t, models.StateSyncing, a.State)
	assert.Equal(t, "northamerica-northeast1-a", a.CPUZone)
	require.NotNil(t, a.Mirror)
	assert.Equal(t, "northamerica-northeast1-a", h.cpu.Zone(a.Mirror.ID))

	pubd, err := h.pub.Lookup(context.Background(), "logical-1")
	require.NoError(t, err)
	require.NotNil(t, pubd)
	assert.Equal(t, RoleGPU, pubd.Role)
	assert.Equal(t, "203.0.113.10", pubd.Endpoint.Host)
}

func TestEnableHonorsZoneOverride(t *testing.T) {
	cfg := fastConfig()
	cfg.CPUZoneOverride = "europe-west4-a"
	h := newHarness(t, cfg)

	a, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)
	assert.Equal(t, "europe-west4-a", a.CPUZone)
}

func TestEnableMirrorFailureLandsInError(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRecoveryTries = 1
	h := newHarness(t, cfg)
	h.cpu.CreateErr = errors.New("quota exceeded")

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.ErrorIs(t, err, ErrMirrorProvisioning)
	assert.Equal(t, models.StateError, h.state(t))
}

func TestSyncLoopUpdatesLiveness(t *testing.T) {
	h := newHarness(t, fastConfig())

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.syncer.cycles() >= 2 }, 2*time.Second, 5*time.Millisecond)

	a, err := h.m.Get("logical-1")
	require.NoError(t, err)
	assert.False(t, a.LastSyncAt.IsZero())
	assert.GreaterOrEqual(t, a.SyncCount, int64(2))
	_, known := a.DataAge(time.Now())
	assert.True(t, known)
}

func TestFailoverFlipsEndpointAtomically(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoRecovery = false
	h := newHarness(t, cfg)

	a, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)
	mirrorHost := a.Mirror.Endpoint.Host

	h.healthy.Store(false)
	h.waitState(t, models.StateFailoverActive)

	// The flip commits first; snapshot and endpoint publish land moments
	// later without ever exposing a half-failed-over association.
	require.Eventually(t, func() bool {
		pubd, err := h.pub.Lookup(context.Background(), "logical-1")
		return err == nil && pubd != nil && pubd.Role == RoleMirror
	}, 2*time.Second, 5*time.Millisecond)

	pubd, err := h.pub.Lookup(context.Background(), "logical-1")
	require.NoError(t, err)
	assert.Equal(t, mirrorHost, pubd.Endpoint.Host)

	require.Eventually(t, func() bool {
		a, err := h.m.Get("logical-1")
		return err == nil && a.ActiveChainHead != ""
	}, 2*time.Second, 5*time.Millisecond, "failover must capture a terminal snapshot")

	got, err := h.m.Get("logical-1")
	require.NoError(t, err)
	assert.False(t, got.FailoverAt.IsZero())

	h.snaps.mu.Lock()
	require.NotEmpty(t, h.snaps.creates)
	assert.Equal(t, mirrorHost, h.snaps.creates[len(h.snaps.creates)-1].source.Host,
		"terminal snapshot must come from the mirror")
	h.snaps.mu.Unlock()
}

func TestGpuDownDroppedOutsideSyncing(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoRecovery = false
	h := newHarness(t, cfg)

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)

	h.healthy.Store(false)
	h.waitState(t, models.StateFailoverActive)
	before, _ := h.m.Get("logical-1")

	h.m.handleGPUDown("logical-1")
	after, _ := h.m.Get("logical-1")
	assert.Equal(t, models.StateFailoverActive, after.State)
	assert.Equal(t, before.FailoverAt, after.FailoverAt)
}

func TestAutoFailoverOffGoesDegraded(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoFailover = false
	h := newHarness(t, cfg)

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)

	h.healthy.Store(false)
	h.waitState(t, models.StateDegraded)

	// The endpoint must not have flipped.
	pubd, err := h.pub.Lookup(context.Background(), "logical-1")
	require.NoError(t, err)
	assert.Equal(t, RoleGPU, pubd.Role)
}

func TestOperatorFailoverFromDegraded(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoFailover = false
	cfg.AutoRecovery = false
	h := newHarness(t, cfg)

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)

	require.Error(t, h.m.TriggerFailover(context.Background(), "logical-1"), "only DEGRADED accepts operator failover")

	h.healthy.Store(false)
	h.waitState(t, models.StateDegraded)

	require.NoError(t, h.m.TriggerFailover(context.Background(), "logical-1"))
	assert.Equal(t, models.StateFailoverActive, h.state(t))
}

// waitFailedOver waits for failover evidence rather than the
// FAILOVER_ACTIVE state itself, which auto recovery can leave within
// milliseconds.
func (h *harness) waitFailedOver(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		a, err := h.m.Get("logical-1")
		return err == nil && !a.FailoverAt.IsZero()
	}, 2*time.Second, 2*time.Millisecond)
}

func TestRecoveryRestoresAndResumesSync(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.racer.delay = 60 * time.Millisecond

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{GPUModel: "RTX 4090"}, providers.LaunchSpec{})
	require.NoError(t, err)

	h.healthy.Store(false)
	h.waitFailedOver(t)
	h.healthy.Store(true) // replacement GPU probes healthy

	h.waitState(t, models.StateSyncing)

	a, err := h.m.Get("logical-1")
	require.NoError(t, err)
	assert.Equal(t, "gpu-1", a.GPU.ID)
	assert.Equal(t, "logical-1", a.GPU.LogicalID, "logical identity survives recovery")

	h.snaps.mu.Lock()
	assert.Contains(t, h.snaps.restores, a.ActiveChainHead, "new GPU must be seeded from the terminal snapshot")
	h.snaps.mu.Unlock()

	require.Eventually(t, func() bool {
		pubd, _ := h.pub.Lookup(context.Background(), "logical-1")
		return pubd != nil && pubd.Role == RoleGPU
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecoveryRetriesOnValidationFailure(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.racer.delay = 60 * time.Millisecond
	h.snaps.validateErrs = []error{errors.New("size mismatch"), nil}

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)

	h.healthy.Store(false)
	h.waitFailedOver(t)
	h.healthy.Store(true)
	h.waitState(t, models.StateSyncing)

	a, _ := h.m.Get("logical-1")
	assert.Equal(t, "gpu-2", a.GPU.ID, "first replacement failed validation")
	assert.Contains(t, h.gpu.Destroyed, "gpu-1", "rejected replacement must be destroyed")
}

func TestRecoveryExhaustionDegrades(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.racer.err = errors.New("market empty")

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)

	h.healthy.Store(false)
	h.waitState(t, models.StateDegraded)
}

func TestTeardownIdempotent(t *testing.T) {
	h := newHarness(t, fastConfig())

	a, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)
	mirrorID := a.Mirror.ID

	require.NoError(t, h.m.Teardown(context.Background(), "logical-1"))
	require.NoError(t, h.m.Teardown(context.Background(), "logical-1"))

	assert.Equal(t, []string{mirrorID}, h.cpu.Destroyed)

	_, err = h.m.Get("logical-1")
	assert.ErrorIs(t, err, ErrUnknownAssociation)

	pubd, err := h.pub.Lookup(context.Background(), "logical-1")
	require.NoError(t, err)
	assert.Nil(t, pubd)
}

func TestMirrorPreemptionDuringFailover(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoRecovery = false
	h := newHarness(t, cfg)

	a, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)
	firstMirror := a.Mirror.ID

	h.healthy.Store(false)
	h.waitState(t, models.StateFailoverActive)

	// The serving mirror gets preempted.
	require.NoError(t, h.cpu.DestroyMirror(context.Background(), firstMirror))

	require.Eventually(t, func() bool {
		cur, err := h.m.Get("logical-1")
		return err == nil && cur.Mirror.ID != firstMirror
	}, 3*time.Second, 10*time.Millisecond, "mirror must be replaced after preemption")

	cur, _ := h.m.Get("logical-1")
	assert.Equal(t, "northamerica-northeast1-a", h.cpu.Zone(cur.Mirror.ID), "replacement stays in the association zone")

	pubd, _ := h.pub.Lookup(context.Background(), "logical-1")
	assert.Equal(t, cur.Mirror.Endpoint.Host, pubd.Endpoint.Host)
	assert.Equal(t, RoleMirror, pubd.Role)
}

func TestStatusReadsDuringMirrorProvisioning(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.m.MirrorPollInterval = 300 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, err := h.m.Get("logical-1")
		return err == nil
	}, time.Second, 2*time.Millisecond)

	// The mirror is still booting; reads answer immediately.
	start := time.Now()
	a, err := h.m.Get("logical-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "reads must not wait on mirror provisioning")
	assert.Equal(t, models.StateProvisioning, a.State)
	assert.NotEmpty(t, h.m.List())

	require.NoError(t, <-done)
}

func TestFailoverReadsNotBlockedBySnapshot(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoRecovery = false
	h := newHarness(t, cfg)
	h.snaps.createDelay = 250 * time.Millisecond

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)

	h.healthy.Store(false)
	h.waitState(t, models.StateFailoverActive)

	// The terminal snapshot is still in flight.
	start := time.Now()
	a, err := h.m.Get("logical-1")
	require.NoError(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond, "reads must not wait on the failover snapshot")
	assert.Empty(t, a.ActiveChainHead)

	require.Eventually(t, func() bool {
		cur, err := h.m.Get("logical-1")
		return err == nil && cur.ActiveChainHead != ""
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFailoverReportsChainHead(t *testing.T) {
	cfg := fastConfig()
	cfg.AutoRecovery = false
	h := newHarness(t, cfg)

	var mu sync.Mutex
	heads := make(map[string]string)
	h.m.OnChainHead = func(logicalID, snapshotID string) {
		mu.Lock()
		defer mu.Unlock()
		heads[logicalID] = snapshotID
	}

	_, err := h.m.Enable(context.Background(), testGpu(), providers.OfferFilter{}, providers.LaunchSpec{})
	require.NoError(t, err)

	h.healthy.Store(false)
	h.waitState(t, models.StateFailoverActive)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return heads["logical-1"] != ""
	}, 2*time.Second, 5*time.Millisecond)

	a, err := h.m.Get("logical-1")
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, a.ActiveChainHead, heads["logical-1"])
	mu.Unlock()
}
