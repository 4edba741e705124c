package hibernate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotnest/spotnest/internal/config"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/providers/fake"
)

type fakeAcquirer struct {
	mu     sync.Mutex
	nextID int
	err    error
}

func (f *fakeAcquirer) Acquire(ctx context.Context, filter providers.OfferFilter, launch providers.LaunchSpec, workspace string) (*models.GpuInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	return &models.GpuInstance{
		ID:            fmt.Sprintf("gpu-%d", f.nextID),
		Endpoint:      models.Endpoint{Host: fmt.Sprintf("203.0.113.%d", 50+f.nextID), Port: 22, User: "root"},
		WorkspacePath: workspace,
	}, nil
}

type snapCall struct {
	sourceHost string
	workspace  string
	parentID   string
}

type fakeSnapshotter struct {
	mu        sync.Mutex
	nextID    int
	creates   []snapCall
	restores  []string
	createErr error
}

func (f *fakeSnapshotter) CreateAuto(ctx context.Context, src models.Endpoint, sourceID, workspace, parentID string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.creates = append(f.creates, snapCall{sourceHost: src.Host, workspace: workspace, parentID: parentID})
	return &models.Snapshot{ID: fmt.Sprintf("snap-%d", f.nextID), ParentID: parentID}, nil
}

func (f *fakeSnapshotter) Restore(ctx context.Context, snapshotID string, target models.Endpoint, workspace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, snapshotID)
	return nil
}

func fastHibernateConfig() config.HibernateConfig {
	return config.HibernateConfig{
		IdleWindow:    30 * time.Millisecond,
		IdleThreshold: 5.0,
		CleanupWindow: 40 * time.Millisecond,
		StaleAfter:    100 * time.Millisecond,
	}
}

func testInstance() *models.GpuInstance {
	return &models.GpuInstance{
		ID:            "inst-1",
		LogicalID:     "logical-1",
		Endpoint:      models.Endpoint{Host: "203.0.113.10", Port: 22, User: "root"},
		WorkspacePath: "/workspace",
	}
}

func newController(t *testing.T, cfg config.HibernateConfig) (*Controller, *fakeSnapshotter, *fakeAcquirer, *fake.GpuProvider) {
	t.Helper()
	snaps := &fakeSnapshotter{}
	racer := &fakeAcquirer{}
	gpu := fake.NewGpuProvider()
	c := NewController(snaps, racer, gpu, nil, cfg)
	c.EvalInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c, snaps, racer, gpu
}

// beat pumps heartbeats at a fixed utilization until the test ends.
func beat(t *testing.T, c *Controller, instanceID string, utilPct float64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.ReportHeartbeat(models.Heartbeat{
					InstanceID: instanceID,
					GPUUtilPct: utilPct,
					Timestamp:  time.Now(),
				})
			}
		}
	}()
}

func TestSustainedIdleHibernates(t *testing.T) {
	c, snaps, _, gpu := newController(t, fastHibernateConfig())
	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")
	beat(t, c, "inst-1", 2.0)

	require.Eventually(t, func() bool {
		_, ok := c.Hibernated("logical-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	event, _ := c.Hibernated("logical-1")
	assert.Equal(t, "snap-1", event.SnapshotID)
	assert.Equal(t, "inst-1", event.InstanceID)

	snaps.mu.Lock()
	require.Len(t, snaps.creates, 1)
	assert.Equal(t, "203.0.113.10", snaps.creates[0].sourceHost, "capture must come from the idle GPU")
	assert.Equal(t, "/workspace", snaps.creates[0].workspace)
	snaps.mu.Unlock()

	assert.Contains(t, gpu.Destroyed, "inst-1")

	_, err := c.LastHeartbeat("logical-1")
	assert.ErrorIs(t, err, ErrUnknownInstance, "hibernated instances leave the tracking set")
}

func TestBusyInstanceStaysUp(t *testing.T) {
	c, _, _, gpu := newController(t, fastHibernateConfig())
	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")
	beat(t, c, "inst-1", 80.0)

	time.Sleep(150 * time.Millisecond)
	_, ok := c.Hibernated("logical-1")
	assert.False(t, ok)
	assert.Empty(t, gpu.Destroyed)
}

func TestStaleHeartbeatsAreNotIdle(t *testing.T) {
	cfg := fastHibernateConfig()
	cfg.StaleAfter = 15 * time.Millisecond
	cfg.IdleWindow = 60 * time.Millisecond
	c, _, _, gpu := newController(t, cfg)
	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")

	// A single idle report, then silence.
	c.ReportHeartbeat(models.Heartbeat{InstanceID: "inst-1", GPUUtilPct: 0, Timestamp: time.Now()})

	time.Sleep(150 * time.Millisecond)
	_, ok := c.Hibernated("logical-1")
	assert.False(t, ok, "no heartbeats means unknown, and unknown is never idle")
	assert.Empty(t, gpu.Destroyed)
}

func TestActivityResetsIdleWindow(t *testing.T) {
	c, _, _, _ := newController(t, fastHibernateConfig())
	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")

	// Alternate idle and busy faster than the window.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		util := []float64{0, 0, 90}
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.ReportHeartbeat(models.Heartbeat{InstanceID: "inst-1", GPUUtilPct: util[i%3], Timestamp: time.Now()})
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	_, ok := c.Hibernated("logical-1")
	assert.False(t, ok)
}

func TestCleanupReleasesMirrorOnce(t *testing.T) {
	c, _, _, _ := newController(t, fastHibernateConfig())

	var mu sync.Mutex
	var released []string
	c.ReleaseMirror = func(ctx context.Context, logicalID string) error {
		mu.Lock()
		defer mu.Unlock()
		released = append(released, logicalID)
		return nil
	}

	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")
	beat(t, c, "inst-1", 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(released) > 0
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"logical-1"}, released)
	mu.Unlock()
}

func TestWakeRestoresAndPreservesIdentity(t *testing.T) {
	c, snaps, _, _ := newController(t, fastHibernateConfig())
	c.Track(testInstance(), providers.OfferFilter{GPUModel: "RTX 4090"}, providers.LaunchSpec{}, "")
	beat(t, c, "inst-1", 0)

	require.Eventually(t, func() bool {
		_, ok := c.Hibernated("logical-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	instance, err := c.Wake(context.Background(), "logical-1")
	require.NoError(t, err)
	assert.Equal(t, "gpu-1", instance.ID)
	assert.Equal(t, "logical-1", instance.LogicalID, "logical identity survives wake")
	assert.Equal(t, "/workspace", instance.WorkspacePath)

	snaps.mu.Lock()
	assert.Equal(t, []string{"snap-1"}, snaps.restores)
	snaps.mu.Unlock()

	_, ok := c.Hibernated("logical-1")
	assert.False(t, ok)

	_, err = c.Wake(context.Background(), "logical-1")
	assert.ErrorIs(t, err, ErrNotHibernated)
}

func TestWakeSurfacesAcquireFailure(t *testing.T) {
	c, _, racer, _ := newController(t, fastHibernateConfig())
	racer.err = errors.New("market empty")

	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")
	beat(t, c, "inst-1", 0)
	require.Eventually(t, func() bool {
		_, ok := c.Hibernated("logical-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err := c.Wake(context.Background(), "logical-1")
	require.Error(t, err)

	// Still hibernated; a later wake can succeed.
	_, ok := c.Hibernated("logical-1")
	assert.True(t, ok)
}

func TestHibernationExtendsChain(t *testing.T) {
	c, snaps, _, _ := newController(t, fastHibernateConfig())
	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "snap-base")
	c.UpdateChainHead("logical-1", "snap-newer")
	beat(t, c, "inst-1", 0)

	require.Eventually(t, func() bool {
		_, ok := c.Hibernated("logical-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	snaps.mu.Lock()
	require.Len(t, snaps.creates, 1)
	assert.Equal(t, "snap-newer", snaps.creates[0].parentID)
	snaps.mu.Unlock()
}

func TestUnknownHeartbeatIgnored(t *testing.T) {
	c, _, _, _ := newController(t, fastHibernateConfig())
	c.ReportHeartbeat(models.Heartbeat{InstanceID: "ghost", GPUUtilPct: 0})

	_, err := c.Wake(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotHibernated)
}

func TestUntrackStopsWatching(t *testing.T) {
	c, _, _, gpu := newController(t, fastHibernateConfig())
	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")
	beat(t, c, "inst-1", 0)
	c.Untrack("logical-1")

	time.Sleep(120 * time.Millisecond)
	_, ok := c.Hibernated("logical-1")
	assert.False(t, ok)
	assert.Empty(t, gpu.Destroyed)
}

func TestWokenInstanceIsWatchedAgain(t *testing.T) {
	c, snaps, _, _ := newController(t, fastHibernateConfig())
	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")
	beat(t, c, "inst-1", 0)

	require.Eventually(t, func() bool {
		_, ok := c.Hibernated("logical-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	instance, err := c.Wake(context.Background(), "logical-1")
	require.NoError(t, err)

	// The replacement idles in turn; it must hibernate again, with the
	// wake snapshot as the parent so the capture stays incremental.
	beat(t, c, instance.ID, 0)
	require.Eventually(t, func() bool {
		event, ok := c.Hibernated("logical-1")
		return ok && event.SnapshotID == "snap-2"
	}, 2*time.Second, 5*time.Millisecond)

	snaps.mu.Lock()
	require.Len(t, snaps.creates, 2)
	assert.Equal(t, "snap-1", snaps.creates[1].parentID)
	snaps.mu.Unlock()
}

func TestWakeRunsOnWakeHook(t *testing.T) {
	c, _, _, _ := newController(t, fastHibernateConfig())

	var mu sync.Mutex
	var woken []string
	c.OnWake = func(ctx context.Context, instance *models.GpuInstance) error {
		mu.Lock()
		defer mu.Unlock()
		woken = append(woken, instance.ID)
		return nil
	}

	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")
	beat(t, c, "inst-1", 0)
	require.Eventually(t, func() bool {
		_, ok := c.Hibernated("logical-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	instance, err := c.Wake(context.Background(), "logical-1")
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{instance.ID}, woken)
	mu.Unlock()
}

func TestWakeHookFailureLeavesHibernated(t *testing.T) {
	c, _, _, gpu := newController(t, fastHibernateConfig())
	c.OnWake = func(ctx context.Context, instance *models.GpuInstance) error {
		return errors.New("endpoint publish refused")
	}

	c.Track(testInstance(), providers.OfferFilter{}, providers.LaunchSpec{}, "")
	beat(t, c, "inst-1", 0)
	require.Eventually(t, func() bool {
		_, ok := c.Hibernated("logical-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err := c.Wake(context.Background(), "logical-1")
	require.Error(t, err)

	// The half-woken replacement is released and the event survives, so a
	// later wake can try again.
	assert.Contains(t, gpu.Destroyed, "gpu-1")
	_, ok := c.Hibernated("logical-1")
	assert.True(t, ok)
}
