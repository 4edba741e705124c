package provision

import (
	"context"
	"errors"
	"sync"
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

type memAttempts struct {
	mu       sync.Mutex
	records  []models.ProvisionAttempt
	rates    map[string]float64
	ratesErr error
}

func (m *memAttempts) RecordAttempt(ctx context.Context, a models.ProvisionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, a)
	return nil
}

func (m *memAttempts) MachineSuccessRates(ctx context.Context) (map[string]float64, error) {
	return m.rates, m.ratesErr
}

func (m *memAttempts) all() []models.ProvisionAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ProvisionAttempt(nil), m.records...)
}

func offer(id, machine string, price float64, geo string) models.Offer {
	return models.Offer{
		ID:          id,
		MachineID:   machine,
		GPUModel:    "RTX 4090",
		VRAMBytes:   24 << 30,
		PricePerHr:  price,
		Geolocation: geo,
		Reliability: 0.99,
	}
}

func testRacer(gpu *fake.GpuProvider, attempts AttemptStore, cfg config.ProvisionConfig) *Racer {
	r := NewRacer(gpu, sshx.NewFakeRunner(), attempts, cfg, "root")
	r.PollInterval = 5 * time.Millisecond
	r.ReadyCommand = "echo ok"
	return r
}

func raceConfig() config.ProvisionConfig {
	return config.ProvisionConfig{
		BatchSize:      5,
		MaxRounds:      3,
		RoundDeadline:  300 * time.Millisecond,
		MinReliability: 0.9,
		BlacklistBelow: 0.30,
	}
}

func TestAcquireFirstReadyWinsAndLosersDestroyed(t *testing.T) {
	gpu := fake.NewGpuProvider(
		offer("o1", "m1", 1.0, "Quebec, CA"),
		offer("o2", "m2", 2.0, "Texas, US"),
	)
	gpu.BootDelay["m2"] = -1 // never comes up

	r := testRacer(gpu, nil, raceConfig())
	inst, err := r.Acquire(context.Background(), providers.OfferFilter{GPUModel: "RTX 4090"},
		providers.LaunchSpec{Image: "pytorch/pytorch:latest"}, "/workspace")
	require.NoError(t, err)

	assert.Equal(t, "m1", gpu.MachineID(inst.ID))
	assert.NotEmpty(t, inst.LogicalID)
	assert.Equal(t, 22, inst.Endpoint.Port)
	assert.Equal(t, "/workspace", inst.WorkspacePath)

	// The loser must already be destroyed when Acquire returns.
	require.Len(t, gpu.Destroyed, 1)
	assert.NotEqual(t, inst.ID, gpu.Destroyed[0])
}

func TestAcquireExhaustedAfterAllRounds(t *testing.T) {
	gpu := fake.NewGpuProvider(
		offer("o1", "m1", 1.0, "Quebec, CA"),
		offer("o2", "m2", 2.0, "Texas, US"),
	)
	gpu.BootDelay["m1"] = -1
	gpu.BootDelay["m2"] = -1

	cfg := raceConfig()
	cfg.RoundDeadline = 60 * time.Millisecond
	r := testRacer(gpu, nil, cfg)

	_, err := r.Acquire(context.Background(), providers.OfferFilter{GPUModel: "RTX 4090"},
		providers.LaunchSpec{}, "/workspace")
	require.ErrorIs(t, err, ErrAcquireExhausted)

	// Every launched candidate was cleaned up.
	assert.Len(t, gpu.Destroyed, 2)
}

func TestAcquireSecondRoundTriesUntriedOffers(t *testing.T) {
	gpu := fake.NewGpuProvider(
		offer("o1", "m1", 1.0, "Quebec, CA"),
		offer("o2", "m2", 2.0, "Texas, US"),
	)
	gpu.BootDelay["m1"] = -1

	cfg := raceConfig()
	cfg.BatchSize = 1
	cfg.RoundDeadline = 60 * time.Millisecond
	r := testRacer(gpu, nil, cfg)

	inst, err := r.Acquire(context.Background(), providers.OfferFilter{GPUModel: "RTX 4090"},
		providers.LaunchSpec{}, "/workspace")
	require.NoError(t, err)
	assert.Equal(t, "m2", gpu.MachineID(inst.ID))
}

func TestAcquireSkipsBlacklistedMachines(t *testing.T) {
	gpu := fake.NewGpuProvider(
		offer("cheap", "bad-machine", 0.5, "Quebec, CA"),
		offer("solid", "good-machine", 1.5, "Quebec, CA"),
	)
	attempts := &memAttempts{rates: map[string]float64{"bad-machine": 0.10}}

	r := testRacer(gpu, attempts, raceConfig())
	inst, err := r.Acquire(context.Background(), providers.OfferFilter{GPUModel: "RTX 4090"},
		providers.LaunchSpec{}, "/workspace")
	require.NoError(t, err)
	assert.Equal(t, "good-machine", gpu.MachineID(inst.ID))
}

func TestAcquireRecordsAttempts(t *testing.T) {
	gpu := fake.NewGpuProvider(
		offer("o1", "m1", 1.0, "Quebec, CA"),
		offer("o2", "m2", 2.0, "Texas, US"),
	)
	gpu.BootDelay["m2"] = -1
	attempts := &memAttempts{}

	r := testRacer(gpu, attempts, raceConfig())
	_, err := r.Acquire(context.Background(), providers.OfferFilter{GPUModel: "RTX 4090"},
		providers.LaunchSpec{}, "/workspace")
	require.NoError(t, err)

	records := attempts.all()
	require.Len(t, records, 2)
	byMachine := map[string]models.ProvisionAttempt{}
	for _, rec := range records {
		byMachine[rec.MachineID] = rec
	}
	assert.True(t, byMachine["m1"].Won)
	assert.Equal(t, models.CandidateReady, byMachine["m1"].FinalState)
	assert.False(t, byMachine["m2"].Won)
	assert.Equal(t, models.CandidateDestroyed, byMachine["m2"].FinalState)
}

func TestAcquireLaunchFailureDoesNotAbortRound(t *testing.T) {
	gpu := fake.NewGpuProvider(
		offer("o1", "m1", 1.0, "Quebec, CA"),
		offer("o2", "m2", 2.0, "Texas, US"),
	)
	gpu.CreateErr["o1"] = errors.New("offer already taken")

	r := testRacer(gpu, nil, raceConfig())
	inst, err := r.Acquire(context.Background(), providers.OfferFilter{GPUModel: "RTX 4090"},
		providers.LaunchSpec{}, "/workspace")
	require.NoError(t, err)
	assert.Equal(t, "m2", gpu.MachineID(inst.ID))
}

func TestAcquireNoMatchingOffers(t *testing.T) {
	gpu := fake.NewGpuProvider(offer("o1", "m1", 1.0, "Quebec, CA"))

	r := testRacer(gpu, nil, raceConfig())
	_, err := r.Acquire(context.Background(), providers.OfferFilter{GPUModel: "H100"},
		providers.LaunchSpec{}, "/workspace")
	require.ErrorIs(t, err, ErrAcquireExhausted)
}

type staticResolver struct{ zones map[string]string }

func (s staticResolver) Resolve(ctx context.Context, geolocation, publicIP string) string {
	return s.zones[geolocation]
}

func TestSortOffersPreferredZoneThenPrice(t *testing.T) {
	offers := []models.Offer{
		offer("far-cheap", "m1", 0.5, "Texas, US"),
		offer("near-pricey", "m2", 2.0, "Quebec, CA"),
		offer("near-cheap", "m3", 1.0, "Quebec, CA"),
	}
	r := testRacer(fake.NewGpuProvider(), nil, raceConfig())
	r.Resolver = staticResolver{zones: map[string]string{
		"Quebec, CA": "northamerica-northeast1-a",
		"Texas, US":  "us-south1-a",
	}}

	r.sortOffers(context.Background(), offers, []string{"northamerica-northeast1-b"})
	assert.Equal(t, "near-cheap", offers[0].ID)
	assert.Equal(t, "near-pricey", offers[1].ID)
	assert.Equal(t, "far-cheap", offers[2].ID)
}

func TestRegionOf(t *testing.T) {
	assert.Equal(t, "us-east4", regionOf("us-east4-a"))
	assert.Equal(t, "northamerica-northeast1", regionOf("northamerica-northeast1-a"))
}
