// Package provision acquires spot GPU instances by racing parallel launches.
// A single marketplace create succeeds in minutes with high variance; racing
// a batch and keeping the first to become usable gives a predictable
// time-to-ready at the cost of destroying the losers.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spotnest/spotnest/internal/config"
	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/metrics"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/sshx"
)

// ErrAcquireExhausted is returned when every round completed without any
// candidate reaching ready.
var ErrAcquireExhausted = errors.New("all provisioning rounds exhausted without a ready instance")

// AttemptStore persists per-candidate attempt records and derives the host
// blacklist from them. A nil store disables both.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt models.ProvisionAttempt) error
	// MachineSuccessRates returns attempts-weighted success rates keyed by
	// machine id, only for machines with enough history to judge.
	MachineSuccessRates(ctx context.Context) (map[string]float64, error)
}

// probeTimeout bounds the TCP dial that gates launching -> sshable.
const probeTimeout = 2 * time.Second

type Racer struct {
	gpu      providers.GpuProvider
	runner   sshx.Runner
	attempts AttemptStore
	cfg      config.ProvisionConfig
	sshUser  string

	// PollInterval is how often candidate monitors query instance status.
	PollInterval time.Duration
	// ReadyCommand must exit zero for sshable -> ready. Defaults to probing
	// the GPU driver.
	ReadyCommand string
	// Resolver, when set, ranks offers by preferred-zone proximity.
	Resolver ZoneResolver
}

// ZoneResolver maps an offer's advertised location to a CPU zone. Satisfied
// by region.Resolver.
type ZoneResolver interface {
	Resolve(ctx context.Context, geolocation, publicIP string) string
}

func NewRacer(gpu providers.GpuProvider, runner sshx.Runner, attempts AttemptStore, cfg config.ProvisionConfig, sshUser string) *Racer {
	return &Racer{
		gpu:          gpu,
		runner:       runner,
		attempts:     attempts,
		cfg:          cfg,
		sshUser:      sshUser,
		PollInterval: 2 * time.Second,
		ReadyCommand: "nvidia-smi -L",
	}
}

// Acquire races offers matching the filter in rounds and returns the first
// instance to become SSH-usable. All losing candidates are destroyed before
// Acquire returns.
func (r *Racer) Acquire(ctx context.Context, filter providers.OfferFilter, launch providers.LaunchSpec, workspace string) (*models.GpuInstance, error) {
	if filter.MinReliability == 0 {
		filter.MinReliability = r.cfg.MinReliability
	}

	offers, err := r.gpu.SearchOffers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("search offers: %w", err)
	}
	offers = r.applyBlacklist(ctx, offers)
	r.sortOffers(ctx, offers, filter.PreferredZones)

	if len(offers) == 0 {
		return nil, fmt.Errorf("no offers match filter (gpu=%s): %w", filter.GPUModel, ErrAcquireExhausted)
	}

	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	maxRounds := r.cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 3
	}

	next := 0
	for round := 0; round < maxRounds && next < len(offers); round++ {
		end := next + batchSize
		if end > len(offers) {
			end = len(offers)
		}
		batch := offers[next:end]
		next = end

		logging.Info("Provisioning round started", map[string]interface{}{
			"round":      round,
			"batch_size": len(batch),
			"gpu_model":  filter.GPUModel,
		})

		winner := r.runRound(ctx, batch, launch)
		if winner != nil {
			metrics.GetMetrics().IncrementCounter("provision_acquired")
			instance := &models.GpuInstance{
				ID:        winner.ID,
				LogicalID: uuid.New().String(),
				Offer:     winner.Offer,
				Endpoint: models.Endpoint{
					Host: winner.SSHHost,
					Port: winner.SSHPort,
					User: r.sshUser,
				},
				Geolocation:   winner.Offer.Geolocation,
				WorkspacePath: workspace,
				CreatedAt:     winner.LaunchedAt,
				ReadyAt:       time.Now(),
			}
			logging.Info("Provisioning race won", map[string]interface{}{
				"round":       round,
				"instance_id": instance.ID,
				"offer_id":    winner.Offer.ID,
				"machine_id":  winner.Offer.MachineID,
				"ssh_host":    instance.Endpoint.Host,
			})
			return instance, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	metrics.GetMetrics().IncrementCounter("provision_exhausted")
	return nil, ErrAcquireExhausted
}

func (r *Racer) applyBlacklist(ctx context.Context, offers []models.Offer) []models.Offer {
	if r.attempts == nil || r.cfg.BlacklistBelow <= 0 {
		return offers
	}
	rates, err := r.attempts.MachineSuccessRates(ctx)
	if err != nil {
		logging.Warn("Machine success rates unavailable, skipping blacklist", map[string]interface{}{
			"error": err.Error(),
		})
		return offers
	}
	kept := offers[:0]
	for _, o := range offers {
		if rate, ok := rates[o.MachineID]; ok && rate < r.cfg.BlacklistBelow {
			logging.Debug("Offer skipped, machine blacklisted", map[string]interface{}{
				"offer_id":     o.ID,
				"machine_id":   o.MachineID,
				"success_rate": rate,
			})
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

// sortOffers orders by preferred-zone proximity first, price second. An
// offer is proximate when its geolocation resolves into the same region as a
// preferred zone; without a resolver only price matters.
func (r *Racer) sortOffers(ctx context.Context, offers []models.Offer, preferredZones []string) {
	ranks := make(map[string]int, len(offers))
	if r.Resolver != nil && len(preferredZones) > 0 {
		for _, o := range offers {
			zone := r.Resolver.Resolve(ctx, o.Geolocation, o.PublicIP)
			rank := len(preferredZones)
			for i, z := range preferredZones {
				if regionOf(zone) == regionOf(z) {
					rank = i
					break
				}
			}
			ranks[o.ID] = rank
		}
	}
	sort.SliceStable(offers, func(i, j int) bool {
		ri, rj := ranks[offers[i].ID], ranks[offers[j].ID]
		if ri != rj {
			return ri < rj
		}
		return offers[i].PricePerHr < offers[j].PricePerHr
	})
}

// regionOf strips the zone letter: "us-east4-a" -> "us-east4".
func regionOf(zone string) string {
	if idx := strings.LastIndex(zone, "-"); idx > 0 {
		return zone[:idx]
	}
	return zone
}

func (r *Racer) runRound(ctx context.Context, batch []models.Offer, launch providers.LaunchSpec) *models.Candidate {
	deadline := r.cfg.RoundDeadline
	if deadline <= 0 {
		deadline = 90 * time.Second
	}
	roundCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		cand *models.Candidate
	}
	winnerCh := make(chan result, len(batch))

	var wg sync.WaitGroup
	candidates := make([]*models.Candidate, len(batch))
	var mu sync.Mutex

	for i, offer := range batch {
		wg.Add(1)
		go func(i int, offer models.Offer) {
			defer wg.Done()
			cand := r.runCandidate(roundCtx, offer, launch)
			mu.Lock()
			candidates[i] = cand
			mu.Unlock()
			if cand != nil && cand.State == models.CandidateReady {
				winnerCh <- result{cand}
			}
		}(i, offer)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	var winner *models.Candidate
	select {
	case res := <-winnerCh:
		winner = res.cand
		cancel() // stop the rest of the round
	case <-done:
		// no winner; deadline or all candidates failed
	}
	<-done

	// Destroy every non-winning candidate before returning so resource
	// accounting is correct at the call site.
	mu.Lock()
	defer mu.Unlock()
	for _, cand := range candidates {
		if cand == nil || (winner != nil && cand.ID == winner.ID) {
			continue
		}
		r.destroyCandidate(cand)
	}
	for _, cand := range candidates {
		if cand != nil {
			r.recordAttempt(cand, winner != nil && cand.ID == winner.ID)
		}
	}
	return winner
}

// runCandidate launches one offer and drives it toward ready until the round
// context is cancelled. Returns nil only when the launch call itself never
// produced an instance.
func (r *Racer) runCandidate(ctx context.Context, offer models.Offer, launch providers.LaunchSpec) *models.Candidate {
	cand := &models.Candidate{
		Offer:      offer,
		LaunchedAt: time.Now(),
		State:      models.CandidateLaunching,
	}

	id, err := r.gpu.CreateInstance(ctx, offer.ID, launch)
	if err != nil {
		cand.State = models.CandidateFailed
		cand.Error = err.Error()
		logging.Warn("Candidate launch failed", map[string]interface{}{
			"offer_id": offer.ID,
			"error":    err.Error(),
		})
		return cand
	}
	cand.ID = id

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if cand.State != models.CandidateReady {
				cand.State = models.CandidateFailed
				cand.Error = ctx.Err().Error()
			}
			return cand
		case <-ticker.C:
		}

		status, err := r.gpu.GetInstance(ctx, cand.ID)
		if err != nil {
			continue
		}
		if !status.Running() {
			cand.State = models.CandidateBooting
			continue
		}
		if !status.SSHReady() {
			continue
		}

		ep := models.Endpoint{Host: status.SSHHost, Port: status.SSHPort, User: r.sshUser}
		if cand.State != models.CandidateSSHable {
			if !r.runner.ProbeTCP(ep, probeTimeout) {
				continue
			}
			cand.State = models.CandidateSSHable
			cand.SSHHost = status.SSHHost
			cand.SSHPort = status.SSHPort
		}

		if _, err := r.runner.Run(ctx, ep, r.ReadyCommand); err != nil {
			continue
		}
		cand.State = models.CandidateReady
		metrics.GetMetrics().ObserveDuration("provision_time_to_ready", time.Since(cand.LaunchedAt))
		return cand
	}
}

// destroyCandidate is best-effort and idempotent; the provider treats "not
// found" as success.
func (r *Racer) destroyCandidate(cand *models.Candidate) {
	if cand.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.gpu.DestroyInstance(ctx, cand.ID); err != nil {
		logging.Error("Failed to destroy losing candidate", map[string]interface{}{
			"candidate_id": cand.ID,
			"error":        err.Error(),
		})
		return
	}
	cand.State = models.CandidateDestroyed
}

func (r *Racer) recordAttempt(cand *models.Candidate, won bool) {
	if r.attempts == nil {
		return
	}
	attempt := models.ProvisionAttempt{
		OfferID:     cand.Offer.ID,
		MachineID:   cand.Offer.MachineID,
		CandidateID: cand.ID,
		LaunchedAt:  cand.LaunchedAt,
		FinalState:  cand.State,
		Won:         won,
	}
	if cand.State == models.CandidateReady || cand.State == models.CandidateSSHable {
		attempt.SSHReadyAt = time.Now()
	}
	if cand.State == models.CandidateDestroyed {
		attempt.DestroyedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.attempts.RecordAttempt(ctx, attempt); err != nil {
		logging.Warn("Failed to record provision attempt", map[string]interface{}{
			"offer_id": attempt.OfferID,
			"error":    err.Error(),
		})
	}
}
