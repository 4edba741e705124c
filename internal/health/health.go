// Package health watches GPU instances for liveness. A probe passes when the
// provider reports the instance running, the SSH port accepts a TCP dial,
// and a trivial remote command returns. Consecutive failures past a
// threshold raise GPU_DOWN; a single flapped probe never does.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/metrics"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/providers"
	"github.com/spotnest/spotnest/internal/sshx"
)

const (
	tcpProbeTimeout = 2 * time.Second
	cmdProbeTimeout = 5 * time.Second
)

// Probe checks one GPU instance end to end.
type Probe struct {
	gpu    providers.GpuProvider
	runner sshx.Runner
	// CheckCommand runs over SSH as the last probe stage; empty skips it.
	CheckCommand string
}

func NewProbe(gpu providers.GpuProvider, runner sshx.Runner) *Probe {
	return &Probe{gpu: gpu, runner: runner, CheckCommand: "nvidia-smi -L"}
}

func (p *Probe) Check(ctx context.Context, instance *models.GpuInstance) error {
	status, err := p.gpu.GetInstance(ctx, instance.ID)
	if err != nil {
		return fmt.Errorf("provider status: %w", err)
	}
	if !status.Running() {
		return fmt.Errorf("provider reports status %q", status.Status)
	}
	if !p.runner.ProbeTCP(instance.Endpoint, tcpProbeTimeout) {
		return fmt.Errorf("ssh port %s:%d not accepting connections", instance.Endpoint.Host, instance.Endpoint.Port)
	}
	if p.CheckCommand != "" {
		cmdCtx, cancel := context.WithTimeout(ctx, cmdProbeTimeout)
		defer cancel()
		if _, err := p.runner.Run(cmdCtx, instance.Endpoint, p.CheckCommand); err != nil {
			return fmt.Errorf("remote check: %w", err)
		}
	}
	return nil
}

// Monitor runs a probe on an interval and fires onDown once the failure
// streak reaches the threshold. Maximum detection latency is
// threshold x interval.
type Monitor struct {
	check     func(ctx context.Context) error
	interval  time.Duration
	threshold int
	onDown    func()

	consecFailures int
}

func NewMonitor(check func(ctx context.Context) error, interval time.Duration, threshold int, onDown func()) *Monitor {
	if threshold <= 0 {
		threshold = 3
	}
	return &Monitor{
		check:     check,
		interval:  interval,
		threshold: threshold,
		onDown:    onDown,
	}
}

// Run probes until the context is cancelled or GPU_DOWN fires. It returns
// true when the monitor ended in GPU_DOWN.
func (m *Monitor) Run(ctx context.Context) bool {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		if err := m.check(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			m.consecFailures++
			metrics.GetMetrics().IncrementCounter("health_probe_failed")
			logging.Warn("Health probe failed", map[string]interface{}{
				"consecutive_failures": m.consecFailures,
				"threshold":            m.threshold,
				"error":                err.Error(),
			})
			if m.consecFailures >= m.threshold {
				metrics.GetMetrics().IncrementCounter("health_gpu_down")
				if m.onDown != nil {
					m.onDown()
				}
				return true
			}
			continue
		}

		// First success after a streak resets the counter entirely.
		if m.consecFailures > 0 {
			logging.Info("Health probe recovered", map[string]interface{}{
				"after_failures": m.consecFailures,
			})
			m.consecFailures = 0
		}
	}
}

// Failures exposes the current streak for status reporting.
func (m *Monitor) Failures() int { return m.consecFailures }
