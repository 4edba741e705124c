// Package syncsvc keeps a CPU mirror's workspace converged with its GPU
// source. Each cycle delegates the tree diff to rsync, which already
// implements the size/mtime comparison, deletion of extras, and attribute
// preservation the mirror needs.
package syncsvc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/metrics"
	"github.com/spotnest/spotnest/internal/models"
)

// Execer runs one external command to completion. The indirection exists for
// tests; production wires ExecCommand.
type Execer func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommand is the production Execer.
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Service struct {
	execer      Execer
	scratchRoot string
	keyPath     string
	excludes    []string
	cycleBudget time.Duration

	// removeAll is swapped in tests to exercise cleanup failure.
	removeAll func(string) error
}

func NewService(execer Execer, scratchRoot, keyPath string, excludes []string, syncInterval time.Duration) *Service {
	return &Service{
		execer:      execer,
		scratchRoot: scratchRoot,
		keyPath:     keyPath,
		excludes:    excludes,
		// A cycle that outlives two intervals is wedged, not slow.
		cycleBudget: 2 * syncInterval,
		removeAll:   os.RemoveAll,
	}
}

// SyncOnce replicates source workspace to sink in two legs through a local
// scratch directory: rsync cannot stream directly between two remote hosts.
// The scratch path is removed afterwards; a failed removal is logged and
// ignored since the next cycle overwrites it.
func (s *Service) SyncOnce(ctx context.Context, associationID string, source, sink models.Endpoint, workspace string) error {
	start := time.Now()
	if s.cycleBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleBudget)
		defer cancel()
	}

	scratch := filepath.Join(s.scratchRoot, "spotnest-sync-"+associationID)
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return fmt.Errorf("create scratch %s: %w", scratch, err)
	}
	defer func() {
		if err := s.removeAll(scratch); err != nil {
			logging.Warn("Failed to clean sync scratch", map[string]interface{}{
				"association_id": associationID,
				"scratch":        scratch,
				"error":          err.Error(),
			})
		}
	}()

	srcSpec := fmt.Sprintf("%s@%s:%s/", userOf(source), source.Host, workspace)
	if out, err := s.execer(ctx, "rsync", s.rsyncArgs(source, srcSpec, scratch+"/")...); err != nil {
		metrics.GetMetrics().IncrementCounter("sync_cycle_failed")
		return fmt.Errorf("sync pull from %s: %w (output: %s)", source.Host, err, string(out))
	}

	sinkSpec := fmt.Sprintf("%s@%s:%s/", userOf(sink), sink.Host, workspace)
	if out, err := s.execer(ctx, "rsync", s.rsyncArgs(sink, scratch+"/", sinkSpec)...); err != nil {
		metrics.GetMetrics().IncrementCounter("sync_cycle_failed")
		return fmt.Errorf("sync push to %s: %w (output: %s)", sink.Host, err, string(out))
	}

	metrics.GetMetrics().IncrementCounter("sync_cycle_ok")
	metrics.GetMetrics().ObserveDuration("sync_cycle", time.Since(start))
	logging.Debug("Sync cycle completed", map[string]interface{}{
		"association_id": associationID,
		"source":         source.Host,
		"sink":           sink.Host,
		"duration_ms":    time.Since(start).Milliseconds(),
	})
	return nil
}

func (s *Service) rsyncArgs(remote models.Endpoint, from, to string) []string {
	args := []string{"-az", "--delete", "--partial"}
	for _, ex := range s.excludes {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, "-e", s.sshCommand(remote), from, to)
	return args
}

func (s *Service) sshCommand(remote models.Endpoint) string {
	port := remote.Port
	if port == 0 {
		port = 22
	}
	cmd := fmt.Sprintf("ssh -p %d -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -o ConnectTimeout=10", port)
	if s.keyPath != "" {
		cmd += " -i " + s.keyPath
	}
	return cmd
}

func userOf(ep models.Endpoint) string {
	if ep.User != "" {
		return ep.User
	}
	return "root"
}
