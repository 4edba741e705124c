package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/models"
)

// signedURLTTL bounds how long a worker script's URLs stay usable. Large
// workspaces on slow uplinks still finish well inside an hour.
const signedURLTTL = time.Hour

func (e *Engine) uploadBlobs(ctx context.Context, src models.Endpoint, workspace, snapshotID string, changed []string, files map[string]models.FileEntry) (int64, error) {
	if len(changed) == 0 {
		return 0, nil
	}
	if e.transport == TransportRemote {
		return e.uploadBlobsRemote(ctx, src, workspace, snapshotID, changed, files)
	}
	return e.uploadBlobsRelay(ctx, src, workspace, snapshotID, changed, files)
}

// uploadBlobsRemote stages a worker script on the source host that compresses
// and PUTs each blob straight to object storage; bytes never transit the
// control node.
func (e *Engine) uploadBlobsRemote(ctx context.Context, src models.Endpoint, workspace, snapshotID string, changed []string, files map[string]models.FileEntry) (int64, error) {
	var tasks bytes.Buffer
	for _, rel := range changed {
		url, err := e.store.SignedURL(ctx, BlobKey(snapshotID, files[rel].Blob), "PUT", signedURLTTL)
		if err != nil {
			return 0, fmt.Errorf("sign upload url for %s: %w", rel, err)
		}
		fmt.Fprintf(&tasks, "%s\t%s\n", rel, url)
	}

	out, err := e.runWorker(ctx, src, uploadScript(workspace, e.codec.RemoteCompress(), e.parallelism), tasks.Bytes())
	if err != nil {
		return 0, err
	}

	var stored int64
	var failed []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "OK "):
			parts := strings.SplitN(line, " ", 3)
			if len(parts) == 3 {
				var n int64
				fmt.Sscanf(parts[1], "%d", &n)
				stored += n
			}
		case strings.HasPrefix(line, "ERR "):
			failed = append(failed, strings.TrimPrefix(line, "ERR "))
		}
	}
	if len(failed) > 0 {
		return stored, fmt.Errorf("%d of %d blob uploads failed (first: %s)", len(failed), len(changed), failed[0])
	}
	return stored, nil
}

// uploadBlobsRelay pulls file bytes over SSH and uploads from the control
// node. Slower, but needs nothing on the host beyond cat.
func (e *Engine) uploadBlobsRelay(ctx context.Context, src models.Endpoint, workspace, snapshotID string, changed []string, files map[string]models.FileEntry) (int64, error) {
	var mu sync.Mutex
	var stored int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, rel := range changed {
		rel := rel
		g.Go(func() error {
			raw, err := e.runner.Run(gctx, src, fmt.Sprintf("cat %q", workspace+"/"+rel))
			if err != nil {
				return fmt.Errorf("read %s: %w", rel, err)
			}

			var buf bytes.Buffer
			cw := e.codec.NewWriter(&buf)
			if _, err := cw.Write([]byte(raw)); err != nil {
				return fmt.Errorf("compress %s: %w", rel, err)
			}
			if err := cw.Close(); err != nil {
				return fmt.Errorf("compress %s: %w", rel, err)
			}

			key := BlobKey(snapshotID, files[rel].Blob)
			if err := e.store.Put(gctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
				return fmt.Errorf("put %s: %w", rel, err)
			}

			mu.Lock()
			stored += int64(buf.Len())
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stored, err
	}
	return stored, nil
}

func (e *Engine) downloadBlobsRemote(ctx context.Context, target models.Endpoint, workspace string, rels, keys []string, entries map[string]models.FileEntry) ([]string, error) {
	var tasks bytes.Buffer
	for i, rel := range rels {
		url, err := e.store.SignedURL(ctx, keys[i], "GET", signedURLTTL)
		if err != nil {
			return nil, fmt.Errorf("sign download url for %s: %w", rel, err)
		}
		entry := entries[rel]
		fmt.Fprintf(&tasks, "%s\t%d\t%04o\t%s\n", url, entry.Mtime, entry.Mode, rel)
	}

	out, err := e.runWorker(ctx, target, downloadScript(workspace, e.codec.RemoteDecompress(), e.parallelism), tasks.Bytes())
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ERR ") {
			failed = append(failed, strings.TrimPrefix(line, "ERR "))
		}
	}
	return failed, nil
}

func (e *Engine) downloadBlobsRelay(ctx context.Context, target models.Endpoint, workspace string, rels, keys []string, entries map[string]models.FileEntry) ([]string, error) {
	var mu sync.Mutex
	var failed []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, rel := range rels {
		rel, key := rel, keys[i]
		g.Go(func() error {
			var compressed bytes.Buffer
			if err := e.store.Get(gctx, key, &compressed); err != nil {
				mu.Lock()
				failed = append(failed, rel)
				mu.Unlock()
				logging.Warn("Blob fetch failed", map[string]interface{}{
					"blob_key": key, "path": rel, "error": err.Error(),
				})
				return nil
			}

			cr, err := e.codec.NewReader(&compressed)
			if err != nil {
				mu.Lock()
				failed = append(failed, rel)
				mu.Unlock()
				return nil
			}
			var plain bytes.Buffer
			if _, err := plain.ReadFrom(cr); err != nil {
				cr.Close()
				mu.Lock()
				failed = append(failed, rel)
				mu.Unlock()
				return nil
			}
			cr.Close()

			entry := entries[rel]
			mode := fmt.Sprintf("%04o", entry.Mode)
			if entry.Mode == 0 {
				mode = "0644"
			}
			if err := e.runner.Upload(gctx, target, workspace+"/"+rel, plain.Bytes(), mode); err != nil {
				mu.Lock()
				failed = append(failed, rel)
				mu.Unlock()
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed, err
	}
	if len(failed) > 0 {
		return failed, nil
	}

	// Restore mtimes in one pass so the next incremental sees unchanged
	// files as unchanged.
	var script bytes.Buffer
	script.WriteString("set -e\n")
	for _, rel := range rels {
		fmt.Fprintf(&script, "touch -m -d @%d %q\n", entries[rel].Mtime, workspace+"/"+rel)
	}
	scriptPath := fmt.Sprintf("/tmp/.spotnest/mtimes-%s.sh", uuid.New().String()[:8])
	if err := e.runner.Upload(ctx, target, scriptPath, script.Bytes(), "0755"); err != nil {
		return nil, fmt.Errorf("stage mtime script: %w", err)
	}
	if _, err := e.runner.Run(ctx, target, fmt.Sprintf("bash %q && rm -f %q", scriptPath, scriptPath)); err != nil {
		return nil, fmt.Errorf("apply mtimes: %w", err)
	}
	return nil, nil
}

// runWorker stages a script and its task list on the host, runs it under
// bash, and cleans up.
func (e *Engine) runWorker(ctx context.Context, ep models.Endpoint, script string, tasks []byte) (string, error) {
	id := uuid.New().String()[:8]
	scriptPath := fmt.Sprintf("/tmp/.spotnest/worker-%s.sh", id)
	tasksPath := fmt.Sprintf("/tmp/.spotnest/worker-%s.tasks", id)

	if err := e.runner.Upload(ctx, ep, tasksPath, tasks, "0600"); err != nil {
		return "", fmt.Errorf("stage task list: %w", err)
	}
	if err := e.runner.Upload(ctx, ep, scriptPath, []byte(script), "0755"); err != nil {
		return "", fmt.Errorf("stage worker script: %w", err)
	}

	out, err := e.runner.RunWithTimeout(ctx, ep, fmt.Sprintf("bash %q %q; rc=$?; rm -f %q %q; exit $rc", scriptPath, tasksPath, scriptPath, tasksPath), e.transferTimeout)
	if err != nil {
		return out, fmt.Errorf("worker script on %s: %w", ep.Host, err)
	}
	return out, nil
}
