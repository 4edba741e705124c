// Package snapshot produces and consumes content-addressed workspace
// snapshots over object storage. A snapshot is a manifest plus compressed
// per-file blobs; incrementals share unchanged blobs with their ancestors so
// a steady-state sync uploads only what changed.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/sshx"
	"github.com/spotnest/spotnest/internal/storage"
)

const (
	TransportRemote = "remote"
	TransportRelay  = "relay"
)

// ValidationError reports manifest entries missing or mismatched on the
// restore target. Failover treats any mismatch as a failed restore even when
// all bytes arrived.
type ValidationError struct {
	SnapshotID string
	Mismatches []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("snapshot %s validation failed for %d files: %s",
		e.SnapshotID, len(e.Mismatches), strings.Join(e.Mismatches, ", "))
}

// RestoreError aggregates per-file transfer failures. Restore is
// all-or-nothing from the caller's viewpoint.
type RestoreError struct {
	SnapshotID string
	Failed     []string
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore of %s failed for %d files: %s",
		e.SnapshotID, len(e.Failed), strings.Join(e.Failed, ", "))
}

type Options struct {
	Codec       string
	Transport   string
	Parallelism int
	Excludes    []string
	MaxChain    int
	// TransferTimeout bounds one worker-script run moving blobs in bulk.
	// Distinct from the runner's per-command timeout, which is sized for
	// probes and stat calls, not whole-workspace transfers.
	TransferTimeout time.Duration
}

type Engine struct {
	store           storage.ObjectStore
	runner          sshx.Runner
	codec           Codec
	transport       string
	parallelism     int
	excludes        []string
	maxChain        int
	transferTimeout time.Duration
}

func NewEngine(store storage.ObjectStore, runner sshx.Runner, opts Options) (*Engine, error) {
	codec, err := CodecFor(opts.Codec)
	if err != nil {
		return nil, err
	}
	transport := opts.Transport
	if transport == "" {
		transport = TransportRemote
	}
	if transport != TransportRemote && transport != TransportRelay {
		return nil, fmt.Errorf("unknown snapshot transport %q", opts.Transport)
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	maxChain := opts.MaxChain
	if maxChain <= 0 {
		maxChain = 12
	}
	transferTimeout := opts.TransferTimeout
	if transferTimeout <= 0 {
		transferTimeout = 30 * time.Minute
	}
	return &Engine{
		store:           store,
		runner:          runner,
		codec:           codec,
		transport:       transport,
		parallelism:     parallelism,
		excludes:        opts.Excludes,
		maxChain:        maxChain,
		transferTimeout: transferTimeout,
	}, nil
}

// CreateFull snapshots the entire workspace as a new chain base.
func (e *Engine) CreateFull(ctx context.Context, src models.Endpoint, sourceID, workspace string) (*models.Snapshot, error) {
	return e.create(ctx, src, sourceID, workspace, "")
}

// CreateIncremental snapshots only files whose (size, mtime) changed against
// the parent manifest. The parent must be the newest snapshot of its chain.
func (e *Engine) CreateIncremental(ctx context.Context, src models.Endpoint, sourceID, workspace, parentID string) (*models.Snapshot, error) {
	if parentID == "" {
		return nil, fmt.Errorf("incremental snapshot requires a parent")
	}
	return e.create(ctx, src, sourceID, workspace, parentID)
}

// CreateAuto produces an incremental against parentID, promoting to a fresh
// base when the chain has grown past the configured length or when there is
// no parent yet.
func (e *Engine) CreateAuto(ctx context.Context, src models.Endpoint, sourceID, workspace, parentID string) (*models.Snapshot, error) {
	if parentID == "" {
		return e.CreateFull(ctx, src, sourceID, workspace)
	}
	chain, err := loadChain(ctx, e.store, parentID)
	if err != nil {
		return nil, err
	}
	if len(chain) >= e.maxChain {
		logging.Info("Snapshot chain at promotion length, creating new base", map[string]interface{}{
			"parent_id": parentID,
			"chain_len": len(chain),
		})
		return e.CreateFull(ctx, src, sourceID, workspace)
	}
	return e.CreateIncremental(ctx, src, sourceID, workspace, parentID)
}

func (e *Engine) create(ctx context.Context, src models.Endpoint, sourceID, workspace, parentID string) (*models.Snapshot, error) {
	start := time.Now()
	snapshotID := uuid.New().String()

	files, err := e.listRemote(ctx, src, workspace)
	if err != nil {
		return nil, fmt.Errorf("walk %s on %s: %w", workspace, src.Host, err)
	}

	kind := models.SnapshotBase
	var parentFiles map[string]models.FileEntry
	if parentID != "" {
		kind = models.SnapshotIncremental
		parent, err := loadManifest(ctx, e.store, parentID)
		if err != nil {
			return nil, err
		}
		parentFiles = parent.Files
	}

	changed := make([]string, 0, len(files))
	var totalBytes int64
	for rel, entry := range files {
		totalBytes += entry.Size
		prev, ok := parentFiles[rel]
		if !ok || prev.Size != entry.Size || prev.Mtime != entry.Mtime {
			changed = append(changed, rel)
		}
	}
	sort.Strings(changed)

	storedBytes, err := e.uploadBlobs(ctx, src, workspace, snapshotID, changed, files)
	if err != nil {
		// Partial blobs stay behind for the janitor; without a manifest
		// nothing references them.
		return nil, fmt.Errorf("upload blobs for %s: %w", snapshotID, err)
	}

	manifest := &models.Manifest{
		SnapshotID:    snapshotID,
		ParentID:      parentRef(parentID),
		Kind:          kind,
		CreatedAt:     time.Now().Unix(),
		SourceID:      sourceID,
		WorkspacePath: workspace,
		Codec:         e.codec.Name(),
		Files:         files,
	}
	if err := writeManifest(ctx, e.store, manifest); err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		ID:                snapshotID,
		ParentID:          parentID,
		Kind:              kind,
		CreatedAt:         time.Unix(manifest.CreatedAt, 0),
		SourceID:          sourceID,
		WorkspacePath:     workspace,
		Codec:             e.codec.Name(),
		FileCount:         len(files),
		BytesUncompressed: totalBytes,
		BytesStored:       storedBytes,
		BlobsUploaded:     len(changed),
	}
	logging.Info("Snapshot created", map[string]interface{}{
		"snapshot_id":    snapshotID,
		"kind":           string(kind),
		"files":          len(files),
		"blobs_uploaded": len(changed),
		"bytes_stored":   storedBytes,
		"duration_ms":    time.Since(start).Milliseconds(),
	})
	return snap, nil
}

// Restore materializes snapshotID onto the target workspace. The head
// manifest is self-contained; ancestors are consulted only to locate shared
// blobs.
func (e *Engine) Restore(ctx context.Context, snapshotID string, target models.Endpoint, workspace string) error {
	start := time.Now()
	chain, err := loadChain(ctx, e.store, snapshotID)
	if err != nil {
		return err
	}
	head := chain[0]

	type blobRef struct {
		rel   string
		key   string
		entry models.FileEntry
	}
	refs := make([]blobRef, 0, len(head.Files))
	for rel, entry := range head.Files {
		owner, ok := blobOwner(chain, rel)
		if !ok {
			return &RestoreError{SnapshotID: snapshotID, Failed: []string{rel}}
		}
		refs = append(refs, blobRef{rel: rel, key: BlobKey(owner, entry.Blob), entry: entry})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].rel < refs[j].rel })

	rels := make([]string, len(refs))
	keys := make([]string, len(refs))
	entries := make(map[string]models.FileEntry, len(refs))
	for i, r := range refs {
		rels[i] = r.rel
		keys[i] = r.key
		entries[r.rel] = r.entry
	}

	var failed []string
	if e.transport == TransportRemote {
		failed, err = e.downloadBlobsRemote(ctx, target, workspace, rels, keys, entries)
	} else {
		failed, err = e.downloadBlobsRelay(ctx, target, workspace, rels, keys, entries)
	}
	if err != nil {
		return fmt.Errorf("restore %s to %s: %w", snapshotID, target.Host, err)
	}
	if len(failed) > 0 {
		return &RestoreError{SnapshotID: snapshotID, Failed: failed}
	}

	logging.Info("Snapshot restored", map[string]interface{}{
		"snapshot_id": snapshotID,
		"target":      target.Host,
		"files":       len(refs),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// Validate re-lists the target workspace and confirms every manifest entry
// exists with matching size.
func (e *Engine) Validate(ctx context.Context, snapshotID string, target models.Endpoint, workspace string) error {
	manifest, err := loadManifest(ctx, e.store, snapshotID)
	if err != nil {
		return err
	}
	onTarget, err := e.listRemote(ctx, target, workspace)
	if err != nil {
		return fmt.Errorf("walk %s on %s: %w", workspace, target.Host, err)
	}

	var mismatches []string
	for rel, entry := range manifest.Files {
		got, ok := onTarget[rel]
		if !ok {
			mismatches = append(mismatches, rel+" (missing)")
			continue
		}
		if got.Size != entry.Size {
			mismatches = append(mismatches, fmt.Sprintf("%s (size %d != %d)", rel, got.Size, entry.Size))
		}
	}
	if len(mismatches) > 0 {
		sort.Strings(mismatches)
		return &ValidationError{SnapshotID: snapshotID, Mismatches: mismatches}
	}
	return nil
}

// ChainLength returns how many snapshots sit between headID and its base,
// inclusive.
func (e *Engine) ChainLength(ctx context.Context, headID string) (int, error) {
	chain, err := loadChain(ctx, e.store, headID)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}

// listRemote walks the workspace over SSH and returns entries keyed by
// workspace-relative path.
func (e *Engine) listRemote(ctx context.Context, ep models.Endpoint, workspace string) (map[string]models.FileEntry, error) {
	out, err := e.runner.Run(ctx, ep, findCommand(workspace, e.excludes))
	if err != nil {
		return nil, err
	}
	return parseFindOutput(out)
}

func parseFindOutput(out string) (map[string]models.FileEntry, error) {
	files := make(map[string]models.FileEntry)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed find output line %q", line)
		}
		size, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed size in %q: %w", line, err)
		}
		mtimeFloat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed mtime in %q: %w", line, err)
		}
		mode, err := strconv.ParseUint(strings.TrimPrefix(parts[2], "0"), 8, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed mode in %q: %w", line, err)
		}
		rel := parts[3]
		files[rel] = models.FileEntry{
			Size:  size,
			Mtime: int64(mtimeFloat),
			Blob:  PathHash(rel),
			Mode:  uint32(mode),
		}
	}
	return files, nil
}
