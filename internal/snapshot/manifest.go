package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/storage"
)

// Object layout:
//
//	snapshots/{id}/manifest.json
//	snapshots/{id}/blobs/{hash[0:2]}/{hash}
//
// where hash is the sha256 of the file's workspace-relative path. The
// two-character shard keeps prefix listings bounded on stores that paginate
// per directory.
const keyPrefix = "snapshots/"

// PathHash is the content key for a workspace-relative path.
func PathHash(relpath string) string {
	sum := sha256.Sum256([]byte(relpath))
	return hex.EncodeToString(sum[:])
}

func ManifestKey(snapshotID string) string {
	return keyPrefix + snapshotID + "/manifest.json"
}

func BlobKey(snapshotID, pathHash string) string {
	return fmt.Sprintf("%s%s/blobs/%s/%s", keyPrefix, snapshotID, pathHash[:2], pathHash)
}

// parentRef maps the engine's empty-string "no parent" to the manifest's
// null.
func parentRef(parentID string) *string {
	if parentID == "" {
		return nil
	}
	return &parentID
}

func writeManifest(ctx context.Context, store storage.ObjectStore, m *models.Manifest) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := store.Put(ctx, ManifestKey(m.SnapshotID), bytes.NewReader(payload), int64(len(payload))); err != nil {
		return fmt.Errorf("write manifest %s: %w", m.SnapshotID, err)
	}
	return nil
}

func loadManifest(ctx context.Context, store storage.ObjectStore, snapshotID string) (*models.Manifest, error) {
	var buf bytes.Buffer
	if err := store.Get(ctx, ManifestKey(snapshotID), &buf); err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", snapshotID, err)
	}
	var m models.Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", snapshotID, err)
	}
	return &m, nil
}

// loadChain returns manifests newest first, following parent links down to
// the base. A broken parent link is an error: restores must never silently
// skip part of a chain.
func loadChain(ctx context.Context, store storage.ObjectStore, headID string) ([]*models.Manifest, error) {
	var chain []*models.Manifest
	seen := make(map[string]bool)
	id := headID
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("snapshot chain cycle at %s", id)
		}
		seen[id] = true

		m, err := loadManifest(ctx, store, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, m)
		id = ""
		if m.ParentID != nil {
			id = *m.ParentID
		}
	}
	return chain, nil
}

// blobOwner returns the snapshot id within the chain that uploaded the blob
// for relpath. An incremental uploads a file only when its (size, mtime)
// differs from the parent manifest, so the owner is the newest manifest whose
// entry first differs from its parent's.
func blobOwner(chain []*models.Manifest, relpath string) (string, bool) {
	for i, m := range chain {
		entry, ok := m.Files[relpath]
		if !ok {
			return "", false
		}
		if i == len(chain)-1 {
			return m.SnapshotID, true
		}
		parent, ok := chain[i+1].Files[relpath]
		if !ok || parent.Size != entry.Size || parent.Mtime != entry.Mtime {
			return m.SnapshotID, true
		}
	}
	return "", false
}
