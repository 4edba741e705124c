package main

import (
	"context"
	"flag"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/spotnest/spotnest/internal/config"
	"github.com/spotnest/spotnest/internal/database"
	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/snapshot"
	"github.com/spotnest/spotnest/internal/storage"
)

var (
	debugMode bool
	dryRun    bool
	partials  bool
)

// The janitor removes snapshot prefixes that nothing references any more:
// records deleted from the store, or uploads whose process died before the
// manifest was written. It runs out-of-band, typically from cron.
func main() {
	flag.BoolVar(&debugMode, "dm", false, "Enable debug logging")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug logging")
	flag.BoolVar(&dryRun, "dry-run", false, "Report what would be deleted without deleting")
	flag.BoolVar(&partials, "partials", false, "Also delete prefixes with no manifest (abandoned uploads)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := logging.INFO
	if debugMode {
		level = logging.DEBUG
	}
	logging.InitStructuredLogger("janitor", level)

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	store := database.NewStore(db)

	var blobs storage.ObjectStore
	switch cfg.Storage.Backend {
	case "oci":
		blobs, err = storage.NewOCIStore(storage.OCIConfig{
			Endpoint:  cfg.Storage.Endpoint,
			Namespace: cfg.Storage.Namespace,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
		})
	default:
		blobs, err = storage.NewS3Store(context.Background(), storage.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			Secure:    cfg.Storage.Secure,
		})
	}
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := sweep(ctx, store, blobs); err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
}

func sweep(ctx context.Context, store *database.Store, blobs storage.ObjectStore) error {
	start := time.Now()

	referenced, err := store.ReferencedSnapshotIDs(ctx)
	if err != nil {
		return err
	}

	keys, err := blobs.List(ctx, "snapshots/")
	if err != nil {
		return err
	}

	// Group object keys by the snapshot id segment of their prefix.
	byID := make(map[string][]string)
	hasManifest := make(map[string]bool)
	for _, key := range keys {
		rest := strings.TrimPrefix(key, "snapshots/")
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			continue
		}
		byID[id] = append(byID[id], key)
		if key == snapshot.ManifestKey(id) {
			hasManifest[id] = true
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sweptSnapshots, sweptKeys, keptPartials int
	for _, id := range ids {
		if referenced[id] {
			continue
		}
		if !hasManifest[id] && !partials {
			// The manifest is written last, so a prefix without one is
			// either an upload in flight or an abandoned one. Only
			// -partials claims to know the difference.
			keptPartials++
			continue
		}

		logging.Info("Sweeping unreferenced snapshot", map[string]interface{}{
			"snapshot_id": id,
			"objects":     len(byID[id]),
			"partial":     !hasManifest[id],
			"dry_run":     dryRun,
		})
		sweptSnapshots++
		for _, key := range byID[id] {
			if dryRun {
				sweptKeys++
				continue
			}
			if err := blobs.Delete(ctx, key); err != nil {
				logging.Warn("Delete failed, object left for the next run", map[string]interface{}{
					"key":   key,
					"error": err.Error(),
				})
				continue
			}
			sweptKeys++
		}
	}

	logging.Info("Sweep complete", map[string]interface{}{
		"referenced":       len(referenced),
		"prefixes":         len(byID),
		"swept_snapshots":  sweptSnapshots,
		"swept_objects":    sweptKeys,
		"skipped_partials": keptPartials,
		"dry_run":          dryRun,
		"duration_ms":      time.Since(start).Milliseconds(),
	})
	return nil
}
