package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spotnest/spotnest/internal/models"
)

// Store is the durable record layer over either SQL backend. It feeds the
// standby manager, the hibernation controller, the provisioner blacklist, and
// the status API.
type Store struct {
	db DB

	// MinAttempts is the history floor below which a machine's success
	// rate is not judged.
	MinAttempts int
}

func NewStore(db DB) *Store {
	return &Store{db: db, MinAttempts: 3}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *Store) SaveAssociation(ctx context.Context, a *models.StandbyAssociation) error {
	gpuJSON, err := json.Marshal(a.GPU)
	if err != nil {
		return fmt.Errorf("marshal gpu: %w", err)
	}
	mirrorJSON, err := json.Marshal(a.Mirror)
	if err != nil {
		return fmt.Errorf("marshal mirror: %w", err)
	}

	return s.db.Exec(ctx, `
		INSERT INTO standby_associations
			(id, logical_id, state, cpu_zone, gpu, mirror, last_sync_at, sync_count,
			 consecutive_failures, active_chain_head, failover_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			cpu_zone = EXCLUDED.cpu_zone,
			gpu = EXCLUDED.gpu,
			mirror = EXCLUDED.mirror,
			last_sync_at = EXCLUDED.last_sync_at,
			sync_count = EXCLUDED.sync_count,
			consecutive_failures = EXCLUDED.consecutive_failures,
			active_chain_head = EXCLUDED.active_chain_head,
			failover_at = EXCLUDED.failover_at,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.LogicalID, string(a.State), a.CPUZone, string(gpuJSON), string(mirrorJSON),
		unixOrZero(a.LastSyncAt), a.SyncCount, a.ConsecFailures, a.ActiveChainHead,
		unixOrZero(a.FailoverAt), unixOrZero(a.CreatedAt), unixOrZero(a.UpdatedAt))
}

const associationColumns = `id, logical_id, state, cpu_zone, gpu, mirror, last_sync_at,
	sync_count, consecutive_failures, active_chain_head, failover_at, created_at, updated_at`

func scanAssociation(row Row) (*models.StandbyAssociation, error) {
	var a models.StandbyAssociation
	var state, gpuJSON, mirrorJSON string
	var lastSync, failover, created, updated int64
	if err := row.Scan(&a.ID, &a.LogicalID, &state, &a.CPUZone, &gpuJSON, &mirrorJSON,
		&lastSync, &a.SyncCount, &a.ConsecFailures, &a.ActiveChainHead,
		&failover, &created, &updated); err != nil {
		return nil, err
	}
	a.State = models.AssociationState(state)
	a.LastSyncAt = timeOrZero(lastSync)
	a.FailoverAt = timeOrZero(failover)
	a.CreatedAt = timeOrZero(created)
	a.UpdatedAt = timeOrZero(updated)
	if err := json.Unmarshal([]byte(gpuJSON), &a.GPU); err != nil {
		return nil, fmt.Errorf("unmarshal gpu: %w", err)
	}
	if err := json.Unmarshal([]byte(mirrorJSON), &a.Mirror); err != nil {
		return nil, fmt.Errorf("unmarshal mirror: %w", err)
	}
	return &a, nil
}

func (s *Store) GetAssociation(ctx context.Context, logicalID string) (*models.StandbyAssociation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+associationColumns+` FROM standby_associations WHERE logical_id = $1`, logicalID)
	a, err := scanAssociation(row)
	if err != nil {
		return nil, fmt.Errorf("get association %s: %w", logicalID, err)
	}
	return a, nil
}

func (s *Store) ListAssociations(ctx context.Context) ([]*models.StandbyAssociation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+associationColumns+` FROM standby_associations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	defer rows.Close()

	var out []*models.StandbyAssociation
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, fmt.Errorf("list associations: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	return s.db.Exec(ctx, `
		INSERT INTO snapshots
			(id, parent_id, kind, created_at, source_instance_id, workspace_path,
			 codec, file_count, bytes_uncompressed, bytes_stored, blobs_uploaded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		snap.ID, snap.ParentID, string(snap.Kind), unixOrZero(snap.CreatedAt),
		snap.SourceID, snap.WorkspacePath, snap.Codec, snap.FileCount,
		snap.BytesUncompressed, snap.BytesStored, snap.BlobsUploaded)
}

func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]*models.Snapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, parent_id, kind, created_at, source_instance_id, workspace_path,
		       codec, file_count, bytes_uncompressed, bytes_stored, blobs_uploaded
		FROM snapshots ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		var kind string
		var created int64
		if err := rows.Scan(&snap.ID, &snap.ParentID, &kind, &created, &snap.SourceID,
			&snap.WorkspacePath, &snap.Codec, &snap.FileCount,
			&snap.BytesUncompressed, &snap.BytesStored, &snap.BlobsUploaded); err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		snap.Kind = models.SnapshotKind(kind)
		snap.CreatedAt = timeOrZero(created)
		out = append(out, &snap)
	}
	return out, nil
}

// ReferencedSnapshotIDs returns the ids of every recorded snapshot plus every
// chain head still named by an association or an unwoken hibernation event.
// The janitor treats anything else under the snapshot prefix as garbage.
func (s *Store) ReferencedSnapshotIDs(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)

	collect := func(query string) error {
		rows, err := s.db.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			if id != "" {
				ids[id] = true
			}
		}
		return nil
	}

	for _, q := range []string{
		`SELECT id FROM snapshots`,
		`SELECT active_chain_head FROM standby_associations WHERE active_chain_head != ''`,
		`SELECT snapshot_id FROM hibernation_events WHERE woke_at = 0`,
	} {
		if err := collect(q); err != nil {
			return nil, fmt.Errorf("referenced snapshot ids: %w", err)
		}
	}
	return ids, nil
}

func (s *Store) SaveHibernationEvent(ctx context.Context, e *models.HibernationEvent) error {
	return s.db.Exec(ctx, `
		INSERT INTO hibernation_events
			(id, logical_id, instance_id, snapshot_id, idle_seconds, created_at, woke_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET woke_at = EXCLUDED.woke_at`,
		e.ID, e.LogicalID, e.InstanceID, e.SnapshotID, e.IdleSeconds,
		unixOrZero(e.CreatedAt), unixOrZero(e.WokeAt))
}

func (s *Store) ListHibernationEvents(ctx context.Context, limit int) ([]*models.HibernationEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, logical_id, instance_id, snapshot_id, idle_seconds, created_at, woke_at
		FROM hibernation_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list hibernation events: %w", err)
	}
	defer rows.Close()

	var out []*models.HibernationEvent
	for rows.Next() {
		var e models.HibernationEvent
		var created, woke int64
		if err := rows.Scan(&e.ID, &e.LogicalID, &e.InstanceID, &e.SnapshotID,
			&e.IdleSeconds, &created, &woke); err != nil {
			return nil, fmt.Errorf("list hibernation events: %w", err)
		}
		e.CreatedAt = timeOrZero(created)
		e.WokeAt = timeOrZero(woke)
		out = append(out, &e)
	}
	return out, nil
}

func (s *Store) RecordAttempt(ctx context.Context, attempt models.ProvisionAttempt) error {
	return s.db.Exec(ctx, `
		INSERT INTO provision_attempts
			(id, offer_id, machine_id, candidate_id, launched_at, ssh_ready_at,
			 final_state, destroyed_at, won)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New().String(), attempt.OfferID, attempt.MachineID, attempt.CandidateID,
		unixOrZero(attempt.LaunchedAt), unixOrZero(attempt.SSHReadyAt),
		string(attempt.FinalState), unixOrZero(attempt.DestroyedAt), attempt.Won)
}

// MachineSuccessRates treats "reached SSH" as success; a machine that boots
// but loses the race is still a good machine.
func (s *Store) MachineSuccessRates(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT machine_id, AVG(CASE WHEN ssh_ready_at > 0 THEN 1.0 ELSE 0.0 END)
		FROM provision_attempts
		GROUP BY machine_id
		HAVING COUNT(*) >= $1`, s.MinAttempts)
	if err != nil {
		return nil, fmt.Errorf("machine success rates: %w", err)
	}
	defer rows.Close()

	rates := make(map[string]float64)
	for rows.Next() {
		var machineID string
		var rate float64
		if err := rows.Scan(&machineID, &rate); err != nil {
			return nil, fmt.Errorf("machine success rates: %w", err)
		}
		rates[machineID] = rate
	}
	return rates, nil
}

func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]*models.ProvisionAttempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT offer_id, machine_id, candidate_id, launched_at, ssh_ready_at,
		       final_state, destroyed_at, won
		FROM provision_attempts ORDER BY launched_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent attempts: %w", err)
	}
	defer rows.Close()

	var out []*models.ProvisionAttempt
	for rows.Next() {
		var a models.ProvisionAttempt
		var launched, sshReady, destroyed int64
		var finalState string
		if err := rows.Scan(&a.OfferID, &a.MachineID, &a.CandidateID, &launched,
			&sshReady, &finalState, &destroyed, &a.Won); err != nil {
			return nil, fmt.Errorf("recent attempts: %w", err)
		}
		a.LaunchedAt = timeOrZero(launched)
		a.SSHReadyAt = timeOrZero(sshReady)
		a.FinalState = models.CandidateState(finalState)
		a.DestroyedAt = timeOrZero(destroyed)
		out = append(out, &a)
	}
	return out, nil
}

// GetLearnedZone returns "" on a miss or an expired entry; the resolver falls
// through to the slower layers.
func (s *Store) GetLearnedZone(ctx context.Context, geolocation string) (string, error) {
	var zone string
	var expires int64
	err := s.db.QueryRow(ctx,
		`SELECT zone, expires_at FROM learned_zones WHERE geolocation = $1`, geolocation).
		Scan(&zone, &expires)
	if err != nil {
		return "", nil
	}
	if time.Now().Unix() > expires {
		return "", nil
	}
	return zone, nil
}

func (s *Store) PutLearnedZone(ctx context.Context, geolocation, zone string, ttl time.Duration) error {
	return s.db.Exec(ctx, `
		INSERT INTO learned_zones (geolocation, zone, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (geolocation) DO UPDATE SET
			zone = EXCLUDED.zone,
			expires_at = EXCLUDED.expires_at`,
		geolocation, zone, time.Now().Add(ttl).Unix())
}
