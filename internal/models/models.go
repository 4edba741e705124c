package models

import "time"

// Offer is one marketable GPU rental slot on the spot provider. Offers are
// read-only; the provider owns them until one is launched.
type Offer struct {
	ID          string  `json:"offer_id"`
	MachineID   string  `json:"machine_id"`
	GPUModel    string  `json:"gpu_model"`
	GPUCount    int     `json:"gpu_count"`
	VRAMBytes   int64   `json:"vram_bytes"`
	CPUCores    int     `json:"cpu_cores"`
	RAMBytes    int64   `json:"ram_bytes"`
	DiskBytes   int64   `json:"disk_bytes"`
	PricePerHr  float64 `json:"price_per_hour"`
	Geolocation string  `json:"geolocation"`
	PublicIP    string  `json:"public_ip,omitempty"`
	Reliability float64 `json:"reliability_score"`
}

// CandidateState tracks a launched offer through the race.
type CandidateState string

const (
	CandidateLaunching CandidateState = "launching"
	CandidateBooting   CandidateState = "booting"
	CandidateSSHable   CandidateState = "sshable"
	CandidateReady     CandidateState = "ready"
	CandidateFailed    CandidateState = "failed"
	CandidateDestroyed CandidateState = "destroyed"
)

// Candidate is an offer that has been launched but not yet won or lost.
type Candidate struct {
	ID         string         `json:"candidate_id"` // provider-assigned instance id
	Offer      Offer          `json:"offer"`
	LaunchedAt time.Time      `json:"launched_at"`
	State      CandidateState `json:"state"`
	SSHHost    string         `json:"ssh_host,omitempty"`
	SSHPort    int            `json:"ssh_port,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Endpoint is an SSH coordinate pair for a remote host.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
}

func (e Endpoint) IsZero() bool { return e.Host == "" }

// GpuInstance is the winner of a race, promoted from Candidate. It owns
// WorkspacePath on the remote filesystem.
type GpuInstance struct {
	ID            string    `json:"instance_id"` // provider instance id
	LogicalID     string    `json:"logical_id"`  // stable user-facing identity; survives wake
	Offer         Offer     `json:"offer"`
	Endpoint      Endpoint  `json:"endpoint"`
	PublicIP      string    `json:"public_ip,omitempty"`
	Geolocation   string    `json:"geolocation"`
	WorkspacePath string    `json:"workspace_path"`
	CreatedAt     time.Time `json:"created_at"`
	ReadyAt       time.Time `json:"ready_at"`
}

// CpuMirror is a long-running low-cost VM holding the workspace mirror. It may
// outlive its bound GpuInstance during a failover window.
type CpuMirror struct {
	ID            string    `json:"mirror_id"`
	Zone          string    `json:"zone"`
	MachineType   string    `json:"machine_type"`
	Spot          bool      `json:"spot"`
	Endpoint      Endpoint  `json:"endpoint"`
	WorkspacePath string    `json:"workspace_path"`
	CreatedAt     time.Time `json:"created_at"`
}

// AssociationState is the standby state machine position.
type AssociationState string

const (
	StateDisabled       AssociationState = "DISABLED"
	StateProvisioning   AssociationState = "PROVISIONING"
	StateSyncing        AssociationState = "SYNCING"
	StateFailoverActive AssociationState = "FAILOVER_ACTIVE"
	StateRecovering     AssociationState = "RECOVERING"
	StateDegraded       AssociationState = "DEGRADED"
	StateError          AssociationState = "ERROR"
)

// StandbyAssociation pairs one GpuInstance with one CpuMirror.
type StandbyAssociation struct {
	ID              string           `json:"association_id"`
	LogicalID       string           `json:"logical_id"`
	State           AssociationState `json:"state"`
	GPU             *GpuInstance     `json:"gpu,omitempty"`
	Mirror          *CpuMirror       `json:"mirror,omitempty"`
	CPUZone         string           `json:"cpu_zone"`
	LastSyncAt      time.Time        `json:"last_sync_at,omitzero"`
	SyncCount       int64            `json:"sync_count"`
	ConsecFailures  int              `json:"consecutive_failures"`
	ActiveChainHead string           `json:"active_chain_head,omitempty"` // newest snapshot id
	FailoverAt      time.Time        `json:"failover_at,omitzero"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DataAge reports how stale the mirror is relative to the GPU workspace.
// Returns false when no sync cycle ever completed (age is unbounded).
func (a *StandbyAssociation) DataAge(now time.Time) (time.Duration, bool) {
	if a.LastSyncAt.IsZero() {
		return 0, false
	}
	return now.Sub(a.LastSyncAt), true
}

// SnapshotKind distinguishes chain bases from incrementals.
type SnapshotKind string

const (
	SnapshotBase        SnapshotKind = "base"
	SnapshotIncremental SnapshotKind = "incremental"
)

// FileEntry is one manifest row: enough to detect change (size, mtime) and to
// locate the content-addressed blob.
type FileEntry struct {
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Blob  string `json:"blob"`
	Mode  uint32 `json:"mode,omitempty"`
}

// Manifest is the commit point of a snapshot. It lists ALL files of the
// workspace at capture time, so a single manifest fully describes a restore.
type Manifest struct {
	SnapshotID string `json:"snapshot_id"`
	// ParentID is null on chain bases, never the empty string: the
	// manifest layout is a wire contract and external consumers key off
	// the null.
	ParentID      *string              `json:"parent_id"`
	Kind          SnapshotKind         `json:"kind"`
	CreatedAt     int64                `json:"created_at"`
	SourceID      string               `json:"source_instance_id"`
	WorkspacePath string               `json:"workspace_path"`
	Codec         string               `json:"codec"`
	Files         map[string]FileEntry `json:"files"`
}

// Snapshot is manifest metadata plus transfer accounting, as recorded in the
// state store.
type Snapshot struct {
	ID                string       `json:"snapshot_id"`
	ParentID          string       `json:"parent_id,omitempty"`
	Kind              SnapshotKind `json:"kind"`
	CreatedAt         time.Time    `json:"created_at"`
	SourceID          string       `json:"source_instance_id"`
	WorkspacePath     string       `json:"workspace_path"`
	Codec             string       `json:"codec"`
	FileCount         int          `json:"file_count"`
	BytesUncompressed int64        `json:"total_bytes_uncompressed"`
	BytesStored       int64        `json:"total_bytes_stored"`
	BlobsUploaded     int          `json:"blobs_uploaded"`
}

// HibernationEvent records an idle-triggered snapshot+destroy. SnapshotID is
// the chain head used to resurrect the instance.
type HibernationEvent struct {
	ID          string    `json:"event_id"`
	LogicalID   string    `json:"logical_id"`
	InstanceID  string    `json:"instance_id"`
	SnapshotID  string    `json:"snapshot_id"`
	IdleSeconds int       `json:"idle_seconds"`
	CreatedAt   time.Time `json:"created_at"`
	WokeAt      time.Time `json:"woke_at,omitzero"`
}

// Heartbeat is the in-VM agent report. Accepted at any cadence; missing
// heartbeats beyond a minute count as "unknown, not idle".
type Heartbeat struct {
	InstanceID string    `json:"instance_id"`
	GPUUtilPct float64   `json:"gpu_util_pct"`
	VRAMUsed   int64     `json:"vram_used"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProvisionAttempt is the per-candidate observability record fed back into
// timeout tuning and the host blacklist.
type ProvisionAttempt struct {
	OfferID     string         `json:"offer_id"`
	MachineID   string         `json:"machine_id"`
	CandidateID string         `json:"candidate_id,omitempty"`
	LaunchedAt  time.Time      `json:"launched_at"`
	SSHReadyAt  time.Time      `json:"ssh_ready_at,omitzero"`
	FinalState  CandidateState `json:"final_state"`
	DestroyedAt time.Time      `json:"destroyed_at,omitzero"`
	Won         bool           `json:"won"`
}
