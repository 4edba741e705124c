package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Providers ProviderConfig
	Storage   StorageConfig
	Standby   StandbyConfig
	Provision ProvisionConfig
	Snapshot  SnapshotConfig
	Hibernate HibernateConfig
	SSH       SSHConfig
	Agent     AgentConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Type     string // "postgres" or "sqlite"
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
	// SQLitePath is used when Type is "sqlite".
	SQLitePath string
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type ProviderConfig struct {
	// Spot GPU marketplace.
	GPUAPIKey  string
	GPUBaseURL string
	// CPU cloud.
	CPUAPIKey  string
	CPUBaseURL string
	// IP geolocation service.
	IPGeoBaseURL string
	IPGeoTimeout time.Duration

	Timeout    time.Duration
	MinSpacing time.Duration // minimum gap between outbound marketplace calls
	MaxRetries int
}

type StorageConfig struct {
	Backend   string // "s3" or "oci"
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
	// OCI-specific.
	Namespace string
	// Parallelism for blob transfer.
	TransferConcurrency int
}

type StandbyConfig struct {
	SyncInterval     time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	AutoFailover     bool
	AutoRecovery     bool
	CPUZoneOverride  string
	CPUMachineType   string
	CPUUseSpot       bool
	CPUDiskGB        int
	ScratchDir       string
	ExcludePatterns  []string
	MaxRecoveryTries int
}

type ProvisionConfig struct {
	BatchSize      int
	MaxRounds      int
	RoundDeadline  time.Duration
	Image          string
	DiskGB         int
	MinReliability float64
	// Hosts whose historical success rate is below this fraction are skipped.
	BlacklistBelow float64
}

type SnapshotConfig struct {
	Codec    string // "lz4", "zstd", "s2"
	MaxChain int    // incremental chain length before the janitor promotes a new base
	// Transport "remote" streams blobs host<->storage via presigned URLs;
	// "relay" pulls bytes through the control node.
	Transport string
	// TransferTimeout bounds one bulk blob-moving worker run; sized for
	// whole workspaces, unlike the per-command SSH timeout.
	TransferTimeout time.Duration
}

type HibernateConfig struct {
	IdleWindow    time.Duration
	IdleThreshold float64 // GPU utilization percent
	CleanupWindow time.Duration
	StaleAfter    time.Duration // heartbeats older than this are "unknown, not idle"
}

type SSHConfig struct {
	User           string
	KeyPath        string // private key; generated when absent
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

type AgentConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ReadTimeout:  getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Type:       getEnv("DB_TYPE", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvAsInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "spotnest"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			MaxConns:   getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:   getEnvAsInt("DB_MIN_CONNS", 5),
			SQLitePath: getEnv("DB_SQLITE_PATH", "spotnest.db"),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
		},
		Providers: ProviderConfig{
			GPUAPIKey:    getEnv("GPU_PROVIDER_API_KEY", ""),
			GPUBaseURL:   getEnv("GPU_PROVIDER_BASE_URL", "https://console.vast.ai/api/v0"),
			CPUAPIKey:    getEnv("CPU_PROVIDER_API_KEY", ""),
			CPUBaseURL:   getEnv("CPU_PROVIDER_BASE_URL", ""),
			IPGeoBaseURL: getEnv("IPGEO_BASE_URL", "http://ip-api.com/json"),
			IPGeoTimeout: getEnvAsDuration("IPGEO_TIMEOUT", 2*time.Second),
			Timeout:      getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
			MinSpacing:   getEnvAsDuration("PROVIDER_MIN_SPACING", 200*time.Millisecond),
			MaxRetries:   getEnvAsInt("PROVIDER_MAX_RETRIES", 3),
		},
		Storage: StorageConfig{
			Backend:             getEnv("STORAGE_BACKEND", "s3"),
			Endpoint:            getEnv("STORAGE_ENDPOINT", ""),
			AccessKey:           getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey:           getEnv("STORAGE_SECRET_KEY", ""),
			Bucket:              getEnv("STORAGE_BUCKET", "spotnest-snapshots"),
			Region:              getEnv("STORAGE_REGION", ""),
			Secure:              getEnvAsBool("STORAGE_SECURE", true),
			Namespace:           getEnv("STORAGE_NAMESPACE", ""),
			TransferConcurrency: getEnvAsInt("STORAGE_TRANSFER_CONCURRENCY", 8),
		},
		Standby: StandbyConfig{
			SyncInterval:     getEnvAsDuration("SYNC_INTERVAL", 30*time.Second),
			HealthInterval:   getEnvAsDuration("HEALTH_CHECK_INTERVAL", 10*time.Second),
			FailureThreshold: getEnvAsInt("HEALTH_FAILURE_THRESHOLD", 3),
			AutoFailover:     getEnvAsBool("AUTO_FAILOVER", true),
			AutoRecovery:     getEnvAsBool("AUTO_RECOVERY", true),
			CPUZoneOverride:  getEnv("CPU_ZONE_OVERRIDE", ""),
			CPUMachineType:   getEnv("CPU_MACHINE_TYPE", "e2-standard-2"),
			CPUUseSpot:       getEnvAsBool("CPU_USE_SPOT", true),
			CPUDiskGB:        getEnvAsInt("CPU_DISK_GB", 100),
			ScratchDir:       getEnv("SYNC_SCRATCH_DIR", os.TempDir()),
			ExcludePatterns:  getEnvAsList("SYNC_EXCLUDE_PATTERNS", defaultExcludes),
			MaxRecoveryTries: getEnvAsInt("MAX_RECOVERY_TRIES", 3),
		},
		Provision: ProvisionConfig{
			BatchSize:      getEnvAsInt("PROVISION_BATCH_SIZE", 5),
			MaxRounds:      getEnvAsInt("PROVISION_MAX_ROUNDS", 3),
			RoundDeadline:  getEnvAsDuration("PROVISION_ROUND_DEADLINE", 90*time.Second),
			Image:          getEnv("PROVISION_IMAGE", "pytorch/pytorch:latest"),
			DiskGB:         getEnvAsInt("PROVISION_DISK_GB", 100),
			MinReliability: getEnvAsFloat("PROVISION_MIN_RELIABILITY", 0.90),
			BlacklistBelow: getEnvAsFloat("PROVISION_BLACKLIST_BELOW", 0.30),
		},
		Snapshot: SnapshotConfig{
			Codec:           getEnv("SNAPSHOT_CODEC", "lz4"),
			MaxChain:        getEnvAsInt("SNAPSHOT_MAX_CHAIN", 12),
			Transport:       getEnv("SNAPSHOT_TRANSPORT", "remote"),
			TransferTimeout: getEnvAsDuration("SNAPSHOT_TRANSFER_TIMEOUT", 30*time.Minute),
		},
		Hibernate: HibernateConfig{
			IdleWindow:    getEnvAsDuration("IDLE_WINDOW", 3*time.Minute),
			IdleThreshold: getEnvAsFloat("IDLE_UTILIZATION_THRESHOLD", 5.0),
			CleanupWindow: getEnvAsDuration("CLEANUP_WINDOW", 30*time.Minute),
			StaleAfter:    getEnvAsDuration("HEARTBEAT_STALE_AFTER", time.Minute),
		},
		SSH: SSHConfig{
			User:           getEnv("SSH_USER", "root"),
			KeyPath:        getEnv("SSH_KEY_PATH", ".spotnest/id_ed25519"),
			DialTimeout:    getEnvAsDuration("SSH_DIAL_TIMEOUT", 5*time.Second),
			CommandTimeout: getEnvAsDuration("SSH_COMMAND_TIMEOUT", 30*time.Second),
		},
		Agent: AgentConfig{
			JWTSecret: getEnv("AGENT_JWT_SECRET", "changeme"),
			TokenTTL:  getEnvAsDuration("AGENT_TOKEN_TTL", 30*24*time.Hour),
		},
	}

	return cfg, cfg.Validate()
}

var defaultExcludes = []string{".git", "__pycache__", ".venv", "venv", "node_modules", ".cache", "tmp"}

func (c *Config) Validate() error {
	if c.Providers.GPUAPIKey == "" {
		return fmt.Errorf("GPU_PROVIDER_API_KEY must be set")
	}
	if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
		return fmt.Errorf("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY must be set")
	}
	if c.Storage.Backend != "s3" && c.Storage.Backend != "oci" {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}
	if c.Database.Type != "postgres" && c.Database.Type != "sqlite" {
		return fmt.Errorf("invalid database type: %s", c.Database.Type)
	}
	switch c.Snapshot.Codec {
	case "lz4", "zstd", "s2":
	default:
		return fmt.Errorf("invalid snapshot codec: %s", c.Snapshot.Codec)
	}
	if c.Snapshot.Transport != "remote" && c.Snapshot.Transport != "relay" {
		return fmt.Errorf("invalid snapshot transport: %s", c.Snapshot.Transport)
	}
	if c.Agent.JWTSecret == "changeme" && c.Server.Environment == "production" {
		return fmt.Errorf("AGENT_JWT_SECRET must be set in production")
	}
	if c.Standby.FailureThreshold < 1 {
		return fmt.Errorf("HEALTH_FAILURE_THRESHOLD must be at least 1")
	}
	if c.Provision.BatchSize < 1 || c.Provision.MaxRounds < 1 {
		return fmt.Errorf("provision batch size and max rounds must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "true" || valueStr == "1"
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
