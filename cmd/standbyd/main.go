package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spotnest/spotnest/internal/api"
	"github.com/spotnest/spotnest/internal/config"
	"github.com/spotnest/spotnest/internal/database"
	"github.com/spotnest/spotnest/internal/hibernate"
	"github.com/spotnest/spotnest/internal/logging"
	"github.com/spotnest/spotnest/internal/providers/cirrus"
	"github.com/spotnest/spotnest/internal/providers/ipgeo"
	"github.com/spotnest/spotnest/internal/providers/vastai"
	"github.com/spotnest/spotnest/internal/provision"
	"github.com/spotnest/spotnest/internal/region"
	"github.com/spotnest/spotnest/internal/resilience"
	"github.com/spotnest/spotnest/internal/snapshot"
	"github.com/spotnest/spotnest/internal/sshx"
	"github.com/spotnest/spotnest/internal/standby"
	"github.com/spotnest/spotnest/internal/storage"
	"github.com/spotnest/spotnest/internal/syncsvc"
)

var debugMode bool

func main() {
	flag.BoolVar(&debugMode, "dm", false, "Enable debug logging")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := logging.INFO
	if debugMode || cfg.Server.Environment == "development" {
		level = logging.DEBUG
	}
	logging.InitStructuredLogger("standbyd", level)

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	store := database.NewStore(db)

	var (
		pub      standby.Publisher
		learned  region.LearnedStore
		liveness api.Liveness
	)
	redisClient, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		logging.Warn("Redis unavailable, endpoint registry is process-local", map[string]interface{}{
			"error": err.Error(),
		})
		pub = standby.NewMemoryPublisher()
	} else {
		defer redisClient.Close()
		pub = redisClient
		learned = redisClient
		liveness = redisClient
	}

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

	keys, err := sshx.LoadOrCreateKeyPair(cfg.SSH.KeyPath)
	if err != nil {
		log.Fatalf("Failed to load SSH key: %v", err)
	}
	runner := sshx.NewClient(keys.Signer, cfg.SSH.DialTimeout, cfg.SSH.CommandTimeout)

	gate := resilience.NewRateGate(cfg.Providers.MinSpacing)
	gpu := vastai.NewClient(cfg.Providers.GPUAPIKey, cfg.Providers.GPUBaseURL, cfg.Providers.Timeout, gate)
	gpu.SetMaxRetries(cfg.Providers.MaxRetries)
	cpu := cirrus.NewClient(cfg.Providers.CPUAPIKey, cfg.Providers.CPUBaseURL, cfg.Providers.Timeout)
	cpu.SetMaxRetries(cfg.Providers.MaxRetries)
	geo := ipgeo.NewClient(cfg.Providers.IPGeoBaseURL, cfg.Providers.IPGeoTimeout)
	resolver := region.NewResolver(geo, learned)

	engine, err := snapshot.NewEngine(blobs, runner, snapshot.Options{
		Codec:           cfg.Snapshot.Codec,
		Transport:       cfg.Snapshot.Transport,
		Parallelism:     cfg.Storage.TransferConcurrency,
		Excludes:        cfg.Standby.ExcludePatterns,
		MaxChain:        cfg.Snapshot.MaxChain,
		TransferTimeout: cfg.Snapshot.TransferTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to initialize snapshot engine: %v", err)
	}

	racer := provision.NewRacer(gpu, runner, store, cfg.Provision, cfg.SSH.User)
	syncer := syncsvc.NewService(syncsvc.ExecCommand, cfg.Standby.ScratchDir, keys.PrivateKeyPath, cfg.Standby.ExcludePatterns, cfg.Standby.SyncInterval)

	manager := standby.NewManager(resolver, cpu, gpu, racer, syncer, engine, runner, pub, store, cfg.Standby, cfg.SSH.User, keys.AuthorizedKey)
	defer manager.Close()

	ctrl := hibernate.NewController(engine, racer, gpu, store, cfg.Hibernate)
	ctrl.ReleaseMirror = manager.Teardown
	manager.OnChainHead = ctrl.UpdateChainHead
	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go ctrl.Run(runCtx)

	launch := &launcher{
		Manager:    manager,
		racer:      racer,
		hib:        ctrl,
		runner:     runner,
		pub:        pub,
		controlURL: fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
		jwtSecret:  cfg.Agent.JWTSecret,
		tokenTTL:   cfg.Agent.TokenTTL,
	}
	ctrl.OnWake = launch.outfitWoken

	router := api.NewRouter(api.Deps{
		Standby:   launch,
		Hibernate: ctrl,
		Endpoints: pub,
		Records:   store,
		Liveness:  liveness,
		Launcher:  launch,
		JWTSecret: cfg.Agent.JWTSecret,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logging.Info("Control plane listening", map[string]interface{}{
			"addr":        srv.Addr,
			"environment": cfg.Server.Environment,
			"db":          cfg.Database.Type,
			"storage":     cfg.Storage.Backend,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("Shutting down", map[string]interface{}{})
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Forced shutdown", map[string]interface{}{"error": err.Error()})
	}
}
