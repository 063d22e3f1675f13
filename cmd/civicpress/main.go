package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/CivicPress/civicpress-sub013/config"
	"github.com/CivicPress/civicpress-sub013/pkg/api"
	"github.com/CivicPress/civicpress-sub013/pkg/api/events"
	"github.com/CivicPress/civicpress-sub013/pkg/api/handlers"
	"github.com/CivicPress/civicpress-sub013/pkg/eventbus"
	"github.com/CivicPress/civicpress-sub013/pkg/index"
	"github.com/CivicPress/civicpress-sub013/pkg/lifecycle"
	"github.com/CivicPress/civicpress-sub013/pkg/logger"
	"github.com/CivicPress/civicpress-sub013/pkg/metrics"
	"github.com/CivicPress/civicpress-sub013/pkg/record"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
	"github.com/CivicPress/civicpress-sub013/pkg/telemetry/tracing"
	"github.com/CivicPress/civicpress-sub013/pkg/vcs"
	"github.com/CivicPress/civicpress-sub013/pkg/version"
	"github.com/CivicPress/civicpress-sub013/pkg/worktree"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName     = flag.String("app-name", "", "Override app name")
	serverPort  = flag.Int("port", 0, "Override server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	recordsRoot = flag.String("records-root", "", "Override records tree root")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting CivicPress record service",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Tracing
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Persistence: saga state and record rows share one store backend.
	var (
		stateStore  saga.StateStore
		recordStore record.Store
		db          *badger.DB
	)
	switch cfg.Store.Type {
	case "badger":
		opts := badger.DefaultOptions(cfg.Store.Badger.Path)
		opts.SyncWrites = cfg.Store.Badger.SyncWrites
		if cfg.Store.Badger.ValueLogFileSize > 0 {
			opts.ValueLogFileSize = cfg.Store.Badger.ValueLogFileSize
		}
		if cfg.Store.Badger.NumVersionsToKeep > 0 {
			opts.NumVersionsToKeep = cfg.Store.Badger.NumVersionsToKeep
		}
		opts.Logger = nil

		db, err = badger.Open(opts)
		if err != nil {
			log.Error("Failed to open badger store", "path", cfg.Store.Badger.Path, "error", err)
			os.Exit(1)
		}
		stateStore, err = saga.NewBadgerStateStore(db)
		if err != nil {
			log.Error("Failed to create saga state store", "error", err)
			os.Exit(1)
		}
		recordStore, err = record.NewBadgerStore(db)
		if err != nil {
			log.Error("Failed to create record store", "error", err)
			os.Exit(1)
		}
		log.Info("Initialized badger store", "path", cfg.Store.Badger.Path)
	default:
		stateStore = saga.NewMemoryStateStore()
		recordStore = record.NewMemoryStore()
		log.Info("Initialized memory store")
	}
	defer func() {
		if err := recordStore.Close(); err != nil {
			log.Error("Error closing record store", "error", err)
		}
		if db != nil {
			if err := db.Close(); err != nil {
				log.Error("Error closing badger", "error", err)
			}
		}
	}()

	// Record tree and VCS repository.
	tree, err := worktree.New(cfg.Records.Root)
	if err != nil {
		log.Error("Failed to open record tree", "root", cfg.Records.Root, "error", err)
		os.Exit(1)
	}
	repoPath := cfg.Records.RepoPath
	if repoPath == "" {
		repoPath = cfg.Records.Root
	}
	repo, err := vcs.NewGitRepo(ctx, repoPath)
	if err != nil {
		log.Error("Failed to open VCS repository", "path", repoPath, "error", err)
		os.Exit(1)
	}

	// Metrics
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Event bus
	nodeID := nodeIdentity(cfg)
	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()

	transport, redisClient, err := buildTransport(ctx, cfg, log, broadcaster)
	if err != nil {
		log.Error("Failed to initialize event transport", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Error("Error closing redis client", "error", err)
			}
		}()
	}

	retry := eventbus.DefaultRetryConfig()
	if cfg.Events.MaxRetries > 0 {
		retry.MaxRetries = cfg.Events.MaxRetries
	}
	if cfg.Events.RetryBackoff > 0 {
		retry.InitialBackoff = cfg.Events.RetryBackoff
	}
	publisher, err := eventbus.NewPublisher(nodeID, transport, retry, metricsManager)
	if err != nil {
		log.Error("Failed to create event publisher", "error", err)
		os.Exit(1)
	}

	// Derived index behind a circuit breaker.
	var indexer index.Indexer
	if cfg.Index.Enabled {
		indexer = index.NewBreaker(
			index.NewMemory(index.StoreSource(recordStore)),
			index.BreakerSettings{
				MaxRequests:  cfg.Index.Breaker.MaxRequests,
				Interval:     cfg.Index.Breaker.Interval,
				Timeout:      cfg.Index.Breaker.Timeout,
				FailureRatio: cfg.Index.Breaker.FailureRatio,
				MinRequests:  cfg.Index.Breaker.MinRequests,
			},
		)
	}

	// Saga orchestrator, registry, recovery.
	orch := saga.NewOrchestrator(stateStore, saga.Config{
		DefaultStepTimeout: cfg.Executor.DefaultStepTimeout,
		DefaultSagaTimeout: cfg.Executor.DefaultSagaTimeout,
		LockTTL:            cfg.Executor.DefaultLockTTL,
		LeaseRenewInterval: cfg.Executor.LeaseRenewInterval,
		LockWait:           cfg.Executor.LockWait,
		LockPollInterval:   cfg.Executor.LockPollInterval,
		MaxConcurrent:      cfg.Executor.MaxConcurrentSagas,
	},
		saga.WithLogger(log),
		saga.WithMetricsRecorder(metricsManager),
	)

	registry := saga.NewRegistry()
	deps := lifecycle.Deps{
		Records: recordStore,
		Tree:    tree,
		Repo:    repo,
		Events:  publisher,
		Indexer: indexer,
		Author: vcs.Author{
			Name:  cfg.Records.AuthorName,
			Email: cfg.Records.AuthorEmail,
		},
	}
	if err := lifecycle.RegisterAll(registry, deps); err != nil {
		log.Error("Failed to register lifecycle sagas", "error", err)
		os.Exit(1)
	}

	var recoveryHandler *handlers.RecoveryHandler
	if cfg.Recovery.Enabled {
		coordinator, err := saga.NewRecoveryCoordinator(orch, registry, saga.RecoveryConfig{
			Interval:       cfg.Recovery.Interval,
			StuckThreshold: cfg.Recovery.StuckThreshold,
			BatchSize:      cfg.Recovery.BatchSize,
		}, saga.WithRecoveryLogger(log))
		if err != nil {
			log.Error("Failed to create recovery coordinator", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := coordinator.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error("Recovery coordinator stopped", "error", err)
			}
		}()
		recoveryHandler = handlers.NewRecoveryHandler(coordinator, log)
	}

	// HTTP API
	wsHandler := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	go wsHandler.Run(ctx, broadcaster)
	defer wsHandler.Close()

	apiHandlers := &api.Handlers{
		Records:  handlers.NewRecordHandler(recordStore, orch, registry, log),
		Drafts:   handlers.NewDraftHandler(recordStore, orch, registry, log),
		Sagas:    handlers.NewSagaHandler(orch, registry, log),
		Recovery: recoveryHandler,
		Health:   handlers.NewHealthHandler(recordStore, orch, publisher, version.Version),
		Events:   wsHandler,
		Metrics:  metricsManager,
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("CivicPress record service is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"records_root", cfg.Records.Root,
	)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}
	cancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("CivicPress record service stopped")
}

// buildTransport selects the lifecycle event transport. The memory
// transport feeds the websocket broadcaster directly; redis fans out to
// other nodes, with a local subscription bridging events to websocket
// clients on this node.
func buildTransport(ctx context.Context, cfg *config.Config, log logger.Logger, broadcaster *events.Broadcaster) (eventbus.Transport, *redis.Client, error) {
	switch cfg.Events.Transport {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		})
		transport, err := eventbus.NewRedisTransport(client, cfg.Events.Redis.Channel)
		if err != nil {
			return nil, nil, err
		}
		pubsub := client.Subscribe(ctx, cfg.Events.Redis.Channel)
		go func() {
			defer pubsub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-pubsub.Channel():
					if !ok {
						return
					}
					var env eventbus.Envelope
					if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.EventType == "" {
						continue
					}
					broadcaster.BroadcastEnvelope(msg.Channel, env)
				}
			}
		}()
		return transport, client, nil
	case "log":
		return eventbus.NewLogTransport(log), nil, nil
	default:
		bus := eventbus.NewMemoryBus()
		sub, err := bus.Subscribe(eventbus.DomainWildcardSubject(eventbus.DomainRecord), 64)
		if err != nil {
			return nil, nil, err
		}
		go broadcaster.Pump(ctx, sub)
		return bus, nil, nil
	}
}

func nodeIdentity(cfg *config.Config) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", cfg.App.Name, host)
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *recordsRoot != "" {
		overrides["records.root"] = *recordsRoot
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("CivicPress Record Service\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("CivicPress Record Service - saga-driven civic record lifecycle\n\n")
	fmt.Printf("Usage: civicpress [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  civicpress                                  # Run with default config\n")
	fmt.Printf("  civicpress -config config.yaml              # Use specific config file\n")
	fmt.Printf("  civicpress -port 9090 -log-level debug      # Override specific options\n")
	fmt.Printf("  civicpress -version                         # Print version info\n")
}
