package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/instantcocoa/conduit/pkg/cache"
	"github.com/instantcocoa/conduit/pkg/config"
	"github.com/instantcocoa/conduit/pkg/database"
	"github.com/instantcocoa/conduit/pkg/grpcutil"
	"github.com/instantcocoa/conduit/pkg/opshttp"
	"github.com/instantcocoa/conduit/pkg/telemetry"
	"github.com/instantcocoa/conduit/services/llmqueue"
)

const serviceName = "llmqueue"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, telemetry.FromBase(cfg))
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tp.Shutdown(context.Background())

	logger := tp.Logger()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("initialized storage backend", "backend", cfg.StorageBackend)

	policy, err := loadPolicy(cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	mcfg := llmqueue.ManagerConfig{
		Config:      policy,
		Store:       store,
		Concurrency: cfg.QueueConcurrency,
		Logger:      logger,
	}

	var mirror *llmqueue.HealthMirror
	if cfg.RedisEnabled() {
		redisCfg, err := cache.ConfigFromURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rc, err := cache.Connect(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rc.Close()
		rc = rc.WithLogger(logger).WithKeyPrefix("conduit")

		publisher := llmqueue.NewRedisPublisher(rc, cfg.EventsChannel, 0, logger)
		mirror = llmqueue.NewHealthMirror(rc, 24*time.Hour, logger)
		mcfg.Publisher = publisher
		mcfg.HealthObservers = []llmqueue.HealthObserver{mirror.Observe}
		g.Go(func() error { return publisher.Run(gctx) })
		g.Go(func() error { return mirror.Run(gctx) })
		logger.Info("redis event fan-out enabled", "channel", cfg.EventsChannel)
	}

	manager, err := llmqueue.NewManager(mcfg)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	if mirror != nil {
		providers := slices.Collect(maps.Keys(policy.RoutingConfig().Providers))
		if _, err := mirror.Restore(ctx, manager.Registry(), providers, time.Now()); err != nil {
			logger.Warn("failed to restore mirrored provider health", "error", err)
		}
	}

	serverCfg := grpcutil.DefaultServerConfig(cfg.GRPCPort, serviceName)
	serverCfg.ShutdownTimeout = cfg.ShutdownTimeout
	serverCfg.Ready = manager.Ready
	server := grpcutil.NewServer(serverCfg, logger)
	llmqueue.NewHandler(manager, logger).Register(server.GRPCServer())

	ops := opshttp.New(opshttp.Config{
		Port:  cfg.HTTPPort,
		Ready: manager.Ready,
		Status: func(ctx context.Context) (any, error) {
			st, err := manager.Status(ctx, llmqueue.Scope{})
			if err != nil {
				return nil, err
			}
			return map[string]any{"queue": st, "providers": manager.Health()}, nil
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// The queue stops the group on a store fault.
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return ops.Run(gctx) })

	logger.Info("starting llm queue service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"concurrency", cfg.QueueConcurrency,
		"env", cfg.Environment,
	)

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Base, logger *slog.Logger) (llmqueue.Store, func(), error) {
	var db *database.DB
	var err error
	switch {
	case cfg.UsePostgresStorage():
		db, err = database.Connect(ctx, &database.Config{
			Host:            cfg.DBHost,
			Port:            cfg.DBPort,
			User:            cfg.DBUser,
			Password:        cfg.DBPassword,
			Database:        cfg.DBName,
			SSLMode:         cfg.DBSSLMode,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		})
	case cfg.UseSQLiteStorage():
		db, err = database.OpenSQLite(ctx, cfg.SQLitePath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	closeDB := func() {}
	if db != nil {
		db = db.WithLogger(logger)
		closeDB = func() { db.Close() }
		if err := llmqueue.Migrate(ctx, db, logger); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	store, err := llmqueue.NewStore(llmqueue.StoreOptions{Backend: cfg.StorageBackend, DB: db})
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("failed to create store: %w", err)
	}
	return store, closeDB, nil
}

// loadPolicy reads the policy file when one is configured and otherwise
// routes everything to a local Ollama.
func loadPolicy(cfg *config.Base, logger *slog.Logger) (llmqueue.ConfigProvider, error) {
	if cfg.PolicyFile != "" {
		fc, err := llmqueue.NewFileConfig(cfg.PolicyFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy file: %w", err)
		}
		logger.Info("loaded policy file", "path", cfg.PolicyFile)
		return fc, nil
	}

	rc := llmqueue.RoutingConfig{
		Mode:            llmqueue.ModeSingle,
		DefaultProvider: "ollama",
		Defaults:        llmqueue.DefaultRoutingPolicy(),
		Providers: map[string]llmqueue.ProviderConfig{
			"ollama": {Kind: llmqueue.KindOllama, BaseURL: cfg.OllamaHost, DefaultModel: cfg.OllamaModel},
		},
	}
	logger.Warn("no policy file configured, routing to local ollama",
		"base_url", cfg.OllamaHost, "model", cfg.OllamaModel)
	return llmqueue.NewStaticConfig(rc, llmqueue.ModelTokenPolicy{}), nil
}
