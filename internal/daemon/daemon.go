// Package daemon wires the hostsync components together and runs them.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"hostsync/pkg/cache"
	"hostsync/pkg/config"
	"hostsync/pkg/handler"
	httpHandler "hostsync/pkg/http"
	"hostsync/pkg/indexer"
	"hostsync/pkg/jobs"
	"hostsync/pkg/logger"
	"hostsync/pkg/orchestrator"
	"hostsync/pkg/protocol"
	"hostsync/pkg/publisher"
	"hostsync/pkg/registry"
	"hostsync/pkg/shared"
	"hostsync/pkg/store"
	"hostsync/pkg/vault"
)

type DaemonService struct {
	server      *asynq.Server
	scheduler   *asynq.Scheduler
	httpServer  *http.Server
	syncHandler *handler.SyncHandler
	publisher   *publisher.Publisher
	store       *store.Store
	config      *config.Config
}

func NewDaemonService(cfg *config.Config) (*DaemonService, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Daemon.LogLevel))

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Daemon.Concurrency,
		Queues: map[string]int{
			"default": 6,
		},
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	v, err := vault.Open(cfg.Vault.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	factory := protocol.NewFactory(time.Duration(cfg.Sync.OperationTimeoutSeconds) * time.Second)
	connRegistry := registry.New(st, v, factory)
	jobRegistry := jobs.NewRegistry()
	listings := cache.NewListingCache(redisClient, time.Duration(cfg.Sync.ListingCacheTTLMinutes)*time.Minute)

	indexerClient := indexer.NewClient(cfg.Indexer.BaseURL, time.Duration(cfg.Indexer.TimeoutSeconds)*time.Second)
	orch := orchestrator.New(st, connRegistry, indexerClient, listings,
		cfg.Sync.BatchSize, cfg.Sync.MaxConcurrentConnections)
	syncHandler := handler.NewSyncHandler(st, orch, jobRegistry)

	pub := publisher.NewPublisher(cfg)

	apiHandler := httpHandler.NewHTTPHandler(st, connRegistry, jobRegistry, pub, listings)
	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	var scheduler *asynq.Scheduler
	if cfg.Sync.Schedule != "" {
		scheduler = asynq.NewScheduler(redisOpt, nil)
		if _, err := scheduler.Register(cfg.Sync.Schedule,
			asynq.NewTask(shared.TaskTypeSyncBulkScheduled, nil)); err != nil {
			return nil, fmt.Errorf("register sync schedule: %w", err)
		}
	}

	return &DaemonService{
		server:      server,
		scheduler:   scheduler,
		httpServer:  httpServer,
		syncHandler: syncHandler,
		publisher:   pub,
		store:       st,
		config:      cfg,
	}, nil
}

func (d *DaemonService) Start() error {
	go func() {
		logger.Info("starting HTTP server", map[string]any{
			"addr": d.config.Server.Addr,
		})
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", err, nil)
		}
	}()

	if d.scheduler != nil {
		go func() {
			logger.Info("starting sync scheduler", map[string]any{
				"schedule": d.config.Sync.Schedule,
			})
			if err := d.scheduler.Run(); err != nil {
				logger.Error("scheduler failed", err, nil)
			}
		}()
	}

	logger.Info("starting task server", map[string]any{
		"concurrency": d.config.Daemon.Concurrency,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(shared.TaskTypeSyncConnection, d.syncHandler.HandleConnectionSync)
	mux.HandleFunc(shared.TaskTypeSyncBulk, d.syncHandler.HandleBulkSync)
	mux.HandleFunc(shared.TaskTypeSyncBulkScheduled, d.syncHandler.HandleScheduledBulkSync)
	return d.server.Run(mux)
}

func (d *DaemonService) Shutdown(ctx context.Context) error {
	logger.Info("initiating graceful shutdown", nil)

	if d.scheduler != nil {
		d.scheduler.Shutdown()
	}
	d.publisher.Close()

	if err := d.httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", err, nil)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.server.Shutdown()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("shutdown timeout, forcing exit", nil)
		return ctx.Err()
	}

	if err := d.store.Close(); err != nil {
		logger.Error("close store", err, nil)
	}
	logger.Info("all tasks completed, shutdown successful", nil)
	return nil
}
