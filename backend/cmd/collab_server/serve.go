package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/config"
	"collabcore/backend/internal/httpapi"
	"collabcore/backend/internal/httpapi/handlers"
	"collabcore/backend/internal/log"
	"collabcore/backend/internal/store"
	"collabcore/backend/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collaboration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
		log.Logger.Info().Str("config", cfg.String()).Msg("config loaded")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// openStore 按配置选择存储实现，返回的 closer 在退出时调用
func openStore(ctx context.Context, cfg *config.CollabConfig) (store.DocumentStore, io.Closer, error) {
	switch cfg.Store.Driver {
	case "mysql":
		db, err := store.InitMySQL(cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		s := store.NewMySQLStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return s, sqlDB, nil
	case "bolt":
		if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
			return nil, nil, err
		}
		s, err := store.NewBoltStore(cfg.Store.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return store.NewMemoryStore(), io.NopCloser(nil), nil
	}
}

func openPresence(ctx context.Context, cfg *config.CollabConfig) (cache.PresenceCache, io.Closer, error) {
	if cfg.Presence.Backend != "redis" {
		return cache.NewMemoryPresence(), io.NopCloser(nil), nil
	}
	// 单地址为单机，多地址为集群
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return cache.NewRedisPresence(rdb), rdb, nil
}

func serve(ctx context.Context, cfg *config.CollabConfig) error {
	docStore, storeCloser, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	presenceBackend, presenceCloser, err := openPresence(ctx, cfg)
	if err != nil {
		return err
	}
	defer presenceCloser.Close()

	// Kafka 只用于把已提交的操作导出给下游，未配置时不启用
	var (
		sink       collab.EventSink
		dispatcher *collab.KafkaDispatcher
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize: cfg.Kafka.Queue,
				Workers:   cfg.Kafka.Workers,
				MaxRetry:  3,
			})
		sink = dispatcher
	}

	hub := ws.NewHub()
	locks := collab.NewLockManager(hub)
	engine := collab.NewEngine(docStore, locks, hub, sink, collab.Options{
		HistorySize:   cfg.Engine.HistorySize,
		DedupSize:     cfg.Engine.DedupSize,
		SnapshotEvery: cfg.Engine.SnapshotEvery,
	})
	registry := cache.NewRegistry(presenceBackend, hub, cfg.Presence.TTL)
	submitSem := collab.NewSemaphoreControl(cfg.Engine.MaxInFlight)

	manager := ws.NewManager(hub, engine, locks, registry, submitSem, ws.Options{
		PongWait:       cfg.WS.PongWait,
		SendBuffer:     cfg.WS.SendBuffer,
		RateLimit:      cfg.WS.RateLimit,
		RateBurst:      cfg.WS.RateBurst,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	})
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.RouterDeps{
		Handler:      handlers.New(engine, locks, registry, submitSem),
		WS:           manager,
		JWTSecret:    []byte(cfg.Auth.JWTSecret),
		AllowOrigins: cfg.Running.AllowOrigins,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Logger.Info().Str("addr", srv.Addr).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return registry.RunSweeper(gctx, cfg.Presence.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Running.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := engine.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if dispatcher != nil {
			if err := dispatcher.Close(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("kafka dispatcher: %w", err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
