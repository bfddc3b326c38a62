package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/logger"

	"lotteryresults/internal/config"
	"lotteryresults/internal/handlers"
	"lotteryresults/internal/locks"
	"lotteryresults/internal/metrics"
	"lotteryresults/internal/repository"
	"lotteryresults/internal/rng"
	"lotteryresults/internal/services"
	"lotteryresults/internal/workflow"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOTTERY_CONFIG"), "path to config.yml")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logging
	logOut := io.Discard
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	defer logger.Init("lottery-results", cfg.Log.Verbose, false, logOut).Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the result repository
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to open %s repository: %v", cfg.Repository.Driver, err)
	}
	defer closeRepo()

	// 4. Pick the draw locker
	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to set up %s locks: %v", cfg.Lock.Driver, err)
	}
	defer closeLocker()

	// 5. Initialize the workflow engine and the result service
	engine := workflow.NewEngine(repo, workflow.Options{
		Policy:      workflow.FailurePolicy(cfg.Workflow.FailurePolicy),
		Approvers:   cfg.Workflow.Approvers,
		StrictCount: cfg.Workflow.StrictCount,
		Locker:      locker,
	})
	resultService := services.NewResultService(engine, repo, rng.NewGenerator(), services.Options{
		SessionTTL:    cfg.Janitor.SessionTTL,
		AutoLockAfter: cfg.Workflow.AutoLockAfter,
		StrictCount:   cfg.Workflow.StrictCount,
	})

	// 6. Start the background janitor to clean up sessions and lock old results
	janitor, err := resultService.StartJanitor(cfg.Janitor.Schedule)
	if err != nil {
		logger.Fatalf("Failed to start janitor: %v", err)
	}
	defer janitor.Stop()

	// 7. Set up the Gin router
	httpHandler := handlers.NewHTTPHandler(resultService, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware())
	httpHandler.RegisterPublicRoutes(r)

	actorRoutes := r.Group("/")
	actorRoutes.Use(httpHandler.ActorMiddleware())
	httpHandler.RegisterActorRoutes(actorRoutes)

	// 8. Run the server until interrupted
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Server starting on %s (repository=%s, locks=%s, failure policy=%s)",
			cfg.Server.Addr, cfg.Repository.Driver, cfg.Lock.Driver, engine.Policy())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to run server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown: %v", err)
	}
}

func openRepository(ctx context.Context, cfg config.Config) (repository.Repository, func(), error) {
	switch cfg.Repository.Driver {
	case "postgres":
		db, err := repository.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := repository.NewPostgresStore(db)
		if cfg.Postgres.Migrate {
			if err := store.Init(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return store, func() { db.Close() }, nil
	case "rest":
		return repository.NewRESTClient(cfg.REST.BaseURL, cfg.REST.Timeout), func() {}, nil
	default:
		return repository.NewMemoryStore(), func() {}, nil
	}
}

func openLocker(ctx context.Context, cfg config.Config) (locks.Locker, func(), error) {
	if cfg.Lock.Driver != "redis" {
		return locks.NewLocalLocker(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis at %s: %w", cfg.Redis.Addr, err)
	}
	return locks.NewRedisLocker(client, cfg.Lock.Prefix, cfg.Lock.TTL), func() { client.Close() }, nil
}
