package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"docbatch/internal/bundle"
	"docbatch/internal/config"
	"docbatch/internal/converter"
	"docbatch/internal/dispatch"
	server "docbatch/internal/http"
	"docbatch/internal/jobs"
	"docbatch/internal/lock"
	"docbatch/internal/migrate"
	"docbatch/internal/pipeline"
	"docbatch/internal/queue"
	"docbatch/internal/storage"
	"docbatch/internal/store"
)

// unitStore is satisfied by both store backends.
type unitStore interface {
	pipeline.Store
	dispatch.Store
	server.BatchStore
	jobs.RetentionStore
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, *role, logger); err != nil {
		logger.Error("docbatch stopped", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(cfg *config.Config, role string, logger *slog.Logger) (err error) {
	runAPI, runWorker := role == "api" || role == "all", role == "worker" || role == "all"
	if !runAPI && !runWorker {
		return fmt.Errorf("invalid role: %s (expected api|worker|all)", role)
	}
	if role != "all" && (cfg.Database.Driver == "memory" || cfg.Queue.Backend == "memory") {
		return errors.New("memory database or queue only works with role all")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		closers = append(closers, rdb.Close)
	}

	q, err := openQueue(cfg, rdb, logger)
	if err != nil {
		return err
	}
	closers = append(closers, q.Close)

	var locker lock.Locker = lock.NewLocal()
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedis(rdb, cfg.Lock.KeyPrefix, time.Duration(cfg.Lock.TTLMs)*time.Millisecond, logger)
	}

	layout := storage.New(cfg.Storage.Path)
	if err := os.MkdirAll(layout.Root, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	finalizer := pipeline.NewFinalizer(st, bundle.NewWriter(layout, logger), locker, layout, pipeline.FinalizerOptions{
		LockWait:           time.Duration(cfg.Lock.WaitMs) * time.Millisecond,
		BundleAttempts:     cfg.Bundle.MaxAttempts,
		BundleInitialDelay: time.Duration(cfg.Bundle.InitialDelayMs) * time.Millisecond,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	if runAPI {
		srv := server.NewServer(cfg, server.Deps{
			Store:      st,
			Dispatcher: dispatch.New(st, q, layout, int64(cfg.Server.MaxUploadBytes), logger),
			Bundles:    finalizer,
			Redis:      rdb,
		}, logger)
		g.Go(srv.Listen)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if runWorker {
		if rq, ok := q.(*queue.RedisQueue); ok {
			n, err := rq.RequeueOrphans(ctx)
			if err != nil {
				return fmt.Errorf("requeue orphaned tasks: %w", err)
			}
			if n > 0 {
				logger.Info("requeued orphaned tasks", "count", n)
			}
		}

		conv := converter.NewLibreOffice(cfg.Converter.Binary)
		worker := pipeline.NewWorker(st, conv, finalizer, layout, time.Duration(cfg.Converter.TimeoutMs)*time.Millisecond, logger).WithRedelivery(q)
		runner := jobs.NewRunner(cfg, q, st, layout, jobs.Executors{Process: worker, Finalize: finalizer}, logger)
		g.Go(func() error { return runner.Start(gctx) })
	}

	logger.Info("docbatch started",
		"role", role,
		"database", cfg.Database.Driver,
		"queue", cfg.Queue.Backend,
		"lock", cfg.Lock.Backend,
		"storage", layout.Root,
	)
	return g.Wait()
}

func openStore(cfg *config.Config) (unitStore, func() error, error) {
	if cfg.Database.Driver == "memory" {
		return store.NewMemory(), func() error { return nil }, nil
	}

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return store.New(db), db.Close, nil
}

func openQueue(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		return queue.NewRedis(rdb, cfg.Queue.Name, logger), nil
	case "nats":
		nq, err := queue.ConnectNATS(cfg.Queue.NATS.URL, cfg.Queue.NATS.Subject, cfg.Queue.NATS.Queue, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return nq, nil
	default:
		return queue.NewMemory(0, logger), nil
	}
}
