package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jcmexdev/inventory-saga/internal/coordinator"
	"github.com/jcmexdev/inventory-saga/internal/events"
	"github.com/jcmexdev/inventory-saga/internal/httpx"
	"github.com/jcmexdev/inventory-saga/internal/inventory"
	"github.com/jcmexdev/inventory-saga/internal/inventory/memstore"
	"github.com/jcmexdev/inventory-saga/internal/inventory/postgres"
	"github.com/jcmexdev/inventory-saga/internal/inventory/redisstore"
	"github.com/jcmexdev/inventory-saga/internal/order"
	"github.com/jcmexdev/inventory-saga/internal/payment"
	"github.com/jcmexdev/inventory-saga/internal/payment/gateway"
	"github.com/jcmexdev/inventory-saga/internal/pkg/cache"
	"github.com/jcmexdev/inventory-saga/internal/pkg/config"
	"github.com/jcmexdev/inventory-saga/internal/pkg/lock"
	"github.com/jcmexdev/inventory-saga/internal/pkg/telemetry"
	"github.com/jcmexdev/inventory-saga/internal/recovery"
	"github.com/jcmexdev/inventory-saga/internal/store/sqlite"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

func main() {
	cfg := config.Load()
	logger := telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("reservation service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	var rdb redis.UniversalClient
	if cfg.StoreBackend == config.BackendRedis || cfg.LockBackend == config.BackendRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	var store inventory.Store = memstore.New()
	resultCache := cache.NewMemoryCache(cfg.ServiceName)
	if cfg.StoreBackend == config.BackendRedis {
		store = redisstore.New(rdb)
		resultCache = cache.NewRedisCache(rdb, cfg.ServiceName)
	}

	var locker lock.Locker = lock.NewKeyed()
	if cfg.LockBackend == config.BackendRedis {
		locker = lock.NewRedis(rdb, cfg.LockTTL, cfg.LockWait)
	}

	journal := wal.NewService(db.WAL(), logger)

	engineOpts := []inventory.Option{
		inventory.WithLogger(logger),
		inventory.WithDefaultTTL(cfg.ReservationTTL),
	}
	if cfg.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		ledger := postgres.NewLedger(logger, pool)
		if err := ledger.Migrate(ctx); err != nil {
			return err
		}
		engineOpts = append(engineOpts, inventory.WithLedger(ledger))
		logger.Info("durable inventory ledger enabled")
	}
	engine := inventory.NewEngine(store, locker, journal, engineOpts...)

	var gw payment.Gateway = gateway.NewMock()
	if cfg.PaymentGatewayURL != "" {
		gw = gateway.NewHTTP(cfg.PaymentGatewayURL, cfg.PaymentTimeout)
	}
	orders := order.NewService(db.Orders(), journal, logger)
	payments := payment.NewService(db.Payments(), gw, journal, logger, payment.WithTimeout(cfg.PaymentTimeout))

	var publisher events.Publisher = events.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(logger, events.NewKafkaWriter(cfg.KafkaBrokers), cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	coord := coordinator.NewPurchaseCoordinator(engine, orders, payments, journal,
		coordinator.WithLogger(logger),
		coordinator.WithCache(resultCache, cfg.ResultCacheTTL),
		coordinator.WithPublisher(publisher),
	)

	recoverySvc := recovery.NewService(journal, engine, orders, payments, logger)
	scheduler := recovery.NewScheduler(logger, recoverySvc, cfg.RecoveryInterval, cfg.RecoveryMinAge,
		recovery.WithArchive(journal, cfg.WALRetention))

	handler := httpx.NewHandler(coord, engine, scheduler, journal)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return inventory.NewSweeper(logger, engine, cfg.SweepInterval).Run(gctx) })
	g.Go(func() error { return inventory.NewReconciler(logger, engine, cfg.ReconcileInterval).Run(gctx) })
	g.Go(func() error {
		// Serve only after the startup recovery pass has settled the WAL.
		select {
		case <-scheduler.Ready():
		case <-gctx.Done():
			return nil
		}
		logger.Info("reservation service HTTP running", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
