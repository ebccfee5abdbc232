// cmd/api/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/your-org/cartsync/internal/config"
	"github.com/your-org/cartsync/internal/domain/cart"
	"github.com/your-org/cartsync/internal/domain/checkout"
	"github.com/your-org/cartsync/internal/domain/inventory"
	"github.com/your-org/cartsync/internal/domain/order"
	"github.com/your-org/cartsync/internal/domain/payment"
	"github.com/your-org/cartsync/internal/infrastructure/database/postgres"
	"github.com/your-org/cartsync/internal/infrastructure/database/redis"
	"github.com/your-org/cartsync/internal/interfaces/http"
	"github.com/your-org/cartsync/internal/interfaces/http/routes"
	"github.com/your-org/cartsync/internal/pkg/logger"
	"github.com/your-org/cartsync/internal/pkg/metrics"
	"github.com/your-org/cartsync/internal/pkg/remote"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := logger.New(cfg)
	log.Infof("🚀 Starting %s v%s in %s mode", cfg.App.Name, cfg.App.Version, cfg.App.Environment)

	db, err := postgres.NewConnection(cfg, log)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient, err := redis.NewConnection(cfg, log)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	migration := postgres.NewMigration(db.GetDB(), log)
	if err := migration.RunAutoMigrations(); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}
	if err := migration.CreateIndexes(); err != nil {
		log.Warnf("Index creation failed: %v", err)
	}

	if cfg.IsDevelopment() {
		if err := migration.SeedInitialData(context.Background()); err != nil {
			log.Warnf("Data seeding failed: %v", err)
		}
		migration.GetTableInfo()
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cartMetrics := metrics.NewCartMetrics(reg)
	cartMetrics.RemoteUp.Set(1)

	// Remote stores are guarded so the cart degrades instead of hanging
	cartGuard := remote.NewGuard(remote.GuardOptions{
		Name:     "cart_store",
		Timeout:  cfg.Cart.RemoteTimeout,
		Failures: cfg.Cart.BreakerFailures,
		Cooldown: cfg.Cart.BreakerCooldown,
		Logger:   log,
		OnStateChange: func(up bool) {
			if up {
				cartMetrics.RemoteUp.Set(1)
			} else {
				cartMetrics.RemoteUp.Set(0)
			}
		},
	})
	stockGuard := remote.NewGuard(remote.GuardOptions{
		Name:     "inventory_store",
		Timeout:  cfg.Cart.RemoteTimeout,
		Failures: cfg.Cart.BreakerFailures,
		Cooldown: cfg.Cart.BreakerCooldown,
		Logger:   log,
	})

	inventoryService := inventory.NewService(db.GetDB())
	orderService := order.NewService(db.GetDB())

	reconciler := cart.NewReconciler(cart.ReconcilerOptions{
		Repository: cart.NewGormRepository(db.GetDB()),
		Local:      cart.NewRedisLocalCache(redisClient.GetClient(), cfg.Cart.LocalCacheTTL),
		Stock:      inventoryService,
		CartGuard:  cartGuard,
		StockGuard: stockGuard,
		Metrics:    cartMetrics,
		Logger:     log,
	})

	committer := checkout.NewCommitter(checkout.CommitterOptions{
		Payments:    payment.NewRazorpayGateway(cfg.Payment, log),
		Stock:       inventoryService,
		Orders:      orderService,
		Carts:       reconciler,
		StockGuard:  stockGuard,
		Concurrency: cfg.Cart.CheckoutConcurrency,
		Metrics:     cartMetrics,
		Logger:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Replays carts that were changed while the database was unreachable
	syncWorker := cart.NewSyncWorker(reconciler, cfg.Cart.SyncInterval, log)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		syncWorker.Run(ctx)
	}()

	server := http.NewServer(cfg, routes.Dependencies{
		DB:         db.GetDB(),
		Redis:      redisClient.GetClient(),
		Reconciler: reconciler,
		Committer:  committer,
		Orders:     orderService,
		Inventory:  inventoryService,
		Logger:     log,
	}, reg)

	go func() {
		if err := server.Start(); err != nil {
			log.Errorf("HTTP server failed: %v", err)
			stop()
		}
	}()

	log.Info("✅ All systems operational!")
	<-ctx.Done()
	log.Info("👋 Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorf("Failed to shutdown HTTP server gracefully: %v", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("Sync worker did not stop in time")
	}

	log.Info("✅ Server shutdown completed")
}
