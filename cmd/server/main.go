package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"almans/config"
	"almans/internal/api"
	"almans/internal/broker"
	"almans/internal/kvstore"
	"almans/internal/models"
	"almans/internal/redisclient"
	"almans/internal/service"
	"almans/internal/store"
	"almans/internal/util"
	"almans/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting almans storefront engine")

	tp, err := util.InitTracer("almans", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	policies, err := config.LoadPolicies(cfg.Business.PolicyFile)
	if err != nil {
		logger.Fatal("Failed to load pricing policies", zap.Error(err))
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	local, closeLocal, err := openLocalStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open local storage", zap.Error(err))
	}
	defer closeLocal()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCartEvent)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	network := service.NewNetworkStatus(true)
	go service.ProbeConnectivity(rootCtx, network, db, 15*time.Second)

	session := service.NewSession()
	owners := service.NewOwnerResolver(session, service.NewGuestIDs(local, util.Component("identity")))

	rateLimiter := service.NewRateLimiter(local, service.RateLimitPolicy{
		MaxAttempts: cfg.Business.LoginMaxAttempts,
		Lockout:     cfg.Business.LoginLockout,
		IdleReset:   cfg.Business.LoginIdleReset,
	}, util.Component("rate-limiter"))

	cache := service.NewOfflineCache(local, network, cfg.Business.CacheTTL, util.Component("offline-cache"))
	cart := service.NewCart(rootCtx, local, util.Component("cart"))
	reconciler := service.NewCartReconciler(cart, db, cache, util.Component("reconciler"))
	coupons := service.NewCouponValidator(db, util.Component("coupons"))

	tracker := service.NewAbandonedCartTracker(db, owners, service.TrackerConfig{
		IdleThreshold:   cfg.Business.AbandonedCartIdle,
		PollInterval:    cfg.Business.AbandonedCartPoll,
		TriggerThrottle: cfg.Business.AbandonedCartThrottle,
	}, util.Component("abandoned-cart"))
	cart.Subscribe(tracker.OnCartChanged)
	// seed the tracker with a cart restored from storage
	tracker.OnCartChanged(cart.Lines())

	checkout := service.NewCheckout(cart, reconciler, coupons, policies.BulkDiscount, policies.Loyalty,
		db, session, tracker, util.Component("checkout"))

	wireEvents(eventPublisher, owners, rateLimiter, reconciler, tracker, logger)

	catalogConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicProducts, cfg.Kafka.ConsumerGroup)
	catalogWorker := worker.NewCatalogWorker(catalogConsumer, cart, reconciler)
	go func() {
		if err := catalogWorker.Start(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error("Catalog worker error", zap.Error(err))
		}
	}()

	cartWorker := worker.NewAbandonedCartWorker(tracker)
	go func() {
		if err := cartWorker.Start(rootCtx); err != nil {
			logger.Error("Abandoned cart worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Cart:        cart,
		Reconciler:  reconciler,
		Coupons:     coupons,
		Checkout:    checkout,
		RateLimiter: rateLimiter,
		Tracker:     tracker,
		Session:     session,
		Loyalty:     policies.Loyalty,
		Accounts:    service.NewCachedAccounts(db, cache),
		Products:    db,
		Ready:       db,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// last chance to record the cart before the process goes away
	tracker.OnBeforeUnload()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	rootCancel()
	catalogWorker.Stop()
	cartWorker.Stop()

	logger.Info("Server exited")
}

// openLocalStore picks the durable key/value backend for device-local state
// and namespaces every key under the configured prefix
func openLocalStore(cfg *config.Config, logger *zap.Logger) (kvstore.Store, func(), error) {
	prefix := cfg.Storage.KeyPrefix

	switch cfg.Storage.Backend {
	case config.StorageRedis:
		client, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Local storage on redis", zap.String("addr", cfg.Redis.Addr))
		return kvstore.WithNamespace(client, prefix), func() { client.Close() }, nil

	case config.StorageBadger:
		db, err := kvstore.OpenBadger(kvstore.BadgerConfig{
			Path:       cfg.Storage.BadgerPath,
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		}, util.Component("badger"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Local storage on badger", zap.String("path", cfg.Storage.BadgerPath))
		return kvstore.WithNamespace(db, prefix), func() { db.Close() }, nil

	case config.StorageMemory:
		logger.Warn("Local storage is in memory, state will not survive a restart")
		return kvstore.WithNamespace(kvstore.NewMemoryStore(), prefix), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// wireEvents publishes domain events from component callbacks. Publishing is
// best effort and never blocks the caller's outcome.
func wireEvents(
	ep *broker.EventPublisher,
	owners *service.OwnerResolver,
	rateLimiter *service.RateLimiter,
	reconciler *service.CartReconciler,
	tracker *service.AbandonedCartTracker,
	logger *zap.Logger,
) {
	warn := func(event string, err error) {
		if err != nil {
			logger.Warn("Failed to publish event", zap.String("event", event), zap.Error(err))
		}
	}

	rateLimiter.OnLockout(func(ctx context.Context, until time.Time) {
		warn(models.EventTypeLoginLockout, ep.PublishLoginLockout(ctx, until))
	})

	reconciler.OnPriceChange(func(ctx context.Context, changes []models.PriceChangeData) {
		var subtotal int64
		if lc, ok := reconciler.Latest(); ok {
			subtotal = lc.LiveSubtotal
		}
		warn(models.EventTypeCartPriceChanged, ep.PublishCartPriceChanged(ctx, owners.Owner(ctx), changes, subtotal))
	})

	tracker.OnSynced(func(ctx context.Context, res service.SyncResult) {
		warn(models.EventTypeAbandonedCartSynced,
			ep.PublishAbandonedCartSynced(ctx, res.SnapshotID, res.Owner, res.ItemCount, res.TotalValue, res.Trigger))
	})

	tracker.OnRecovered(func(ctx context.Context, owner models.CartOwner) {
		warn(models.EventTypeCartRecovered, ep.PublishCartRecovered(ctx, owner))
	})
}
