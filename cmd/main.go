package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/cache"
	"github.com/fjod/go_cart/checkout-engine/internal/catalog"
	"github.com/fjod/go_cart/checkout-engine/internal/config"
	"github.com/fjod/go_cart/checkout-engine/internal/consumer"
	checkoutgrpc "github.com/fjod/go_cart/checkout-engine/internal/grpc"
	h "github.com/fjod/go_cart/checkout-engine/internal/http"
	"github.com/fjod/go_cart/checkout-engine/internal/logger"
	"github.com/fjod/go_cart/checkout-engine/internal/metrics"
	"github.com/fjod/go_cart/checkout-engine/internal/payment"
	"github.com/fjod/go_cart/checkout-engine/internal/publisher"
	"github.com/fjod/go_cart/checkout-engine/internal/reservation"
	"github.com/fjod/go_cart/checkout-engine/internal/service"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/fjod/go_cart/checkout-engine/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()
	zap.ReplaceGlobals(zl)

	if err := run(cfg, zl); err != nil {
		zl.Fatal("checkout-engine stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "checkout-engine", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStore(cfg, zl)
	if err != nil {
		return err
	}

	products, err := catalog.NewRepository(cfg.Catalog.DBPath)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	if err := products.RunMigrations(cfg.Catalog.MigrationsPath); err != nil {
		return fmt.Errorf("catalog migrations: %w", err)
	}
	zl.Info("catalog ready", zap.String("path", cfg.Catalog.DBPath))

	var (
		cartCache   cache.CartCache
		intents     payment.IntentStore = payment.NewMemoryIntentStore()
		redisClient *redis.Client
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       0,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		cartCache = cache.NewRedisCache(redisClient, cache.DefaultTTL)
		intents = payment.NewRedisIntentStore(redisClient)
		zl.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	coord := reservation.NewCoordinator(products, m)
	checkout := service.NewCheckoutService(st, coord, cartCache, zl, m, cfg.RequestTimeout)
	carts := service.NewCartService(st, products, cartCache, zl)
	inventory := service.NewInventoryService(st, zl)
	orders := service.NewOrderService(st, zl)
	payments := service.NewPaymentService(intents, st, checkout, zl, cfg.PaymentIntentTTL)

	var (
		poller  *publisher.OutboxPoller
		payCons *consumer.Consumer
		kafkaWG sync.WaitGroup
	)
	if len(cfg.Kafka.Brokers) > 0 {
		writer := publisher.NewKafkaWriter(cfg.Kafka.Topic, cfg.Kafka.Brokers...)
		poller = publisher.NewOutboxPoller(st, writer, zl, m, publisher.WithTick(cfg.Kafka.PollInterval))
		payCons = consumer.NewConsumer(orders, consumer.NewKafkaReader(cfg.Kafka.PaymentTopic, cfg.Kafka.Brokers...), zl)
		kafkaWG.Add(2)
		go func() {
			defer kafkaWG.Done()
			poller.Run(ctx)
		}()
		go func() {
			defer kafkaWG.Done()
			payCons.Run(ctx)
		}()
		zl.Info("kafka workers started",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
			zap.String("payment_topic", cfg.Kafka.PaymentTopic))
	} else {
		zl.Warn("no kafka brokers configured, outbox events are kept unpublished")
	}

	router := h.NewRouter(h.Handlers{
		Cart:     h.NewCartHandler(carts, zl, cfg.RequestTimeout),
		Checkout: h.NewCheckoutHandler(checkout, zl, cfg.RequestTimeout),
		Payment:  h.NewPaymentHandler(payments, orders, zl, cfg.RequestTimeout),
		Orders:   h.NewOrdersHandler(orders, zl, cfg.RequestTimeout),
		Stock:    h.NewStockHandler(inventory, zl, cfg.RequestTimeout),
	}, reg, cfg.RequestTimeout)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcSrv, healthSrv := checkoutgrpc.NewServer(checkout, zl)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		zl.Info("http server starting", zap.String("port", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		zl.Info("grpc server starting", zap.String("port", cfg.GRPCPort))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case runErr = <-errCh:
		zl.Error("server failed, shutting down", zap.Error(runErr))
		stop()
	}

	// Graceful shutdown, reverse order of startup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	healthSrv.Shutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zl.Error("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()

	kafkaWG.Wait()
	if poller != nil {
		if err := poller.Close(); err != nil {
			zl.Error("kafka writer close", zap.Error(err))
		}
		payCons.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			zl.Error("redis close", zap.Error(err))
		}
	}
	if err := products.Close(); err != nil {
		zl.Error("catalog close", zap.Error(err))
	}
	if err := st.Close(); err != nil {
		zl.Error("store close", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zl.Error("tracing shutdown", zap.Error(err))
	}

	zl.Info("checkout-engine stopped")
	return runErr
}

func openStore(cfg *config.Config, zl *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		zl.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(store.WithLockTimeout(cfg.LockTimeout)), nil
	}

	isolation, err := cfg.IsolationLevel()
	if err != nil {
		return nil, err
	}
	cred := cfg.Credentials()
	pg, err := store.NewPostgresStore(cred,
		store.WithPostgresLockTimeout(cfg.LockTimeout),
		store.WithIsolation(isolation))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.RunMigrations(cred); err != nil {
		pg.Close()
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}
	zl.Info("database migrations completed", zap.String("host", cred.Host), zap.String("db", cred.DBName))
	return pg, nil
}
