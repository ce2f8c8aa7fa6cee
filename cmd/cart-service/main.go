package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/cart-reservation/internal/cache"
	"github.com/fjod/cart-reservation/internal/catalog"
	"github.com/fjod/cart-reservation/internal/config"
	carthttp "github.com/fjod/cart-reservation/internal/http"
	"github.com/fjod/cart-reservation/internal/inventory"
	"github.com/fjod/cart-reservation/internal/metrics"
	"github.com/fjod/cart-reservation/internal/poller"
	"github.com/fjod/cart-reservation/internal/publisher"
	"github.com/fjod/cart-reservation/internal/service"
	"github.com/fjod/cart-reservation/pkg/circuitbreaker"
	"github.com/fjod/cart-reservation/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const serviceName = "cart-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Service: serviceName, Level: cfg.LogLevel})
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("cart service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	breaker := circuitbreaker.New(circuitbreaker.Settings{
		Name:                "inventory",
		MaxRequests:         1,
		Timeout:             cfg.Inventory.BreakerTimeout,
		ConsecutiveFailures: uint32(cfg.Inventory.BreakerFailures),
		IsSuccessful:        inventory.CountsAsSuccess,
		OnStateChange: func(name, from, to string) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from), zap.String("to", to))
		},
	})
	inv := inventory.NewHTTPClient(inventory.HTTPClientConfig{
		BaseURL:     cfg.Inventory.BaseURL,
		MaxAttempts: cfg.Inventory.MaxAttempts,
		BaseBackoff: cfg.Inventory.BaseBackoff,
		Breaker:     breaker,
		Logger:      log,
	})
	products := catalog.NewHTTPClient(cfg.Catalog.BaseURL, cfg.Catalog.Timeout)

	cartCache, closeCache, err := openCache(ctx, cfg.Cache, log)
	if err != nil {
		return err
	}
	defer closeCache()

	var pub *publisher.Publisher
	var onCreate func(*service.ReservationEngine)
	if cfg.Kafka.Enabled {
		pub = publisher.NewPublisher(log, cfg.Kafka.CartTopic, cfg.Kafka.Brokers...)
		onCreate = func(e *service.ReservationEngine) {
			e.Subscribe(pub.Subscriber(e.UserID()))
		}
	}

	sessions, err := service.NewSessions(service.SessionsConfig{
		Inventory:          inv,
		Cache:              cartCache,
		PersistenceEnabled: cfg.Cache.PersistenceEnabled(),
		CallTimeout:        cfg.Inventory.CallTimeout,
		Logger:             log,
		Metrics:            m,
		OnCreate:           onCreate,
	})
	if err != nil {
		return fmt.Errorf("create sessions: %w", err)
	}

	if cfg.Kafka.Enabled {
		p := poller.NewPoller(sessions, log, cfg.Kafka.CheckoutTopic, cfg.Kafka.GroupID, cfg.Kafka.Brokers...)
		defer p.Close()
		go p.Run(ctx)
		go pub.Run(ctx)
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn("failed to close publisher", zap.Error(err))
			}
		}()
		log.Info("kafka enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(carthttp.RequestIDMiddleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	carthttp.NewCartHandler(sessions, products, cfg.RequestTimeout, log).Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(r, serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen on grpc port: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("cart service listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info("health server listening", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("server stopped unexpectedly", zap.Error(err))
	}

	log.Info("shutting down cart service")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	stop()

	log.Info("cart service stopped", zap.Int("sessions", sessions.Len()))
	return nil
}

// openCache connects the configured durable cart copy. The returned func
// releases its connection.
func openCache(ctx context.Context, cfg config.CacheConfig, log *zap.Logger) (cache.CartCache, func(), error) {
	switch cfg.Driver {
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		return cache.NewRedisCache(client, cfg.RedisTTL), func() { _ = client.Close() }, nil

	case config.CacheMongo:
		db, err := cache.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, fmt.Errorf("mongodb connection failed: %w", err)
		}
		log.Info("connected to mongodb", zap.String("database", cfg.MongoDB))
		return cache.NewMongoCache(db), func() { _ = db.Client().Disconnect(context.Background()) }, nil

	default:
		log.Info("cart persistence disabled")
		return cache.NopCache{}, func() {}, nil
	}
}
