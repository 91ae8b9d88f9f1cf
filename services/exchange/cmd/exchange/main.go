package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/1wilber/currency-manager/libs/health"
	"github.com/1wilber/currency-manager/libs/httpmiddleware"
	"github.com/1wilber/currency-manager/libs/kafka"
	"github.com/1wilber/currency-manager/libs/logging"
	"github.com/1wilber/currency-manager/libs/metrics"
	"github.com/1wilber/currency-manager/libs/trace"
	"github.com/1wilber/currency-manager/services/exchange/internal/cache"
	"github.com/1wilber/currency-manager/services/exchange/internal/config"
	"github.com/1wilber/currency-manager/services/exchange/internal/consumer"
	"github.com/1wilber/currency-manager/services/exchange/internal/handlers"
	"github.com/1wilber/currency-manager/services/exchange/internal/service"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(context.Background(), cfg.App.ServiceName, cfg.App.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	serviceMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	store, closeStore, err := buildStore(cfg, logger, ready)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	summaryCache, closeCache, err := buildCache(cfg, logger, ready)
	if err != nil {
		logger.Error("summary cache init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = closeCache()
	}()

	svc := service.New(store, service.Options{
		DefaultFundingBankID: cfg.DefaultFundingBankID,
		Topics: service.Topics{
			Funded:  cfg.Kafka.Topics.Funded,
			Deleted: cfg.Kafka.Topics.Deleted,
		},
	}, logger, serviceMetrics).WithCache(summaryCache)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.Kafka.Enabled() {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		publisher := kafka.Publisher(producer)
		if cfg.Kafka.Topics.DLQ != "" {
			publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DLQ, logger)
		}
		svc.WithPublisher(publisher)

		consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DLQ, cfg.Kafka.MaxAttempts)
		defer consumerGroup.Close()

		importConsumer := consumer.NewImportConsumer(svc, publisher, cfg.Kafka.Topics.ImportRejected, logger)
		go func() {
			logger.Info("import consumer starting", "topic", cfg.Kafka.Topics.Import)
			if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.Import}, importConsumer); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	} else {
		logger.Warn("kafka disabled: no brokers configured, events will not be published")
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	httpServer := buildHTTPServer(cfg, svc, ready, registry, logger)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	ready.SetReady(true)

	go func() {
		logger.Info("exchange grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("exchange http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, ready, consumerCancel, logger)
}

func buildStore(cfg *config.Config, logger *slog.Logger, ready *health.Manager) (service.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := connectDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db connection failed: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := storage.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	store := storage.New(pool, logger)
	ready.AddCheck("postgres", store.Ping)
	return store, pool.Close, nil
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// buildCache prefers redis and falls back to an in-process cache in dev and
// test when redis is missing or unreachable.
func buildCache(cfg *config.Config, logger *slog.Logger, ready *health.Manager) (service.SummaryCache, func() error, error) {
	noop := func() error { return nil }
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.App.IsDev() {
				logger.Warn("redis summary cache unavailable, falling back to memory", "error", err)
				return cache.NewMemory(cfg.Redis.TTL), noop, nil
			}
			return nil, nil, err
		}

		redisCache := cache.NewRedis(client, cfg.Redis.TTL, cfg.Redis.Prefix)
		ready.AddCheck("redis", redisCache.Ping)
		return redisCache, client.Close, nil
	}

	if cfg.App.IsDev() {
		return cache.NewMemory(cfg.Redis.TTL), noop, nil
	}
	return nil, nil, fmt.Errorf("summary cache redis not configured")
}

func buildHTTPServer(cfg *config.Config, svc *service.Service, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(svc, logger).Register(router, []byte(cfg.JWTSecret))

	return &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
