package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jwttoken "gatekeeper/internal/jwt_token"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/health"
	"gatekeeper/internal/platform/httpserver"
	"gatekeeper/internal/platform/kafka"
	"gatekeeper/internal/platform/logger"
	platformmetrics "gatekeeper/internal/platform/metrics"
	redisclient "gatekeeper/internal/platform/redis"
	"gatekeeper/internal/registry/adapters"
	registryhandler "gatekeeper/internal/registry/handler"
	registrymetrics "gatekeeper/internal/registry/metrics"
	"gatekeeper/internal/registry/service"
	"gatekeeper/internal/registry/store"
	"gatekeeper/pkg/platform/audit/publisher"
	auditmemory "gatekeeper/pkg/platform/audit/store/memory"
	"gatekeeper/pkg/platform/circuit"
	"gatekeeper/pkg/platform/middleware/auth"
	"gatekeeper/pkg/platform/middleware/metadata"
	"gatekeeper/pkg/platform/middleware/request"
	"gatekeeper/pkg/platform/middleware/requesttime"
)

// main wires dependencies and owns the server lifecycle. Registry logic lives
// in internal/registry.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	owners, err := cfg.Registry.InitialOwners()
	if err != nil {
		return err
	}

	checks := health.New(2*time.Second, health.WithLogger(log))
	snapshots, closeStore, err := openStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	auditPublisher := publisher.NewPublisher(auditmemory.NewInMemoryStore(),
		publisher.WithAsyncBuffer(cfg.Audit.BufferSize),
		publisher.WithLogger(log),
	)
	defer func() {
		if err := auditPublisher.Close(); err != nil {
			log.Error("failed to close audit publisher", "error", err)
		}
	}()

	opts := []service.Option{
		service.WithLogger(log),
		service.WithAuditPublisher(auditPublisher),
		service.WithMetrics(registrymetrics.New(prometheus.DefaultRegisterer)),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer producer.Close()
		if err := producer.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.Replicas); err != nil {
			return err
		}
		checks.Add("kafka", producer.Health)
		sink := adapters.NewKafkaSink(producer,
			adapters.WithBreaker(circuit.New("kafka-sink")),
			adapters.WithLogger(log),
		)
		opts = append(opts, service.WithEventSink(sink))
		log.Info("registry events published to kafka", "topic", producer.Topic())
	}

	svc, err := service.New(snapshots, opts...)
	if err != nil {
		return err
	}
	if err := svc.Bootstrap(ctx, owners); err != nil {
		return fmt.Errorf("bootstrap registries: %w", err)
	}

	tokens := jwttoken.NewJWTService(cfg.JWT.SigningKey, cfg.JWT.Issuer, cfg.JWT.Audience)
	router := newRouter(log, svc, tokens, checks)

	log.Info("starting gatekeeper",
		"addr", cfg.Addr,
		"store", cfg.Store.Kind,
		"registries", svc.Names(),
	)
	srv := httpserver.New(cfg.Addr, router, cfg.HTTP)
	if err := httpserver.Run(ctx, srv, cfg.ShutdownTimeout); err != nil {
		return err
	}
	log.Info("gatekeeper stopped")
	return nil
}

func newRouter(log *slog.Logger, svc *service.Service, tokens *jwttoken.JWTService, checks *health.Checker) http.Handler {
	httpMetrics := platformmetrics.New(prometheus.DefaultRegisterer)

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(log))
	r.Use(request.Logger(log))
	r.Use(httpMetrics.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)

	r.Get("/healthz", checks.Handler())
	r.Handle("/metrics", promhttp.Handler())
	registryhandler.New(svc, log).Register(r, auth.RequireActor(tokens, log))
	return r
}

// openStore builds the snapshot store selected by REGISTRY_STORE and registers
// its health check. The returned func releases the store's resources.
func openStore(ctx context.Context, cfg config.Server, checks *health.Checker) (service.Store, func(), error) {
	switch cfg.Store.Kind {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st := store.NewPostgres(pool, store.WithTable(cfg.Postgres.Table))
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		checks.Add("store", st.Health)
		return st, pool.Close, nil
	case config.StoreRedis:
		client, err := redisclient.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		checks.Add("store", client.Health)
		return store.NewRedis(client.Client), func() { _ = client.Close() }, nil
	case config.StoreBolt:
		st, err := store.OpenBolt(cfg.Bolt.Path)
		if err != nil {
			return nil, nil, err
		}
		checks.Add("store", st.Health)
		return st, func() { _ = st.Close() }, nil
	default:
		st := store.NewInMemoryStore()
		checks.Add("store", st.Health)
		return st, func() {}, nil
	}
}
