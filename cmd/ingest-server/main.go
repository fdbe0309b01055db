package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k-code-yt/warehouse-ingest/internal/application"
	"github.com/k-code-yt/warehouse-ingest/internal/codec"
	"github.com/k-code-yt/warehouse-ingest/internal/config"
	"github.com/k-code-yt/warehouse-ingest/internal/domain"
	"github.com/k-code-yt/warehouse-ingest/internal/handlers"
	"github.com/k-code-yt/warehouse-ingest/internal/health"
	"github.com/k-code-yt/warehouse-ingest/internal/infra/store/memory"
	mongostore "github.com/k-code-yt/warehouse-ingest/internal/infra/store/mongo"
	pgstore "github.com/k-code-yt/warehouse-ingest/internal/infra/store/postgres"
	"github.com/k-code-yt/warehouse-ingest/internal/logging"
	"github.com/k-code-yt/warehouse-ingest/internal/metrics"
	mongodb "github.com/k-code-yt/warehouse-ingest/pkg/db/mongo"
	"github.com/k-code-yt/warehouse-ingest/pkg/db/postgres"
	pkgkafka "github.com/k-code-yt/warehouse-ingest/pkg/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg       *config.Config
	store     application.Store
	producer  *pkgkafka.KafkaProducer
	consumers []*pkgkafka.KafkaConsumer
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	health    *health.Server
}

func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Kafka.CreateTopics {
		err := pkgkafka.EnsureTopics(ctx, &cfg.Kafka, cfg.Topics.InventoryError, cfg.Topics.ProductError)
		if err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("create error topics: %w", err)
		}
	}

	producer, err := pkgkafka.NewKafkaProducer(&cfg.Kafka)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("create producer: %w", err)
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		producer: producer,
		registry: registry,
		metrics:  metrics.NewMetrics(registry),
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (application.Store, error) {
	log := logrus.WithField("BACKEND", cfg.Store.Backend)
	switch cfg.Store.Backend {
	case config.StoreBackend_Mongo:
		client, err := mongodb.NewClient(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		store := mongostore.NewStore(client, cfg.Mongo.Database, log)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		return store, nil
	case config.StoreBackend_Postgres:
		db, err := postgres.NewDBConn(&cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("unable to conn to db: %w", err)
		}
		return pgstore.NewStore(db, log), nil
	case config.StoreBackend_Memory:
		log.Warn("Using in-memory store, nothing survives a restart")
		return memory.NewStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func retryPolicy(cfg config.RetryConfig) handlers.RetryPolicy {
	return handlers.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay,
	}
}

// addPipeline wires the primary and the retry consumer of one entity kind.
func addPipeline[E domain.UpdateEvent](s *Server, kind domain.EntityKind, encoder pkgkafka.MsgEncoder[E], topics handlers.Topics) error {
	log := logrus.StandardLogger()
	svc := application.NewPersistenceService[E](s.store, kind, log)
	policy := retryPolicy(s.cfg.Retry)

	primary := handlers.NewBatchHandler[E](svc, encoder, s.producer, topics, policy, s.metrics, log)
	// routed records are always JSON
	retry := handlers.NewRetryHandler[E](svc, pkgkafka.NewJsonEncoder[E](), s.producer, topics.DeadLetter, s.metrics, log)

	primaryConsumer, err := pkgkafka.NewKafkaConsumer(&s.cfg.Kafka, pkgkafka.ConsumerOptions{
		Topic:          topics.Primary,
		BatchSize:      s.cfg.Batch.Size,
		BatchLinger:    s.cfg.Batch.Linger,
		HandlerBackoff: s.cfg.Batch.HandlerBackoff,
	}, primary.Handle)
	if err != nil {
		return err
	}
	s.consumers = append(s.consumers, primaryConsumer)

	retryConsumer, err := pkgkafka.NewKafkaConsumer(&s.cfg.Kafka, pkgkafka.ConsumerOptions{
		Topic:          topics.Retry,
		GroupID:        s.cfg.Kafka.ConsumerGroup + ".retry",
		BatchSize:      s.cfg.Batch.Size,
		BatchLinger:    s.cfg.Batch.Linger,
		HandlerBackoff: s.cfg.Batch.HandlerBackoff,
	}, retry.Handle)
	if err != nil {
		return err
	}
	s.consumers = append(s.consumers, retryConsumer)
	return nil
}

func (s *Server) addConsumers() error {
	inventoryEncoder, err := codec.NewInventoryEncoder(s.cfg.Kafka.MsgEncoderType)
	if err != nil {
		return err
	}
	productEncoder, err := codec.NewProductEncoder(s.cfg.Kafka.MsgEncoderType)
	if err != nil {
		return err
	}

	err = addPipeline(s, domain.EntityKind_Article, inventoryEncoder, handlers.Topics{
		Primary:    s.cfg.Topics.Inventory,
		Retry:      s.cfg.Topics.InventoryRetry,
		DeadLetter: s.cfg.Topics.InventoryError,
	})
	if err != nil {
		return err
	}
	return addPipeline(s, domain.EntityKind_Product, productEncoder, handlers.Topics{
		Primary:    s.cfg.Topics.Product,
		Retry:      s.cfg.Topics.ProductRetry,
		DeadLetter: s.cfg.Topics.ProductError,
	})
}

func (s *Server) Run(ctx context.Context) error {
	probes := make(map[string]health.Probe, len(s.consumers))
	for i, c := range s.consumers {
		probes[fmt.Sprintf("consumer-%d", i)] = c
	}
	s.health = health.NewServer(probes, time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: s.cfg.Server.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server stopped")
		}
	}()
	go func() {
		if err := s.health.Listen(ctx, s.cfg.Server.HealthAddr); err != nil {
			logrus.WithError(err).Error("Health server stopped")
		}
	}()

	for _, c := range s.consumers {
		go c.RunConsumer(ctx)
	}
	logrus.WithField("CONSUMERS", len(s.consumers)).Info("Server started")

	<-ctx.Done()
	logrus.Info("Shutting down")
	for _, c := range s.consumers {
		<-c.Done()
	}

	// consumers are drained, nothing publishes anymore
	s.producer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Metrics server shutdown")
	}
	return s.store.Close(shutdownCtx)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	if err := logging.Setup(cfg.Log); err != nil {
		logrus.WithError(err).Fatal("Invalid log configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := NewServer(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Unable to start server")
	}
	if err := s.addConsumers(); err != nil {
		logrus.WithError(err).Fatal("Unable to create consumers")
	}
	if err := s.Run(ctx); err != nil {
		logrus.WithError(err).Error("Shutdown incomplete")
		os.Exit(1)
	}
	logrus.Info("Server stopped")
}
