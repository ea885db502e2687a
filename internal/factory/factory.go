package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/delivery"
	"otp-service/internal/events"
	"otp-service/internal/generator"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/reconcile"
	"otp-service/internal/repository/clickhouse"
	"otp-service/internal/repository/elastic"
	redisrepo "otp-service/internal/repository/redis"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/service"
	"otp-service/internal/tls"
	"otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	generator        *generator.Generator
	bucketingManager *bucketing.Manager

	// Repositories
	otpCache            *redisrepo.OTPCache
	cooldownCache       *redisrepo.CooldownCache
	requestRepository   *scylla.RequestRepository
	attemptRepository   *scylla.AttemptRepository
	analyticsRepository *clickhouse.AnalyticsRepository
	auditIndex          *elastic.AttemptAuditIndex

	serviceFactory *service.ServiceFactory
	reconcileJobs  *reconcile.Jobs
	scheduler      *reconcile.Scheduler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("static_mode", cfg.OTP.StaticMode),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if client, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = client
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if client, err := scylla.NewScyllaClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = client
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if client, err := client.NewElasticsearchClient(f.config); err != nil {
		util.Warn("Elasticsearch initialization failed - proceeding without attempt search", util.ErrorField(err))
	} else {
		f.esClient = client
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if client, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = client
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, generation, and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.generator = generator.New(f.config.OTP)
	f.bucketingManager = bucketing.NewManager(0)

	util.Info("Managers initialized successfully",
		util.Bool("static_mode", f.config.OTP.StaticMode),
		util.Int("code_length", f.generator.Length()),
		util.Int("recipient_buckets", f.bucketingManager.Buckets()),
	)
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) OTPCache() *redisrepo.OTPCache {
	if f.otpCache == nil {
		f.otpCache = redisrepo.NewOTPCache(f.redisClient)
	}
	return f.otpCache
}

func (f *Factory) CooldownCache() *redisrepo.CooldownCache {
	if f.cooldownCache == nil {
		f.cooldownCache = redisrepo.NewCooldownCache(f.redisClient)
	}
	return f.cooldownCache
}

func (f *Factory) RequestRepository() *scylla.RequestRepository {
	if f.requestRepository == nil {
		f.requestRepository = scylla.NewRequestRepository(f.scyllaClient, f.bucketingManager)
	}
	return f.requestRepository
}

func (f *Factory) AttemptRepository() *scylla.AttemptRepository {
	if f.attemptRepository == nil {
		f.attemptRepository = scylla.NewAttemptRepository(f.scyllaClient)
	}
	return f.attemptRepository
}

func (f *Factory) AnalyticsRepository() *clickhouse.AnalyticsRepository {
	if f.analyticsRepository == nil {
		f.analyticsRepository = clickhouse.NewAnalyticsRepository(f.clickhouseClient)
	}
	return f.analyticsRepository
}

// AuditIndex returns nil when Elasticsearch is unavailable; the engine treats
// a nil index as "no operational search".
func (f *Factory) AuditIndex() *elastic.AttemptAuditIndex {
	if f.auditIndex == nil && f.esClient != nil {
		f.auditIndex = elastic.NewAttemptAuditIndex(f.esClient)
	}
	return f.auditIndex
}

// EventPublisher returns nil when Kafka is unavailable.
func (f *Factory) EventPublisher() model.EventPublisher {
	if f.kafkaProducer == nil {
		return nil
	}
	return events.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.Topic)
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var audit model.AuditIndex
		if idx := f.AuditIndex(); idx != nil {
			audit = idx
		}
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.generator,
			f.hasher,
			f.OTPCache(),
			f.CooldownCache(),
			f.RequestRepository(),
			f.AttemptRepository(),
			f.AnalyticsRepository(),
			audit,
			f.EventPublisher(),
			delivery.NewLogChannel(),
		)
	}
	return f.serviceFactory
}

// ReconcileJobs returns the reconciliation job set
func (f *Factory) ReconcileJobs() *reconcile.Jobs {
	if f.reconcileJobs == nil {
		f.reconcileJobs = reconcile.NewJobs(
			f.config,
			f.RequestRepository(),
			f.AttemptRepository(),
			f.OTPCache(),
			f.AnalyticsRepository(),
			f.EventPublisher(),
		)
	}
	return f.reconcileJobs
}

// Scheduler returns the background reconciliation scheduler
func (f *Factory) Scheduler() *reconcile.Scheduler {
	if f.scheduler == nil {
		f.scheduler = reconcile.NewScheduler(
			f.ReconcileJobs(),
			f.config.Reconcile.SweepInterval,
			f.config.Reconcile.CleanupInterval,
		)
	}
	return f.scheduler
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.generator == nil {
		healthErrors["generator"] = fmt.Errorf("generator not initialized")
	}
	if f.bucketingManager == nil {
		healthErrors["bucketing"] = fmt.Errorf("bucketing manager not initialized")
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.scheduler != nil {
			f.scheduler.Stop()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

// ==============================
// Getters
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) BucketingManager() *bucketing.Manager {
	return f.bucketingManager
}
