package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/tair/rxsync/internal/authority"
	"github.com/tair/rxsync/internal/config"
	delivery "github.com/tair/rxsync/internal/delivery/http"
	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/ledger/repository"
	rxcommand "github.com/tair/rxsync/internal/prescription/usecase/command"
	"github.com/tair/rxsync/internal/reconcile"
	synccommand "github.com/tair/rxsync/internal/reconcile/usecase/command"
	"github.com/tair/rxsync/kafka"
	"github.com/tair/rxsync/pkg/database"
	"github.com/tair/rxsync/pkg/logger"
	"github.com/tair/rxsync/pkg/redislock"
)

const sweepLockKey = "rxsync:reconcile:sweep"

// ProvideDB opens the ledger database and migrates the schema.
func ProvideDB(cfg config.Config) (*gorm.DB, func(), error) {
	db, err := database.NewGormConnection(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if err := repository.NewGormLedger(db).AutoMigrate(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	logger.Logger.Info().Str("database", cfg.Database.DBName).Msg("Database initialized successfully")
	return db, func() { _ = sqlDB.Close() }, nil
}

// ProvideLedger wraps the GORM ledger with tracing spans.
func ProvideLedger(db *gorm.DB) ledger.Ledger {
	return repository.NewLedgerWithTracing(repository.NewGormLedger(db))
}

// ProvideRedis returns nil when no address is configured.
func ProvideRedis(cfg config.Config) (*redis.Client, func()) {
	if cfg.Redis.Addr == "" {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Logger.Info().Str("addr", cfg.Redis.Addr).Msg("Redis client initialized")
	return client, func() { _ = client.Close() }
}

// ProvideAuthorityClient builds the authority client, sharing tokens
// through Redis when it is available.
func ProvideAuthorityClient(cfg config.Config, rdb *redis.Client) (*authority.Client, error) {
	var opts []authority.Option
	if rdb != nil {
		opts = append(opts, authority.WithTokenCache(authority.NewRedisTokenCache(rdb, cfg.Authority.ClientID)))
	}
	return authority.NewClient(authority.Config{
		BaseURL:       cfg.Authority.BaseURL,
		ClientID:      cfg.Authority.ClientID,
		ClientSecret:  cfg.Authority.ClientSecret,
		APIVersion:    cfg.Authority.APIVersion,
		Scopes:        cfg.Authority.Scopes,
		Timeout:       cfg.Authority.Timeout,
		EncryptionKey: cfg.Authority.EncryptionKey,
	}, opts...)
}

// ProvideRegistry creates the process metrics registry.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func ProvideSyncMetrics(reg *prometheus.Registry) *reconcile.Metrics {
	return reconcile.NewMetrics(reg)
}

func ProvideHTTPMetrics(reg *prometheus.Registry) *delivery.Metrics {
	return delivery.NewMetrics(reg)
}

func ProvideSyncer(l ledger.Ledger, client *authority.Client, metrics *reconcile.Metrics, cfg config.Config) *reconcile.Syncer {
	return reconcile.NewSyncer(l, client, metrics, cfg.Sync.RetryBudget)
}

func ProvideQueue(syncer *reconcile.Syncer, metrics *reconcile.Metrics, cfg config.Config) *reconcile.Dispatcher {
	return reconcile.NewDispatcher(syncer, metrics, cfg.Sync.Workers, cfg.Sync.QueueSize)
}

// ProvidePublisher returns nil when Kafka is not configured.
func ProvidePublisher(cfg config.Config) (*kafka.Publisher, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, func() {}, nil
	}
	publisher, err := kafka.NewPublisher(cfg.Kafka.Brokers)
	if err != nil {
		return nil, nil, err
	}
	return publisher, func() { _ = publisher.Close() }, nil
}

// ProvideSyncDispatcher prefers the Kafka topic, so any instance can pick up
// the attempt, and falls back to the in-process queue.
func ProvideSyncDispatcher(queue *reconcile.Dispatcher, publisher *kafka.Publisher) ledger.SyncDispatcher {
	if publisher != nil {
		return publisher
	}
	return queue
}

func ProvideRemoteValidator(client *authority.Client) rxcommand.RemoteValidator {
	return client
}

func ProvideAuthorityGateway(client *authority.Client) delivery.AuthorityGateway {
	return client
}

// ProvideSweepLock returns nil when Redis is not configured.
func ProvideSweepLock(rdb *redis.Client, cfg config.Config) synccommand.Locker {
	if rdb == nil {
		return nil
	}
	ttl := cfg.Sync.ClaimLease
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return redislock.New(rdb, sweepLockKey, ttl)
}

func ProvideSweeper(l ledger.Ledger, syncer *reconcile.Syncer, metrics *reconcile.Metrics, lock synccommand.Locker, cfg config.Config) *synccommand.SyncPendingHandler {
	return synccommand.NewSyncPendingHandler(l, syncer, metrics, lock, synccommand.SweepOptions{
		Budget:     cfg.Sync.RetryBudget,
		BatchSize:  cfg.Sync.BatchSize,
		ClaimLease: cfg.Sync.ClaimLease,
	})
}

func ProvideRetryHandler(l ledger.Ledger, syncer *reconcile.Syncer) *synccommand.RetryFailedHandler {
	return synccommand.NewRetryFailedHandler(l, syncer)
}

func ProvideScheduler(sweeper *synccommand.SyncPendingHandler, cfg config.Config) (*reconcile.Scheduler, error) {
	return reconcile.NewScheduler(sweeper, cfg.Sync.Schedule, cfg.Sync.ClaimLease)
}

// ProvideConsumer returns nil when Kafka is not configured.
func ProvideConsumer(cfg config.Config, syncer *reconcile.Syncer, prescriptions *rxcommand.ProcessPrescriptionHandler) (*kafka.Consumer, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, func() {}, nil
	}
	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID,
		[]string{kafka.TopicTransactionCommitted, kafka.TopicPrescriptionEvents})
	if err != nil {
		return nil, nil, err
	}
	consumer.RegisterHandler(kafka.EventTypeTransactionCommitted, kafka.SyncOnCommit(syncer))
	consumer.RegisterHandler(kafka.EventTypePrescriptionReceived, kafka.IngestPrescriptions(prescriptions))
	return consumer, func() { _ = consumer.Close() }, nil
}

// ProvideRouter assembles the HTTP stack.
func ProvideRouter(h *delivery.Handler, metrics *delivery.Metrics, reg *prometheus.Registry, db *gorm.DB) (*Router, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	return &Router{Handler: delivery.NewRouter(h, delivery.RouterConfig{
		Metrics:  metrics,
		Gatherer: reg,
		DB:       sqlDB,
		Timeout:  30 * time.Second,
		CORS:     delivery.DefaultCORSOptions(),
	})}, nil
}

// pingRedis logs but tolerates an unreachable Redis; both uses degrade to
// per-instance behavior.
func pingRedis(ctx context.Context, rdb *redis.Client) {
	if rdb == nil {
		return
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn(ctx).Err(err).Msg("Redis unreachable, token cache and sweep lock degrade to local")
	}
}
