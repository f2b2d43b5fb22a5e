package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tair/rxsync/internal/config"
	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/reconcile"
	synccommand "github.com/tair/rxsync/internal/reconcile/usecase/command"
	syncquery "github.com/tair/rxsync/internal/reconcile/usecase/query"
	"github.com/tair/rxsync/kafka"
	"github.com/tair/rxsync/pkg/logger"
)

// Router is the assembled HTTP handler.
type Router struct {
	http.Handler
}

// App owns the long-running parts of the service. Publisher and Consumer
// are nil when Kafka is not configured.
type App struct {
	Config    config.Config
	Ledger    ledger.Ledger
	Redis     *redis.Client
	Queue     *reconcile.Dispatcher
	Scheduler *reconcile.Scheduler
	Publisher *kafka.Publisher
	Consumer  *kafka.Consumer
	Router    *Router

	Sweep         *synccommand.SyncPendingHandler
	Retry         *synccommand.RetryFailedHandler
	Status        *syncquery.GetTransactionStatusHandler
	Report        *syncquery.GetSyncReportHandler
	server        *http.Server
	cancelWorkers context.CancelFunc
}

// NewApp is the injector's final provider.
func NewApp(
	cfg config.Config,
	l ledger.Ledger,
	rdb *redis.Client,
	queue *reconcile.Dispatcher,
	scheduler *reconcile.Scheduler,
	publisher *kafka.Publisher,
	consumer *kafka.Consumer,
	router *Router,
	sweep *synccommand.SyncPendingHandler,
	retry *synccommand.RetryFailedHandler,
	status *syncquery.GetTransactionStatusHandler,
	report *syncquery.GetSyncReportHandler,
) *App {
	return &App{
		Config:    cfg,
		Ledger:    l,
		Redis:     rdb,
		Queue:     queue,
		Scheduler: scheduler,
		Publisher: publisher,
		Consumer:  consumer,
		Router:    router,
		Sweep:     sweep,
		Retry:     retry,
		Status:    status,
		Report:    report,
	}
}

// Start launches the dispatch workers, the sweep schedule, the Kafka
// consumer and the HTTP server. It returns once everything is running;
// serve errors are delivered on the returned channel.
func (a *App) Start(ctx context.Context) <-chan error {
	pingRedis(ctx, a.Redis)

	workerCtx, cancel := context.WithCancel(context.Background())
	a.cancelWorkers = cancel
	a.Queue.Start(workerCtx)
	a.Scheduler.Start()

	errCh := make(chan error, 2)
	if a.Consumer != nil {
		if err := a.Consumer.Start(workerCtx); err != nil {
			errCh <- err
		}
	}

	a.server = &http.Server{
		Addr:              ":" + a.Config.HTTPPort,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Logger.Info().
			Str("port", a.Config.HTTPPort).
			Str("metrics_endpoint", "/metrics").
			Bool("kafka", a.Publisher != nil).
			Msg("HTTP server started")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops accepting requests, then stops the schedule and drains the
// dispatch queue, in that order.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Queue.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.cancelWorkers != nil {
		a.cancelWorkers()
	}
	return errors.Join(errs...)
}
