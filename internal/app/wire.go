//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"

	"github.com/tair/rxsync/internal/config"
	delivery "github.com/tair/rxsync/internal/delivery/http"
	poscommand "github.com/tair/rxsync/internal/pos/usecase/command"
	posquery "github.com/tair/rxsync/internal/pos/usecase/query"
	rxcommand "github.com/tair/rxsync/internal/prescription/usecase/command"
	syncquery "github.com/tair/rxsync/internal/reconcile/usecase/query"
)

// Wire sets
var InfrastructureSet = wire.NewSet(
	ProvideDB,
	ProvideLedger,
	ProvideRedis,
	ProvideRegistry,
	ProvidePublisher,
)

var AuthoritySet = wire.NewSet(
	ProvideAuthorityClient,
	ProvideRemoteValidator,
	ProvideAuthorityGateway,
)

var SyncSet = wire.NewSet(
	ProvideSyncMetrics,
	ProvideSyncer,
	ProvideQueue,
	ProvideSyncDispatcher,
	ProvideSweepLock,
	ProvideSweeper,
	ProvideRetryHandler,
	ProvideScheduler,
	ProvideConsumer,
)

var HandlerSet = wire.NewSet(
	poscommand.NewProcessSaleHandler,
	posquery.NewValidateSaleHandler,
	rxcommand.NewProcessPrescriptionHandler,
	syncquery.NewGetTransactionStatusHandler,
	syncquery.NewGetSyncReportHandler,
	delivery.NewHandler,
	ProvideHTTPMetrics,
	ProvideRouter,
)

// InitializeApp builds the service with all dependencies
func InitializeApp(cfg config.Config) (*App, func(), error) {
	wire.Build(
		InfrastructureSet,
		AuthoritySet,
		SyncSet,
		HandlerSet,
		NewApp,
	)
	return nil, nil, nil
}
