package command_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tair/rxsync/internal/authority"
	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/ledger/ledgertest"
	"github.com/tair/rxsync/internal/ledger/repository"
	"github.com/tair/rxsync/internal/reconcile"
	"github.com/tair/rxsync/internal/reconcile/domain"
	"github.com/tair/rxsync/internal/reconcile/usecase/command"
	"github.com/tair/rxsync/pkg/redislock"
)

// scriptedRemote answers every call with the next scripted error, or
// success once the script runs out.
type scriptedRemote struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (r *scriptedRemote) next() (*authority.Acknowledgement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &authority.Acknowledgement{Success: true, AuthorityTransactionID: "AUTH-OK"}, nil
}

func (r *scriptedRemote) ReportPOSTransaction(context.Context, authority.POSTransactionReport) (*authority.Acknowledgement, error) {
	return r.next()
}

func (r *scriptedRemote) MarkPrescriptionDispensed(context.Context, string, authority.DispenseRequest) (*authority.Acknowledgement, error) {
	return r.next()
}

func (r *scriptedRemote) SyncInventoryUpdate(context.Context, string, []authority.InventoryUpdate) (*authority.Acknowledgement, error) {
	return &authority.Acknowledgement{Success: true}, nil
}

func transient() error {
	return &authority.TransportError{Op: "report transaction", Err: errors.New("connection refused")}
}

type env struct {
	ledger *repository.GormLedger
	remote *scriptedRemote
	syncer *reconcile.Syncer
	sale   func() *ledger.Transaction
}

func newEnv(t *testing.T, errs ...error) *env {
	t.Helper()
	l, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, l)
	drug := ledgertest.Drug(t, l, "Ibuprofen", ledgertest.WithAuthorityID("WD-4"))
	remote := &scriptedRemote{errs: errs}
	return &env{
		ledger: l,
		remote: remote,
		syncer: reconcile.NewSyncer(l, remote, nil, 3),
		sale:   func() *ledger.Transaction { return ledgertest.Sale(t, l, pharmacy, drug, 1) },
	}
}

func (e *env) transaction(t *testing.T, txn *ledger.Transaction) *ledger.Transaction {
	t.Helper()
	got, err := e.ledger.GetTransaction(context.Background(), txn.ID)
	require.NoError(t, err)
	return got
}

func (e *env) sweeper(lock command.Locker) *command.SyncPendingHandler {
	return command.NewSyncPendingHandler(e.ledger, e.syncer, reconcile.NewMetrics(prometheus.NewRegistry()), lock,
		command.SweepOptions{Budget: 3, BatchSize: 50, ClaimLease: time.Minute})
}

func TestSweepSyncsPendingTransactions(t *testing.T) {
	e := newEnv(t)
	first, second := e.sale(), e.sale()

	result, err := e.sweeper(nil).Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Successful)
	assert.Empty(t, result.Errors)
	require.NotNil(t, result.Inventory)

	for _, txn := range []*ledger.Transaction{first, second} {
		got := e.transaction(t, txn)
		assert.Equal(t, ledger.SyncCompleted, got.SyncStatus)
		assert.Equal(t, "AUTH-OK", got.AuthorityTransactionID)
	}

	// nothing is left for a second sweep
	result, err = e.sweeper(nil).Handle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Equal(t, 2, e.remote.calls)
}

func TestSweepRespectsBudget(t *testing.T) {
	e := newEnv(t, transient(), transient(), transient(), transient())
	sale := e.sale()
	sweeper := e.sweeper(nil)

	for i := 0; i < 5; i++ {
		_, err := sweeper.Handle(context.Background())
		require.NoError(t, err)
	}

	got := e.transaction(t, sale)
	assert.Equal(t, ledger.SyncFailed, got.SyncStatus)
	assert.Equal(t, 3, got.SyncAttempts)
	assert.Equal(t, 3, e.remote.calls)

	logs, err := e.ledger.ListSyncLogs(context.Background(), ledger.SyncLogFilter{EntityID: sale.ID.String()})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestSweepStopsOnAuthBackoff(t *testing.T) {
	backoff := &authority.AuthError{Backoff: true, Err: errors.New("breaker open")}
	e := newEnv(t, backoff)
	first, second := e.sale(), e.sale()

	result, err := e.sweeper(nil).Handle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 1, e.remote.calls)

	for _, txn := range []*ledger.Transaction{first, second} {
		got := e.transaction(t, txn)
		assert.Equal(t, ledger.SyncPending, got.SyncStatus)
		assert.Zero(t, got.SyncAttempts)
	}
}

func TestSweepReleasesStaleClaims(t *testing.T) {
	e := newEnv(t)
	sale := e.sale()
	ctx := context.Background()

	claimed, err := e.ledger.ClaimForSync(ctx, sale.ID, 3, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	result, err := e.sweeper(nil).Handle(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.ReleasedClaims)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, ledger.SyncCompleted, e.transaction(t, sale).SyncStatus)
}

func TestSweepSkipsWhileAnotherInstanceHoldsLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := newEnv(t)
	sale := e.sale()
	lock := redislock.New(client, "rxsync:sweep", time.Minute)

	unlock, ok, err := lock.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	result, err := e.sweeper(lock).Handle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Equal(t, ledger.SyncPending, e.transaction(t, sale).SyncStatus)

	unlock()
	result, err = e.sweeper(lock).Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
}

func TestRetryFailedResetsAndAttempts(t *testing.T) {
	e := newEnv(t, &authority.APIError{StatusCode: 400, Message: "bad payload"})
	sale := e.sale()

	first, err := e.syncer.SyncTransaction(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeFailed, first.Outcome)

	result, err := command.NewRetryFailedHandler(e.ledger, e.syncer).
		Handle(context.Background(), command.RetryFailedCommand{TransactionID: sale.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompleted, result.Outcome)
	assert.Equal(t, 1, result.Attempt)

	got := e.transaction(t, sale)
	assert.Equal(t, ledger.SyncCompleted, got.SyncStatus)
	assert.Equal(t, 0, got.SyncAttempts)
}

func TestRetryFailedRejectsOtherStates(t *testing.T) {
	e := newEnv(t)
	sale := e.sale()
	handler := command.NewRetryFailedHandler(e.ledger, e.syncer)

	_, err := handler.Handle(context.Background(), command.RetryFailedCommand{TransactionID: sale.ID})
	var opErr *ledger.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, ledger.CodeNotFailed, opErr.Code)
	assert.Equal(t, ledger.CategoryValidation, opErr.Category)
	assert.Zero(t, e.remote.calls)

	_, err = handler.Handle(context.Background(), command.RetryFailedCommand{TransactionID: ledgertest.Pharmacy(t, e.ledger).ID})
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, ledger.CodeNotFound, opErr.Code)
}
