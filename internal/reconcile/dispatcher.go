package reconcile

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/reconcile/domain"
	"github.com/tair/rxsync/pkg/logger"
)

var (
	// ErrQueueFull is returned when the queue cannot take another id. The
	// transaction stays pending and the next sweep picks it up.
	ErrQueueFull = errors.New("sync queue is full")
	// ErrDispatcherStopped is returned after Stop.
	ErrDispatcherStopped = errors.New("sync dispatcher stopped")
)

// Dispatcher runs sync attempts for freshly committed transactions on a
// bounded worker pool so request handlers never wait on the authority.
type Dispatcher struct {
	syncer  domain.TransactionSyncer
	metrics *Metrics
	workers int

	queue chan uuid.UUID

	mu      sync.Mutex
	queued  map[uuid.UUID]struct{}
	stopped bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ ledger.SyncDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Call Start before dispatching.
func NewDispatcher(syncer domain.TransactionSyncer, metrics *Metrics, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		syncer:  syncer,
		metrics: metrics,
		workers: workers,
		queue:   make(chan uuid.UUID, queueSize),
		queued:  make(map[uuid.UUID]struct{}),
	}
}

// Dispatch enqueues id once. An id already waiting in the queue is not
// queued twice.
func (d *Dispatcher) Dispatch(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrDispatcherStopped
	}
	if _, ok := d.queued[id]; ok {
		return nil
	}

	select {
	case d.queue <- id:
		d.queued[id] = struct{}{}
		d.metrics.queueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.metrics.queueRejected.Inc()
		logger.Warn(ctx).
			Str("transaction_id", id.String()).
			Int("capacity", cap(d.queue)).
			Msg("Sync queue full, leaving transaction for the sweep")
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is
// called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		d.group.Go(func() error {
			d.run(ctx, worker)
			return nil
		})
	}
	logger.Info(ctx).Int("workers", d.workers).Int("queue_size", cap(d.queue)).Msg("Sync dispatcher started")
}

// Stop refuses new work, drains what is queued and waits for the workers
// or for ctx to expire, whichever comes first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	if d.group == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-d.queue:
			if !ok {
				return
			}
			d.mu.Lock()
			delete(d.queued, id)
			d.metrics.queueDepth.Set(float64(len(d.queue)))
			d.mu.Unlock()

			d.process(ctx, worker, id)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, worker int, id uuid.UUID) {
	log := logger.Component(ctx, "dispatcher")
	result, err := d.syncer.SyncTransaction(ctx, id)
	if err != nil {
		log.Error().Err(err).
			Int("worker", worker).
			Str("transaction_id", id.String()).
			Msg("Sync attempt errored")
		return
	}
	log.Debug().
		Int("worker", worker).
		Str("transaction_id", id.String()).
		Str("outcome", string(result.Outcome)).
		Msg("Sync attempt dispatched")
}
