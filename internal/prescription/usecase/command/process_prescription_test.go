package command_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tair/rxsync/internal/authority"
	ledger "github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/ledger/ledgertest"
	"github.com/tair/rxsync/internal/ledger/repository"
	"github.com/tair/rxsync/internal/prescription/domain"
	"github.com/tair/rxsync/internal/prescription/usecase/command"
)

type fakeValidator struct {
	mu      sync.Mutex
	invalid bool
	err     error
	calls   int
}

func (f *fakeValidator) ValidatePrescription(_ context.Context, prescriptionID, _ string) (*authority.ValidationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.invalid {
		return &authority.ValidationResponse{IsValid: false, Reason: "cancelled by prescriber"}, nil
	}
	return &authority.ValidationResponse{IsValid: true, PrescriptionID: prescriptionID}, nil
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

type fixture struct {
	ledger     *repository.GormLedger
	db         *gorm.DB
	pharmacy   *ledger.Pharmacy
	drug       *ledger.Drug
	validator  *fakeValidator
	dispatcher *recordingDispatcher
	handler    *command.ProcessPrescriptionHandler
}

func newFixture(t *testing.T, stock int) (*fixture, *ledger.InventoryItem) {
	t.Helper()
	l, db := ledgertest.Open(t)
	f := &fixture{
		ledger:     l,
		db:         db,
		pharmacy:   ledgertest.Pharmacy(t, l),
		drug:       ledgertest.Drug(t, l, "Amoxicillin 500mg", ledgertest.WithAuthorityID("WD-1")),
		validator:  &fakeValidator{},
		dispatcher: &recordingDispatcher{},
	}
	f.handler = command.NewProcessPrescriptionHandler(l, f.validator, f.dispatcher)
	item := ledgertest.Stock(t, l, f.pharmacy, f.drug, "B1", stock, nil)
	return f, item
}

func (f *fixture) event(rxID string, qty int) domain.PrescriptionEvent {
	now := time.Now().UTC()
	return domain.PrescriptionEvent{
		PrescriptionID:   rxID,
		PharmacyID:       *f.pharmacy.AuthorityID,
		PatientID:        "P-1",
		PatientName:      "Sara",
		PrescriptionDate: domain.Date{Time: now.AddDate(0, 0, -1)},
		ExpiryDate:       domain.Date{Time: now.AddDate(0, 1, 0)},
		TransactionID:    "WT-9",
		Items:            []domain.EventItem{{DrugID: "WD-1", Quantity: qty}},
	}
}

func (f *fixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func TestProcessPrescriptionDispenses(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 10)

	result, err := f.handler.Handle(ctx, f.event("RX-100", 3))
	require.NoError(t, err)

	assert.Equal(t, domain.StateDispensed, result.State)
	assert.False(t, result.AlreadyDispensed)
	assert.True(t, result.SyncDispatched)
	assert.Equal(t, []uuid.UUID{result.TransactionID}, f.dispatcher.ids)
	assert.Equal(t, 7, ledgertest.StockOf(t, f.ledger, item.ID))
	require.Len(t, result.InventoryUpdates, 1)
	assert.Equal(t, 10, result.InventoryUpdates[0].OldStock)
	assert.Equal(t, 7, result.InventoryUpdates[0].NewStock)

	rx, err := f.ledger.GetPrescription(ctx, result.PrescriptionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PrescriptionDispensed, rx.Status)
	assert.NotNil(t, rx.DispensedDate)
	assert.True(t, rx.IsValidated)
	require.Len(t, rx.Items, 1)
	assert.Equal(t, 3, rx.Items[0].DispensedQuantity)
	assert.True(t, decimal.RequireFromString("37.5").Equal(rx.Items[0].TotalPrice))

	txn, err := f.ledger.GetTransaction(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeAuthorityDispense, txn.Type)
	assert.Equal(t, ledger.SyncPending, txn.SyncStatus)
	assert.Equal(t, "insurance", txn.PaymentMethod)
	require.NotNil(t, txn.PrescriptionID)
	assert.Equal(t, rx.ID, *txn.PrescriptionID)
	require.Len(t, txn.Items, 1)
	assert.Equal(t, 3, txn.Items[0].Quantity)

	logs, err := f.ledger.ListSyncLogs(ctx, ledger.SyncLogFilter{EntityID: "RX-100"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ledger.DirectionRemoteToLocal, logs[0].Direction)
	assert.Equal(t, ledger.SyncCompleted, logs[0].Status)
	assert.Equal(t, ledger.SyncTypePrescriptionEvent, logs[0].SyncType)
}

func TestProcessPrescriptionInsufficientInventory(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 0)

	_, err := f.handler.Handle(ctx, f.event("RX-200", 2))
	require.Error(t, err)

	var op *ledger.OpError
	require.True(t, errors.As(err, &op))
	assert.Equal(t, ledger.CategoryResourceConflict, op.Category)
	assert.Equal(t, ledger.CodeInsufficientStock, op.Code)
	require.Len(t, op.Details, 1)
	assert.Contains(t, op.Details[0], "required 2, available 0")

	assert.Zero(t, f.count(t, &ledger.Transaction{}))
	assert.Equal(t, 0, ledgertest.StockOf(t, f.ledger, item.ID))
	assert.Empty(t, f.dispatcher.ids)

	rx, err := f.ledger.FindPrescriptionByAuthorityID(ctx, "RX-200")
	require.NoError(t, err, "the prescription stays recorded")
	assert.Equal(t, ledger.PrescriptionActive, rx.Status)
	assert.Equal(t, 0, rx.Items[0].DispensedQuantity)

	logs, err := f.ledger.ListSyncLogs(ctx, ledger.SyncLogFilter{EntityID: "RX-200"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ledger.SyncFailed, logs[0].Status)
	assert.Equal(t, ledger.CategoryResourceConflict, logs[0].ErrorCategory)
}

func TestProcessPrescriptionBlocksWhenAnyItemShort(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 10)
	other := ledgertest.Drug(t, f.ledger, "Salbutamol", ledgertest.WithAuthorityID("WD-2"))
	ledgertest.Stock(t, f.ledger, f.pharmacy, other, "B1", 1, nil)

	event := f.event("RX-250", 2)
	event.Items = append(event.Items, domain.EventItem{DrugID: "WD-2", Quantity: 4})

	_, err := f.handler.Handle(ctx, event)
	assert.Equal(t, ledger.CategoryResourceConflict, ledger.CategoryOf(err))
	assert.Equal(t, 10, ledgertest.StockOf(t, f.ledger, item.ID), "no partial decrement")
	assert.Zero(t, f.count(t, &ledger.Transaction{}))
}

func TestProcessPrescriptionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 10)

	first, err := f.handler.Handle(ctx, f.event("RX-300", 2))
	require.NoError(t, err)

	again := f.event("RX-300", 2)
	again.PatientName = "Sara Ahmed"
	second, err := f.handler.Handle(ctx, again)
	require.NoError(t, err)

	assert.True(t, second.AlreadyDispensed)
	assert.False(t, second.SyncDispatched)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.PrescriptionID, second.PrescriptionID)
	assert.Equal(t, 8, ledgertest.StockOf(t, f.ledger, item.ID))
	assert.Equal(t, int64(1), f.count(t, &ledger.Prescription{}))
	assert.Equal(t, int64(1), f.count(t, &ledger.Transaction{}))
	assert.Len(t, f.dispatcher.ids, 1)

	rx, err := f.ledger.GetPrescription(ctx, first.PrescriptionID)
	require.NoError(t, err)
	assert.Equal(t, "Sara Ahmed", rx.PatientName, "metadata refreshed")
	assert.Equal(t, ledger.PrescriptionDispensed, rx.Status)

	logs, err := f.ledger.ListSyncLogs(ctx, ledger.SyncLogFilter{EntityID: "RX-300"})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestProcessPrescriptionConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 10)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.handler.Handle(ctx, f.event("RX-400", 3))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), f.count(t, &ledger.Prescription{}))
	assert.Equal(t, int64(1), f.count(t, &ledger.Transaction{}))
	assert.Equal(t, 7, ledgertest.StockOf(t, f.ledger, item.ID))
}

func TestProcessPrescriptionRecoversFromStockShortageOnRedelivery(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 1)

	_, err := f.handler.Handle(ctx, f.event("RX-450", 2))
	require.Error(t, err)

	require.NoError(t, f.db.Model(item).Update("current_stock", 5).Error)
	result, err := f.handler.Handle(ctx, f.event("RX-450", 2))
	require.NoError(t, err)
	assert.False(t, result.AlreadyDispensed)
	assert.Equal(t, 3, ledgertest.StockOf(t, f.ledger, item.ID))
	assert.Equal(t, int64(1), f.count(t, &ledger.Prescription{}))
}

func TestProcessPrescriptionRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		setup        func(f *fixture, e *domain.PrescriptionEvent)
		wantCategory ledger.ErrorCategory
		wantCode     string
	}{
		{
			name:         "authority says invalid",
			setup:        func(f *fixture, _ *domain.PrescriptionEvent) { f.validator.invalid = true },
			wantCategory: ledger.CategoryValidation,
			wantCode:     ledger.CodePrescriptionInvalid,
		},
		{
			name: "expired",
			setup: func(_ *fixture, e *domain.PrescriptionEvent) {
				e.ExpiryDate = domain.Date{Time: time.Now().Add(-time.Hour)}
			},
			wantCategory: ledger.CategoryValidation,
			wantCode:     ledger.CodePrescriptionExpired,
		},
		{
			name:         "no items",
			setup:        func(_ *fixture, e *domain.PrescriptionEvent) { e.Items = nil },
			wantCategory: ledger.CategoryValidation,
			wantCode:     ledger.CodeNoItems,
		},
		{
			name:         "unknown pharmacy",
			setup:        func(_ *fixture, e *domain.PrescriptionEvent) { e.PharmacyID = "PH-UNKNOWN" },
			wantCategory: ledger.CategoryValidation,
			wantCode:     ledger.CodeInvalidPharmacy,
		},
		{
			name:         "missing fields",
			setup:        func(_ *fixture, e *domain.PrescriptionEvent) { e.PrescriptionID = "" },
			wantCategory: ledger.CategoryValidation,
			wantCode:     ledger.CodeInvalidRequest,
		},
		{
			name:         "only unknown drugs",
			setup:        func(_ *fixture, e *domain.PrescriptionEvent) { e.Items[0].DrugID = "WD-404" },
			wantCategory: ledger.CategoryValidation,
			wantCode:     ledger.CodeNoItems,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, item := newFixture(t, 10)
			event := f.event("RX-500", 1)
			tt.setup(f, &event)

			_, err := f.handler.Handle(ctx, event)
			var op *ledger.OpError
			require.True(t, errors.As(err, &op), "got %v", err)
			assert.Equal(t, tt.wantCategory, op.Category)
			assert.Equal(t, tt.wantCode, op.Code)
			assert.Equal(t, 10, ledgertest.StockOf(t, f.ledger, item.ID))
			assert.Zero(t, f.count(t, &ledger.Transaction{}))
		})
	}
}

func TestProcessPrescriptionRemoteFailureKeepsCategory(t *testing.T) {
	ctx := context.Background()
	f, _ := newFixture(t, 10)
	f.validator.err = &authority.TransportError{Op: "POST prescriptions/validate", Err: context.DeadlineExceeded}

	_, err := f.handler.Handle(ctx, f.event("RX-600", 1))
	require.Error(t, err)
	assert.Equal(t, ledger.CategoryRemoteTransient, ledger.CategoryOf(err))
	assert.Zero(t, f.count(t, &ledger.Prescription{}))

	logs, err := f.ledger.ListSyncLogs(ctx, ledger.SyncLogFilter{EntityID: "RX-600"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ledger.CategoryRemoteTransient, logs[0].ErrorCategory)

	f.validator.err = &authority.AuthError{Backoff: true, RetryAfter: time.Second}
	_, err = f.handler.Handle(ctx, f.event("RX-600", 1))
	assert.Equal(t, ledger.CategoryRemoteAuth, ledger.CategoryOf(err))
}

func TestProcessPrescriptionSkipsUnknownDrugs(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 10)

	event := f.event("RX-700", 2)
	event.Items = append(event.Items, domain.EventItem{DrugID: "WD-404", Quantity: 1})

	result, err := f.handler.Handle(ctx, event)
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, ledger.CategoryDataIntegrity, result.Warnings[0].Category)
	assert.Equal(t, 8, ledgertest.StockOf(t, f.ledger, item.ID))
}

func TestProcessPrescriptionReportsLowStock(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 2)

	result, err := f.handler.Handle(ctx, f.event("RX-800", 2))
	require.NoError(t, err)
	require.Len(t, result.LowStock, 1)
	assert.Equal(t, 2, result.LowStock[0].Minimum)
	assert.Equal(t, 0, ledgertest.StockOf(t, f.ledger, item.ID))
}

func TestProcessPrescriptionAcceptsLocalPharmacyID(t *testing.T) {
	f, _ := newFixture(t, 10)
	event := f.event("RX-900", 1)
	event.PharmacyID = f.pharmacy.ID.String()

	_, err := f.handler.Handle(context.Background(), event)
	require.NoError(t, err)
}

func TestProcessPrescriptionRejectsRedeliveryToAnotherPharmacy(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 10)
	other := ledgertest.Pharmacy(t, f.ledger)
	otherItem := ledgertest.Stock(t, f.ledger, other, f.drug, "B9", 10, nil)

	// recorded at the first pharmacy, then short so it stays active
	_, err := f.handler.Handle(ctx, f.event("RX-950", 20))
	require.Error(t, err)

	moved := f.event("RX-950", 2)
	moved.PharmacyID = *other.AuthorityID
	_, err = f.handler.Handle(ctx, moved)

	var op *ledger.OpError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, ledger.CategoryValidation, op.Category)
	assert.Equal(t, ledger.CodePharmacyMismatch, op.Code)
	assert.Equal(t, 10, ledgertest.StockOf(t, f.ledger, item.ID))
	assert.Equal(t, 10, ledgertest.StockOf(t, f.ledger, otherItem.ID))
	assert.Zero(t, f.count(t, &ledger.Transaction{}))
}

func TestProcessPrescriptionBooksToPrescriptionPharmacy(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 10)

	result, err := f.handler.Handle(ctx, f.event("RX-960", 4))
	require.NoError(t, err)

	txn, err := f.ledger.GetTransaction(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, f.pharmacy.ID, txn.PharmacyID)
	require.Len(t, txn.Items, 1)
	require.NotNil(t, txn.Items[0].InventoryItemID)
	assert.Equal(t, item.ID, *txn.Items[0].InventoryItemID)
}

func TestProcessPrescriptionIgnoresExpiredStock(t *testing.T) {
	ctx := context.Background()
	f, item := newFixture(t, 0)
	lapsed := time.Now().AddDate(0, -1, 0)
	expired := ledgertest.Stock(t, f.ledger, f.pharmacy, f.drug, "OLD", 40, &lapsed)

	_, err := f.handler.Handle(ctx, f.event("RX-970", 2))
	var op *ledger.OpError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, ledger.CategoryResourceConflict, op.Category)
	assert.Equal(t, 40, ledgertest.StockOf(t, f.ledger, expired.ID))
	assert.Equal(t, 0, ledgertest.StockOf(t, f.ledger, item.ID))
	assert.Zero(t, f.count(t, &ledger.Transaction{}))
}
