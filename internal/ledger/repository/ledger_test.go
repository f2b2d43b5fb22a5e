package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/tair/rxsync/internal/ledger/domain"
	"github.com/tair/rxsync/internal/ledger/ledgertest"
	"github.com/tair/rxsync/internal/ledger/repository"
)

func TestDecrementStockIsConditional(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Amoxicillin")
	item := ledgertest.Stock(t, ledger, pharmacy, drug, "B1", 5, nil)

	require.NoError(t, ledger.DecrementStock(ctx, item.ID, 3))
	assert.Equal(t, 2, ledgertest.StockOf(t, ledger, item.ID))

	err := ledger.DecrementStock(ctx, item.ID, 3)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 2, ledgertest.StockOf(t, ledger, item.ID))

	reloaded, err := ledger.GetInventoryItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, reloaded.SyncStatus)
}

func TestDecrementStockConcurrentNeverNegative(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Ibuprofen")
	item := ledgertest.Stock(t, ledger, pharmacy, drug, "B1", 10, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ledger.DecrementStock(ctx, item.ID, 3); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 1, ledgertest.StockOf(t, ledger, item.ID))
}

func TestListInventoryOrdersByExpiry(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Metformin")

	late := time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)
	early := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	ledgertest.Stock(t, ledger, pharmacy, drug, "UNDATED", 1, nil)
	ledgertest.Stock(t, ledger, pharmacy, drug, "LATE", 1, &late)
	ledgertest.Stock(t, ledger, pharmacy, drug, "EARLY", 1, &early)

	items, err := ledger.ListInventory(ctx, pharmacy.ID, drug.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "EARLY", items[0].BatchNumber)
	assert.Equal(t, "LATE", items[1].BatchNumber)
	assert.Equal(t, "UNDATED", items[2].BatchNumber)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Lisinopril")
	item := ledgertest.Stock(t, ledger, pharmacy, drug, "B1", 4, nil)

	boom := errors.New("boom")
	err := ledger.InTx(ctx, func(tx domain.Ledger) error {
		require.NoError(t, tx.DecrementStock(ctx, item.ID, 4))
		ledgertest.Sale(t, tx, pharmacy, drug, 4)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, ledgertest.StockOf(t, ledger, item.ID))

	pending, err := ledger.ListPendingSync(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Atorvastatin")
	txn := ledgertest.Sale(t, ledger, pharmacy, drug, 1)
	now := time.Now().UTC()

	ok, err := ledger.ClaimForSync(ctx, txn.ID, 3, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.ClaimForSync(ctx, txn.ID, 3, now)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	require.NoError(t, ledger.FailSync(ctx, txn.ID, 1, domain.SyncPending, "timeout", now))
	err = ledger.FailSync(ctx, txn.ID, 2, domain.SyncPending, "timeout", now)
	assert.ErrorIs(t, err, domain.ErrStatusChanged, "settling without a claim must fail")

	ok, err = ledger.ClaimForSync(ctx, txn.ID, 3, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ledger.CompleteSync(ctx, txn.ID, "WAS-123", now))

	got, err := ledger.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncCompleted, got.SyncStatus)
	assert.Equal(t, "WAS-123", got.AuthorityTransactionID)
	assert.Equal(t, 1, got.SyncAttempts)
	assert.Empty(t, got.ErrorMessage)
	assert.NotNil(t, got.LastSyncAt)
	require.Len(t, got.Items, 1)
	assert.Equal(t, drug.ID, got.Items[0].Drug.ID)
}

func TestClaimRespectsBudget(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Omeprazole")
	txn := ledgertest.Sale(t, ledger, pharmacy, drug, 1)
	now := time.Now().UTC()

	ok, err := ledger.ClaimForSync(ctx, txn.ID, 3, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ledger.FailSync(ctx, txn.ID, 3, domain.SyncPending, "odd state", now))

	ok, err = ledger.ClaimForSync(ctx, txn.ID, 3, now)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := ledger.ListPendingSync(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReleaseStaleClaims(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Cetirizine")
	stale := ledgertest.Sale(t, ledger, pharmacy, drug, 1)
	fresh := ledgertest.Sale(t, ledger, pharmacy, drug, 1)
	now := time.Now().UTC()

	_, err := ledger.ClaimForSync(ctx, stale.ID, 3, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = ledger.ClaimForSync(ctx, fresh.ID, 3, now)
	require.NoError(t, err)

	released, err := ledger.ReleaseStaleClaims(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	got, err := ledger.GetTransaction(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, got.SyncStatus)
	got, err = ledger.GetTransaction(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncInProgress, got.SyncStatus)
}

func TestResetFailedSyncOnlyTouchesFailed(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Salbutamol")
	txn := ledgertest.Sale(t, ledger, pharmacy, drug, 1)
	now := time.Now().UTC()

	ok, err := ledger.ResetFailedSync(ctx, txn.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ledger.ClaimForSync(ctx, txn.ID, 3, now)
	require.NoError(t, err)
	require.NoError(t, ledger.FailSync(ctx, txn.ID, 3, domain.SyncFailed, "gave up", now))

	ok, err = ledger.ResetFailedSync(ctx, txn.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := ledger.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, got.SyncStatus)
	assert.Zero(t, got.SyncAttempts)
	assert.Empty(t, got.ErrorMessage)
}

func TestPrescriptionUniqueAndDispenseFlip(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Insulin")
	now := time.Now().UTC()

	newRx := func() *domain.Prescription {
		return &domain.Prescription{
			AuthorityPrescriptionID: "RX-1",
			PharmacyID:              pharmacy.ID,
			PrescriptionDate:        now,
			ExpiryDate:              now.AddDate(0, 1, 0),
			Status:                  domain.PrescriptionActive,
			Items: []domain.PrescriptionItem{{
				DrugID:             drug.ID,
				PrescribedQuantity: 2,
			}},
		}
	}
	rx := newRx()
	require.NoError(t, ledger.CreatePrescription(ctx, rx))

	err := ledger.CreatePrescription(ctx, newRx())
	require.Error(t, err)

	found, err := ledger.FindPrescriptionByAuthorityID(ctx, "RX-1")
	require.NoError(t, err)
	require.Len(t, found.Items, 1)
	assert.Equal(t, "Insulin", found.Items[0].Drug.Name)

	require.NoError(t, ledger.SetDispensedQuantities(ctx, rx.ID))
	require.NoError(t, ledger.MarkPrescriptionDispensed(ctx, rx.ID, now))
	assert.ErrorIs(t, ledger.MarkPrescriptionDispensed(ctx, rx.ID, now), domain.ErrStatusChanged)

	found, err = ledger.GetPrescription(ctx, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PrescriptionDispensed, found.Status)
	assert.Equal(t, 2, found.Items[0].DispensedQuantity)
	assert.NotNil(t, found.DispensedDate)

	found.PatientName = "Updated"
	found.Status = domain.PrescriptionActive
	require.NoError(t, ledger.UpdatePrescriptionMetadata(ctx, found))
	found, err = ledger.GetPrescription(ctx, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, "Updated", found.PatientName)
	assert.Equal(t, domain.PrescriptionDispensed, found.Status, "metadata update must not touch status")
}

func TestFalseFlagsArePersisted(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)

	otc := ledgertest.Drug(t, ledger, "Paracetamol", ledgertest.OverTheCounter())
	drug, err := ledger.GetDrug(ctx, otc.ID)
	require.NoError(t, err)
	assert.False(t, drug.PrescriptionRequired)

	closed := &domain.Pharmacy{Name: "Closed Branch", LicenseNumber: "LIC-" + uuid.NewString()[:8]}
	require.NoError(t, ledger.CreatePharmacy(ctx, closed))
	pharmacy, err := ledger.GetPharmacy(ctx, closed.ID)
	require.NoError(t, err)
	assert.False(t, pharmacy.IsActive)

	rx := ledgertest.Drug(t, ledger, "Amoxicillin")
	drug, err = ledger.GetDrug(ctx, rx.ID)
	require.NoError(t, err)
	assert.True(t, drug.PrescriptionRequired)
}

func TestNotFoundIsTranslated(t *testing.T) {
	ledger, _ := ledgertest.Open(t)
	_, err := ledger.GetTransaction(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = ledger.FindDrugByBarcode(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncLogCounts(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	other := ledgertest.Pharmacy(t, ledger)

	appendLog := func(pharmacyID uuid.UUID, syncType string, status domain.SyncStatus) {
		id := pharmacyID
		require.NoError(t, ledger.AppendSyncLog(ctx, &domain.SyncLog{
			PharmacyID:  &id,
			SyncType:    syncType,
			EntityType:  domain.EntityTransaction,
			EntityID:    uuid.NewString(),
			Direction:   domain.DirectionLocalToRemote,
			Status:      status,
			RequestData: datatypes.JSON(`{"k":"v"}`),
		}))
	}
	appendLog(pharmacy.ID, domain.SyncTypePOSSale, domain.SyncCompleted)
	appendLog(pharmacy.ID, domain.SyncTypePOSSale, domain.SyncFailed)
	appendLog(pharmacy.ID, domain.SyncTypeDispense, domain.SyncCompleted)
	appendLog(other.ID, domain.SyncTypePOSSale, domain.SyncCompleted)

	counts, err := ledger.CountSyncLogs(ctx, domain.SyncLogFilter{PharmacyID: &pharmacy.ID})
	require.NoError(t, err)

	byKey := map[string]int64{}
	for _, c := range counts {
		byKey[c.SyncType+"/"+string(c.Status)] = c.Count
	}
	assert.Equal(t, map[string]int64{
		"pos_sale_sync/completed":              1,
		"pos_sale_sync/failed":                 1,
		"prescription_dispense_sync/completed": 1,
	}, byKey)

	logs, err := ledger.ListSyncLogs(ctx, domain.SyncLogFilter{Since: time.Now().UTC().Add(-time.Minute)})
	require.NoError(t, err)
	assert.Len(t, logs, 4)
}

func TestInventoryPushMarksOnlyUnchangedRows(t *testing.T) {
	ctx := context.Background()
	ledger, _ := ledgertest.Open(t)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Paracetamol")
	item := ledgertest.Stock(t, ledger, pharmacy, drug, "B1", 10, nil)
	require.NoError(t, ledger.DecrementStock(ctx, item.ID, 1))

	pending, err := ledger.ListPendingInventory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Paracetamol", pending[0].Drug.Name)

	require.NoError(t, ledger.DecrementStock(ctx, item.ID, 1))
	ok, err := ledger.MarkInventorySynced(ctx, item.ID, pending[0].CurrentStock, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok, "stock moved after the push was built")

	ok, err = ledger.MarkInventorySynced(ctx, item.ID, 8, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTracingLedgerDelegates(t *testing.T) {
	ctx := context.Background()
	gormLedger, _ := ledgertest.Open(t)
	ledger := repository.NewLedgerWithTracing(gormLedger)
	pharmacy := ledgertest.Pharmacy(t, ledger)
	drug := ledgertest.Drug(t, ledger, "Aspirin", ledgertest.WithBarcode("6281000000017"))
	item := ledgertest.Stock(t, ledger, pharmacy, drug, "B1", 3, nil)

	err := ledger.InTx(ctx, func(tx domain.Ledger) error {
		_, isTraced := tx.(*repository.LedgerWithTracing)
		assert.True(t, isTraced)
		return tx.DecrementStock(ctx, item.ID, 2)
	})
	require.NoError(t, err)

	found, err := ledger.FindDrugByBarcode(ctx, "6281000000017")
	require.NoError(t, err)
	assert.Equal(t, drug.ID, found.ID)
	assert.Equal(t, 1, ledgertest.StockOf(t, ledger, item.ID))
}
