package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tair/rxsync/internal/ledger/domain"
)

var tracer = otel.Tracer("ledger-repository")

// LedgerWithTracing wraps a domain.Ledger with one span per call.
type LedgerWithTracing struct {
	next domain.Ledger
}

var _ domain.Ledger = (*LedgerWithTracing)(nil)

// NewLedgerWithTracing creates a new ledger with tracing
func NewLedgerWithTracing(next domain.Ledger) *LedgerWithTracing {
	return &LedgerWithTracing{next: next}
}

func traced(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func idAttr(key string, id uuid.UUID) attribute.KeyValue {
	return attribute.String(key, id.String())
}

// InTx with tracing. The transactional ledger handed to fn is traced too.
func (r *LedgerWithTracing) InTx(ctx context.Context, fn func(tx domain.Ledger) error) error {
	return traced(ctx, "ledger.InTx", func(ctx context.Context) error {
		return r.next.InTx(ctx, func(tx domain.Ledger) error {
			return fn(NewLedgerWithTracing(tx))
		})
	})
}

func (r *LedgerWithTracing) CreatePharmacy(ctx context.Context, p *domain.Pharmacy) error {
	return traced(ctx, "repository.CreatePharmacy", func(ctx context.Context) error {
		return r.next.CreatePharmacy(ctx, p)
	}, attribute.String("pharmacy.license_number", p.LicenseNumber))
}

func (r *LedgerWithTracing) GetPharmacy(ctx context.Context, id uuid.UUID) (p *domain.Pharmacy, err error) {
	err = traced(ctx, "repository.GetPharmacy", func(ctx context.Context) error {
		p, err = r.next.GetPharmacy(ctx, id)
		return err
	}, idAttr("pharmacy.id", id))
	return p, err
}

func (r *LedgerWithTracing) FindPharmacyByAuthorityID(ctx context.Context, authorityID string) (p *domain.Pharmacy, err error) {
	err = traced(ctx, "repository.FindPharmacyByAuthorityID", func(ctx context.Context) error {
		p, err = r.next.FindPharmacyByAuthorityID(ctx, authorityID)
		return err
	}, attribute.String("pharmacy.authority_id", authorityID))
	return p, err
}

func (r *LedgerWithTracing) CreateDrug(ctx context.Context, d *domain.Drug) error {
	return traced(ctx, "repository.CreateDrug", func(ctx context.Context) error {
		return r.next.CreateDrug(ctx, d)
	}, attribute.String("drug.name", d.Name))
}

func (r *LedgerWithTracing) GetDrug(ctx context.Context, id uuid.UUID) (d *domain.Drug, err error) {
	err = traced(ctx, "repository.GetDrug", func(ctx context.Context) error {
		d, err = r.next.GetDrug(ctx, id)
		return err
	}, idAttr("drug.id", id))
	return d, err
}

func (r *LedgerWithTracing) FindDrugByBarcode(ctx context.Context, barcode string) (d *domain.Drug, err error) {
	err = traced(ctx, "repository.FindDrugByBarcode", func(ctx context.Context) error {
		d, err = r.next.FindDrugByBarcode(ctx, barcode)
		return err
	}, attribute.String("drug.barcode", barcode))
	return d, err
}

func (r *LedgerWithTracing) FindDrugByPOSID(ctx context.Context, posDrugID string) (d *domain.Drug, err error) {
	err = traced(ctx, "repository.FindDrugByPOSID", func(ctx context.Context) error {
		d, err = r.next.FindDrugByPOSID(ctx, posDrugID)
		return err
	}, attribute.String("drug.pos_drug_id", posDrugID))
	return d, err
}

func (r *LedgerWithTracing) FindDrugByAuthorityID(ctx context.Context, authorityDrugID string) (d *domain.Drug, err error) {
	err = traced(ctx, "repository.FindDrugByAuthorityID", func(ctx context.Context) error {
		d, err = r.next.FindDrugByAuthorityID(ctx, authorityDrugID)
		return err
	}, attribute.String("drug.authority_drug_id", authorityDrugID))
	return d, err
}

func (r *LedgerWithTracing) CreateInventoryItem(ctx context.Context, item *domain.InventoryItem) error {
	return traced(ctx, "repository.CreateInventoryItem", func(ctx context.Context) error {
		return r.next.CreateInventoryItem(ctx, item)
	}, idAttr("inventory.drug_id", item.DrugID), attribute.Int("inventory.current_stock", item.CurrentStock))
}

func (r *LedgerWithTracing) GetInventoryItem(ctx context.Context, id uuid.UUID) (item *domain.InventoryItem, err error) {
	err = traced(ctx, "repository.GetInventoryItem", func(ctx context.Context) error {
		item, err = r.next.GetInventoryItem(ctx, id)
		return err
	}, idAttr("inventory.id", id))
	return item, err
}

func (r *LedgerWithTracing) ListInventory(ctx context.Context, pharmacyID, drugID uuid.UUID) (items []domain.InventoryItem, err error) {
	err = traced(ctx, "repository.ListInventory", func(ctx context.Context) error {
		items, err = r.next.ListInventory(ctx, pharmacyID, drugID)
		return err
	}, idAttr("pharmacy.id", pharmacyID), idAttr("drug.id", drugID))
	return items, err
}

func (r *LedgerWithTracing) FindInventoryBatch(ctx context.Context, pharmacyID, drugID uuid.UUID, batch string) (item *domain.InventoryItem, err error) {
	err = traced(ctx, "repository.FindInventoryBatch", func(ctx context.Context) error {
		item, err = r.next.FindInventoryBatch(ctx, pharmacyID, drugID, batch)
		return err
	}, idAttr("pharmacy.id", pharmacyID), idAttr("drug.id", drugID), attribute.String("inventory.batch", batch))
	return item, err
}

func (r *LedgerWithTracing) DecrementStock(ctx context.Context, itemID uuid.UUID, qty int) error {
	return traced(ctx, "repository.DecrementStock", func(ctx context.Context) error {
		return r.next.DecrementStock(ctx, itemID, qty)
	}, idAttr("inventory.id", itemID), attribute.Int("inventory.quantity", qty))
}

func (r *LedgerWithTracing) ListPendingInventory(ctx context.Context, limit int) (items []domain.InventoryItem, err error) {
	err = traced(ctx, "repository.ListPendingInventory", func(ctx context.Context) error {
		items, err = r.next.ListPendingInventory(ctx, limit)
		return err
	}, attribute.Int("limit", limit))
	return items, err
}

func (r *LedgerWithTracing) MarkInventorySynced(ctx context.Context, id uuid.UUID, reportedStock int, at time.Time) (ok bool, err error) {
	err = traced(ctx, "repository.MarkInventorySynced", func(ctx context.Context) error {
		ok, err = r.next.MarkInventorySynced(ctx, id, reportedStock, at)
		return err
	}, idAttr("inventory.id", id))
	return ok, err
}

func (r *LedgerWithTracing) CreatePrescription(ctx context.Context, p *domain.Prescription) error {
	return traced(ctx, "repository.CreatePrescription", func(ctx context.Context) error {
		return r.next.CreatePrescription(ctx, p)
	}, attribute.String("prescription.authority_id", p.AuthorityPrescriptionID), attribute.Int("prescription.items", len(p.Items)))
}

func (r *LedgerWithTracing) GetPrescription(ctx context.Context, id uuid.UUID) (p *domain.Prescription, err error) {
	err = traced(ctx, "repository.GetPrescription", func(ctx context.Context) error {
		p, err = r.next.GetPrescription(ctx, id)
		return err
	}, idAttr("prescription.id", id))
	return p, err
}

func (r *LedgerWithTracing) FindPrescriptionByAuthorityID(ctx context.Context, authorityID string) (p *domain.Prescription, err error) {
	err = traced(ctx, "repository.FindPrescriptionByAuthorityID", func(ctx context.Context) error {
		p, err = r.next.FindPrescriptionByAuthorityID(ctx, authorityID)
		return err
	}, attribute.String("prescription.authority_id", authorityID))
	return p, err
}

func (r *LedgerWithTracing) UpdatePrescriptionMetadata(ctx context.Context, p *domain.Prescription) error {
	return traced(ctx, "repository.UpdatePrescriptionMetadata", func(ctx context.Context) error {
		return r.next.UpdatePrescriptionMetadata(ctx, p)
	}, idAttr("prescription.id", p.ID))
}

func (r *LedgerWithTracing) SetDispensedQuantities(ctx context.Context, prescriptionID uuid.UUID) error {
	return traced(ctx, "repository.SetDispensedQuantities", func(ctx context.Context) error {
		return r.next.SetDispensedQuantities(ctx, prescriptionID)
	}, idAttr("prescription.id", prescriptionID))
}

func (r *LedgerWithTracing) MarkPrescriptionDispensed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return traced(ctx, "repository.MarkPrescriptionDispensed", func(ctx context.Context) error {
		return r.next.MarkPrescriptionDispensed(ctx, id, at)
	}, idAttr("prescription.id", id))
}

func (r *LedgerWithTracing) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	return traced(ctx, "repository.CreateTransaction", func(ctx context.Context) error {
		return r.next.CreateTransaction(ctx, txn)
	},
		attribute.String("transaction.number", txn.TransactionNumber),
		attribute.String("transaction.type", string(txn.Type)),
		attribute.Int("transaction.items", len(txn.Items)),
	)
}

func (r *LedgerWithTracing) GetTransaction(ctx context.Context, id uuid.UUID) (txn *domain.Transaction, err error) {
	err = traced(ctx, "repository.GetTransaction", func(ctx context.Context) error {
		txn, err = r.next.GetTransaction(ctx, id)
		return err
	}, idAttr("transaction.id", id))
	return txn, err
}

func (r *LedgerWithTracing) FindDispenseTransaction(ctx context.Context, prescriptionID uuid.UUID) (txn *domain.Transaction, err error) {
	err = traced(ctx, "repository.FindDispenseTransaction", func(ctx context.Context) error {
		txn, err = r.next.FindDispenseTransaction(ctx, prescriptionID)
		return err
	}, idAttr("prescription.id", prescriptionID))
	return txn, err
}

func (r *LedgerWithTracing) ListPendingSync(ctx context.Context, budget, limit int) (txns []domain.Transaction, err error) {
	err = traced(ctx, "repository.ListPendingSync", func(ctx context.Context) error {
		txns, err = r.next.ListPendingSync(ctx, budget, limit)
		return err
	}, attribute.Int("sync.budget", budget), attribute.Int("limit", limit))
	return txns, err
}

func (r *LedgerWithTracing) ClaimForSync(ctx context.Context, id uuid.UUID, budget int, at time.Time) (ok bool, err error) {
	err = traced(ctx, "repository.ClaimForSync", func(ctx context.Context) error {
		ok, err = r.next.ClaimForSync(ctx, id, budget, at)
		return err
	}, idAttr("transaction.id", id))
	return ok, err
}

func (r *LedgerWithTracing) CompleteSync(ctx context.Context, id uuid.UUID, authorityTxID string, at time.Time) error {
	return traced(ctx, "repository.CompleteSync", func(ctx context.Context) error {
		return r.next.CompleteSync(ctx, id, authorityTxID, at)
	}, idAttr("transaction.id", id), attribute.String("transaction.authority_id", authorityTxID))
}

func (r *LedgerWithTracing) FailSync(ctx context.Context, id uuid.UUID, attempts int, status domain.SyncStatus, message string, at time.Time) error {
	return traced(ctx, "repository.FailSync", func(ctx context.Context) error {
		return r.next.FailSync(ctx, id, attempts, status, message, at)
	}, idAttr("transaction.id", id), attribute.Int("sync.attempts", attempts), attribute.String("sync.status", string(status)))
}

func (r *LedgerWithTracing) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (n int64, err error) {
	err = traced(ctx, "repository.ReleaseStaleClaims", func(ctx context.Context) error {
		n, err = r.next.ReleaseStaleClaims(ctx, olderThan)
		return err
	})
	return n, err
}

func (r *LedgerWithTracing) ResetFailedSync(ctx context.Context, id uuid.UUID, at time.Time) (ok bool, err error) {
	err = traced(ctx, "repository.ResetFailedSync", func(ctx context.Context) error {
		ok, err = r.next.ResetFailedSync(ctx, id, at)
		return err
	}, idAttr("transaction.id", id))
	return ok, err
}

func (r *LedgerWithTracing) AppendSyncLog(ctx context.Context, log *domain.SyncLog) error {
	return traced(ctx, "repository.AppendSyncLog", func(ctx context.Context) error {
		return r.next.AppendSyncLog(ctx, log)
	}, attribute.String("sync.type", log.SyncType), attribute.String("sync.status", string(log.Status)))
}

func (r *LedgerWithTracing) ListSyncLogs(ctx context.Context, filter domain.SyncLogFilter) (logs []domain.SyncLog, err error) {
	err = traced(ctx, "repository.ListSyncLogs", func(ctx context.Context) error {
		logs, err = r.next.ListSyncLogs(ctx, filter)
		return err
	})
	return logs, err
}

func (r *LedgerWithTracing) CountSyncLogs(ctx context.Context, filter domain.SyncLogFilter) (counts []domain.SyncLogCount, err error) {
	err = traced(ctx, "repository.CountSyncLogs", func(ctx context.Context) error {
		counts, err = r.next.CountSyncLogs(ctx, filter)
		return err
	})
	return counts, err
}
