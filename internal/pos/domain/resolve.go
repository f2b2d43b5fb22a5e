package domain

import (
	"context"
	"errors"

	ledger "github.com/tair/rxsync/internal/ledger/domain"
)

// ResolveDrug finds the drug a sale line refers to, by barcode first and the
// POS drug id second. It returns ledger.ErrNotFound when neither matches.
func ResolveDrug(ctx context.Context, repo ledger.DrugRepository, line SaleLine) (*ledger.Drug, error) {
	if line.Barcode != "" {
		drug, err := repo.FindDrugByBarcode(ctx, line.Barcode)
		if err == nil || !errors.Is(err, ledger.ErrNotFound) {
			return drug, err
		}
	}
	if line.DrugID != "" {
		return repo.FindDrugByPOSID(ctx, line.DrugID)
	}
	return nil, ledger.ErrNotFound
}
