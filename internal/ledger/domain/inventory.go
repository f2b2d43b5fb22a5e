package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Picker chooses the stock rows the lines of one sale or dispense draw
// from. Quantity picked by an earlier line is deducted from the row before
// a later line compares against it, and batches past their expiry date
// offer no stock.
type Picker struct {
	repo  InventoryRepository
	now   time.Time
	drawn map[uuid.UUID]int
}

// NewPicker creates a picker evaluating expiry at now.
func NewPicker(repo InventoryRepository, now time.Time) *Picker {
	return &Picker{repo: repo, now: now, drawn: make(map[uuid.UUID]int)}
}

// Pick chooses the row a line of qty draws from: the named batch when one
// is given, otherwise the earliest-expiring unexpired batch still holding
// enough stock. It returns the chosen row (nil when the drug is not
// stocked) and the stock left to this line, so callers can report a
// shortfall. An expired-only drug yields its first row with nothing
// available.
func (p *Picker) Pick(ctx context.Context, pharmacyID, drugID uuid.UUID, batch string, qty int) (*InventoryItem, int, error) {
	row, err := p.choose(ctx, pharmacyID, drugID, batch, qty)
	if err != nil || row == nil {
		return nil, 0, err
	}
	available := p.available(row)
	p.drawn[row.ID] += qty
	return row, available, nil
}

func (p *Picker) choose(ctx context.Context, pharmacyID, drugID uuid.UUID, batch string, qty int) (*InventoryItem, error) {
	if batch != "" {
		item, err := p.repo.FindInventoryBatch(ctx, pharmacyID, drugID, batch)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return item, err
	}

	rows, err := p.repo.ListInventory(ctx, pharmacyID, drugID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	best := -1
	for i := range rows {
		left := p.available(&rows[i])
		if p.expired(&rows[i]) {
			continue
		}
		if left >= qty {
			return &rows[i], nil
		}
		if best < 0 || left > p.available(&rows[best]) {
			best = i
		}
	}
	if best < 0 {
		return &rows[0], nil
	}
	return &rows[best], nil
}

func (p *Picker) expired(row *InventoryItem) bool {
	return row.ExpiryDate != nil && row.ExpiryDate.Before(p.now)
}

func (p *Picker) available(row *InventoryItem) int {
	if p.expired(row) {
		return 0
	}
	left := row.CurrentStock - p.drawn[row.ID]
	if left < 0 {
		return 0
	}
	return left
}
