package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tair/rxsync/internal/ledger/domain"
)

func (r *GormLedger) CreatePrescription(ctx context.Context, prescription *domain.Prescription) error {
	err := r.conn(ctx).Create(prescription).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("prescription %s: %w", prescription.AuthorityPrescriptionID, domain.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create prescription: %w", err)
	}
	return nil
}

func (r *GormLedger) GetPrescription(ctx context.Context, id uuid.UUID) (*domain.Prescription, error) {
	var prescription domain.Prescription
	if err := r.withItems(ctx).First(&prescription, "id = ?", id).Error; err != nil {
		return nil, findErr(err, "prescription")
	}
	return &prescription, nil
}

func (r *GormLedger) FindPrescriptionByAuthorityID(ctx context.Context, authorityID string) (*domain.Prescription, error) {
	var prescription domain.Prescription
	err := r.withItems(ctx).
		Where("authority_prescription_id = ?", authorityID).
		First(&prescription).Error
	if err != nil {
		return nil, findErr(err, "prescription")
	}
	return &prescription, nil
}

func (r *GormLedger) withItems(ctx context.Context) *gorm.DB {
	return r.conn(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("created_at") }).
		Preload("Items.Drug")
}

func (r *GormLedger) UpdatePrescriptionMetadata(ctx context.Context, p *domain.Prescription) error {
	result := r.conn(ctx).Model(&domain.Prescription{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{
			"patient_id":        p.PatientID,
			"patient_name":      p.PatientName,
			"patient_phone":     p.PatientPhone,
			"doctor_name":       p.DoctorName,
			"doctor_license":    p.DoctorLicense,
			"prescription_date": p.PrescriptionDate,
			"expiry_date":       p.ExpiryDate,
			"is_validated":      p.IsValidated,
			"validation_date":   p.ValidationDate,
			"total_amount":      p.TotalAmount,
			"copay_amount":      p.CopayAmount,
			"insurance_amount":  p.InsuranceAmount,
			"notes":             p.Notes,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update prescription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("prescription %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *GormLedger) SetDispensedQuantities(ctx context.Context, prescriptionID uuid.UUID) error {
	err := r.conn(ctx).Model(&domain.PrescriptionItem{}).
		Where("prescription_id = ?", prescriptionID).
		Update("dispensed_quantity", gorm.Expr("prescribed_quantity")).Error
	if err != nil {
		return fmt.Errorf("failed to set dispensed quantities: %w", err)
	}
	return nil
}

func (r *GormLedger) MarkPrescriptionDispensed(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.conn(ctx).Model(&domain.Prescription{}).
		Where("id = ? AND status = ?", id, domain.PrescriptionActive).
		Updates(map[string]interface{}{
			"status":         domain.PrescriptionDispensed,
			"dispensed_date": at,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark prescription dispensed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("prescription %s: %w", id, domain.ErrStatusChanged)
	}
	return nil
}
