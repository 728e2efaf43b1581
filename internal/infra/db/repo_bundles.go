package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodia/internal/domain"

	"gorm.io/gorm"
)

type BundleRepository struct {
	db *gorm.DB
}

func NewBundleRepository(db *gorm.DB) *BundleRepository {
	return &BundleRepository{db: db}
}

func (r *BundleRepository) Create(ctx context.Context, bundle domain.EvidenceBundle) (domain.EvidenceBundle, error) {
	if r.db == nil {
		return domain.EvidenceBundle{}, errDBUnavailable
	}
	if bundle.CreatedAt.IsZero() {
		bundle.CreatedAt = time.Now().UTC()
	}
	if bundle.Status == "" {
		bundle.Status = domain.BundlePending
	}
	model := bundleModelFromDomain(bundle)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.EvidenceBundle{}, err
	}
	return bundleFromModel(model), nil
}

func (r *BundleRepository) GetByID(ctx context.Context, tenantID, id string) (domain.EvidenceBundle, error) {
	if r.db == nil {
		return domain.EvidenceBundle{}, errDBUnavailable
	}
	var model BundleModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.EvidenceBundle{}, fmt.Errorf("%w: bundle %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.EvidenceBundle{}, err
	}
	return bundleFromModel(model), nil
}

// Transition moves a bundle forward through its lifecycle. The status
// column is part of the WHERE clause, so a stale writer loses cleanly
// instead of regressing a READY or FAILED bundle.
func (r *BundleRepository) Transition(ctx context.Context, tenantID, id string, from, to domain.BundleStatus, mutate func(*BundleModel)) (domain.EvidenceBundle, error) {
	if r.db == nil {
		return domain.EvidenceBundle{}, errDBUnavailable
	}
	if !domain.ValidBundleTransition(from, to) {
		return domain.EvidenceBundle{}, fmt.Errorf("%w: bundle transition %s -> %s", domain.ErrConflict, from, to)
	}

	var out domain.EvidenceBundle
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BundleModel
		err := tx.
			Where("tenant_id = ? AND id = ? AND status = ?", tenantID, id, string(from)).
			Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: bundle %s not in status %s", domain.ErrConflict, id, from)
		}
		if err != nil {
			return err
		}
		model.Status = string(to)
		if mutate != nil {
			mutate(&model)
		}
		// The status guard repeats in the UPDATE itself; under READ
		// COMMITTED a racer that slipped past the read loses here on
		// RowsAffected instead of overwriting the other writer.
		res := tx.Model(&BundleModel{}).
			Where("tenant_id = ? AND id = ? AND status = ?", tenantID, id, string(from)).
			Select("*").
			Updates(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: bundle %s not in status %s", domain.ErrConflict, id, from)
		}
		out = bundleFromModel(model)
		return nil
	})
	if err != nil {
		return domain.EvidenceBundle{}, err
	}
	return out, nil
}

func (r *BundleRepository) TouchAccessed(ctx context.Context, tenantID, id string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&BundleModel{}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Update("last_accessed_at", now).Error
}

func (r *BundleRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]domain.EvidenceBundle, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var models []BundleModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.EvidenceBundle, 0, len(models))
	for _, model := range models {
		out = append(out, bundleFromModel(model))
	}
	return out, nil
}

func bundleModelFromDomain(bundle domain.EvidenceBundle) BundleModel {
	return BundleModel{
		ID:       bundle.ID,
		TenantID: bundle.TenantID,

		TransactionID: bundle.Scope.TransactionID,
		RangeFrom:     bundle.Scope.From,
		RangeTo:       bundle.Scope.To,

		IncludePayloads:  bundle.Options.IncludePayloads,
		IncludeSnapshots: bundle.Options.IncludeSnapshots,
		IncludeCustody:   bundle.Options.IncludeCustody,
		IncludeReport:    bundle.Options.IncludeReport,

		Status:       string(bundle.Status),
		ErrorMessage: bundle.ErrorMessage,

		ManifestHash: bundle.ManifestHash,
		BundleHash:   bundle.BundleHash,
		BundleSize:   bundle.BundleSize,
		StorageKey:   bundle.StorageKey,
		StorageURL:   bundle.StorageURL,
		RecordCount:  bundle.RecordCount,

		LegalHold: bundle.LegalHold,
		ExpiresAt: bundle.ExpiresAt,

		CreatedAt:      bundle.CreatedAt.UTC(),
		CompletedAt:    bundle.CompletedAt,
		LastAccessedAt: bundle.LastAccessedAt,
	}
}

func bundleFromModel(model BundleModel) domain.EvidenceBundle {
	return domain.EvidenceBundle{
		ID:       model.ID,
		TenantID: model.TenantID,
		Scope: domain.BundleScope{
			TransactionID: model.TransactionID,
			From:          model.RangeFrom,
			To:            model.RangeTo,
		},
		Options: domain.BundleOptions{
			IncludePayloads:  model.IncludePayloads,
			IncludeSnapshots: model.IncludeSnapshots,
			IncludeCustody:   model.IncludeCustody,
			IncludeReport:    model.IncludeReport,
		},

		Status:       domain.BundleStatus(model.Status),
		ErrorMessage: model.ErrorMessage,

		ManifestHash: model.ManifestHash,
		BundleHash:   model.BundleHash,
		BundleSize:   model.BundleSize,
		StorageKey:   model.StorageKey,
		StorageURL:   model.StorageURL,
		RecordCount:  model.RecordCount,

		LegalHold: model.LegalHold,
		ExpiresAt: model.ExpiresAt,

		CreatedAt:      model.CreatedAt.UTC(),
		CompletedAt:    model.CompletedAt,
		LastAccessedAt: model.LastAccessedAt,
	}
}
