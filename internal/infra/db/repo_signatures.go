package db

import (
	"context"
	"time"

	"custodia/internal/domain"

	"gorm.io/gorm"
)

type SignatureRepository struct {
	db *gorm.DB
}

func NewSignatureRepository(db *gorm.DB) *SignatureRepository {
	return &SignatureRepository{db: db}
}

func (r *SignatureRepository) Create(ctx context.Context, sig domain.HashSignature) (domain.HashSignature, error) {
	if r.db == nil {
		return domain.HashSignature{}, errDBUnavailable
	}
	if sig.ID == "" {
		id, err := newUUID()
		if err != nil {
			return domain.HashSignature{}, err
		}
		sig.ID = id
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	model := HashSignatureModel{
		ID:             sig.ID,
		TenantID:       sig.TenantID,
		ResourceType:   string(sig.ResourceType),
		ResourceID:     sig.ResourceID,
		Hash:           sig.Hash,
		Signature:      sig.Signature,
		Algorithm:      sig.Algorithm,
		KeyID:          sig.KeyID,
		KeyFingerprint: sig.KeyFingerprint,
		CreatedAt:      sig.CreatedAt.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.HashSignature{}, err
	}
	sig.CreatedAt = model.CreatedAt
	return sig, nil
}

func (r *SignatureRepository) ListByResource(ctx context.Context, tenantID, resourceID string) ([]domain.HashSignature, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []HashSignatureModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND resource_id = ?", tenantID, resourceID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.HashSignature, 0, len(models))
	for _, model := range models {
		out = append(out, domain.HashSignature{
			ID:             model.ID,
			TenantID:       model.TenantID,
			ResourceType:   domain.SignedResourceType(model.ResourceType),
			ResourceID:     model.ResourceID,
			Hash:           model.Hash,
			Signature:      model.Signature,
			Algorithm:      model.Algorithm,
			KeyID:          model.KeyID,
			KeyFingerprint: model.KeyFingerprint,
			CreatedAt:      model.CreatedAt.UTC(),
		})
	}
	return out, nil
}
