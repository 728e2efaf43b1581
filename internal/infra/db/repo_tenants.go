package db

import (
	"context"
	"errors"
	"time"

	"custodia/internal/domain"

	"gorm.io/gorm"
)

type TenantRepository struct {
	db *gorm.DB
}

func NewTenantRepository(db *gorm.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

func (r *TenantRepository) Create(ctx context.Context, tenant domain.Tenant) error {
	if r.db == nil {
		return errDBUnavailable
	}
	if tenant.ID == "" {
		id, err := newUUID()
		if err != nil {
			return err
		}
		tenant.ID = id
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}
	model := TenantModel{
		ID:         tenant.ID,
		Name:       tenant.Name,
		APIKeyHash: tenant.APIKeyHash,
		CreatedAt:  tenant.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *TenantRepository) GetByID(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model TenantModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return tenantFromModel(model), nil
}

// GetByAPIKeyHash resolves the tenant owning a presented API key. Lookup is
// by key hash, so plaintext keys never reach the database.
func (r *TenantRepository) GetByAPIKeyHash(ctx context.Context, keyHash string) (*domain.Tenant, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model TenantModel
	err := r.db.WithContext(ctx).First(&model, "api_key_hash = ?", keyHash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, err
	}
	return tenantFromModel(model), nil
}

func tenantFromModel(model TenantModel) *domain.Tenant {
	return &domain.Tenant{
		ID:         model.ID,
		Name:       model.Name,
		APIKeyHash: model.APIKeyHash,
		CreatedAt:  model.CreatedAt,
	}
}
