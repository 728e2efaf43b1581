package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodia/internal/domain"

	"gorm.io/gorm"
)

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Lookup returns the transaction a key is bound to, if any.
func (r *IdempotencyRepository) Lookup(ctx context.Context, tenantID, key string) (string, bool, error) {
	if r.db == nil {
		return "", false, errDBUnavailable
	}
	var existing IdempotencyKeyModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND key = ?", tenantID, key).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing.TransactionID, true, nil
}

// Claim binds key to transactionID. A key that lost the insert race
// returns the transaction it was first bound to.
func (r *IdempotencyRepository) Claim(ctx context.Context, tenantID, key, transactionID string) (string, bool, error) {
	if r.db == nil {
		return "", false, errDBUnavailable
	}
	model := IdempotencyKeyModel{
		TenantID:      tenantID,
		Key:           key,
		TransactionID: transactionID,
		CreatedAt:     time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Create(&model).Error
	if isDuplicateKey(err) {
		var existing IdempotencyKeyModel
		gerr := r.db.WithContext(ctx).
			Where("tenant_id = ? AND key = ?", tenantID, key).
			Take(&existing).Error
		if errors.Is(gerr, gorm.ErrRecordNotFound) {
			return "", false, fmt.Errorf("%w: idempotency key %s", domain.ErrConflict, key)
		}
		if gerr != nil {
			return "", false, gerr
		}
		return existing.TransactionID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return transactionID, false, nil
}
