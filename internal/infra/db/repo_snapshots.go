package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custodia/internal/domain"

	"gorm.io/gorm"
)

type SnapshotRepository struct {
	db *gorm.DB
}

func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Create inserts a snapshot row. Two writers racing on the same
// (tenant, type, hash) converge: the loser's insert hits the unique index
// and the existing row is returned instead, flagged as a duplicate.
func (r *SnapshotRepository) Create(ctx context.Context, snapshot domain.Snapshot) (domain.Snapshot, bool, error) {
	if r.db == nil {
		return domain.Snapshot{}, false, errDBUnavailable
	}
	if snapshot.ID == "" {
		id, err := newUUID()
		if err != nil {
			return domain.Snapshot{}, false, err
		}
		snapshot.ID = id
	}
	now := time.Now().UTC()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = now
	}

	model := snapshotModelFromDomain(snapshot)
	err := r.db.WithContext(ctx).Create(&model).Error
	if isDuplicateKey(err) {
		existing, ferr := r.FindByContent(ctx, snapshot.TenantID, snapshot.Type, snapshot.PayloadHash)
		if ferr != nil {
			return domain.Snapshot{}, false, ferr
		}
		return existing, true, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	return snapshotFromModel(model), false, nil
}

func (r *SnapshotRepository) FindByContent(ctx context.Context, tenantID string, typ domain.SnapshotType, payloadHash string) (domain.Snapshot, error) {
	if r.db == nil {
		return domain.Snapshot{}, errDBUnavailable
	}
	var model SnapshotModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND type = ? AND payload_hash = ?", tenantID, string(typ), payloadHash).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Snapshot{}, fmt.Errorf("%w: snapshot %s/%s", domain.ErrNotFound, typ, payloadHash)
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snapshotFromModel(model), nil
}

func (r *SnapshotRepository) GetByID(ctx context.Context, tenantID, id string) (domain.Snapshot, error) {
	if r.db == nil {
		return domain.Snapshot{}, errDBUnavailable
	}
	var model SnapshotModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Snapshot{}, fmt.Errorf("%w: snapshot %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snapshotFromModel(model), nil
}

func snapshotModelFromDomain(snapshot domain.Snapshot) SnapshotModel {
	return SnapshotModel{
		ID:              snapshot.ID,
		TenantID:        snapshot.TenantID,
		Type:            string(snapshot.Type),
		PayloadHash:     snapshot.PayloadHash,
		PayloadSize:     snapshot.PayloadSize,
		StorageKey:      snapshot.StorageKey,
		StorageURL:      snapshot.StorageURL,
		Compressed:      snapshot.Compressed,
		CompressionAlgo: snapshot.CompressionAlgo,
		SourceJSON:      copyBytes(snapshot.Source),
		CapturedAt:      snapshot.CapturedAt.UTC(),
		CreatedAt:       snapshot.CreatedAt.UTC(),
	}
}

func snapshotFromModel(model SnapshotModel) domain.Snapshot {
	return domain.Snapshot{
		ID:              model.ID,
		TenantID:        model.TenantID,
		Type:            domain.SnapshotType(model.Type),
		PayloadHash:     model.PayloadHash,
		PayloadSize:     model.PayloadSize,
		StorageKey:      model.StorageKey,
		StorageURL:      model.StorageURL,
		Compressed:      model.Compressed,
		CompressionAlgo: model.CompressionAlgo,
		Source:          json.RawMessage(copyBytes(model.SourceJSON)),
		CapturedAt:      model.CapturedAt.UTC(),
		CreatedAt:       model.CreatedAt.UTC(),
	}
}
