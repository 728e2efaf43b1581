package db

import (
	"context"
	"encoding/json"
	"time"

	"custodia/internal/domain"

	"gorm.io/gorm"
)

type InterventionRepository struct {
	db *gorm.DB
}

func NewInterventionRepository(db *gorm.DB) *InterventionRepository {
	return &InterventionRepository{db: db}
}

func (r *InterventionRepository) Create(ctx context.Context, intervention domain.Intervention) (domain.Intervention, error) {
	if r.db == nil {
		return domain.Intervention{}, errDBUnavailable
	}
	if intervention.ID == "" {
		id, err := newUUID()
		if err != nil {
			return domain.Intervention{}, err
		}
		intervention.ID = id
	}
	now := time.Now().UTC()
	if intervention.CreatedAt.IsZero() {
		intervention.CreatedAt = now
	}
	if intervention.Timestamp.IsZero() {
		intervention.Timestamp = now
	}

	model := interventionModelFromDomain(intervention)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Intervention{}, err
	}
	return interventionFromModel(model), nil
}

func (r *InterventionRepository) ListByRecord(ctx context.Context, tenantID, recordID string) ([]domain.Intervention, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []InterventionModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND record_id = ?", tenantID, recordID).
		Order("timestamp ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Intervention, 0, len(models))
	for _, model := range models {
		out = append(out, interventionFromModel(model))
	}
	return out, nil
}

func (r *InterventionRepository) CountByRecord(ctx context.Context, tenantID, recordID string) (int64, error) {
	if r.db == nil {
		return 0, errDBUnavailable
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&InterventionModel{}).
		Where("tenant_id = ? AND record_id = ?", tenantID, recordID).
		Count(&count).Error
	return count, err
}

func interventionModelFromDomain(intervention domain.Intervention) InterventionModel {
	return InterventionModel{
		ID:       intervention.ID,
		TenantID: intervention.TenantID,
		RecordID: intervention.RecordID,

		Action:     string(intervention.Action),
		ActorID:    intervention.Actor.ID,
		ActorName:  intervention.Actor.Name,
		ActorEmail: intervention.Actor.Email,
		ActorRole:  intervention.Actor.Role,
		Reason:     intervention.Reason,
		Notes:      intervention.Notes,

		PreviousOutcome: copyBytes(intervention.PreviousOutcome),
		NewOutcome:      copyBytes(intervention.NewOutcome),
		Metadata:        copyBytes(intervention.Metadata),

		IPAddress: intervention.IPAddress,
		UserAgent: intervention.UserAgent,

		Timestamp: intervention.Timestamp.UTC(),
		CreatedAt: intervention.CreatedAt.UTC(),
	}
}

func interventionFromModel(model InterventionModel) domain.Intervention {
	return domain.Intervention{
		ID:       model.ID,
		TenantID: model.TenantID,
		RecordID: model.RecordID,

		Action: domain.InterventionAction(model.Action),
		Actor: domain.Actor{
			ID:    model.ActorID,
			Name:  model.ActorName,
			Email: model.ActorEmail,
			Role:  model.ActorRole,
		},
		Reason: model.Reason,
		Notes:  model.Notes,

		PreviousOutcome: json.RawMessage(copyBytes(model.PreviousOutcome)),
		NewOutcome:      json.RawMessage(copyBytes(model.NewOutcome)),
		Metadata:        json.RawMessage(copyBytes(model.Metadata)),

		IPAddress: model.IPAddress,
		UserAgent: model.UserAgent,

		Timestamp: model.Timestamp.UTC(),
		CreatedAt: model.CreatedAt.UTC(),
	}
}
