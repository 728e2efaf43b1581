package db

import (
	"context"
	"encoding/json"
	"time"

	"custodia/internal/domain"

	"gorm.io/gorm"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	if r.db == nil {
		return domain.AuditEntry{}, errDBUnavailable
	}
	if entry.ID == "" {
		id, err := newUUID()
		if err != nil {
			return domain.AuditEntry{}, err
		}
		entry.ID = id
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = domain.AuditSuccess
	}

	model := AuditEntryModel{
		ID:           entry.ID,
		TenantID:     entry.TenantID,
		Actor:        entry.Actor,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Metadata:     copyBytes(entry.Metadata),
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		Status:       string(entry.Status),
		ErrorMessage: entry.ErrorMessage,
		Timestamp:    entry.Timestamp.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.AuditEntry{}, err
	}
	entry.Timestamp = model.Timestamp
	return entry, nil
}

type AuditFilter struct {
	Action       string
	ResourceType string
	ResourceID   string
	Since        *time.Time
	Limit        int
}

func (r *AuditRepository) List(ctx context.Context, tenantID string, filter AuditFilter) ([]domain.AuditEntry, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.ResourceType != "" {
		q = q.Where("resource_type = ?", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		q = q.Where("resource_id = ?", filter.ResourceID)
	}
	if filter.Since != nil {
		q = q.Where("timestamp >= ?", filter.Since.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var models []AuditEntryModel
	if err := q.Order("timestamp ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(models))
	for _, model := range models {
		out = append(out, domain.AuditEntry{
			ID:           model.ID,
			TenantID:     model.TenantID,
			Actor:        model.Actor,
			Action:       model.Action,
			ResourceType: model.ResourceType,
			ResourceID:   model.ResourceID,
			Metadata:     json.RawMessage(copyBytes(model.Metadata)),
			IPAddress:    model.IPAddress,
			UserAgent:    model.UserAgent,
			Status:       domain.AuditStatus(model.Status),
			ErrorMessage: model.ErrorMessage,
			Timestamp:    model.Timestamp.UTC(),
		})
	}
	return out, nil
}

// CountSince groups matching entries by action, for signing statistics.
func (r *AuditRepository) CountSince(ctx context.Context, tenantID string, actions []string, since time.Time) (map[string]int64, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	type row struct {
		Action string
		N      int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&AuditEntryModel{}).
		Select("action, COUNT(*) AS n").
		Where("tenant_id = ? AND action IN ? AND timestamp >= ?", tenantID, actions, since.UTC()).
		Group("action").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Action] = r.N
	}
	return out, nil
}
