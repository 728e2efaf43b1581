package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"

	"gorm.io/gorm"
)

type DecisionRecordRepository struct {
	db *gorm.DB
}

func NewDecisionRecordRepository(db *gorm.DB) *DecisionRecordRepository {
	return &DecisionRecordRepository{db: db}
}

// Append links the record into its tenant chain and persists it in one
// transaction. The tenant's chain head row is locked for the duration, so
// concurrent appends for the same tenant serialize while other tenants
// proceed independently. RecordHash and PreviousHash are computed here,
// inside the lock window; callers supply content hashes only.
func (r *DecisionRecordRepository) Append(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error) {
	if r.db == nil {
		return domain.DecisionRecord{}, errDBUnavailable
	}
	if record.ID == "" {
		id, err := newUUID()
		if err != nil {
			return domain.DecisionRecord{}, err
		}
		record.ID = id
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}
	record.Timestamp = record.Timestamp.UTC().Truncate(time.Microsecond)
	record.CreatedAt = record.CreatedAt.UTC().Truncate(time.Microsecond)
	if record.FinalDecisionSource == "" {
		record.FinalDecisionSource = domain.DecisionSourceAI
	}

	var out domain.DecisionRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, prevHash, err := nextChainSeq(ctx, tx, record.TenantID)
		if err != nil {
			return err
		}
		record.PreviousHash = prevHash
		record.RecordHash = cryptoinfra.ChainHash(prevHash, record.ChainCombined())

		model := recordModelFromDomain(record, seq)
		if err := tx.Create(&model).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: transaction %s", domain.ErrConflict, record.TransactionID)
			}
			return err
		}
		if err := tx.Exec(
			"UPDATE tenant_chain_head SET seq = ?, head_hash = ?, updated_at = ? WHERE tenant_id = ?",
			seq, record.RecordHash, now, record.TenantID,
		).Error; err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	return out, nil
}

// nextChainSeq locks the tenant's chain head row and returns the next
// position plus the current head hash (nil for a genesis append).
func nextChainSeq(ctx context.Context, tx *gorm.DB, tenantID string) (int64, *string, error) {
	if tenantID == "" {
		return 0, nil, fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	if err := tx.WithContext(ctx).Exec(
		"INSERT INTO tenant_chain_head (tenant_id, seq, head_hash, updated_at) VALUES (?, 0, '', ?) ON CONFLICT (tenant_id) DO NOTHING",
		tenantID, time.Now().UTC(),
	).Error; err != nil {
		return 0, nil, err
	}

	var head TenantChainHeadModel
	if err := tx.WithContext(ctx).Raw(
		"SELECT tenant_id, seq, head_hash, updated_at FROM tenant_chain_head WHERE tenant_id = ? FOR UPDATE",
		tenantID,
	).Scan(&head).Error; err != nil {
		return 0, nil, err
	}

	if head.Seq == 0 {
		return 1, nil, nil
	}
	if head.HeadHash == "" {
		return 0, nil, fmt.Errorf("%w: missing head hash for tenant %s at seq %d", domain.ErrChainConflict, tenantID, head.Seq)
	}
	prev := head.HeadHash
	return head.Seq + 1, &prev, nil
}

func (r *DecisionRecordRepository) GetByTransaction(ctx context.Context, tenantID, transactionID string) (domain.DecisionRecord, error) {
	if r.db == nil {
		return domain.DecisionRecord{}, errDBUnavailable
	}
	var model DecisionRecordModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_id = ?", tenantID, transactionID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DecisionRecord{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, transactionID)
	}
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	return recordFromModel(model), nil
}

func (r *DecisionRecordRepository) GetByID(ctx context.Context, tenantID, id string) (domain.DecisionRecord, error) {
	if r.db == nil {
		return domain.DecisionRecord{}, errDBUnavailable
	}
	var model DecisionRecordModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DecisionRecord{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	return recordFromModel(model), nil
}

type RecordFilter struct {
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

func (r *DecisionRecordRepository) ListByTenant(ctx context.Context, tenantID string, filter RecordFilter) ([]domain.DecisionRecord, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.From != nil {
		q = q.Where("timestamp >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("timestamp <= ?", filter.To.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var models []DecisionRecordModel
	if err := q.Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DecisionRecord, 0, len(models))
	for _, model := range models {
		out = append(out, recordFromModel(model))
	}
	return out, nil
}

// ListChain returns a tenant's records in chain order for verification,
// optionally bounded by transaction ids.
func (r *DecisionRecordRepository) ListChain(ctx context.Context, tenantID string, fromTxn, toTxn string) ([]domain.DecisionRecord, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	fromSeq, toSeq := int64(0), int64(0)
	if fromTxn != "" {
		rec, err := r.seqOf(ctx, tenantID, fromTxn)
		if err != nil {
			return nil, err
		}
		fromSeq = rec
	}
	if toTxn != "" {
		rec, err := r.seqOf(ctx, tenantID, toTxn)
		if err != nil {
			return nil, err
		}
		toSeq = rec
	}

	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if fromSeq > 0 {
		q = q.Where("seq >= ?", fromSeq)
	}
	if toSeq > 0 {
		q = q.Where("seq <= ?", toSeq)
	}
	var models []DecisionRecordModel
	if err := q.Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.DecisionRecord, 0, len(models))
	for _, model := range models {
		out = append(out, recordFromModel(model))
	}
	return out, nil
}

func (r *DecisionRecordRepository) seqOf(ctx context.Context, tenantID, transactionID string) (int64, error) {
	var model DecisionRecordModel
	err := r.db.WithContext(ctx).
		Select("seq").
		Where("tenant_id = ? AND transaction_id = ?", tenantID, transactionID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: record %s", domain.ErrNotFound, transactionID)
	}
	if err != nil {
		return 0, err
	}
	return model.Seq, nil
}

// PreviousOf fetches the record immediately preceding the given one in its
// tenant chain. Returns ErrNotFound for a genesis record.
func (r *DecisionRecordRepository) PreviousOf(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error) {
	if r.db == nil {
		return domain.DecisionRecord{}, errDBUnavailable
	}
	seq, err := r.seqOf(ctx, record.TenantID, record.TransactionID)
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	if seq <= 1 {
		return domain.DecisionRecord{}, fmt.Errorf("%w: no predecessor for %s", domain.ErrNotFound, record.TransactionID)
	}
	var model DecisionRecordModel
	err = r.db.WithContext(ctx).
		Where("tenant_id = ? AND seq = ?", record.TenantID, seq-1).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DecisionRecord{}, fmt.Errorf("%w: no predecessor for %s", domain.ErrNotFound, record.TransactionID)
	}
	if err != nil {
		return domain.DecisionRecord{}, err
	}
	return recordFromModel(model), nil
}

// UpdateDerived writes the intervention-derived fields. Crypto columns are
// deliberately untouchable through this repository.
func (r *DecisionRecordRepository) UpdateDerived(ctx context.Context, tenantID, recordID string, hasIntervention bool, source domain.FinalDecisionSource) error {
	if r.db == nil {
		return errDBUnavailable
	}
	res := r.db.WithContext(ctx).
		Model(&DecisionRecordModel{}).
		Where("tenant_id = ? AND id = ?", tenantID, recordID).
		Updates(map[string]any{
			"has_human_intervention": hasIntervention,
			"final_decision_source":  string(source),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: record %s", domain.ErrNotFound, recordID)
	}
	return nil
}

func (r *DecisionRecordRepository) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	if r.db == nil {
		return 0, errDBUnavailable
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&DecisionRecordModel{}).
		Where("tenant_id = ?", tenantID).
		Count(&count).Error
	return count, err
}

func recordModelFromDomain(record domain.DecisionRecord, seq int64) DecisionRecordModel {
	return DecisionRecordModel{
		ID:            record.ID,
		TenantID:      record.TenantID,
		Seq:           seq,
		TransactionID: record.TransactionID,
		PolicyID:      record.PolicyID,
		PolicyVersion: record.PolicyVersion,
		ModelID:       record.ModelID,
		ModelVersion:  record.ModelVersion,
		Confidence:    record.Confidence,

		InputHash:   record.InputHash,
		OutputHash:  record.OutputHash,
		ContextHash: record.ContextHash,

		RecordHash:   record.RecordHash,
		PreviousHash: record.PreviousHash,

		InputPayload:   copyBytes(record.InputPayload),
		OutputPayload:  copyBytes(record.OutputPayload),
		ContextPayload: copyBytes(record.ContextPayload),

		ExternalDataSnapshotID:  stringPtrIfNotEmpty(record.Snapshots.ExternalData),
		BusinessRulesSnapshotID: stringPtrIfNotEmpty(record.Snapshots.BusinessRules),
		EnvironmentSnapshotID:   stringPtrIfNotEmpty(record.Snapshots.Environment),
		FeatureVectorSnapshotID: stringPtrIfNotEmpty(record.Snapshots.FeatureVector),

		HasHumanIntervention: record.HasHumanIntervention,
		FinalDecisionSource:  string(record.FinalDecisionSource),

		Timestamp: record.Timestamp.UTC(),
		CreatedAt: record.CreatedAt.UTC(),
	}
}

func recordFromModel(model DecisionRecordModel) domain.DecisionRecord {
	return domain.DecisionRecord{
		ID:            model.ID,
		TenantID:      model.TenantID,
		TransactionID: model.TransactionID,
		PolicyID:      model.PolicyID,
		PolicyVersion: model.PolicyVersion,
		ModelID:       model.ModelID,
		ModelVersion:  model.ModelVersion,
		Confidence:    model.Confidence,

		InputHash:   model.InputHash,
		OutputHash:  model.OutputHash,
		ContextHash: model.ContextHash,

		RecordHash:   model.RecordHash,
		PreviousHash: model.PreviousHash,

		InputPayload:   json.RawMessage(copyBytes(model.InputPayload)),
		OutputPayload:  json.RawMessage(copyBytes(model.OutputPayload)),
		ContextPayload: json.RawMessage(copyBytes(model.ContextPayload)),

		Snapshots: domain.SnapshotRefs{
			ExternalData:  stringValue(model.ExternalDataSnapshotID),
			BusinessRules: stringValue(model.BusinessRulesSnapshotID),
			Environment:   stringValue(model.EnvironmentSnapshotID),
			FeatureVector: stringValue(model.FeatureVectorSnapshotID),
		},

		HasHumanIntervention: model.HasHumanIntervention,
		FinalDecisionSource:  domain.FinalDecisionSource(model.FinalDecisionSource),

		Timestamp: model.Timestamp.UTC(),
		CreatedAt: model.CreatedAt.UTC(),
	}
}
