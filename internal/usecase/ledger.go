package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
	"custodia/internal/infra/db"
)

// LedgerService owns the append path of the decision ledger. Hashing is
// deterministic over canonical JSON, so a record can be re-verified from
// its payloads alone, long after the fact.
type LedgerService struct {
	Records     RecordRepository
	Snapshots   SnapshotRepository
	Idempotency IdempotencyRepository
	Audit       *AuditLogger

	StorePayloads bool
	Clock         Clock
}

type AppendRequest struct {
	TenantID      string
	PolicyID      string
	PolicyVersion string
	ModelID       string
	ModelVersion  string
	Confidence    float64

	Input   json.RawMessage
	Output  json.RawMessage
	Context json.RawMessage

	Snapshots domain.SnapshotRefs

	IdempotencyKey string
	Actor          string
	Timestamp      time.Time
}

type AppendResult struct {
	Record   domain.DecisionRecord
	Replayed bool
}

const appendRetries = 3

// Append validates, hashes, and chains a decision record. An idempotency
// key that was already used returns the record it produced the first time.
func (s *LedgerService) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if err := s.validate(req); err != nil {
		return AppendResult{}, err
	}

	inputHash, err := cryptoinfra.HashObject(req.Input)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: input: %v", domain.ErrValidation, err)
	}
	outputHash, err := cryptoinfra.HashObject(req.Output)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: output: %v", domain.ErrValidation, err)
	}
	contextHash := ""
	if len(req.Context) > 0 {
		contextHash, err = cryptoinfra.HashObject(req.Context)
		if err != nil {
			return AppendResult{}, fmt.Errorf("%w: context: %v", domain.ErrValidation, err)
		}
	}

	if err := s.checkSnapshotRefs(ctx, req.TenantID, req.Snapshots); err != nil {
		return AppendResult{}, err
	}

	if req.IdempotencyKey != "" && s.Idempotency != nil {
		boundTxn, found, err := s.Idempotency.Lookup(ctx, req.TenantID, req.IdempotencyKey)
		if err != nil {
			return AppendResult{}, err
		}
		if found {
			record, err := s.Records.GetByTransaction(ctx, req.TenantID, boundTxn)
			if err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Record: record, Replayed: true}, nil
		}
	}

	transactionID := cryptoinfra.NewTransactionID()
	record := domain.DecisionRecord{
		TenantID:      req.TenantID,
		TransactionID: transactionID,
		PolicyID:      req.PolicyID,
		PolicyVersion: req.PolicyVersion,
		ModelID:       req.ModelID,
		ModelVersion:  req.ModelVersion,
		Confidence:    req.Confidence,
		InputHash:     inputHash,
		OutputHash:    outputHash,
		ContextHash:   contextHash,
		Snapshots:     req.Snapshots,
		Timestamp:     req.Timestamp,
	}
	if s.StorePayloads {
		record.InputPayload = req.Input
		record.OutputPayload = req.Output
		record.ContextPayload = req.Context
	}

	created, err := s.appendWithRetry(ctx, record)
	if err != nil {
		s.Audit.LogError(ctx, domain.AuditEntry{
			TenantID:     req.TenantID,
			Actor:        req.Actor,
			Action:       domain.AuditRecordCreated,
			ResourceType: "decision_record",
			ResourceID:   transactionID,
		}, err)
		return AppendResult{}, err
	}

	// The key is bound only once the record exists, so a failed append
	// leaves the key free for the client's retry. Losing the bind race
	// means a concurrent duplicate committed first; surface that record.
	if req.IdempotencyKey != "" && s.Idempotency != nil {
		boundTxn, replayed, err := s.Idempotency.Claim(ctx, req.TenantID, req.IdempotencyKey, created.TransactionID)
		if err == nil && replayed && boundTxn != created.TransactionID {
			if prior, gerr := s.Records.GetByTransaction(ctx, req.TenantID, boundTxn); gerr == nil {
				return AppendResult{Record: prior, Replayed: true}, nil
			}
		}
	}

	s.Audit.Log(ctx, domain.AuditEntry{
		TenantID:     req.TenantID,
		Actor:        req.Actor,
		Action:       domain.AuditRecordCreated,
		ResourceType: "decision_record",
		ResourceID:   created.TransactionID,
		Metadata: auditMetadata(map[string]any{
			"recordHash": created.RecordHash,
			"policyId":   created.PolicyID,
		}),
	})
	return AppendResult{Record: created}, nil
}

// appendWithRetry re-runs the whole chained append when it loses a
// conflict race; content hashes stay fixed, chain position does not.
func (s *LedgerService) appendWithRetry(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error) {
	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		created, err := s.Records.Append(ctx, record)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, domain.ErrChainConflict) {
			return domain.DecisionRecord{}, err
		}
		lastErr = err
	}
	return domain.DecisionRecord{}, lastErr
}

func (s *LedgerService) validate(req AppendRequest) error {
	switch {
	case req.TenantID == "":
		return fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	case len(req.Input) == 0:
		return fmt.Errorf("%w: input is required", domain.ErrValidation)
	case len(req.Output) == 0:
		return fmt.Errorf("%w: output is required", domain.ErrValidation)
	case req.PolicyID == "":
		return fmt.Errorf("%w: policy id is required", domain.ErrValidation)
	case req.Confidence < 0 || req.Confidence > 1:
		return fmt.Errorf("%w: confidence %v outside [0,1]", domain.ErrValidation, req.Confidence)
	}
	return nil
}

func (s *LedgerService) checkSnapshotRefs(ctx context.Context, tenantID string, refs domain.SnapshotRefs) error {
	for _, id := range refs.All() {
		if _, err := s.Snapshots.GetByID(ctx, tenantID, id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: snapshot %s does not belong to tenant", domain.ErrValidation, id)
			}
			return err
		}
	}
	return nil
}

func (s *LedgerService) Get(ctx context.Context, tenantID, transactionID string) (domain.DecisionRecord, error) {
	if !cryptoinfra.IsValidTransactionID(transactionID) {
		return domain.DecisionRecord{}, fmt.Errorf("%w: malformed transaction id %q", domain.ErrValidation, transactionID)
	}
	return s.Records.GetByTransaction(ctx, tenantID, transactionID)
}

func (s *LedgerService) List(ctx context.Context, tenantID string, filter db.RecordFilter) ([]domain.DecisionRecord, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.Records.ListByTenant(ctx, tenantID, filter)
}
