package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
)

// VerifyChain walks a tenant's records in chain order, recomputing every
// chain hash and checking each link against its predecessor. It reports
// the first break and stops; everything after a break is unverifiable.
func (s *LedgerService) VerifyChain(ctx context.Context, tenantID, fromTxn, toTxn string) (domain.ChainVerification, error) {
	result := domain.ChainVerification{
		TenantID:    tenantID,
		CheckedFrom: fromTxn,
		CheckedTo:   toTxn,
		VerifiedAt:  time.Now().UTC(),
	}

	records, err := s.Records.ListChain(ctx, tenantID, fromTxn, toTxn)
	if err != nil {
		return domain.ChainVerification{}, err
	}
	if len(records) == 0 {
		result.Valid = true
		return result, nil
	}

	// When the walk starts mid-chain, the first record's previous hash is
	// checked against its actual predecessor.
	var prevHash *string
	if records[0].PreviousHash != nil {
		prev, err := s.Records.PreviousOf(ctx, records[0])
		if errors.Is(err, domain.ErrNotFound) {
			result.Valid = false
			result.BrokenAt = records[0].TransactionID
			result.Records = 1
			result.Reason = "record claims a predecessor that does not exist"
			s.auditChainVerified(ctx, tenantID, result)
			return result, nil
		}
		if err != nil {
			return domain.ChainVerification{}, fmt.Errorf("resolve predecessor of %s: %w", records[0].TransactionID, err)
		}
		hash := prev.RecordHash
		prevHash = &hash
	}

	for i, record := range records {
		result.Records = i + 1
		if reason := verifyLink(record, prevHash); reason != "" {
			result.Valid = false
			result.BrokenAt = record.TransactionID
			result.Position = i
			result.Reason = reason
			s.auditChainVerified(ctx, tenantID, result)
			return result, nil
		}
		hash := record.RecordHash
		prevHash = &hash
	}

	result.Valid = true
	s.auditChainVerified(ctx, tenantID, result)
	return result, nil
}

// VerifyRecord checks one record's hash and its link to the predecessor.
func (s *LedgerService) VerifyRecord(ctx context.Context, tenantID, transactionID string) (domain.RecordVerification, error) {
	record, err := s.Get(ctx, tenantID, transactionID)
	if err != nil {
		return domain.RecordVerification{}, err
	}

	var prevHash *string
	if record.PreviousHash != nil {
		prev, err := s.Records.PreviousOf(ctx, record)
		if err != nil {
			return domain.RecordVerification{}, fmt.Errorf("resolve predecessor of %s: %w", transactionID, err)
		}
		hash := prev.RecordHash
		prevHash = &hash
	}

	computed := cryptoinfra.ChainHash(record.PreviousHash, record.ChainCombined())
	result := domain.RecordVerification{
		TransactionID: transactionID,
		RecordHash:    record.RecordHash,
		ComputedHash:  computed,
		PreviousOK:    linkMatches(record.PreviousHash, prevHash),
	}
	result.Valid = computed == record.RecordHash && result.PreviousOK
	switch {
	case computed != record.RecordHash:
		result.Reason = "record hash does not match content hashes"
	case !result.PreviousOK:
		result.Reason = "previous hash does not match predecessor"
	}
	return result, nil
}

func verifyLink(record domain.DecisionRecord, expectedPrev *string) string {
	if !linkMatches(record.PreviousHash, expectedPrev) {
		return "previous hash does not match predecessor"
	}
	computed := cryptoinfra.ChainHash(record.PreviousHash, record.ChainCombined())
	if computed != record.RecordHash {
		return "record hash does not match content hashes"
	}
	return ""
}

func linkMatches(stored, expected *string) bool {
	if stored == nil || expected == nil {
		return stored == nil && expected == nil
	}
	return *stored == *expected
}

func (s *LedgerService) auditChainVerified(ctx context.Context, tenantID string, result domain.ChainVerification) {
	s.Audit.Log(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Action:       domain.AuditChainVerified,
		ResourceType: "decision_chain",
		ResourceID:   tenantID,
		Metadata: auditMetadata(map[string]any{
			"valid":    result.Valid,
			"records":  result.Records,
			"brokenAt": result.BrokenAt,
		}),
	})
}
