package usecase

import (
	"context"
	"time"

	"custodia/internal/domain"
	"custodia/internal/infra/db"
	"custodia/internal/infra/storage"
)

type Clock func() time.Time

type TenantRepository interface {
	GetByID(ctx context.Context, tenantID string) (*domain.Tenant, error)
	GetByAPIKeyHash(ctx context.Context, keyHash string) (*domain.Tenant, error)
	Create(ctx context.Context, t domain.Tenant) error
}

type RecordRepository interface {
	Append(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error)
	GetByTransaction(ctx context.Context, tenantID, transactionID string) (domain.DecisionRecord, error)
	GetByID(ctx context.Context, tenantID, id string) (domain.DecisionRecord, error)
	ListByTenant(ctx context.Context, tenantID string, filter db.RecordFilter) ([]domain.DecisionRecord, error)
	ListChain(ctx context.Context, tenantID string, fromTxn, toTxn string) ([]domain.DecisionRecord, error)
	PreviousOf(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error)
	UpdateDerived(ctx context.Context, tenantID, recordID string, hasIntervention bool, source domain.FinalDecisionSource) error
	CountByTenant(ctx context.Context, tenantID string) (int64, error)
}

type SnapshotRepository interface {
	Create(ctx context.Context, snapshot domain.Snapshot) (domain.Snapshot, bool, error)
	FindByContent(ctx context.Context, tenantID string, typ domain.SnapshotType, payloadHash string) (domain.Snapshot, error)
	GetByID(ctx context.Context, tenantID, id string) (domain.Snapshot, error)
}

type InterventionRepository interface {
	Create(ctx context.Context, intervention domain.Intervention) (domain.Intervention, error)
	ListByRecord(ctx context.Context, tenantID, recordID string) ([]domain.Intervention, error)
}

type BundleRepository interface {
	Create(ctx context.Context, bundle domain.EvidenceBundle) (domain.EvidenceBundle, error)
	GetByID(ctx context.Context, tenantID, id string) (domain.EvidenceBundle, error)
	Transition(ctx context.Context, tenantID, id string, from, to domain.BundleStatus, mutate func(*db.BundleModel)) (domain.EvidenceBundle, error)
	TouchAccessed(ctx context.Context, tenantID, id string) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]domain.EvidenceBundle, error)
}

type SignatureRepository interface {
	Create(ctx context.Context, sig domain.HashSignature) (domain.HashSignature, error)
	ListByResource(ctx context.Context, tenantID, resourceID string) ([]domain.HashSignature, error)
}

type AuditRepository interface {
	Append(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error)
	List(ctx context.Context, tenantID string, filter db.AuditFilter) ([]domain.AuditEntry, error)
	CountSince(ctx context.Context, tenantID string, actions []string, since time.Time) (map[string]int64, error)
}

type IdempotencyRepository interface {
	Lookup(ctx context.Context, tenantID, key string) (string, bool, error)
	Claim(ctx context.Context, tenantID, key, transactionID string) (string, bool, error)
}

type BlobStore = storage.BlobStore

type PolicyEngine interface {
	Evaluate(ctx context.Context, input domain.AuthzInput) (domain.PolicyEvaluation, error)
}
