package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
	"custodia/internal/infra/db"
	"custodia/internal/infra/storage"
)

// The in-memory repositories below mirror the database repositories'
// observable behavior, including chain hash assembly on append, so the
// services can be exercised without postgres.

type memRecords struct {
	mu      sync.Mutex
	records map[string][]domain.DecisionRecord

	conflictsToInject int
	updateDerivedErr  error
}

func newMemRecords() *memRecords {
	return &memRecords{records: make(map[string][]domain.DecisionRecord)}
}

func (r *memRecords) Append(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflictsToInject > 0 {
		r.conflictsToInject--
		return domain.DecisionRecord{}, fmt.Errorf("%w: chain head moved", domain.ErrChainConflict)
	}
	chain := r.records[record.TenantID]
	for _, existing := range chain {
		if existing.TransactionID == record.TransactionID {
			return domain.DecisionRecord{}, fmt.Errorf("%w: transaction %s", domain.ErrConflict, record.TransactionID)
		}
	}
	if len(chain) > 0 {
		prev := chain[len(chain)-1].RecordHash
		record.PreviousHash = &prev
	}
	record.RecordHash = cryptoinfra.ChainHash(record.PreviousHash, record.ChainCombined())
	record.ID = fmt.Sprintf("rec-%s-%d", record.TenantID, len(chain)+1)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.records[record.TenantID] = append(chain, record)
	return record, nil
}

func (r *memRecords) GetByTransaction(ctx context.Context, tenantID, transactionID string) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records[tenantID] {
		if record.TransactionID == transactionID {
			return record, nil
		}
	}
	return domain.DecisionRecord{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, transactionID)
}

func (r *memRecords) GetByID(ctx context.Context, tenantID, id string) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records[tenantID] {
		if record.ID == id {
			return record, nil
		}
	}
	return domain.DecisionRecord{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
}

func (r *memRecords) ListByTenant(ctx context.Context, tenantID string, filter db.RecordFilter) ([]domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DecisionRecord
	for _, record := range r.records[tenantID] {
		if filter.From != nil && record.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && record.Timestamp.After(*filter.To) {
			continue
		}
		out = append(out, record)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memRecords) ListChain(ctx context.Context, tenantID string, fromTxn, toTxn string) ([]domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.records[tenantID]
	start, end := 0, len(chain)
	for i, record := range chain {
		if fromTxn != "" && record.TransactionID == fromTxn {
			start = i
		}
		if toTxn != "" && record.TransactionID == toTxn {
			end = i + 1
		}
	}
	if start >= end {
		return nil, nil
	}
	out := make([]domain.DecisionRecord, end-start)
	copy(out, chain[start:end])
	return out, nil
}

func (r *memRecords) PreviousOf(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.records[record.TenantID]
	for i, candidate := range chain {
		if candidate.ID == record.ID {
			if i == 0 {
				return domain.DecisionRecord{}, fmt.Errorf("%w: no predecessor", domain.ErrNotFound)
			}
			return chain[i-1], nil
		}
	}
	return domain.DecisionRecord{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, record.ID)
}

func (r *memRecords) UpdateDerived(ctx context.Context, tenantID, recordID string, hasIntervention bool, source domain.FinalDecisionSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateDerivedErr != nil {
		return r.updateDerivedErr
	}
	chain := r.records[tenantID]
	for i := range chain {
		if chain[i].ID == recordID {
			chain[i].HasHumanIntervention = hasIntervention
			chain[i].FinalDecisionSource = source
			return nil
		}
	}
	return fmt.Errorf("%w: record %s", domain.ErrNotFound, recordID)
}

func (r *memRecords) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.records[tenantID])), nil
}

// tamper rewrites a stored field without recomputing hashes.
func (r *memRecords) tamper(tenantID string, index int, mutate func(*domain.DecisionRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(&r.records[tenantID][index])
}

type memSnapshots struct {
	mu        sync.Mutex
	snapshots []domain.Snapshot
	nextID    int
}

func (r *memSnapshots) Create(ctx context.Context, snapshot domain.Snapshot) (domain.Snapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.snapshots {
		if existing.TenantID == snapshot.TenantID && existing.Type == snapshot.Type && existing.PayloadHash == snapshot.PayloadHash {
			return existing, true, nil
		}
	}
	r.nextID++
	snapshot.ID = fmt.Sprintf("snap-%d", r.nextID)
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	r.snapshots = append(r.snapshots, snapshot)
	return snapshot, false, nil
}

func (r *memSnapshots) FindByContent(ctx context.Context, tenantID string, typ domain.SnapshotType, payloadHash string) (domain.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.snapshots {
		if existing.TenantID == tenantID && existing.Type == typ && existing.PayloadHash == payloadHash {
			return existing, nil
		}
	}
	return domain.Snapshot{}, fmt.Errorf("%w: snapshot", domain.ErrNotFound)
}

func (r *memSnapshots) GetByID(ctx context.Context, tenantID, id string) (domain.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.snapshots {
		if existing.TenantID == tenantID && existing.ID == id {
			return existing, nil
		}
	}
	return domain.Snapshot{}, fmt.Errorf("%w: snapshot %s", domain.ErrNotFound, id)
}

type memInterventions struct {
	mu            sync.Mutex
	interventions []domain.Intervention
	nextID        int
}

func (r *memInterventions) Create(ctx context.Context, intervention domain.Intervention) (domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	intervention.ID = fmt.Sprintf("int-%d", r.nextID)
	if intervention.CreatedAt.IsZero() {
		intervention.CreatedAt = time.Now().UTC()
	}
	r.interventions = append(r.interventions, intervention)
	return intervention, nil
}

func (r *memInterventions) ListByRecord(ctx context.Context, tenantID, recordID string) ([]domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Intervention
	for _, item := range r.interventions {
		if item.TenantID == tenantID && item.RecordID == recordID {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

type memBundles struct {
	mu      sync.Mutex
	bundles map[string]domain.EvidenceBundle
}

func newMemBundles() *memBundles {
	return &memBundles{bundles: make(map[string]domain.EvidenceBundle)}
}

func (r *memBundles) Create(ctx context.Context, bundle domain.EvidenceBundle) (domain.EvidenceBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bundle.Status == "" {
		bundle.Status = domain.BundlePending
	}
	if bundle.CreatedAt.IsZero() {
		bundle.CreatedAt = time.Now().UTC()
	}
	r.bundles[bundle.ID] = bundle
	return bundle, nil
}

func (r *memBundles) GetByID(ctx context.Context, tenantID, id string) (domain.EvidenceBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bundle, ok := r.bundles[id]
	if !ok || bundle.TenantID != tenantID {
		return domain.EvidenceBundle{}, fmt.Errorf("%w: bundle %s", domain.ErrNotFound, id)
	}
	return bundle, nil
}

func (r *memBundles) Transition(ctx context.Context, tenantID, id string, from, to domain.BundleStatus, mutate func(*db.BundleModel)) (domain.EvidenceBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !domain.ValidBundleTransition(from, to) {
		return domain.EvidenceBundle{}, fmt.Errorf("%w: bundle transition %s -> %s", domain.ErrConflict, from, to)
	}
	bundle, ok := r.bundles[id]
	if !ok || bundle.TenantID != tenantID {
		return domain.EvidenceBundle{}, fmt.Errorf("%w: bundle %s", domain.ErrNotFound, id)
	}
	if bundle.Status != from {
		return domain.EvidenceBundle{}, fmt.Errorf("%w: bundle %s not in status %s", domain.ErrConflict, id, from)
	}
	model := db.BundleModel{
		ID:             bundle.ID,
		TenantID:       bundle.TenantID,
		TransactionID:  bundle.Scope.TransactionID,
		RangeFrom:      bundle.Scope.From,
		RangeTo:        bundle.Scope.To,
		Status:         string(to),
		ErrorMessage:   bundle.ErrorMessage,
		ManifestHash:   bundle.ManifestHash,
		BundleHash:     bundle.BundleHash,
		BundleSize:     bundle.BundleSize,
		StorageKey:     bundle.StorageKey,
		StorageURL:     bundle.StorageURL,
		RecordCount:    bundle.RecordCount,
		LegalHold:      bundle.LegalHold,
		ExpiresAt:      bundle.ExpiresAt,
		CreatedAt:      bundle.CreatedAt,
		CompletedAt:    bundle.CompletedAt,
		LastAccessedAt: bundle.LastAccessedAt,
	}
	if mutate != nil {
		mutate(&model)
	}
	bundle.Status = domain.BundleStatus(model.Status)
	bundle.ErrorMessage = model.ErrorMessage
	bundle.ManifestHash = model.ManifestHash
	bundle.BundleHash = model.BundleHash
	bundle.BundleSize = model.BundleSize
	bundle.StorageKey = model.StorageKey
	bundle.StorageURL = model.StorageURL
	bundle.RecordCount = model.RecordCount
	bundle.CompletedAt = model.CompletedAt
	r.bundles[id] = bundle
	return bundle, nil
}

func (r *memBundles) TouchAccessed(ctx context.Context, tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bundle, ok := r.bundles[id]
	if !ok {
		return fmt.Errorf("%w: bundle %s", domain.ErrNotFound, id)
	}
	now := time.Now().UTC()
	bundle.LastAccessedAt = &now
	r.bundles[id] = bundle
	return nil
}

func (r *memBundles) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]domain.EvidenceBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EvidenceBundle
	for _, bundle := range r.bundles {
		if bundle.TenantID == tenantID {
			out = append(out, bundle)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type memSignatures struct {
	mu         sync.Mutex
	signatures []domain.HashSignature
	nextID     int
}

func (r *memSignatures) Create(ctx context.Context, sig domain.HashSignature) (domain.HashSignature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sig.ID = fmt.Sprintf("sig-%d", r.nextID)
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	r.signatures = append(r.signatures, sig)
	return sig, nil
}

func (r *memSignatures) ListByResource(ctx context.Context, tenantID, resourceID string) ([]domain.HashSignature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.HashSignature
	for _, sig := range r.signatures {
		if sig.TenantID == tenantID && sig.ResourceID == resourceID {
			out = append(out, sig)
		}
	}
	return out, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	nextID  int
	failAll bool
}

func (r *memAudit) Append(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return domain.AuditEntry{}, fmt.Errorf("%w: audit store down", domain.ErrTransient)
	}
	r.nextID++
	entry.ID = fmt.Sprintf("audit-%d", r.nextID)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	r.entries = append(r.entries, entry)
	return entry, nil
}

func (r *memAudit) List(ctx context.Context, tenantID string, filter db.AuditFilter) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEntry
	for _, entry := range r.entries {
		if entry.TenantID != tenantID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Since != nil && entry.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memAudit) CountSince(ctx context.Context, tenantID string, actions []string, since time.Time) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64)
	for _, entry := range r.entries {
		if entry.TenantID != tenantID || entry.Timestamp.Before(since) {
			continue
		}
		for _, action := range actions {
			if entry.Action == action {
				out[action]++
			}
		}
	}
	return out, nil
}

func (r *memAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.Action)
	}
	return out
}

func (r *memAudit) hasAction(action string) bool {
	for _, got := range r.actions() {
		if got == action {
			return true
		}
	}
	return false
}

type memIdempotency struct {
	mu     sync.Mutex
	claims map[string]string
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{claims: make(map[string]string)}
}

func (r *memIdempotency) Lookup(ctx context.Context, tenantID, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bound, ok := r.claims[tenantID+"/"+key]
	return bound, ok, nil
}

func (r *memIdempotency) Claim(ctx context.Context, tenantID, key, transactionID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mapKey := tenantID + "/" + key
	if bound, ok := r.claims[mapKey]; ok {
		return bound, true, nil
	}
	r.claims[mapKey] = transactionID
	return transactionID, false, nil
}

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (b *memBlobs) Put(ctx context.Context, key string, data []byte, contentType string) (storage.PutResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	b.blobs[key] = stored
	return storage.PutResult{Key: key, URL: "mem://" + key, Hash: cryptoinfra.HashBytes(data), Size: int64(len(data))}, nil
}

func (b *memBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *memBlobs) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[key]
	return ok, nil
}

func (b *memBlobs) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blobs[key]; !ok {
		return "", fmt.Errorf("%w: blob %s", domain.ErrNotFound, key)
	}
	return fmt.Sprintf("mem://%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (b *memBlobs) corrupt(keySuffix string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, data := range b.blobs {
		if strings.HasSuffix(key, keySuffix) || strings.Contains(key, keySuffix) {
			data[0] ^= 0xff
			b.blobs[key] = data
			return true
		}
	}
	return false
}

type allowAllLimiter struct {
	allowed bool
	calls   int
}

func (l *allowAllLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	l.calls++
	remaining := limit - l.calls
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitDecision{
		Allowed:   l.allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(window),
	}, nil
}

type staticPolicy struct {
	eval      domain.PolicyEvaluation
	err       error
	lastInput *domain.AuthzInput
}

func (p *staticPolicy) Evaluate(ctx context.Context, input domain.AuthzInput) (domain.PolicyEvaluation, error) {
	p.lastInput = &input
	if p.err != nil {
		return domain.PolicyEvaluation{}, p.err
	}
	return p.eval, nil
}
