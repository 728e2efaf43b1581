package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
	"custodia/internal/infra/db"
)

func newLedgerService(records *memRecords, audit *memAudit) *LedgerService {
	return &LedgerService{
		Records:     records,
		Snapshots:   &memSnapshots{},
		Idempotency: newMemIdempotency(),
		Audit:       NewAuditLogger(audit, nil),
	}
}

func appendRequest(tenantID string) AppendRequest {
	return AppendRequest{
		TenantID:   tenantID,
		PolicyID:   "claims-auto-v4",
		ModelID:    "claims-model",
		Confidence: 0.93,
		Input:      json.RawMessage(`{"claimId":"CLM-1001","amount":2500}`),
		Output:     json.RawMessage(`{"decision":"APPROVED","payout":2500}`),
		Context:    json.RawMessage(`{"channel":"api"}`),
		Actor:      "system",
		Timestamp:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestAppendGenesisRecord(t *testing.T) {
	records := newMemRecords()
	audit := &memAudit{}
	svc := newLedgerService(records, audit)

	result, err := svc.Append(context.Background(), appendRequest("t1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	record := result.Record
	if result.Replayed {
		t.Fatal("fresh append reported as replayed")
	}
	if !cryptoinfra.IsValidTransactionID(record.TransactionID) {
		t.Fatalf("malformed transaction id %q", record.TransactionID)
	}
	if record.PreviousHash != nil {
		t.Fatalf("genesis record has previous hash %q", *record.PreviousHash)
	}
	if !strings.HasPrefix(record.InputHash, "sha256:") || len(record.InputHash) != len("sha256:")+64 {
		t.Fatalf("input hash %q is not a tagged sha256", record.InputHash)
	}
	if want := cryptoinfra.ChainHash(nil, record.ChainCombined()); record.RecordHash != want {
		t.Fatalf("record hash %q, want %q", record.RecordHash, want)
	}
	if !audit.hasAction(domain.AuditRecordCreated) {
		t.Fatalf("missing RECORD_CREATED audit entry, got %v", audit.actions())
	}
}

func TestAppendLinksToPredecessor(t *testing.T) {
	records := newMemRecords()
	svc := newLedgerService(records, &memAudit{})
	ctx := context.Background()

	first, err := svc.Append(ctx, appendRequest("t1"))
	if err != nil {
		t.Fatalf("Append first: %v", err)
	}
	req := appendRequest("t1")
	req.Output = json.RawMessage(`{"decision":"REJECTED"}`)
	second, err := svc.Append(ctx, req)
	if err != nil {
		t.Fatalf("Append second: %v", err)
	}

	if second.Record.PreviousHash == nil || *second.Record.PreviousHash != first.Record.RecordHash {
		t.Fatalf("second record does not link to first: %v", second.Record.PreviousHash)
	}
	want := cryptoinfra.ChainHash(second.Record.PreviousHash, second.Record.ChainCombined())
	if second.Record.RecordHash != want {
		t.Fatalf("record hash %q, want %q", second.Record.RecordHash, want)
	}
}

func TestAppendDeterministicContentHashes(t *testing.T) {
	svc := newLedgerService(newMemRecords(), &memAudit{})
	ctx := context.Background()

	reqA := appendRequest("t1")
	reqA.Input = json.RawMessage(`{"b":2,"a":1}`)
	reqB := appendRequest("t1")
	reqB.Input = json.RawMessage(`{"a":1, "b":2}`)

	a, err := svc.Append(ctx, reqA)
	if err != nil {
		t.Fatalf("Append a: %v", err)
	}
	b, err := svc.Append(ctx, reqB)
	if err != nil {
		t.Fatalf("Append b: %v", err)
	}
	if a.Record.InputHash != b.Record.InputHash {
		t.Fatalf("key order changed the input hash: %q vs %q", a.Record.InputHash, b.Record.InputHash)
	}
}

func TestAppendValidation(t *testing.T) {
	svc := newLedgerService(newMemRecords(), &memAudit{})
	ctx := context.Background()

	cases := map[string]func(*AppendRequest){
		"missing tenant":     func(r *AppendRequest) { r.TenantID = "" },
		"missing input":      func(r *AppendRequest) { r.Input = nil },
		"missing output":     func(r *AppendRequest) { r.Output = nil },
		"missing policy":     func(r *AppendRequest) { r.PolicyID = "" },
		"confidence above 1": func(r *AppendRequest) { r.Confidence = 1.2 },
		"confidence below 0": func(r *AppendRequest) { r.Confidence = -0.1 },
		"malformed input":    func(r *AppendRequest) { r.Input = json.RawMessage(`{"broken":`) },
	}
	for name, mutate := range cases {
		req := appendRequest("t1")
		mutate(&req)
		if _, err := svc.Append(ctx, req); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s: got %v, want ErrValidation", name, err)
		}
	}
}

func TestAppendRejectsForeignSnapshotRef(t *testing.T) {
	snapshots := &memSnapshots{}
	svc := newLedgerService(newMemRecords(), &memAudit{})
	svc.Snapshots = snapshots
	ctx := context.Background()

	other, _, err := snapshots.Create(ctx, domain.Snapshot{TenantID: "t2", Type: domain.SnapshotExternalData, PayloadHash: "sha256:" + strings.Repeat("a", 64)})
	if err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	req := appendRequest("t1")
	req.Snapshots.ExternalData = other.ID
	if _, err := svc.Append(ctx, req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation for cross-tenant snapshot ref", err)
	}
}

func TestAppendIdempotencyReplay(t *testing.T) {
	svc := newLedgerService(newMemRecords(), &memAudit{})
	ctx := context.Background()

	req := appendRequest("t1")
	req.IdempotencyKey = "req-42"
	first, err := svc.Append(ctx, req)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := svc.Append(ctx, req)
	if err != nil {
		t.Fatalf("Append replay: %v", err)
	}
	if !second.Replayed {
		t.Fatal("replay not reported")
	}
	if second.Record.TransactionID != first.Record.TransactionID {
		t.Fatalf("replay returned a different record: %s vs %s", second.Record.TransactionID, first.Record.TransactionID)
	}
}

func TestAppendFailureLeavesIdempotencyKeyUnbound(t *testing.T) {
	records := newMemRecords()
	records.conflictsToInject = appendRetries
	svc := newLedgerService(records, &memAudit{})
	ctx := context.Background()

	req := appendRequest("t1")
	req.IdempotencyKey = "req-77"
	if _, err := svc.Append(ctx, req); !errors.Is(err, domain.ErrChainConflict) {
		t.Fatalf("got %v, want ErrChainConflict", err)
	}

	// The failed attempt must not have consumed the key.
	result, err := svc.Append(ctx, req)
	if err != nil {
		t.Fatalf("retry with same key: %v", err)
	}
	if result.Replayed {
		t.Fatal("retry replayed a record that was never created")
	}
	if result.Record.RecordHash == "" {
		t.Fatal("record not persisted")
	}

	replay, err := svc.Append(ctx, req)
	if err != nil {
		t.Fatalf("replay after success: %v", err)
	}
	if !replay.Replayed || replay.Record.TransactionID != result.Record.TransactionID {
		t.Fatalf("expected replay of %s, got %+v", result.Record.TransactionID, replay)
	}
}

func TestAppendRetriesChainConflict(t *testing.T) {
	records := newMemRecords()
	records.conflictsToInject = 2
	svc := newLedgerService(records, &memAudit{})

	result, err := svc.Append(context.Background(), appendRequest("t1"))
	if err != nil {
		t.Fatalf("Append after conflicts: %v", err)
	}
	if result.Record.RecordHash == "" {
		t.Fatal("record not persisted")
	}
}

func TestAppendGivesUpAfterRepeatedConflicts(t *testing.T) {
	records := newMemRecords()
	records.conflictsToInject = appendRetries
	audit := &memAudit{}
	svc := newLedgerService(records, audit)

	if _, err := svc.Append(context.Background(), appendRequest("t1")); !errors.Is(err, domain.ErrChainConflict) {
		t.Fatalf("got %v, want ErrChainConflict", err)
	}
	if !audit.hasAction(domain.AuditRecordCreated) {
		t.Fatal("failed append left no audit entry")
	}
}

func TestGetRejectsMalformedTransactionID(t *testing.T) {
	svc := newLedgerService(newMemRecords(), &memAudit{})
	if _, err := svc.Get(context.Background(), "t1", "not-a-txn"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func appendChain(t *testing.T, svc *LedgerService, tenantID string, n int) []domain.DecisionRecord {
	t.Helper()
	ctx := context.Background()
	out := make([]domain.DecisionRecord, 0, n)
	for i := 0; i < n; i++ {
		req := appendRequest(tenantID)
		req.Input = json.RawMessage(`{"claimId":"CLM-` + strings.Repeat("0", 3) + string(rune('1'+i)) + `"}`)
		result, err := svc.Append(ctx, req)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		out = append(out, result.Record)
	}
	return out
}

func TestVerifyChainValid(t *testing.T) {
	records := newMemRecords()
	svc := newLedgerService(records, &memAudit{})
	appendChain(t, svc, "t1", 4)

	result, err := svc.VerifyChain(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("chain reported broken at %s: %s", result.BrokenAt, result.Reason)
	}
	if result.Records != 4 {
		t.Fatalf("verified %d records, want 4", result.Records)
	}
}

func TestVerifyChainEmptyTenant(t *testing.T) {
	svc := newLedgerService(newMemRecords(), &memAudit{})
	result, err := svc.VerifyChain(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid || result.Records != 0 {
		t.Fatalf("empty chain: valid=%v records=%d", result.Valid, result.Records)
	}
}

func TestVerifyChainDetectsTamperedContent(t *testing.T) {
	records := newMemRecords()
	svc := newLedgerService(records, &memAudit{})
	chain := appendChain(t, svc, "t1", 3)

	records.tamper("t1", 1, func(r *domain.DecisionRecord) {
		r.OutputHash = "sha256:" + strings.Repeat("f", 64)
	})

	result, err := svc.VerifyChain(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if result.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if result.BrokenAt != chain[1].TransactionID {
		t.Fatalf("break at %s, want %s", result.BrokenAt, chain[1].TransactionID)
	}
	if result.Position != 1 {
		t.Fatalf("break position %d, want 1", result.Position)
	}
}

func TestVerifyChainDetectsRelinkedRecord(t *testing.T) {
	records := newMemRecords()
	svc := newLedgerService(records, &memAudit{})
	chain := appendChain(t, svc, "t1", 3)

	// Point the last record at the genesis record, as if a row had been
	// dropped and the chain re-stitched around it.
	records.tamper("t1", 2, func(r *domain.DecisionRecord) {
		hash := chain[0].RecordHash
		r.PreviousHash = &hash
		r.RecordHash = cryptoinfra.ChainHash(r.PreviousHash, r.ChainCombined())
	})

	result, err := svc.VerifyChain(context.Background(), "t1", "", "")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if result.Valid {
		t.Fatal("re-stitched chain reported valid")
	}
	if result.BrokenAt != chain[2].TransactionID {
		t.Fatalf("break at %s, want %s", result.BrokenAt, chain[2].TransactionID)
	}
}

func TestVerifyChainSubrangeChecksPredecessor(t *testing.T) {
	records := newMemRecords()
	svc := newLedgerService(records, &memAudit{})
	chain := appendChain(t, svc, "t1", 4)

	result, err := svc.VerifyChain(context.Background(), "t1", chain[1].TransactionID, chain[2].TransactionID)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("subrange reported broken at %s: %s", result.BrokenAt, result.Reason)
	}
	if result.Records != 2 {
		t.Fatalf("verified %d records, want 2", result.Records)
	}
}

func TestVerifyRecord(t *testing.T) {
	records := newMemRecords()
	svc := newLedgerService(records, &memAudit{})
	chain := appendChain(t, svc, "t1", 2)
	ctx := context.Background()

	result, err := svc.VerifyRecord(ctx, "t1", chain[1].TransactionID)
	if err != nil {
		t.Fatalf("VerifyRecord: %v", err)
	}
	if !result.Valid {
		t.Fatalf("record reported invalid: %s", result.Reason)
	}

	records.tamper("t1", 1, func(r *domain.DecisionRecord) {
		r.InputHash = "sha256:" + strings.Repeat("0", 64)
	})
	result, err = svc.VerifyRecord(ctx, "t1", chain[1].TransactionID)
	if err != nil {
		t.Fatalf("VerifyRecord tampered: %v", err)
	}
	if result.Valid {
		t.Fatal("tampered record reported valid")
	}
}

func TestListClampsLimit(t *testing.T) {
	records := newMemRecords()
	svc := newLedgerService(records, &memAudit{})
	appendChain(t, svc, "t1", 3)

	got, err := svc.List(context.Background(), "t1", db.RecordFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("listed %d records, want 3", len(got))
	}
}
