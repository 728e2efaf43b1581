package http

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"custodia/internal/config"
	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
	"custodia/internal/infra/db"
	"custodia/internal/infra/ratelimit"
	"custodia/internal/infra/signer"
	"custodia/internal/usecase"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAPIKey = "ck_test_0001"

type stubTenants struct {
	mu      sync.Mutex
	tenants map[string]domain.Tenant
}

func newStubTenants() *stubTenants {
	s := &stubTenants{tenants: make(map[string]domain.Tenant)}
	s.tenants[cryptoinfra.HashString(testAPIKey)] = domain.Tenant{
		ID:   "t1",
		Name: "Acme Insurance",
	}
	return s
}

func (s *stubTenants) GetByID(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.ID == tenantID {
			out := t
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: tenant %s", domain.ErrNotFound, tenantID)
}

func (s *stubTenants) GetByAPIKeyHash(ctx context.Context, keyHash string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[keyHash]
	if !ok {
		return nil, fmt.Errorf("%w: unknown api key", domain.ErrNotFound)
	}
	out := t
	return &out, nil
}

func (s *stubTenants) Create(ctx context.Context, t domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tenants {
		if existing.ID == t.ID {
			return fmt.Errorf("%w: tenant %s", domain.ErrConflict, t.ID)
		}
	}
	s.tenants[t.APIKeyHash] = t
	return nil
}

type stubRecords struct {
	mu     sync.Mutex
	chains map[string][]domain.DecisionRecord
}

func newStubRecords() *stubRecords {
	return &stubRecords{chains: make(map[string][]domain.DecisionRecord)}
}

func (r *stubRecords) Append(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chains[record.TenantID]
	if len(chain) > 0 {
		prev := chain[len(chain)-1].RecordHash
		record.PreviousHash = &prev
	}
	record.RecordHash = cryptoinfra.ChainHash(record.PreviousHash, record.ChainCombined())
	record.ID = fmt.Sprintf("rec-%d", len(chain)+1)
	record.CreatedAt = time.Now().UTC()
	r.chains[record.TenantID] = append(chain, record)
	return record, nil
}

func (r *stubRecords) GetByTransaction(ctx context.Context, tenantID, transactionID string) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.chains[tenantID] {
		if record.TransactionID == transactionID {
			return record, nil
		}
	}
	return domain.DecisionRecord{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, transactionID)
}

func (r *stubRecords) GetByID(ctx context.Context, tenantID, id string) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.chains[tenantID] {
		if record.ID == id {
			return record, nil
		}
	}
	return domain.DecisionRecord{}, fmt.Errorf("%w: record %s", domain.ErrNotFound, id)
}

func (r *stubRecords) ListByTenant(ctx context.Context, tenantID string, filter db.RecordFilter) ([]domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]domain.DecisionRecord(nil), r.chains[tenantID]...)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *stubRecords) ListChain(ctx context.Context, tenantID, fromTxn, toTxn string) ([]domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DecisionRecord(nil), r.chains[tenantID]...), nil
}

func (r *stubRecords) PreviousOf(ctx context.Context, record domain.DecisionRecord) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chains[record.TenantID]
	for i, candidate := range chain {
		if candidate.ID == record.ID && i > 0 {
			return chain[i-1], nil
		}
	}
	return domain.DecisionRecord{}, fmt.Errorf("%w: no predecessor", domain.ErrNotFound)
}

func (r *stubRecords) UpdateDerived(ctx context.Context, tenantID, recordID string, hasIntervention bool, source domain.FinalDecisionSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chains[tenantID]
	for i := range chain {
		if chain[i].ID == recordID {
			chain[i].HasHumanIntervention = hasIntervention
			chain[i].FinalDecisionSource = source
			return nil
		}
	}
	return fmt.Errorf("%w: record %s", domain.ErrNotFound, recordID)
}

func (r *stubRecords) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.chains[tenantID])), nil
}

type stubSnapshots struct{}

func (stubSnapshots) Create(ctx context.Context, s domain.Snapshot) (domain.Snapshot, bool, error) {
	return s, false, nil
}

func (stubSnapshots) FindByContent(ctx context.Context, tenantID string, typ domain.SnapshotType, hash string) (domain.Snapshot, error) {
	return domain.Snapshot{}, fmt.Errorf("%w: snapshot", domain.ErrNotFound)
}

func (stubSnapshots) GetByID(ctx context.Context, tenantID, id string) (domain.Snapshot, error) {
	return domain.Snapshot{}, fmt.Errorf("%w: snapshot %s", domain.ErrNotFound, id)
}

type stubInterventions struct {
	mu   sync.Mutex
	list []domain.Intervention
}

func (s *stubInterventions) Create(ctx context.Context, i domain.Intervention) (domain.Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i.ID = fmt.Sprintf("int-%d", len(s.list)+1)
	s.list = append(s.list, i)
	return i, nil
}

func (s *stubInterventions) ListByRecord(ctx context.Context, tenantID, recordID string) ([]domain.Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Intervention
	for _, i := range s.list {
		if i.TenantID == tenantID && i.RecordID == recordID {
			out = append(out, i)
		}
	}
	return out, nil
}

type stubSignatures struct {
	mu   sync.Mutex
	list []domain.HashSignature
}

func (s *stubSignatures) Create(ctx context.Context, sig domain.HashSignature) (domain.HashSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig.ID = fmt.Sprintf("sig-%d", len(s.list)+1)
	s.list = append(s.list, sig)
	return sig, nil
}

func (s *stubSignatures) ListByResource(ctx context.Context, tenantID, resourceID string) ([]domain.HashSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HashSignature
	for _, sig := range s.list {
		if sig.TenantID == tenantID && sig.ResourceID == resourceID {
			out = append(out, sig)
		}
	}
	return out, nil
}

type stubAudit struct{}

func (stubAudit) Append(ctx context.Context, e domain.AuditEntry) (domain.AuditEntry, error) {
	return e, nil
}

func (stubAudit) List(ctx context.Context, tenantID string, f db.AuditFilter) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (stubAudit) CountSince(ctx context.Context, tenantID string, actions []string, since time.Time) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func newTestServer(t *testing.T, mutate func(*config.Config, *ServerDeps)) *httptest.Server {
	t.Helper()
	records := newStubRecords()
	audit := usecase.NewAuditLogger(stubAudit{}, nil)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	local, err := signer.NewLocal(priv, "test-key")
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{AdminAPIKey: "admin-secret"}
	deps := ServerDeps{
		Ledger: &usecase.LedgerService{
			Records:   records,
			Snapshots: stubSnapshots{},
			Audit:     audit,
		},
		Interventions: &usecase.InterventionService{
			Records:       records,
			Interventions: &stubInterventions{},
			Audit:         audit,
		},
		Signing: &usecase.SigningService{
			Signatures: &stubSignatures{},
			Audit:      audit,
			Signer:     local,
		},
		Tenants:     newStubTenants(),
		AdminAPIKey: "admin-secret",
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	srv := httptest.NewServer(NewServerWithDeps(cfg, deps).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func tenantHeaders() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey}
}

func recordBody() map[string]any {
	return map[string]any{
		"policyId":        "claims-auto-v4",
		"confidenceScore": 0.9,
		"input":           map[string]any{"claimId": "CLM-1001"},
		"output":          map[string]any{"decision": "APPROVED"},
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records", nil, recordBody())
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status %d", resp.StatusCode)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Fatalf("body %v", body)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/records",
		map[string]string{"X-API-Key": "ck_wrong"}, recordBody())
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: status %d", resp.StatusCode)
	}
}

func TestAuthBearerToken(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/records",
		map[string]string{"Authorization": "Bearer " + testAPIKey}, recordBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bearer auth: status %d", resp.StatusCode)
	}
}

func TestCreateAndFetchRecord(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records", tenantHeaders(), recordBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d body %v", resp.StatusCode, body)
	}
	txn, _ := body["transactionId"].(string)
	if !strings.HasPrefix(txn, "txn_") {
		t.Fatalf("transaction id %q", txn)
	}
	if body["previousHash"] != nil {
		t.Fatalf("genesis record has previousHash %v", body["previousHash"])
	}
	recordHash, _ := body["recordHash"].(string)
	if len(recordHash) != 64 {
		t.Fatalf("record hash %q", recordHash)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+txn, tenantHeaders(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch: status %d", resp.StatusCode)
	}
	if body["recordHash"] != recordHash {
		t.Fatalf("fetch returned different hash: %v", body["recordHash"])
	}
}

func TestCreateRecordValidationMapping(t *testing.T) {
	srv := newTestServer(t, nil)

	bad := recordBody()
	delete(bad, "policyId")
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records", tenantHeaders(), bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["code"] != "INVALID_REQUEST" {
		t.Fatalf("code %v", body["code"])
	}
}

func TestGetRecordNotFoundMapping(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet,
		srv.URL+"/v1/records/txn_00000000000000000000000000000000", tenantHeaders(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("code %v", body["code"])
	}
}

func TestVerifyChainEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		body := recordBody()
		body["input"] = map[string]any{"claimId": fmt.Sprintf("CLM-%d", i)}
		if resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/records", tenantHeaders(), body); resp.StatusCode != http.StatusCreated {
			t.Fatalf("seed %d: status %d", i, resp.StatusCode)
		}
	}
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/verify", tenantHeaders(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["valid"] != true {
		t.Fatalf("chain invalid: %v", body)
	}
}

func TestInterveneEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, created := doJSON(t, http.MethodPost, srv.URL+"/v1/records", tenantHeaders(), recordBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("seed: status %d", resp.StatusCode)
	}
	txn := created["transactionId"].(string)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records/"+txn+"/intervene", tenantHeaders(), map[string]any{
		"action": "REJECTED",
		"actor":  map[string]any{"id": "reviewer-9", "role": "adjuster"},
		"reason": "excluded peril",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("intervene: status %d body %v", resp.StatusCode, body)
	}
	if body["action"] != "REJECTED" {
		t.Fatalf("body %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+txn+"/interventions", tenantHeaders(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	if count, _ := body["count"].(float64); count != 1 {
		t.Fatalf("count %v", body["count"])
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+txn, tenantHeaders(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refetch: status %d", resp.StatusCode)
	}
	if body["finalDecisionSource"] != "HUMAN_REJECTED" {
		t.Fatalf("decision source %v", body["finalDecisionSource"])
	}
}

func TestSignEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	hash := strings.Repeat("ab", 32)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/sign", tenantHeaders(), map[string]any{
		"hash":         hash,
		"resourceType": "decision",
		"resourceId":   "txn_00000000000000000000000000000001",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("sign: status %d body %v", resp.StatusCode, body)
	}
	signature, _ := body["signature"].(string)
	if signature == "" {
		t.Fatalf("no signature in %v", body)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/verify-signature", tenantHeaders(), map[string]any{
		"hash":      hash,
		"signature": signature,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify-signature: status %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/public-key", tenantHeaders(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public-key: status %d", resp.StatusCode)
	}
	if body["algorithm"] != "ed25519" {
		t.Fatalf("body %v", body)
	}
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config, deps *ServerDeps) {
		cfg.RateLimitRequests = 2
		cfg.RateLimitWindowSeconds = 60
		deps.RateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{})
	})

	var last *http.Response
	for i := 0; i < 2; i++ {
		body := recordBody()
		body["input"] = map[string]any{"claimId": fmt.Sprintf("CLM-%d", i)}
		last, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/records", tenantHeaders(), body)
		if last.StatusCode != http.StatusCreated {
			t.Fatalf("request %d: status %d", i, last.StatusCode)
		}
	}
	if last.Header.Get("RateLimit-Limit") != "2" {
		t.Fatalf("RateLimit-Limit %q", last.Header.Get("RateLimit-Limit"))
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records", tenantHeaders(), recordBody())
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", resp.StatusCode)
	}
	if body["code"] != "RATE_LIMITED" {
		t.Fatalf("code %v", body["code"])
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestAdminCreateTenant(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/tenants", nil, map[string]any{"name": "Umbrella"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no admin key: status %d", resp.StatusCode)
	}

	admin := map[string]string{"X-Admin-Key": "admin-secret"}
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/tenants", admin, map[string]any{"name": "Umbrella"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d body %v", resp.StatusCode, body)
	}
	apiKey, _ := body["apiKey"].(string)
	if !strings.HasPrefix(apiKey, "ck_") {
		t.Fatalf("api key %q", apiKey)
	}

	// The issued key authenticates immediately.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/records",
		map[string]string{"X-API-Key": apiKey}, recordBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("new tenant key rejected: status %d", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/nope", tenantHeaders(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("body %v", body)
	}
}

func TestBuildBlobStoreS3Config(t *testing.T) {
	store, err := buildBlobStore(config.Config{
		StorageBackend:     "s3",
		S3Bucket:           "evidence",
		S3Endpoint:         "http://127.0.0.1:9000",
		S3PathStyle:        true,
		AWSRegion:          "us-east-1",
		AWSAccessKeyID:     "test-access",
		AWSSecretAccessKey: "test-secret",
	})
	if err != nil {
		t.Fatalf("buildBlobStore: %v", err)
	}
	if store == nil {
		t.Fatal("expected s3 store")
	}
}

func TestBundleOptionsPdfAlias(t *testing.T) {
	opts := bundleOptionsFrom(createBundleRequest{IncludePdf: true})
	if !opts.IncludeReport {
		t.Fatal("includePdf did not request the report artifact")
	}
	opts = bundleOptionsFrom(createBundleRequest{IncludeReport: true})
	if !opts.IncludeReport {
		t.Fatal("includeReport dropped")
	}
	opts = bundleOptionsFrom(createBundleRequest{IncludePayloads: true, IncludeCustody: true})
	if opts.IncludeReport || !opts.IncludePayloads || !opts.IncludeCustody {
		t.Fatalf("unexpected mapping: %+v", opts)
	}
}
