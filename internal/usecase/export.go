package usecase

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
	"custodia/internal/infra/db"
	"custodia/pkg/bundle"
)

// ExportService assembles evidence bundles. Creation is asynchronous:
// CreateBundle records intent and returns PENDING; Build does the work
// and moves the bundle to READY or FAILED. Both transitions go through
// the repository's compare-and-swap, so a crashed or duplicate builder
// cannot regress a finished bundle.
type ExportService struct {
	Bundles       BundleRepository
	Records       RecordRepository
	Interventions InterventionRepository
	Snapshots     *SnapshotService
	Signing       *SigningService
	Audit         *AuditLogger
	Blobs         BlobStore

	Expiry       time.Duration
	SignedURLTTL time.Duration
	Clock        Clock
}

type ExportRequest struct {
	TenantID string
	Scope    domain.BundleScope
	Options  domain.BundleOptions
	Actor    string

	IPAddress string
	UserAgent string
}

func (s *ExportService) CreateBundle(ctx context.Context, req ExportRequest) (domain.EvidenceBundle, error) {
	if err := s.validate(req); err != nil {
		return domain.EvidenceBundle{}, err
	}
	created := domain.EvidenceBundle{
		TenantID:  req.TenantID,
		Scope:     req.Scope,
		Options:   req.Options,
		Status:    domain.BundlePending,
		CreatedAt: s.now(),
	}
	if s.Expiry > 0 {
		expires := created.CreatedAt.Add(s.Expiry)
		created.ExpiresAt = &expires
	}
	created.ID = uuid.NewString()
	return s.Bundles.Create(ctx, created)
}

// Build runs the export for a PENDING bundle. Safe to call from a
// goroutine; every failure path lands the bundle in FAILED with the
// cause recorded.
func (s *ExportService) Build(ctx context.Context, tenantID, bundleID string, req ExportRequest) error {
	bundleRow, err := s.Bundles.Transition(ctx, tenantID, bundleID, domain.BundlePending, domain.BundleProcessing, nil)
	if err != nil {
		return err
	}

	result, err := s.assemble(ctx, bundleRow, req)
	if err != nil {
		s.fail(ctx, tenantID, bundleID, req, err)
		return err
	}

	now := s.now()
	_, err = s.Bundles.Transition(ctx, tenantID, bundleID, domain.BundleProcessing, domain.BundleReady,
		func(m *db.BundleModel) {
			m.ManifestHash = result.manifestHash
			m.BundleHash = result.bundleHash
			m.BundleSize = result.size
			m.StorageKey = result.storageKey
			m.StorageURL = result.storageURL
			m.RecordCount = result.recordCount
			m.CompletedAt = &now
		})
	if err != nil {
		return err
	}

	s.Audit.Log(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Actor:        req.Actor,
		Action:       domain.AuditBundleCreated,
		ResourceType: "evidence_bundle",
		ResourceID:   bundleID,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
		Metadata: auditMetadata(map[string]any{
			"manifestHash": result.manifestHash,
			"bundleHash":   result.bundleHash,
			"recordCount":  result.recordCount,
			"sizeBytes":    result.size,
		}),
	})
	return nil
}

type buildResult struct {
	manifestHash string
	bundleHash   string
	size         int64
	storageKey   string
	storageURL   string
	recordCount  int
}

func (s *ExportService) assemble(ctx context.Context, row domain.EvidenceBundle, req ExportRequest) (buildResult, error) {
	records, err := s.collectRecords(ctx, row)
	if err != nil {
		return buildResult{}, err
	}
	if len(records) == 0 {
		return buildResult{}, fmt.Errorf("%w: no records match the bundle scope", domain.ErrNotFound)
	}

	// Files sharing the bundle are assembled in memory. Exports are
	// bounded by the record scope, not tenant history, so this stays
	// small in practice.
	files := map[string][]byte{}

	exported := make([]bundle.ExportedRecord, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return buildResult{}, err
		}
		exported = append(exported, exportedRecord(rec))
	}
	if files["records.json"], err = marshalIndent(exported); err != nil {
		return buildResult{}, err
	}

	if err := s.addInterventions(ctx, row.TenantID, records, files); err != nil {
		return buildResult{}, err
	}
	if row.Options.IncludePayloads {
		if err := addPayloads(ctx, records, files); err != nil {
			return buildResult{}, err
		}
	}
	if row.Options.IncludeSnapshots {
		if err := s.addSnapshots(ctx, row.TenantID, req.Actor, records, files); err != nil {
			return buildResult{}, err
		}
	}
	if row.Options.IncludeCustody {
		if err := s.addCustody(ctx, row, files); err != nil {
			return buildResult{}, err
		}
	}
	if row.Options.IncludeReport {
		files["report.txt"] = renderReport(row, records, s.now())
	}
	files["verify.js"] = []byte(bundle.VerifyScript)
	files["README.txt"] = readmeText()

	if err := ctx.Err(); err != nil {
		return buildResult{}, err
	}

	manifest, err := sealManifest(row, files, len(records), s.now())
	if err != nil {
		return buildResult{}, err
	}
	proof, err := s.buildProof(ctx, row, req, records, manifest)
	if err != nil {
		return buildResult{}, err
	}

	archive, err := zipBundle(files, manifest, proof)
	if err != nil {
		return buildResult{}, err
	}

	key := fmt.Sprintf("evidence-bundles/%s/%s.zip", row.TenantID, row.ID)
	put, err := s.Blobs.Put(ctx, key, archive, "application/zip")
	if err != nil {
		return buildResult{}, fmt.Errorf("store bundle archive: %w", err)
	}

	return buildResult{
		manifestHash: manifest.ManifestHash,
		bundleHash:   cryptoinfra.HashBytes(archive),
		size:         int64(len(archive)),
		storageKey:   put.Key,
		storageURL:   put.URL,
		recordCount:  len(records),
	}, nil
}

func (s *ExportService) collectRecords(ctx context.Context, row domain.EvidenceBundle) ([]domain.DecisionRecord, error) {
	if row.Scope.TransactionID != "" {
		rec, err := s.Records.GetByTransaction(ctx, row.TenantID, row.Scope.TransactionID)
		if err != nil {
			return nil, err
		}
		return []domain.DecisionRecord{rec}, nil
	}
	return s.Records.ListByTenant(ctx, row.TenantID, db.RecordFilter{
		From: row.Scope.From,
		To:   row.Scope.To,
	})
}

func (s *ExportService) addInterventions(ctx context.Context, tenantID string, records []domain.DecisionRecord, files map[string][]byte) error {
	all := []domain.Intervention{}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !rec.HasHumanIntervention {
			continue
		}
		list, err := s.Interventions.ListByRecord(ctx, tenantID, rec.ID)
		if err != nil {
			return err
		}
		all = append(all, list...)
	}
	if len(all) == 0 {
		return nil
	}
	data, err := marshalIndent(all)
	if err != nil {
		return err
	}
	files["interventions.json"] = data
	return nil
}

func addPayloads(ctx context.Context, records []domain.DecisionRecord, files map[string][]byte) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(rec.InputPayload) == 0 && len(rec.OutputPayload) == 0 && len(rec.ContextPayload) == 0 {
			continue
		}
		data, err := marshalIndent(map[string]json.RawMessage{
			"input":   rec.InputPayload,
			"output":  rec.OutputPayload,
			"context": rec.ContextPayload,
		})
		if err != nil {
			return err
		}
		files["payloads/"+rec.TransactionID+".json"] = data
	}
	return nil
}

func (s *ExportService) addSnapshots(ctx context.Context, tenantID, actor string, records []domain.DecisionRecord, files map[string][]byte) error {
	seen := map[string]bool{}
	for _, rec := range records {
		for _, id := range rec.Snapshots.All() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			retrieved, err := s.Snapshots.Retrieve(ctx, tenantID, id, actor)
			if err != nil {
				return fmt.Errorf("snapshot %s: %w", id, err)
			}
			files["snapshots/"+id+".json"] = retrieved.Payload
		}
	}
	return nil
}

func (s *ExportService) addCustody(ctx context.Context, row domain.EvidenceBundle, files map[string][]byte) error {
	entries, err := s.Audit.Repo.List(ctx, row.TenantID, db.AuditFilter{
		ResourceType: "evidence_bundle",
		ResourceID:   row.ID,
	})
	if err != nil {
		return err
	}
	events := make([]domain.CustodyEvent, 0, len(entries))
	for _, e := range entries {
		events = append(events, domain.CustodyEvent{
			Class:     domain.ClassifyCustodyAction(e.Action),
			Action:    e.Action,
			Actor:     e.Actor,
			IPAddress: e.IPAddress,
			Status:    e.Status,
			Timestamp: e.Timestamp,
		})
	}
	data, err := marshalIndent(events)
	if err != nil {
		return err
	}
	files["custody.json"] = data
	return nil
}

func (s *ExportService) buildProof(ctx context.Context, row domain.EvidenceBundle, req ExportRequest, records []domain.DecisionRecord, manifest bundle.Manifest) (bundle.Proof, error) {
	proof := bundle.Proof{
		TenantID:      row.TenantID,
		ChainHeadHash: records[len(records)-1].RecordHash,
		ManifestHash:  manifest.ManifestHash,
	}
	if s.Signing == nil {
		return proof, nil
	}

	digest, err := cryptoinfra.ParseTaggedHash(manifest.ManifestHash)
	if err != nil {
		return bundle.Proof{}, err
	}
	sig, err := s.Signing.Sign(ctx, SignRequest{
		TenantID:     row.TenantID,
		Hash:         digest,
		ResourceType: domain.SignResourceExport,
		ResourceID:   row.ID,
		Actor:        req.Actor,
		IPAddress:    req.IPAddress,
	})
	if err != nil {
		return bundle.Proof{}, fmt.Errorf("sign manifest: %w", err)
	}
	key, err := s.Signing.ActiveKey(ctx)
	if err != nil {
		return bundle.Proof{}, err
	}
	proof.Signature = sig.Signature
	proof.Algorithm = sig.Algorithm
	proof.KeyID = sig.KeyID
	proof.PublicKey = key.PublicKeyB64
	proof.KeyFingerprint = sig.KeyFingerprint
	return proof, nil
}

// Download resolves a READY bundle to a time-limited URL and records the
// access in the custody trail.
func (s *ExportService) Download(ctx context.Context, tenantID, bundleID, actor, ip, userAgent string) (string, domain.EvidenceBundle, error) {
	row, err := s.Bundles.GetByID(ctx, tenantID, bundleID)
	if err != nil {
		return "", domain.EvidenceBundle{}, err
	}
	if row.Status != domain.BundleReady {
		return "", domain.EvidenceBundle{}, fmt.Errorf("%w: bundle %s is %s, not READY", domain.ErrConflict, bundleID, row.Status)
	}
	if row.ExpiresAt != nil && !row.LegalHold && s.now().After(*row.ExpiresAt) {
		return "", domain.EvidenceBundle{}, fmt.Errorf("%w: bundle %s expired", domain.ErrNotFound, bundleID)
	}
	url, err := s.Blobs.SignedURL(ctx, row.StorageKey, s.SignedURLTTL)
	if err != nil {
		return "", domain.EvidenceBundle{}, err
	}
	if err := s.Bundles.TouchAccessed(ctx, tenantID, bundleID); err != nil {
		log.Printf("touch bundle access failed for %s: %v", bundleID, err)
	}
	s.Audit.Log(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Actor:        actor,
		Action:       domain.AuditBundleDownloaded,
		ResourceType: "evidence_bundle",
		ResourceID:   bundleID,
		IPAddress:    ip,
		UserAgent:    userAgent,
	})
	return url, row, nil
}

func (s *ExportService) Get(ctx context.Context, tenantID, bundleID, actor string) (domain.EvidenceBundle, error) {
	row, err := s.Bundles.GetByID(ctx, tenantID, bundleID)
	if err != nil {
		return domain.EvidenceBundle{}, err
	}
	s.Audit.Log(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Actor:        actor,
		Action:       domain.AuditBundleViewed,
		ResourceType: "evidence_bundle",
		ResourceID:   bundleID,
	})
	return row, nil
}

func (s *ExportService) List(ctx context.Context, tenantID string, limit, offset int) ([]domain.EvidenceBundle, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.Bundles.ListByTenant(ctx, tenantID, limit, offset)
}

func (s *ExportService) validate(req ExportRequest) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	scope := req.Scope
	if scope.TransactionID == "" && scope.From == nil && scope.To == nil {
		return fmt.Errorf("%w: bundle scope requires a transaction id or a time range", domain.ErrValidation)
	}
	if scope.TransactionID != "" && !cryptoinfra.IsValidTransactionID(scope.TransactionID) {
		return fmt.Errorf("%w: malformed transaction id %q", domain.ErrValidation, scope.TransactionID)
	}
	if scope.From != nil && scope.To != nil && scope.To.Before(*scope.From) {
		return fmt.Errorf("%w: bundle range ends before it starts", domain.ErrValidation)
	}
	return nil
}

func (s *ExportService) fail(ctx context.Context, tenantID, bundleID string, req ExportRequest, cause error) {
	msg := cause.Error()
	if _, err := s.Bundles.Transition(ctx, tenantID, bundleID, domain.BundleProcessing, domain.BundleFailed,
		func(m *db.BundleModel) { m.ErrorMessage = msg }); err != nil {
		log.Printf("could not mark bundle %s failed: %v", bundleID, err)
	}
	s.Audit.LogError(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Actor:        req.Actor,
		Action:       domain.AuditBundleFailed,
		ResourceType: "evidence_bundle",
		ResourceID:   bundleID,
		IPAddress:    req.IPAddress,
	}, cause)
}

func (s *ExportService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func exportedRecord(rec domain.DecisionRecord) bundle.ExportedRecord {
	out := bundle.ExportedRecord{
		TransactionID:       rec.TransactionID,
		PreviousHash:        rec.PreviousHash,
		RecordHash:          rec.RecordHash,
		InputHash:           rec.InputHash,
		OutputHash:          rec.OutputHash,
		ContextHash:         rec.ContextHash,
		ModelID:             rec.ModelID,
		ModelVersion:        rec.ModelVersion,
		PolicyID:            rec.PolicyID,
		HasIntervention:     rec.HasHumanIntervention,
		FinalDecisionSource: string(rec.FinalDecisionSource),
		Timestamp:           rec.Timestamp,
	}
	if rec.Confidence > 0 {
		c := rec.Confidence
		out.ConfidenceScore = &c
	}
	return out
}

func sealManifest(row domain.EvidenceBundle, files map[string][]byte, recordCount int, now time.Time) (bundle.Manifest, error) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	entries := make([]bundle.FileEntry, 0, len(paths))
	for _, path := range paths {
		entries = append(entries, bundle.FileEntry{
			Path: path,
			Hash: cryptoinfra.HashBytes(files[path]),
			Size: int64(len(files[path])),
			Type: fileType(path),
		})
	}
	return bundle.Manifest{
		Version:     bundle.ManifestVersion,
		BundleID:    row.ID,
		TenantID:    row.TenantID,
		GeneratedAt: now,
		RecordCount: recordCount,
		Files:       entries,
	}.Seal()
}

func fileType(path string) string {
	switch {
	case path == "records.json":
		return "records"
	case path == "interventions.json":
		return "interventions"
	case path == "custody.json":
		return "custody"
	case path == "report.txt":
		return "report"
	case path == "verify.js":
		return "verifier"
	case path == "README.txt":
		return "readme"
	case len(path) > 9 && path[:9] == "payloads/":
		return "payload"
	case len(path) > 10 && path[:10] == "snapshots/":
		return "snapshot"
	default:
		return "file"
	}
}

func zipBundle(files map[string][]byte, manifest bundle.Manifest, proof bundle.Proof) ([]byte, error) {
	manifestRaw, err := marshalIndent(manifest)
	if err != nil {
		return nil, err
	}
	proofRaw, err := marshalIndent(proof)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	paths = append(paths, bundle.ManifestFileName, bundle.ProofFileName)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, path := range paths {
		data := files[path]
		switch path {
		case bundle.ManifestFileName:
			data = manifestRaw
		case bundle.ProofFileName:
			data = proofRaw
		}
		f, err := w.Create(path)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderReport(row domain.EvidenceBundle, records []domain.DecisionRecord, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "EVIDENCE BUNDLE %s\n", row.ID)
	fmt.Fprintf(&b, "Tenant:      %s\n", row.TenantID)
	fmt.Fprintf(&b, "Generated:   %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Records:     %d\n\n", len(records))
	if row.Scope.TransactionID != "" {
		fmt.Fprintf(&b, "Scope: transaction %s\n\n", row.Scope.TransactionID)
	} else {
		fmt.Fprintf(&b, "Scope: range %s to %s\n\n", formatBound(row.Scope.From), formatBound(row.Scope.To))
	}
	for _, rec := range records {
		fmt.Fprintf(&b, "%s  %s  policy=%s  source=%s", rec.Timestamp.Format(time.RFC3339),
			rec.TransactionID, rec.PolicyID, rec.FinalDecisionSource)
		if rec.HasHumanIntervention {
			b.WriteString("  [human reviewed]")
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nRun `node verify.js` in the unpacked bundle to verify integrity offline.\n")
	return b.Bytes()
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "(open)"
	}
	return t.Format(time.RFC3339)
}

func readmeText() []byte {
	return []byte(`This archive is a tamper-evident evidence bundle.

Contents:
  manifest.json        table of contents with a hash per file
  proof.json           manifest hash, chain anchor, and signature
  records.json         decision records with their hash chain
  interventions.json   human review history, when present
  payloads/            decision payloads, when included
  snapshots/           evidence snapshots, when included
  custody.json         chain-of-custody events, when included
  report.txt           human-readable summary, when included
  verify.js            offline verifier

To verify, unpack the archive and run:

  node verify.js

The verifier recomputes every file hash, the manifest hash, the record
hash chain, and the manifest signature using only the files in this
archive. Any modification after export makes verification fail.
`)
}

func marshalIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
