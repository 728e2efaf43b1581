package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
)

// SnapshotService stores point-in-time evidence payloads, content-addressed
// per tenant and type. Identical payloads share one row and one blob.
type SnapshotService struct {
	Snapshots SnapshotRepository
	Blobs     BlobStore
	Audit     *AuditLogger
	MaxBytes  int
	Clock     Clock
}

type StoreSnapshotRequest struct {
	TenantID string
	Type     domain.SnapshotType
	Payload  json.RawMessage
	Source   json.RawMessage
	Actor    string
}

func (s *SnapshotService) Store(ctx context.Context, req StoreSnapshotRequest) (domain.SnapshotStoreResult, error) {
	if req.TenantID == "" {
		return domain.SnapshotStoreResult{}, fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	if !domain.ValidSnapshotType(req.Type) {
		return domain.SnapshotStoreResult{}, fmt.Errorf("%w: unknown snapshot type %q", domain.ErrValidation, req.Type)
	}
	if len(req.Payload) == 0 {
		return domain.SnapshotStoreResult{}, fmt.Errorf("%w: payload is required", domain.ErrValidation)
	}

	canonical, err := cryptoinfra.CanonicalizeJSON(req.Payload)
	if err != nil {
		return domain.SnapshotStoreResult{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if s.MaxBytes > 0 && len(canonical) > s.MaxBytes {
		return domain.SnapshotStoreResult{}, fmt.Errorf("%w: payload exceeds %d bytes", domain.ErrValidation, s.MaxBytes)
	}
	payloadHash := cryptoinfra.HashBytes(canonical)

	// Dedup hit: same tenant, type, and content. No writes, no audit entry.
	if existing, err := s.Snapshots.FindByContent(ctx, req.TenantID, req.Type, payloadHash); err == nil {
		return domain.SnapshotStoreResult{Snapshot: existing, Deduplicated: true}, nil
	}

	compressed, err := gzipBytes(canonical)
	if err != nil {
		return domain.SnapshotStoreResult{}, fmt.Errorf("compress snapshot: %w", err)
	}
	digest, err := cryptoinfra.ParseTaggedHash(payloadHash)
	if err != nil {
		return domain.SnapshotStoreResult{}, err
	}
	key := fmt.Sprintf("snapshots/%s/%s/%s.json.gz", req.TenantID, req.Type, digest)

	put, err := s.Blobs.Put(ctx, key, compressed, "application/gzip")
	if err != nil {
		return domain.SnapshotStoreResult{}, fmt.Errorf("%w: store snapshot blob: %v", domain.ErrTransient, err)
	}

	snapshot := domain.Snapshot{
		TenantID:        req.TenantID,
		Type:            req.Type,
		PayloadHash:     payloadHash,
		PayloadSize:     int64(len(canonical)),
		StorageKey:      key,
		StorageURL:      put.URL,
		Compressed:      true,
		CompressionAlgo: "gzip",
		Source:          req.Source,
		CapturedAt:      s.now(),
	}
	created, deduplicated, err := s.Snapshots.Create(ctx, snapshot)
	if err != nil {
		return domain.SnapshotStoreResult{}, err
	}
	return domain.SnapshotStoreResult{Snapshot: created, Deduplicated: deduplicated}, nil
}

type RetrievedSnapshot struct {
	Snapshot domain.Snapshot
	Payload  json.RawMessage
}

// Retrieve loads and decompresses a snapshot payload, re-hashing it against
// the stored hash before returning it. A mismatch means the blob store no
// longer holds what was written and is surfaced as an integrity violation.
func (s *SnapshotService) Retrieve(ctx context.Context, tenantID, snapshotID, actor string) (RetrievedSnapshot, error) {
	snapshot, err := s.Snapshots.GetByID(ctx, tenantID, snapshotID)
	if err != nil {
		return RetrievedSnapshot{}, err
	}
	payload, err := s.loadPayload(ctx, snapshot)
	if err != nil {
		return RetrievedSnapshot{}, err
	}

	computed := cryptoinfra.HashBytes(payload)
	if computed != snapshot.PayloadHash {
		return RetrievedSnapshot{}, fmt.Errorf("%w: snapshot %s hash mismatch: stored %s, computed %s",
			domain.ErrIntegrity, snapshotID, snapshot.PayloadHash, computed)
	}

	s.Audit.Log(ctx, domain.AuditEntry{
		TenantID:     tenantID,
		Actor:        actor,
		Action:       domain.AuditSnapshotAccessed,
		ResourceType: "snapshot",
		ResourceID:   snapshotID,
		Metadata:     auditMetadata(map[string]any{"type": string(snapshot.Type)}),
	})
	return RetrievedSnapshot{Snapshot: snapshot, Payload: payload}, nil
}

// Verify re-hashes the stored payload without returning it.
func (s *SnapshotService) Verify(ctx context.Context, tenantID, snapshotID string) (domain.SnapshotVerification, error) {
	snapshot, err := s.Snapshots.GetByID(ctx, tenantID, snapshotID)
	if err != nil {
		return domain.SnapshotVerification{}, err
	}
	payload, err := s.loadPayload(ctx, snapshot)
	if err != nil {
		return domain.SnapshotVerification{
			Valid:      false,
			SnapshotID: snapshotID,
			StoredHash: snapshot.PayloadHash,
			Error:      err.Error(),
		}, nil
	}
	computed := cryptoinfra.HashBytes(payload)
	result := domain.SnapshotVerification{
		Valid:        computed == snapshot.PayloadHash,
		SnapshotID:   snapshotID,
		StoredHash:   snapshot.PayloadHash,
		ComputedHash: computed,
	}
	if !result.Valid {
		result.Error = "payload hash mismatch"
	}
	return result, nil
}

func (s *SnapshotService) loadPayload(ctx context.Context, snapshot domain.Snapshot) ([]byte, error) {
	raw, err := s.Blobs.Get(ctx, snapshot.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: load snapshot blob: %v", domain.ErrTransient, err)
	}
	if !snapshot.Compressed {
		return raw, nil
	}
	return gunzipBytes(raw)
}

func (s *SnapshotService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, 6)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	return out, nil
}
