package usecase

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"custodia/internal/domain"
	cryptoinfra "custodia/internal/infra/crypto"
	"custodia/internal/infra/signer"
)

// SigningService signs bare hex digests with the configured key backend.
// It never sees plaintext payloads. Rate limiting is per tenant so one
// noisy integration cannot starve the KMS quota for everyone.
type SigningService struct {
	Signatures SignatureRepository
	Audit      *AuditLogger
	Signer     domain.Signer
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
	Clock      Clock

	mu          sync.Mutex
	pubKey      []byte
	fingerprint string
}

type SignRequest struct {
	TenantID     string
	Hash         string
	ResourceType domain.SignedResourceType
	ResourceID   string
	Actor        string
	IPAddress    string
}

func (s *SigningService) Sign(ctx context.Context, req SignRequest) (domain.HashSignature, error) {
	if err := s.validate(req); err != nil {
		s.auditReject(ctx, req, domain.AuditSignRejected, err)
		return domain.HashSignature{}, err
	}

	if s.Limiter != nil && s.RateLimit > 0 {
		decision, err := s.Limiter.Allow(ctx, "sign:"+req.TenantID, s.RateLimit, s.RateWindow)
		if err == nil && !decision.Allowed {
			s.auditReject(ctx, req, domain.AuditSignRateLimited,
				fmt.Errorf("limit %d per %s", decision.Limit, s.RateWindow))
			return domain.HashSignature{}, fmt.Errorf("%w: signing limit %d per %s exhausted",
				domain.ErrRateLimited, decision.Limit, s.RateWindow)
		}
		// Limiter backend errors fail open. Signing availability matters
		// more than exact quota enforcement.
	}

	digest, err := hex.DecodeString(req.Hash)
	if err != nil {
		err = fmt.Errorf("%w: hash is not valid hex", domain.ErrValidation)
		s.auditReject(ctx, req, domain.AuditSignRejected, err)
		return domain.HashSignature{}, err
	}

	result, err := s.Signer.Sign(ctx, digest)
	if err != nil {
		s.auditReject(ctx, req, domain.AuditSignKMSError, err)
		return domain.HashSignature{}, fmt.Errorf("%w: signing backend: %v", domain.ErrTransient, err)
	}

	fingerprint, err := s.keyFingerprint(ctx)
	if err != nil {
		s.auditReject(ctx, req, domain.AuditSignKMSError, err)
		return domain.HashSignature{}, fmt.Errorf("%w: signing backend: %v", domain.ErrTransient, err)
	}

	sig, err := s.Signatures.Create(ctx, domain.HashSignature{
		TenantID:       req.TenantID,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Hash:           req.Hash,
		Signature:      base64.StdEncoding.EncodeToString(result.Signature),
		Algorithm:      result.Algorithm,
		KeyID:          result.KeyID,
		KeyFingerprint: fingerprint,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return domain.HashSignature{}, err
	}

	s.Audit.Log(ctx, domain.AuditEntry{
		TenantID:     req.TenantID,
		Actor:        req.Actor,
		Action:       domain.AuditHashSigned,
		ResourceType: string(req.ResourceType),
		ResourceID:   req.ResourceID,
		IPAddress:    req.IPAddress,
		Metadata: auditMetadata(map[string]any{
			"signatureId": sig.ID,
			"keyId":       sig.KeyID,
			"algorithm":   sig.Algorithm,
		}),
	})
	return sig, nil
}

// Verify checks a previously issued signature against the backend's
// current public key. Signatures made under rotated-out keys report as
// invalid here; offline verification against the bundled key still works.
func (s *SigningService) Verify(ctx context.Context, hash, signatureB64 string) error {
	if !cryptoinfra.IsValidHashHex(hash) {
		return fmt.Errorf("%w: hash must be 64 lowercase hex characters", domain.ErrValidation)
	}
	digest, err := hex.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("%w: hash is not valid hex", domain.ErrValidation)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64", domain.ErrValidation)
	}
	pub, err := s.publicKey(ctx)
	if err != nil {
		return fmt.Errorf("%w: signing backend: %v", domain.ErrTransient, err)
	}
	if err := signer.VerifyDigest(pub, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	}
	return nil
}

// KeyInfo describes the active signing key for the public-key endpoint.
type KeyInfo struct {
	KeyID          string `json:"keyId"`
	Algorithm      string `json:"algorithm"`
	PublicKeyB64   string `json:"publicKey"`
	KeyFingerprint string `json:"keyFingerprint"`
}

func (s *SigningService) ActiveKey(ctx context.Context) (KeyInfo, error) {
	pub, err := s.publicKey(ctx)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("%w: signing backend: %v", domain.ErrTransient, err)
	}
	return KeyInfo{
		KeyID:          s.Signer.KeyID(),
		Algorithm:      s.Signer.Algorithm(),
		PublicKeyB64:   base64.StdEncoding.EncodeToString(pub),
		KeyFingerprint: signer.Fingerprint(pub),
	}, nil
}

// SignStats summarizes signing activity over a trailing window.
type SignStats struct {
	Since       time.Time `json:"since"`
	Signed      int64     `json:"signed"`
	Rejected    int64     `json:"rejected"`
	RateLimited int64     `json:"rateLimited"`
	KMSErrors   int64     `json:"kmsErrors"`
}

func (s *SigningService) Stats(ctx context.Context, tenantID string, window time.Duration) (SignStats, error) {
	since := s.now().Add(-window)
	counts, err := s.Audit.Repo.CountSince(ctx, tenantID, []string{
		domain.AuditHashSigned,
		domain.AuditSignRejected,
		domain.AuditSignRateLimited,
		domain.AuditSignKMSError,
	}, since)
	if err != nil {
		return SignStats{}, err
	}
	return SignStats{
		Since:       since,
		Signed:      counts[domain.AuditHashSigned],
		Rejected:    counts[domain.AuditSignRejected],
		RateLimited: counts[domain.AuditSignRateLimited],
		KMSErrors:   counts[domain.AuditSignKMSError],
	}, nil
}

func (s *SigningService) ListByResource(ctx context.Context, tenantID, resourceID string) ([]domain.HashSignature, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("%w: resource id is required", domain.ErrValidation)
	}
	return s.Signatures.ListByResource(ctx, tenantID, resourceID)
}

func (s *SigningService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func (s *SigningService) validate(req SignRequest) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	if !cryptoinfra.IsValidHashHex(req.Hash) {
		return fmt.Errorf("%w: hash must be 64 lowercase hex characters", domain.ErrValidation)
	}
	if !domain.ValidSignedResourceType(req.ResourceType) {
		return fmt.Errorf("%w: unknown resource type %q", domain.ErrValidation, req.ResourceType)
	}
	if req.ResourceID == "" {
		return fmt.Errorf("%w: resource id is required", domain.ErrValidation)
	}
	return nil
}

func (s *SigningService) publicKey(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubKey != nil {
		return s.pubKey, nil
	}
	pub, err := s.Signer.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	s.pubKey = pub
	s.fingerprint = signer.Fingerprint(pub)
	return pub, nil
}

func (s *SigningService) keyFingerprint(ctx context.Context) (string, error) {
	if _, err := s.publicKey(ctx); err != nil {
		return "", err
	}
	return s.fingerprint, nil
}

func (s *SigningService) auditReject(ctx context.Context, req SignRequest, action string, cause error) {
	status := domain.AuditDenied
	if action == domain.AuditSignKMSError {
		status = domain.AuditFailed
	}
	s.Audit.Log(ctx, domain.AuditEntry{
		TenantID:     req.TenantID,
		Actor:        req.Actor,
		Action:       action,
		ResourceType: string(req.ResourceType),
		ResourceID:   req.ResourceID,
		IPAddress:    req.IPAddress,
		Status:       status,
		ErrorMessage: cause.Error(),
		Metadata:     auditMetadata(map[string]any{"hash": req.Hash}),
	})
}
