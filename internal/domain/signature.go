package domain

import (
	"context"
	"time"
)

type SignedResourceType string

const (
	SignResourceDecision   SignedResourceType = "decision"
	SignResourceExport     SignedResourceType = "export"
	SignResourceCheckpoint SignedResourceType = "checkpoint"
)

// ValidSignedResourceType reports whether t is a registered resource type.
func ValidSignedResourceType(t SignedResourceType) bool {
	switch t {
	case SignResourceDecision, SignResourceExport, SignResourceCheckpoint:
		return true
	}
	return false
}

// HashSignature is a persisted signature over a bare 64-hex digest.
type HashSignature struct {
	ID             string
	TenantID       string
	ResourceType   SignedResourceType
	ResourceID     string
	Hash           string
	Signature      string
	Algorithm      string
	KeyID          string
	KeyFingerprint string
	CreatedAt      time.Time
}

// SignatureResult is what a Signer returns for one digest.
type SignatureResult struct {
	Signature []byte
	Algorithm string
	KeyID     string
}

// Signer is the pluggable key backend. Implementations sign the raw digest
// bytes; key material never crosses this interface.
type Signer interface {
	Sign(ctx context.Context, digest []byte) (SignatureResult, error)
	PublicKey(ctx context.Context) ([]byte, error)
	KeyID() string
	Algorithm() string
}
