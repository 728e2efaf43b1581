package domain

import (
	"encoding/json"
	"time"
)

type SnapshotType string

const (
	SnapshotExternalData  SnapshotType = "EXTERNAL_DATA"
	SnapshotBusinessRules SnapshotType = "BUSINESS_RULES"
	SnapshotEnvironment   SnapshotType = "ENVIRONMENT"
	SnapshotFeatureVector SnapshotType = "FEATURE_VECTOR"
)

// ValidSnapshotType reports whether t is one of the registered types.
func ValidSnapshotType(t SnapshotType) bool {
	switch t {
	case SnapshotExternalData, SnapshotBusinessRules, SnapshotEnvironment, SnapshotFeatureVector:
		return true
	}
	return false
}

// Snapshot is a content-addressed copy of evidence captured at decision
// time. Payload bytes live in blob storage; the row carries the tagged
// payload hash that addresses them.
type Snapshot struct {
	ID              string
	TenantID        string
	Type            SnapshotType
	PayloadHash     string
	PayloadSize     int64
	StorageKey      string
	StorageURL      string
	Compressed      bool
	CompressionAlgo string
	Source          json.RawMessage
	CapturedAt      time.Time
	CreatedAt       time.Time
}

// SnapshotStoreResult reports whether a store call created a new snapshot
// or resolved to an existing one with the same content.
type SnapshotStoreResult struct {
	Snapshot     Snapshot
	Deduplicated bool
}

// SnapshotVerification is the outcome of re-hashing stored payload bytes.
type SnapshotVerification struct {
	Valid        bool   `json:"valid"`
	SnapshotID   string `json:"snapshotId"`
	StoredHash   string `json:"storedHash"`
	ComputedHash string `json:"computedHash,omitempty"`
	Error        string `json:"error,omitempty"`
}
