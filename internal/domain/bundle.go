package domain

import "time"

type BundleStatus string

const (
	BundlePending    BundleStatus = "PENDING"
	BundleProcessing BundleStatus = "PROCESSING"
	BundleReady      BundleStatus = "READY"
	BundleFailed     BundleStatus = "FAILED"
)

// ValidBundleTransition enforces forward-only status movement:
// PENDING -> PROCESSING -> READY | FAILED.
func ValidBundleTransition(from, to BundleStatus) bool {
	switch from {
	case BundlePending:
		return to == BundleProcessing || to == BundleFailed
	case BundleProcessing:
		return to == BundleReady || to == BundleFailed
	}
	return false
}

// BundleScope selects which records an export covers: a single transaction
// or a tenant-wide time range.
type BundleScope struct {
	TransactionID string
	From          *time.Time
	To            *time.Time
}

// BundleOptions are the inclusion flags chosen at export time.
type BundleOptions struct {
	IncludePayloads  bool `json:"includePayloads"`
	IncludeSnapshots bool `json:"includeSnapshots"`
	IncludeCustody   bool `json:"includeCustody"`
	IncludeReport    bool `json:"includeReport"`
}

// EvidenceBundle tracks one export through its lifecycle. ManifestHash and
// BundleHash are set only on READY bundles.
type EvidenceBundle struct {
	ID       string
	TenantID string
	Scope    BundleScope
	Options  BundleOptions

	Status       BundleStatus
	ErrorMessage string

	ManifestHash string
	BundleHash   string
	BundleSize   int64
	StorageKey   string
	StorageURL   string
	RecordCount  int

	LegalHold bool
	ExpiresAt *time.Time

	CreatedAt      time.Time
	CompletedAt    *time.Time
	LastAccessedAt *time.Time
}
