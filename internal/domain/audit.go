package domain

import (
	"encoding/json"
	"time"
)

type AuditStatus string

const (
	AuditSuccess AuditStatus = "SUCCESS"
	AuditFailed  AuditStatus = "FAILED"
	AuditDenied  AuditStatus = "DENIED"
)

// Audit action names. Custody classification keys off these strings, so
// renames are breaking.
const (
	AuditRecordCreated      = "RECORD_CREATED"
	AuditChainVerified      = "CHAIN_VERIFIED"
	AuditSnapshotAccessed   = "SNAPSHOT_ACCESSED"
	AuditInterventionFailed = "INTERVENTION_FAILED"
	AuditHashSigned         = "HASH_SIGNED"
	AuditSignRejected       = "SIGN_REJECTED"
	AuditSignRateLimited    = "SIGN_RATE_LIMITED"
	AuditSignKMSError       = "SIGN_KMS_ERROR"
	AuditBundleCreated      = "BUNDLE_CREATED"
	AuditBundleFailed       = "BUNDLE_FAILED"
	AuditBundleDownloaded   = "BUNDLE_DOWNLOADED"
	AuditBundleViewed       = "BUNDLE_VIEWED"
	AuditCustodyViewed      = "CUSTODY_REPORT_VIEWED"
)

// AuditEntry is one row of the append-only audit log. Writes never fail
// the operation being audited.
type AuditEntry struct {
	ID           string
	TenantID     string
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     json.RawMessage
	IPAddress    string
	UserAgent    string
	Status       AuditStatus
	ErrorMessage string
	Timestamp    time.Time
}
