package domain

import (
	"strings"
	"time"
)

type CustodyEventClass string

const (
	CustodyAccess     CustodyEventClass = "ACCESS"
	CustodyExport     CustodyEventClass = "EXPORT"
	CustodyDisclosure CustodyEventClass = "DISCLOSURE"
)

type IntegrityStatus string

const (
	IntegrityValid         IntegrityStatus = "VALID"
	IntegrityTamperEvident IntegrityStatus = "TAMPER_EVIDENT"
	IntegrityUnknown       IntegrityStatus = "UNKNOWN"
)

// ClassifyCustodyAction maps an audit action name onto the custody taxonomy.
// Disclosure wins over export, export over access, so DISCLOSURE_EXPORTED
// style composites land in the strictest class.
func ClassifyCustodyAction(action string) CustodyEventClass {
	upper := strings.ToUpper(action)
	switch {
	case strings.Contains(upper, "REGULATOR"),
		strings.Contains(upper, "COUNSEL"),
		strings.Contains(upper, "DISCLOSURE"):
		return CustodyDisclosure
	case strings.Contains(upper, "DOWNLOADED"),
		strings.Contains(upper, "EXPORTED"),
		strings.Contains(upper, "CREATED"):
		return CustodyExport
	default:
		return CustodyAccess
	}
}

// CustodyEvent is one classified entry in a bundle's custody trail.
type CustodyEvent struct {
	Class     CustodyEventClass `json:"class"`
	Action    string            `json:"action"`
	Actor     string            `json:"actor"`
	IPAddress string            `json:"ipAddress,omitempty"`
	Status    AuditStatus       `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// CustodyReport is the derived chain-of-custody view of one bundle.
// Integrity is recomputed from content at build time, never read from a
// stored flag.
type CustodyReport struct {
	BundleID      string          `json:"bundleId"`
	TenantID      string          `json:"tenantId"`
	Integrity     IntegrityStatus `json:"integrity"`
	IntegrityNote string          `json:"integrityNote,omitempty"`
	ManifestHash  string          `json:"manifestHash,omitempty"`
	BundleHash    string          `json:"bundleHash,omitempty"`
	Events        []CustodyEvent  `json:"events"`
	GeneratedAt   time.Time       `json:"generatedAt"`
}
