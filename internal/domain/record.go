package domain

import (
	"encoding/json"
	"time"
)

// FinalDecisionSource records who ultimately owns a decision's outcome.
type FinalDecisionSource string

const (
	DecisionSourceAI            FinalDecisionSource = "AI"
	DecisionSourceHumanApproved FinalDecisionSource = "HUMAN_APPROVED"
	DecisionSourceHumanRejected FinalDecisionSource = "HUMAN_REJECTED"
	DecisionSourceHumanOverride FinalDecisionSource = "HUMAN_OVERRIDE"
)

// SnapshotRefs links a decision to the evidence snapshots that informed it.
type SnapshotRefs struct {
	ExternalData  string `json:"externalDataSnapshotId,omitempty"`
	BusinessRules string `json:"businessRulesSnapshotId,omitempty"`
	Environment   string `json:"environmentSnapshotId,omitempty"`
	FeatureVector string `json:"featureVectorSnapshotId,omitempty"`
}

// All returns the non-empty snapshot ids.
func (r SnapshotRefs) All() []string {
	var ids []string
	for _, id := range []string{r.ExternalData, r.BusinessRules, r.Environment, r.FeatureVector} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// DecisionRecord is one link in a tenant's hash chain. The crypto fields
// (content hashes, previous hash, record hash) are immutable once written;
// only the intervention-derived fields may change afterwards.
type DecisionRecord struct {
	ID            string
	TenantID      string
	TransactionID string

	PolicyID      string
	PolicyVersion string
	ModelID       string
	ModelVersion  string
	Confidence    float64

	InputHash   string
	OutputHash  string
	ContextHash string

	// RecordHash is the untagged 64-hex chain hash; PreviousHash is nil
	// only for the tenant's genesis record.
	RecordHash   string
	PreviousHash *string

	// Stored payloads are opt-in; hashes alone are always sufficient
	// to verify the chain.
	InputPayload   json.RawMessage
	OutputPayload  json.RawMessage
	ContextPayload json.RawMessage

	Snapshots SnapshotRefs

	HasHumanIntervention bool
	FinalDecisionSource  FinalDecisionSource

	Timestamp time.Time
	CreatedAt time.Time
}

// ChainCombined is the content-hash concatenation that feeds the chain hash.
func (r DecisionRecord) ChainCombined() string {
	return r.InputHash + r.OutputHash + r.ContextHash
}

// ChainVerification reports the outcome of a tenant chain walk.
type ChainVerification struct {
	Valid       bool      `json:"valid"`
	TenantID    string    `json:"tenantId"`
	Records     int       `json:"recordsChecked"`
	BrokenAt    string    `json:"brokenAt,omitempty"`
	Position    int       `json:"position,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CheckedFrom string    `json:"checkedFrom,omitempty"`
	CheckedTo   string    `json:"checkedTo,omitempty"`
	VerifiedAt  time.Time `json:"verifiedAt"`
}

// RecordVerification is the single-record variant of a chain check.
type RecordVerification struct {
	Valid         bool   `json:"valid"`
	TransactionID string `json:"transactionId"`
	RecordHash    string `json:"recordHash"`
	ComputedHash  string `json:"computedHash"`
	PreviousOK    bool   `json:"previousLinkOk"`
	Reason        string `json:"reason,omitempty"`
}
